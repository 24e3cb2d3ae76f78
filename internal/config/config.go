package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the simulator.
type Config struct {
	ServerID   string
	ServerPort string

	// DefaultDeviceID is pre-created at startup so a UI can attach before
	// the first SDK CONNECT.
	DefaultDeviceID string
	DeviceName      string

	// Timing knobs; all overridable at runtime via update_config.
	PairingWindow  time.Duration
	SigningTimeout time.Duration
	UITimeout      time.Duration

	AllowedOrigins []string
}

// loadEnvFiles loads environment files in the correct order.
func loadEnvFiles() {
	// Load base .env file (ignore error - file may not exist)
	_ = godotenv.Load()

	// Load environment-specific file (e.g., .env.development, .env.production)
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}

	// Load local overrides (.env.local)
	_ = godotenv.Load(".env.local")
}

// Load reads configuration from environment variables, with .env file
// layering: .env -> .env.{NODE_ENV} -> .env.local.
func Load() *Config {
	loadEnvFiles()

	cfg := &Config{
		ServerID:        getEnv("SERVER_ID", "lattice-sim-1"),
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		DefaultDeviceID: getEnv("DEVICE_ID", ""),
		DeviceName:      getEnv("DEVICE_NAME", "Lattice1 Simulator"),
		PairingWindow:   getEnvDuration("PAIRING_WINDOW_MS", 60_000),
		SigningTimeout:  getEnvDuration("SIGNING_TIMEOUT_MS", 300_000),
		UITimeout:       getEnvDuration("UI_TIMEOUT_MS", 300_000),
		AllowedOrigins:  splitOrigins(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")),
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallbackMs int64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallbackMs) * time.Millisecond
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		log.Printf("Warning: invalid %s=%q, using default %dms", key, v, fallbackMs)
		return time.Duration(fallbackMs) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func splitOrigins(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
