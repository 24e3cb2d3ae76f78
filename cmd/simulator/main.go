package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/jaydenbeard/lattice-sim/internal/config"
	"github.com/jaydenbeard/lattice-sim/internal/device"
	"github.com/jaydenbeard/lattice-sim/internal/engine"
	"github.com/jaydenbeard/lattice-sim/internal/handlers"
	"github.com/jaydenbeard/lattice-sim/internal/uichannel"
)

func main() {
	cfg := config.Load()

	log.Printf("🚀 Starting Lattice Simulator: %s", cfg.ServerID)

	// Process-root registry; passed by reference, never global.
	registry := device.NewRegistry()

	// UI channel hub and protocol engine.
	hub := uichannel.NewHub()
	eng := engine.New(registry, hub)
	defer eng.Stop()

	// Apply configured timing knobs.
	eng.Pairing().SetTimeout(cfg.PairingWindow)
	eng.Approvals().SetTimeout(cfg.SigningTimeout)
	hub.Correlator().SetTimeout(cfg.UITimeout)

	// Pre-create the default device so a UI can attach before the first
	// SDK CONNECT.
	if cfg.DefaultDeviceID != "" {
		registry.GetOrCreate(cfg.DefaultDeviceID)
	}

	// Setup HTTP router
	router := mux.NewRouter()

	// Health check endpoint (for load balancer)
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// UI control channel
	router.HandleFunc("/ws/device/{deviceId}", handlers.UIChannel(hub)).Methods("GET")

	// Wire protocol endpoint: one frame per POST
	router.HandleFunc("/{deviceId}", handlers.DeviceFrame(eng)).Methods("POST")

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})

	// Security timeouts to prevent Slowloris attacks. The write timeout
	// must cover a full signing-approval suspension.
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           corsHandler.Handler(router),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.SigningTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("📡 Simulator listening on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Printf("🛑 Received signal %v - shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Warning: HTTP server shutdown error: %v", err)
	}

	// Close UI channels after HTTP drain so in-flight replies can still
	// reach their waiters.
	hub.Stop()

	log.Println("✅ Simulator stopped gracefully")
}
