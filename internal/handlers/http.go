// Package handlers exposes the simulator's HTTP surface: the wire
// protocol endpoint SDK clients POST frames to, the UI WebSocket channel,
// and the health check.
package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/mux"
	ws "github.com/gorilla/websocket"

	"github.com/jaydenbeard/lattice-sim/internal/engine"
	"github.com/jaydenbeard/lattice-sim/internal/protocol"
	"github.com/jaydenbeard/lattice-sim/internal/uichannel"
)

// maxFrameSize bounds a POSTed wire frame: header + max body + checksum.
const maxFrameSize = protocol.HeaderLen + 0xffff + protocol.ChecksumLen

// writeJSON encodes and writes a JSON response with proper error handling.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("ERROR: Failed to encode JSON response: %v", err)
	}
}

// HealthCheck returns server health status.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status": "healthy",
	})
}

// DeviceFrame handles POST /{deviceId}: one raw wire frame in, one raw
// reply frame out. The SDK treats a non-200 as a dead connection and
// re-handshakes.
func DeviceFrame(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["deviceId"]
		if deviceID == "" {
			http.Error(w, "device id required", http.StatusBadRequest)
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize+1))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		if len(raw) > maxFrameSize {
			http.Error(w, "frame too large", http.StatusRequestEntityTooLarge)
			return
		}

		reply, err := eng.HandleFrame(deviceID, raw)
		if err != nil {
			if pe, ok := err.(*protocol.ParseError); ok {
				log.Printf("[HTTP] Rejected frame: device=%s kind=%s", deviceID, pe.Kind)
				http.Error(w, pe.Kind.String(), http.StatusBadRequest)
				return
			}
			log.Printf("[HTTP] Frame handling failed: device=%s err=%v", deviceID, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := w.Write(reply); err != nil {
			log.Printf("Warning: failed to write reply: %v", err)
		}
	}
}

var upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser UIs (headless uisim, tests) send no origin.
			return true
		}

		allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
		if allowedOriginsEnv == "" {
			allowedOriginsEnv = "http://localhost:3000,http://localhost:5173"
		}
		for _, allowed := range strings.Split(allowedOriginsEnv, ",") {
			if origin == strings.TrimSpace(allowed) {
				return true
			}
		}
		log.Printf("SECURITY: UI channel rejected - origin %s not in allowed list", origin)
		return false
	},
}

// UIChannel handles GET /ws/device/{deviceId}: upgrades and attaches the
// UI control channel for a device.
func UIChannel(hub *uichannel.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := mux.Vars(r)["deviceId"]
		if deviceID == "" {
			http.Error(w, "device id required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[HTTP] UI channel upgrade failed: device=%s err=%v", deviceID, err)
			return
		}
		hub.Attach(conn, deviceID)
	}
}
