// Package engine is the per-device protocol engine: it terminates the
// wire protocol, owns sessions and pairing, dispatches decrypted requests
// to operation handlers, and proxies derivation, signing approval, and
// k/v persistence to the UI over the UI channel.
package engine

import (
	"time"

	"github.com/jaydenbeard/lattice-sim/internal/device"
	"github.com/jaydenbeard/lattice-sim/internal/metrics"
	"github.com/jaydenbeard/lattice-sim/internal/models"
	"github.com/jaydenbeard/lattice-sim/internal/pairing"
	"github.com/jaydenbeard/lattice-sim/internal/session"
	"github.com/jaydenbeard/lattice-sim/internal/signing"
	"github.com/jaydenbeard/lattice-sim/internal/uichannel"
)

// kvFirmwareFloor is the minimum firmware for the key/value operations.
var kvFirmwareFloor = [3]uint8{0, 12, 0}

// Engine wires the protocol components for all devices in the process.
type Engine struct {
	registry  *device.Registry
	sessions  *session.Manager
	pairing   *pairing.Controller
	approvals *signing.Approvals
	hub       *uichannel.Hub
}

// New builds the engine and hooks it into the hub as its command sink.
func New(registry *device.Registry, hub *uichannel.Hub) *Engine {
	e := &Engine{
		registry: registry,
		sessions: session.NewManager(),
		hub:      hub,
	}
	e.pairing = pairing.NewController(e)
	e.approvals = signing.NewApprovals(hub)
	hub.SetSink(e)
	return e
}

// Stop halts background loops.
func (e *Engine) Stop() {
	e.approvals.Stop()
}

// Sessions exposes the session manager (transport close handling, tests).
func (e *Engine) Sessions() *session.Manager {
	return e.sessions
}

// Pairing exposes the pairing controller.
func (e *Engine) Pairing() *pairing.Controller {
	return e.pairing
}

// Approvals exposes the signing approval table.
func (e *Engine) Approvals() *signing.Approvals {
	return e.approvals
}

// pairing.EventSink

// PairingModeStarted broadcasts the open window to the UI.
func (e *Engine) PairingModeStarted(deviceID, code string, startedAt time.Time, timeout time.Duration) {
	e.hub.Broadcast(deviceID, models.EventPairingModeStarted, models.PairingModeData{
		DeviceID:    deviceID,
		PairingCode: code,
		StartedAt:   startedAt.UnixMilli(),
		TimeoutMs:   timeout.Milliseconds(),
	})
}

// PairingModeEnded broadcasts window closure.
func (e *Engine) PairingModeEnded(deviceID string) {
	e.hub.Broadcast(deviceID, models.EventPairingModeEnded, models.PairingModeData{DeviceID: deviceID})
}

// PairingChanged broadcasts a pairing bit flip.
func (e *Engine) PairingChanged(deviceID string, paired bool) {
	outcome := "paired"
	if !paired {
		outcome = "exited"
	}
	metrics.PairingWindowsTotal.WithLabelValues(outcome).Inc()
	e.hub.Broadcast(deviceID, models.EventPairingChanged, models.PairingChangedData{
		DeviceID: deviceID,
		Paired:   paired,
	})
}

// deviceState builds the device_state broadcast payload.
func (e *Engine) deviceState(dev *device.Device) models.DeviceStateData {
	fw := dev.FirmwareSnapshot()
	code, pairingActive := e.pairing.Active(dev.ID)
	return models.DeviceStateData{
		DeviceInfo: models.DeviceInfoJSON{
			DeviceID:        dev.ID,
			Name:            dev.Name,
			FirmwareVersion: fw.Wire(),
			IsLocked:        dev.Locked(),
		},
		IsPairing:   pairingActive,
		PairingCode: code,
		KvCount:     dev.Kv().Len(),
	}
}

// broadcastDeviceState pushes the current device snapshot to the UI.
func (e *Engine) broadcastDeviceState(deviceID string) {
	dev := e.registry.GetOrCreate(deviceID)
	e.hub.Broadcast(deviceID, models.EventDeviceState, e.deviceState(dev))
}
