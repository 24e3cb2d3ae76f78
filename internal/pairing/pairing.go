// Package pairing owns the pairing ceremony: the 60-second window opened
// by an unpaired CONNECT, code publication, and DER signature validation
// on finalize. At most one window is active per device.
package pairing

import (
	"log"
	"sync"
	"time"

	wcrypto "github.com/jaydenbeard/lattice-sim/internal/crypto"
	"github.com/jaydenbeard/lattice-sim/internal/session"
)

// DefaultWindow is the firmware's pairing window.
const DefaultWindow = 60 * time.Second

// EventSink receives pairing lifecycle events, fanned out to the UI
// channel by the engine.
type EventSink interface {
	PairingModeStarted(deviceID, code string, startedAt time.Time, timeout time.Duration)
	PairingModeEnded(deviceID string)
	PairingChanged(deviceID string, paired bool)
}

type window struct {
	code      string
	startedAt time.Time
	timer     *time.Timer
}

// Controller tracks pairing windows across devices.
type Controller struct {
	mu      sync.Mutex
	windows map[string]*window
	timeout time.Duration
	sink    EventSink
}

// NewController builds a controller publishing to sink.
func NewController(sink EventSink) *Controller {
	return &Controller{
		windows: make(map[string]*window),
		timeout: DefaultWindow,
		sink:    sink,
	}
}

// SetTimeout adjusts the window length (update_config).
func (c *Controller) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// Timeout returns the configured window length.
func (c *Controller) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// Enter opens the pairing window for a device and returns the published
// code. If a window is already active its code is returned unchanged, so
// repeated unpaired CONNECTs cannot hold more than one window open.
func (c *Controller) Enter(deviceID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.windows[deviceID]; ok {
		return w.code, nil
	}
	code, err := wcrypto.NewPairingCode()
	if err != nil {
		return "", err
	}
	w := &window{code: code, startedAt: time.Now()}
	w.timer = time.AfterFunc(c.timeout, func() { c.expire(deviceID) })
	c.windows[deviceID] = w

	log.Printf("[Pairing] Window opened: device=%s", deviceID)
	if c.sink != nil {
		c.sink.PairingModeStarted(deviceID, code, w.startedAt, c.timeout)
	}
	return code, nil
}

// Active reports whether a window is open, and its code.
func (c *Controller) Active(deviceID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[deviceID]
	if !ok {
		return "", false
	}
	return w.code, true
}

// Exit closes the window without pairing (UI command, unpair, disposal).
func (c *Controller) Exit(deviceID string) {
	c.mu.Lock()
	w, ok := c.windows[deviceID]
	if ok {
		w.timer.Stop()
		delete(c.windows, deviceID)
	}
	c.mu.Unlock()
	if ok {
		log.Printf("[Pairing] Window closed: device=%s", deviceID)
		if c.sink != nil {
			c.sink.PairingModeEnded(deviceID)
		}
	}
}

// expire fires on the window timer.
func (c *Controller) expire(deviceID string) {
	c.mu.Lock()
	w, ok := c.windows[deviceID]
	if ok {
		delete(c.windows, deviceID)
	}
	c.mu.Unlock()
	if ok {
		w.timer.Stop()
		log.Printf("[Pairing] Window expired: device=%s", deviceID)
		if c.sink != nil {
			c.sink.PairingModeEnded(deviceID)
		}
	}
}

// Finalize validates a finalizePairing request against the open window.
// The DER signature must verify over SHA-256(clientPub || appName || code)
// with the long-term public key the session recorded at CONNECT. On
// success the session is marked paired and the window closes; on failure
// the window stays open until its timer elapses.
func (c *Controller) Finalize(s *session.Session, appName string, derSig []byte) bool {
	deviceID := s.DeviceID

	c.mu.Lock()
	w, ok := c.windows[deviceID]
	c.mu.Unlock()
	if !ok {
		log.Printf("[Pairing] Finalize with no open window: device=%s", deviceID)
		return false
	}

	if !wcrypto.VerifyPairingSignature(s.ClientPub(), appName, w.code, derSig) {
		log.Printf("[Pairing] Signature validation failed: device=%s app=%q", deviceID, appName)
		return false
	}

	c.mu.Lock()
	// Re-check under the lock; the timer may have fired while verifying.
	if cur, ok := c.windows[deviceID]; !ok || cur != w {
		c.mu.Unlock()
		return false
	}
	w.timer.Stop()
	delete(c.windows, deviceID)
	c.mu.Unlock()

	s.SetPaired(true)
	s.SetPairingCode(w.code)
	log.Printf("[Pairing] Paired: device=%s app=%q", deviceID, appName)
	if c.sink != nil {
		c.sink.PairingModeEnded(deviceID)
		c.sink.PairingChanged(deviceID, true)
	}
	return true
}

// Unpair clears pairing on one session only; other sessions keep their
// bits. Any open window for the device is closed.
func (c *Controller) Unpair(s *session.Session) {
	s.SetPaired(false)
	c.Exit(s.DeviceID)
	if c.sink != nil {
		c.sink.PairingChanged(s.DeviceID, false)
	}
}
