// Package uichannel maintains the per-device bidirectional control link
// with the UI process: WebSocket channels with read/write pumps, the
// pending-correlation table for server_requests, heartbeats, and a small
// reconnect backlog of broadcast events.
package uichannel

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/lattice-sim/internal/metrics"
	"github.com/jaydenbeard/lattice-sim/internal/models"
	"github.com/jaydenbeard/lattice-sim/internal/signing"
)

// backlogLimit bounds the per-device queue of broadcast events held while
// no UI channel is connected. Oldest entries are dropped first.
const backlogLimit = 10

// Sink receives UI-originated traffic. The engine implements it.
type Sink interface {
	HandleCommand(deviceID string, cmd *models.DeviceCommand)
	HandleEvent(deviceID string, ev *models.DeviceEvent)
	// ChannelOpened fires after a UI channel registers (before backlog drain).
	ChannelOpened(deviceID string)
}

type queuedEvent struct {
	msgType string
	data    interface{}
}

// Hub tracks one UI channel per device and owns the correlator.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	backlog  map[string][]queuedEvent

	correlator *Correlator
	sink       Sink
}

// NewHub builds the hub. SetSink must be called before serving traffic.
func NewHub() *Hub {
	return &Hub{
		channels:   make(map[string]*Channel),
		backlog:    make(map[string][]queuedEvent),
		correlator: NewCorrelator(),
	}
}

// SetSink installs the engine-side handler for commands and events.
func (h *Hub) SetSink(sink Sink) {
	h.sink = sink
}

// Correlator exposes the pending table (for update_config and tests).
func (h *Hub) Correlator() *Correlator {
	return h.correlator
}

// Stop halts background loops.
func (h *Hub) Stop() {
	h.correlator.Stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.channels {
		close(c.send)
	}
	h.channels = make(map[string]*Channel)
}

// Attach wraps an upgraded connection, replacing any prior channel for
// the device, and starts its pumps. Queued broadcasts drain in order.
func (h *Hub) Attach(conn *websocket.Conn, deviceID string) *Channel {
	c := newChannel(h, conn, deviceID)

	h.mu.Lock()
	old, replaced := h.channels[deviceID]
	if replaced {
		close(old.send)
	}
	h.channels[deviceID] = c
	queued := h.backlog[deviceID]
	delete(h.backlog, deviceID)
	h.mu.Unlock()

	// A replaced channel never reaches the Dec in unregister, so only a
	// new device channel adds to the gauge.
	if !replaced {
		metrics.UIChannelConnections.Inc()
	}
	log.Printf("[UIChannel] Connected: device=%s (draining %d queued)", deviceID, len(queued))

	go c.WritePump()
	go c.ReadPump()

	if h.sink != nil {
		h.sink.ChannelOpened(deviceID)
	}
	for _, ev := range queued {
		c.Send(ev.msgType, ev.data)
	}
	return c
}

// unregister drops a channel after its read pump exits. In-flight
// waiters fail; the UI's duplicate suppression is the source of truth on
// redelivery after reconnect.
func (h *Hub) unregister(c *Channel) {
	h.mu.Lock()
	cur, ok := h.channels[c.DeviceID]
	if ok && cur == c {
		delete(h.channels, c.DeviceID)
		close(c.send)
	}
	h.mu.Unlock()
	if ok && cur == c {
		metrics.UIChannelConnections.Dec()
		h.correlator.FailDevice(c.DeviceID, ErrChannelClosed)
		log.Printf("[UIChannel] Disconnected: device=%s", c.DeviceID)
	}
}

// Connected reports whether a UI channel is open for the device.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[deviceID]
	return ok
}

// Broadcast sends an event envelope to the device's UI. Without a
// channel the event joins the bounded reconnect backlog.
func (h *Hub) Broadcast(deviceID, msgType string, data interface{}) {
	h.mu.RLock()
	c, ok := h.channels[deviceID]
	h.mu.RUnlock()
	if ok {
		metrics.UIMessagesTotal.WithLabelValues(deviceID, msgType, "out").Inc()
		c.Send(msgType, data)
		return
	}

	h.mu.Lock()
	q := append(h.backlog[deviceID], queuedEvent{msgType: msgType, data: data})
	if len(q) > backlogLimit {
		q = q[len(q)-backlogLimit:]
	}
	h.backlog[deviceID] = q
	h.mu.Unlock()
}

// Request performs one correlated server_request round-trip: register the
// waiter, send, suspend until client_response, timeout, or channel close.
func (h *Hub) Request(deviceID, requestType string, payload interface{}, deadline time.Duration) (*models.ClientResponse, error) {
	h.mu.RLock()
	c, ok := h.channels[deviceID]
	h.mu.RUnlock()
	if !ok {
		return nil, ErrChannelClosed
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	req := &models.ServerRequest{
		RequestID:   uuid.NewString(),
		RequestType: requestType,
		Payload:     raw,
	}

	entry := h.correlator.register(deviceID, req.RequestID, deadline)
	metrics.UIMessagesTotal.WithLabelValues(deviceID, models.MessageTypeServerRequest, "out").Inc()
	if !c.Send(models.MessageTypeServerRequest, req) {
		entry.complete(result{err: ErrChannelClosed})
	}
	return h.correlator.await(req.RequestID, entry)
}

// handleEnvelope routes one inbound UI message.
func (h *Hub) handleEnvelope(c *Channel, env *models.Envelope) {
	switch env.Type {
	case models.MessageTypeClientResponse:
		var resp models.ClientResponse
		if err := json.Unmarshal(env.Data, &resp); err != nil {
			log.Printf("[UIChannel] Bad client_response: device=%s err=%v", c.DeviceID, err)
			return
		}
		if !h.correlator.Resolve(&resp) {
			log.Printf("[UIChannel] Unmatched client_response: device=%s requestId=%s", c.DeviceID, resp.RequestID)
		}

	case models.MessageTypeDeviceCommand:
		var cmd models.DeviceCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			log.Printf("[UIChannel] Bad device_command: device=%s err=%v", c.DeviceID, err)
			return
		}
		if h.sink != nil {
			h.sink.HandleCommand(c.DeviceID, &cmd)
		}

	case models.MessageTypeDeviceEvent:
		var ev models.DeviceEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			log.Printf("[UIChannel] Bad device_event: device=%s err=%v", c.DeviceID, err)
			return
		}
		if h.sink != nil {
			h.sink.HandleEvent(c.DeviceID, &ev)
		}

	case models.MessageTypeHeartbeat:
		c.Send(models.MessageTypeHeartbeatResponse, nil)

	case models.MessageTypeHeartbeatResponse:
		// liveness already refreshed by the read deadline

	default:
		log.Printf("[UIChannel] Unknown message type %q: device=%s", env.Type, c.DeviceID)
	}
}

// Signing event fan-out, satisfying signing.Broadcaster.

// SigningRequestCreated broadcasts a new pending sign request.
func (h *Hub) SigningRequestCreated(deviceID string, payload models.SigningRequestPayload) {
	h.Broadcast(deviceID, models.EventSigningRequestCreated, payload)
}

// SigningRequestCompleted broadcasts a terminal signing outcome.
func (h *Hub) SigningRequestCompleted(deviceID, requestID string, status signing.Status) {
	h.Broadcast(deviceID, models.EventSigningRequestCompleted, models.SigningCompletedData{
		RequestID: requestID,
		Status:    string(status),
	})
}
