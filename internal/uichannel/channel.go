package uichannel

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/lattice-sim/internal/metrics"
	"github.com/jaydenbeard/lattice-sim/internal/models"
)

const (
	// Time allowed to write a message to the UI
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the UI
	pongWait = 90 * time.Second

	// Send protocol-level pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// JSON heartbeat envelopes go out with this period while the channel
	// is open
	heartbeatPeriod = 30 * time.Second

	// Maximum message size allowed from the UI
	maxMessageSize = 1 * 1024 * 1024
)

// Channel is one live UI connection for a device.
type Channel struct {
	hub *Hub

	// The WebSocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	DeviceID string

	closeOnce sync.Once
}

// newChannel wraps an upgraded connection.
func newChannel(hub *Hub, conn *websocket.Conn, deviceID string) *Channel {
	return &Channel{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 64),
		DeviceID: deviceID,
	}
}

// enqueue hands a marshaled envelope to the write pump. A full buffer
// drops the message; the UI's retry queue is the recovery path.
func (c *Channel) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		log.Printf("[UIChannel] Send buffer full, dropping message: device=%s", c.DeviceID)
		return false
	}
}

// Send marshals and enqueues an envelope.
func (c *Channel) Send(msgType string, data interface{}) bool {
	env, err := models.NewEnvelope(msgType, data)
	if err != nil {
		log.Printf("[UIChannel] Failed to marshal %s: %v", msgType, err)
		return false
	}
	b, err := json.Marshal(env)
	if err != nil {
		log.Printf("[UIChannel] Failed to marshal envelope: %v", err)
		return false
	}
	return c.enqueue(b)
}

// ReadPump pumps messages from the UI into the hub until the connection
// drops.
func (c *Channel) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Warning: failed to set read deadline: %v", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[UIChannel] Read error: device=%s err=%v", c.DeviceID, err)
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("[UIChannel] Failed to parse message: device=%s err=%v", c.DeviceID, err)
			continue
		}
		// Any inbound traffic proves liveness.
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Printf("Warning: failed to set read deadline: %v", err)
		}
		metrics.UIMessagesTotal.WithLabelValues(c.DeviceID, env.Type, "in").Inc()
		c.hub.handleEnvelope(c, &env)
	}
}

// WritePump pumps outbound messages, pings, and JSON heartbeats to the UI.
func (c *Channel) WritePump() {
	pingTicker := time.NewTicker(pingPeriod)
	hbTicker := time.NewTicker(heartbeatPeriod)
	defer func() {
		pingTicker.Stop()
		hbTicker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("Warning: failed to set write deadline: %v", err)
			}
			if !ok {
				// Hub closed the channel
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && err != websocket.ErrCloseSent {
					log.Printf("Warning: failed to write close message: %v", err)
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[UIChannel] Write error: device=%s err=%v", c.DeviceID, err)
				return
			}

		case <-hbTicker.C:
			env, err := models.NewEnvelope(models.MessageTypeHeartbeat, nil)
			if err != nil {
				continue
			}
			b, _ := json.Marshal(env)
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("Warning: failed to set write deadline: %v", err)
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}

		case <-pingTicker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Printf("Warning: failed to set write deadline: %v", err)
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Channel) closeConn() {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			log.Printf("Warning: failed to close WebSocket connection: %v", err)
		}
	})
}
