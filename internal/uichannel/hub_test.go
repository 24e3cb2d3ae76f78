package uichannel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/lattice-sim/internal/models"
)

type recordingSink struct {
	mu       sync.Mutex
	commands []string
	events   []string
	opened   []string
}

func (r *recordingSink) HandleCommand(deviceID string, cmd *models.DeviceCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd.Command)
}

func (r *recordingSink) HandleEvent(deviceID string, ev *models.DeviceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.EventType)
}

func (r *recordingSink) ChannelOpened(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, deviceID)
}

var testUpgrader = websocket.Upgrader{}

// startHub serves a hub behind an httptest server and returns a dialer URL.
func startHub(t *testing.T, sink Sink) (*Hub, string) {
	t.Helper()
	hub := NewHub()
	if sink != nil {
		hub.SetSink(sink)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		deviceID := strings.TrimPrefix(r.URL.Path, "/ws/device/")
		hub.Attach(conn, deviceID)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Stop)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, deviceID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws/device/"+deviceID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn, wantType string) *models.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var env models.Envelope
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == wantType {
			return &env
		}
		require.True(t, time.Now().Before(deadline), "did not observe %s", wantType)
	}
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, msgType string, data interface{}) {
	t.Helper()
	env, err := models.NewEnvelope(msgType, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

func TestRequestRoundTrip(t *testing.T) {
	hub, base := startHub(t, &recordingSink{})
	conn := dial(t, base, "dev1")

	// UI side: answer the first server_request.
	go func() {
		var env models.Envelope
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if json.Unmarshal(raw, &env) != nil {
				continue
			}
			if env.Type != models.MessageTypeServerRequest {
				continue
			}
			var req models.ServerRequest
			if json.Unmarshal(env.Data, &req) != nil {
				return
			}
			resp := models.ClientResponse{
				RequestID:   req.RequestID,
				RequestType: req.RequestType,
				Data:        json.RawMessage(`{"ok":true}`),
			}
			e, _ := models.NewEnvelope(models.MessageTypeClientResponse, resp)
			_ = conn.WriteJSON(e)
			return
		}
	}()

	resp, err := hub.Request("dev1", models.RequestKvWrite, map[string]string{"k": "v"}, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Data))
}

func TestRequestWithoutChannel(t *testing.T) {
	hub, _ := startHub(t, nil)
	_, err := hub.Request("ghost", models.RequestKvWrite, nil, time.Second)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestRequestTimeout(t *testing.T) {
	hub, base := startHub(t, &recordingSink{})
	_ = dial(t, base, "dev1")

	_, err := hub.Request("dev1", models.RequestKvWrite, nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrUserTimeout)
}

func TestCommandAndEventRouting(t *testing.T) {
	sink := &recordingSink{}
	_, base := startHub(t, sink)
	conn := dial(t, base, "dev1")

	writeEnvelope(t, conn, models.MessageTypeDeviceCommand, models.DeviceCommand{Command: "set_locked", Data: json.RawMessage(`{"locked":true}`)})
	writeEnvelope(t, conn, models.MessageTypeDeviceEvent, models.DeviceEvent{EventType: "connection_changed"})

	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.commands) == 1 && len(sink.events) == 1 && len(sink.opened) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHeartbeatAnswered(t *testing.T) {
	_, base := startHub(t, &recordingSink{})
	conn := dial(t, base, "dev1")

	writeEnvelope(t, conn, models.MessageTypeHeartbeat, nil)
	env := readEnvelope(t, conn, models.MessageTypeHeartbeatResponse)
	assert.NotZero(t, env.Timestamp)
}

func TestBacklogDrainsOnReconnect(t *testing.T) {
	hub, base := startHub(t, &recordingSink{})

	// No channel yet: events queue, bounded.
	for i := 0; i < backlogLimit+5; i++ {
		hub.Broadcast("dev1", models.EventPairingChanged, models.PairingChangedData{DeviceID: "dev1", Paired: i%2 == 0})
	}
	hub.mu.RLock()
	queued := len(hub.backlog["dev1"])
	hub.mu.RUnlock()
	assert.Equal(t, backlogLimit, queued)

	conn := dial(t, base, "dev1")
	env := readEnvelope(t, conn, models.EventPairingChanged)
	assert.NotNil(t, env)

	hub.mu.RLock()
	queued = len(hub.backlog["dev1"])
	hub.mu.RUnlock()
	assert.Zero(t, queued)
}

func TestChannelReplacedOnReattach(t *testing.T) {
	hub, base := startHub(t, &recordingSink{})

	_ = dial(t, base, "dev1")
	assert.Eventually(t, func() bool { return hub.Connected("dev1") }, 5*time.Second, 20*time.Millisecond)

	// A second attach replaces the first; the hub still shows one channel.
	conn2 := dial(t, base, "dev1")
	writeEnvelope(t, conn2, models.MessageTypeHeartbeat, nil)
	readEnvelope(t, conn2, models.MessageTypeHeartbeatResponse)
	assert.True(t, hub.Connected("dev1"))
}
