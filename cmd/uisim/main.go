// uisim is a headless stand-in for the browser UI: it attaches to a
// device's control channel, restores persisted state, serves derivation
// and signing from local wallet material, and approves or rejects
// signing requests by flag.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/lattice-sim/internal/models"
	"github.com/jaydenbeard/lattice-sim/internal/wallet"
)

// testMnemonic is the well-known BIP-39 test vector phrase; fine for a
// simulator, never for real funds.
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// retryQueueLimit bounds responses held across a disconnect.
const retryQueueLimit = 10

type uiClient struct {
	url       string
	deviceID  string
	approve   bool
	stateFile string

	wallet *wallet.Wallet

	mu        sync.Mutex
	conn      *websocket.Conn
	retry     [][]byte        // responses that failed to deliver, oldest first
	delivered map[string]bool // requestId duplicate suppression
}

func main() {
	serverURL := flag.String("server", "ws://localhost:8080", "simulator base URL")
	deviceID := flag.String("device", "SIMDEV01", "device id to attach to")
	mnemonic := flag.String("mnemonic", testMnemonic, "wallet seed phrase")
	approve := flag.Bool("approve", true, "approve signing requests (false rejects)")
	stateFile := flag.String("state", "uisim-state.json", "persisted client state path")
	flag.Parse()

	w, err := wallet.FromMnemonic(*mnemonic, "")
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	c := &uiClient{
		url:       *serverURL + "/ws/device/" + *deviceID,
		deviceID:  *deviceID,
		approve:   *approve,
		stateFile: *stateFile,
		wallet:    w,
		delivered: make(map[string]bool),
	}

	go c.runLoop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("uisim stopped")
}

// runLoop keeps one channel attached, reconnecting with backoff.
func (c *uiClient) runLoop() {
	backoff := time.Second
	for {
		if err := c.runOnce(); err != nil {
			log.Printf("[uisim] Channel closed: %v (reconnecting in %s)", err, backoff)
		}
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *uiClient) runOnce() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	retry := c.retry
	c.retry = nil
	c.mu.Unlock()

	log.Printf("[uisim] Connected: device=%s", c.deviceID)
	c.sendCommand(models.CommandSyncClientState, c.loadState())

	// Drain the retry queue in order.
	for _, msg := range retry {
		c.sendRaw(msg)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return err
		}
		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("[uisim] Bad envelope: %v", err)
			continue
		}
		c.handle(&env)
	}
}

func (c *uiClient) handle(env *models.Envelope) {
	switch env.Type {
	case models.MessageTypeServerRequest:
		var req models.ServerRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return
		}
		c.handleServerRequest(&req)

	case models.EventSigningRequestCreated:
		var payload models.SigningRequestPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return
		}
		c.handleSigningRequest(&payload)

	case models.MessageTypeHeartbeat:
		c.send(models.MessageTypeHeartbeatResponse, nil)

	case models.EventPairingModeStarted:
		var data models.PairingModeData
		if err := json.Unmarshal(env.Data, &data); err == nil {
			log.Printf("[uisim] Pairing code: %s", data.PairingCode)
		}

	default:
		// device_state, pairing/connection events: informational
	}
}

// handleServerRequest serves correlated work. Requests already answered
// once are suppressed by requestId.
func (c *uiClient) handleServerRequest(req *models.ServerRequest) {
	c.mu.Lock()
	if c.delivered[req.RequestID] {
		c.mu.Unlock()
		log.Printf("[uisim] Duplicate server_request suppressed: %s", req.RequestID)
		return
	}
	c.delivered[req.RequestID] = true
	c.mu.Unlock()

	resp := models.ClientResponse{RequestID: req.RequestID, RequestType: req.RequestType}
	switch req.RequestType {
	case models.RequestWalletAddresses:
		var payload models.AddressesRequestPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			resp.Error = "bad payload"
			break
		}
		derived, err := c.wallet.Derive(payload.CoinType, payload.StartPath, payload.Count)
		if err != nil {
			resp.Error = err.Error()
			break
		}
		entries := make([]models.AddressEntry, 0, len(derived))
		for _, d := range derived {
			entries = append(entries, models.AddressEntry{Address: d.Address, PublicKey: d.PublicKey, Path: d.Path})
		}
		data, _ := json.Marshal(models.AddressesResponseData{Addresses: entries})
		resp.Data = data

	case models.RequestKvWrite:
		var mutation struct {
			Action  string          `json:"action"`
			Records json.RawMessage `json:"records"`
		}
		if err := json.Unmarshal(req.Payload, &mutation); err != nil {
			resp.Error = "bad payload"
			break
		}
		c.persistKvMutation(mutation.Action, mutation.Records)
		resp.Data = json.RawMessage(`{"ok":true}`)

	case models.RequestKvRead:
		data, _ := json.Marshal(c.loadState().KvRecords)
		resp.Data = data

	default:
		resp.Error = "unsupported request type"
	}
	c.send(models.MessageTypeClientResponse, resp)
}

// handleSigningRequest signs (or rejects) with local wallet material.
func (c *uiClient) handleSigningRequest(payload *models.SigningRequestPayload) {
	if !c.approve {
		c.sendCommand(models.CommandRejectSigningReq, models.SigningDecisionData{
			RequestID: payload.RequestID,
			Recovery:  -1,
		})
		return
	}
	data, err := hex.DecodeString(payload.DataHex)
	if err != nil {
		log.Printf("[uisim] Bad signing payload: %v", err)
		return
	}
	der, recovery, err := c.wallet.Sign(payload.Path, data)
	if err != nil {
		log.Printf("[uisim] Signing failed: %v", err)
		return
	}
	c.sendCommand(models.CommandApproveSigningReq, models.SigningDecisionData{
		RequestID: payload.RequestID,
		Signature: hex.EncodeToString(der),
		Recovery:  recovery,
	})
}

func (c *uiClient) sendCommand(command string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("[uisim] Marshal failed: %v", err)
		return
	}
	c.send(models.MessageTypeDeviceCommand, models.DeviceCommand{Command: command, Data: raw})
}

func (c *uiClient) send(msgType string, data interface{}) {
	env, err := models.NewEnvelope(msgType, data)
	if err != nil {
		log.Printf("[uisim] Marshal failed: %v", err)
		return
	}
	b, _ := json.Marshal(env)
	c.sendRaw(b)
}

// sendRaw writes or, when disconnected, parks the message on the bounded
// retry queue.
func (c *uiClient) sendRaw(msg []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err == nil {
			return
		}
	}

	c.mu.Lock()
	c.retry = append(c.retry, msg)
	if len(c.retry) > retryQueueLimit {
		c.retry = c.retry[len(c.retry)-retryQueueLimit:]
	}
	c.mu.Unlock()
}

// persistKvMutation mirrors an approved k/v change into the state file,
// so the next sync_client_state restores it.
func (c *uiClient) persistKvMutation(action string, records json.RawMessage) {
	state := c.loadState()
	switch action {
	case "add":
		var recs []models.KvRecordJSON
		if err := json.Unmarshal(records, &recs); err != nil {
			log.Printf("[uisim] Bad kv add records: %v", err)
			return
		}
		nextID := uint32(1)
		for _, r := range state.KvRecords {
			if r.ID >= nextID {
				nextID = r.ID + 1
			}
		}
		for _, r := range recs {
			r.ID = nextID
			nextID++
			state.KvRecords = append(state.KvRecords, r)
		}
	case "remove":
		var ids []uint32
		if err := json.Unmarshal(records, &ids); err != nil {
			log.Printf("[uisim] Bad kv remove ids: %v", err)
			return
		}
		drop := make(map[uint32]bool, len(ids))
		for _, id := range ids {
			drop[id] = true
		}
		kept := state.KvRecords[:0]
		for _, r := range state.KvRecords {
			if !drop[r.ID] {
				kept = append(kept, r)
			}
		}
		state.KvRecords = kept
	default:
		return
	}
	c.saveState(state)
}

// saveState writes the persisted client state.
func (c *uiClient) saveState(state *models.SyncClientState) {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Printf("[uisim] Marshal state failed: %v", err)
		return
	}
	if err := os.WriteFile(c.stateFile, raw, 0o600); err != nil {
		log.Printf("[uisim] Write state failed: %v", err)
	}
}

// loadState reads the persisted client state, or returns an empty sync.
func (c *uiClient) loadState() *models.SyncClientState {
	state := &models.SyncClientState{Version: 1}
	raw, err := os.ReadFile(c.stateFile)
	if err != nil {
		return state
	}
	if err := json.Unmarshal(raw, state); err != nil {
		log.Printf("[uisim] Bad state file %s: %v", c.stateFile, err)
		return &models.SyncClientState{Version: 1}
	}
	return state
}
