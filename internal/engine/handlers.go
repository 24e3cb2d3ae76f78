package engine

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/jaydenbeard/lattice-sim/internal/device"
	"github.com/jaydenbeard/lattice-sim/internal/metrics"
	"github.com/jaydenbeard/lattice-sim/internal/models"
	"github.com/jaydenbeard/lattice-sim/internal/protocol"
	"github.com/jaydenbeard/lattice-sim/internal/session"
	"github.com/jaydenbeard/lattice-sim/internal/signing"
	"github.com/jaydenbeard/lattice-sim/internal/uichannel"
)

// Path and count limits enforced on derivation requests.
const (
	minPathLen = 3
	maxPathLen = 6
	maxCount   = 10
)

// Supported coin types by the BIP-44 coin-type path segment (index 1).
var coinTypes = map[uint32]string{
	0x8000003c: "ETH",
	0x80000000: "BTC",
}

func coinTypeForPath(path []uint32) (string, bool) {
	if len(path) < 2 {
		return "", false
	}
	ct, ok := coinTypes[path[1]]
	return ct, ok
}

// handleFinalizePairing validates the DER signature against the open
// window. Failure leaves the window open until its timer elapses.
func (e *Engine) handleFinalizePairing(s *session.Session, plain []byte) (protocol.ResponseCode, []byte) {
	req, err := protocol.ParseFinalizePairing(plain)
	if err != nil {
		return protocol.RespInvalidMsg, nil
	}
	if !e.pairing.Finalize(s, req.AppName, req.DERSig) {
		return protocol.RespPairFailed, nil
	}
	return protocol.RespSuccess, nil
}

// handleGetAddresses validates the request and proxies derivation to the
// UI's wallet service.
func (e *Engine) handleGetAddresses(deviceID string, plain []byte) (protocol.ResponseCode, []byte) {
	req, err := protocol.ParseGetAddresses(plain)
	if err != nil {
		return protocol.RespInvalidMsg, nil
	}
	if len(req.StartPath) < minPathLen || len(req.StartPath) > maxPathLen {
		return protocol.RespInvalidMsg, nil
	}
	if req.Count == 0 || req.Count > maxCount {
		return protocol.RespInvalidMsg, nil
	}
	coinType, ok := coinTypeForPath(req.StartPath)
	if !ok {
		return protocol.RespInvalidMsg, nil
	}

	payload := models.AddressesRequestPayload{
		StartPath: req.StartPath,
		Count:     int(req.Count),
		CoinType:  coinType,
		Flag:      req.Flag,
	}
	resp, err := e.hub.Request(deviceID, models.RequestWalletAddresses, payload, 0)
	if code, ok := uiErrorCode(resp, err); !ok {
		return code, nil
	}

	var data models.AddressesResponseData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		log.Printf("[Engine] Bad addresses response: device=%s err=%v", deviceID, err)
		return protocol.RespInternalError, nil
	}
	addrs := make([]string, 0, len(data.Addresses))
	for _, a := range data.Addresses {
		addrs = append(addrs, a.Address)
	}
	return protocol.RespSuccess, protocol.EncodeAddresses(addrs)
}

// handleSign creates a pending signing request, suspends on the user
// decision, and returns the UI's detached signature on approval.
func (e *Engine) handleSign(deviceID string, plain []byte) (protocol.ResponseCode, []byte) {
	req, err := protocol.ParseSign(plain)
	if err != nil {
		return protocol.RespInvalidMsg, nil
	}
	if len(req.Data) < 1 || len(req.Path) == 0 || len(req.Path) > maxPathLen {
		return protocol.RespInvalidMsg, nil
	}
	coinType, _ := coinTypeForPath(req.Path)

	pending := e.approvals.Create(deviceID, signing.TypeSign, models.SigningRequestPayload{
		Path:     req.Path,
		CoinType: coinType,
		Curve:    req.Curve,
		HashType: req.HashType,
		DataHex:  hex.EncodeToString(req.Data),
	}, 0)

	outcome := e.approvals.Await(pending)
	metrics.SigningRequestsTotal.WithLabelValues(string(outcome.Status)).Inc()
	switch outcome.Status {
	case signing.StatusApproved:
		hasRecovery := outcome.Recovery >= 0
		return protocol.RespSuccess, protocol.EncodeSignature(outcome.Signature, uint8(outcome.Recovery), hasRecovery)
	case signing.StatusRejected:
		return protocol.RespUserDeclined, nil
	default:
		return protocol.RespUserTimeout, nil
	}
}

// handleGetWallets returns the active wallet descriptors.
func (e *Engine) handleGetWallets(dev *device.Device) (protocol.ResponseCode, []byte) {
	internal, external := dev.Wallets()
	return protocol.RespSuccess, protocol.EncodeWallets(
		protocol.WalletDescriptor{UID: internal.UID, Capabilities: internal.Capabilities, Name: internal.Name},
		protocol.WalletDescriptor{UID: external.UID, Capabilities: external.Capabilities, Name: external.Name},
	)
}

// handleGetKvRecords pages through the device's key/value store.
func (e *Engine) handleGetKvRecords(dev *device.Device, plain []byte) (protocol.ResponseCode, []byte) {
	req, err := protocol.ParseGetKvRecords(plain)
	if err != nil {
		return protocol.RespInvalidMsg, nil
	}
	if req.N == 0 || req.N > maxCount {
		return protocol.RespInvalidMsg, nil
	}
	recs, total := dev.Kv().Get(int(req.Start), int(req.N))
	wire := make([]protocol.KvRecord, 0, len(recs))
	for _, r := range recs {
		wire = append(wire, protocol.KvRecord{ID: r.ID, Key: r.Key, Value: r.Value})
	}
	return protocol.RespSuccess, protocol.EncodeKvRecords(uint32(total), wire)
}

// handleAddKvRecords validates, asks the UI to approve and persist, then
// applies the upsert. Duplicate lowercased keys fail with `already`
// before the UI is consulted.
func (e *Engine) handleAddKvRecords(dev *device.Device, plain []byte) (protocol.ResponseCode, []byte) {
	recs, err := protocol.ParseAddKvRecords(plain)
	if err != nil {
		return protocol.RespInvalidMsg, nil
	}
	if len(recs) == 0 || len(recs) > maxCount {
		return protocol.RespInvalidMsg, nil
	}
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if r.Key == "" || len(r.Key) > device.MaxKvKeyLen || len(r.Value) > device.MaxKvValueLen {
			return protocol.RespInvalidMsg, nil
		}
		folded := strings.ToLower(r.Key)
		if seen[folded] {
			return protocol.RespAlready, nil
		}
		seen[folded] = true
		if _, exists := dev.Kv().Lookup(r.Key); exists {
			return protocol.RespAlready, nil
		}
	}

	uiRecs := make([]models.KvRecordJSON, 0, len(recs))
	for _, r := range recs {
		uiRecs = append(uiRecs, models.KvRecordJSON{Key: strings.ToLower(r.Key), Value: r.Value})
	}
	if code, ok := e.kvApproval(dev.ID, "add", uiRecs); !ok {
		return code, nil
	}

	for _, r := range recs {
		if _, err := dev.Kv().Add(r.Key, r.Value); err != nil {
			// Validated above; a race with a UI-side replace still loses here.
			return protocol.RespAlready, nil
		}
	}
	return protocol.RespSuccess, nil
}

// handleRemoveKvRecords deletes records by position id. All ids must
// exist; nothing is applied partially.
func (e *Engine) handleRemoveKvRecords(dev *device.Device, plain []byte) (protocol.ResponseCode, []byte) {
	ids, err := protocol.ParseRemoveKvRecords(plain)
	if err != nil {
		return protocol.RespInvalidMsg, nil
	}
	if len(ids) == 0 || len(ids) > maxCount {
		return protocol.RespInvalidMsg, nil
	}
	all, _ := dev.Kv().Get(0, dev.Kv().Len())
	known := make(map[uint32]bool, len(all))
	for _, r := range all {
		known[r.ID] = true
	}
	for _, id := range ids {
		if !known[id] {
			return protocol.RespInvalidMsg, nil
		}
	}

	if code, ok := e.kvApproval(dev.ID, "remove", ids); !ok {
		return code, nil
	}

	for _, id := range ids {
		if err := dev.Kv().Remove(id); err != nil {
			return protocol.RespInternalError, nil
		}
	}
	return protocol.RespSuccess, nil
}

// kvApproval runs the user-approval round-trip for k/v mutations when a
// UI channel is attached. Without a UI the mutation proceeds — the
// simulator's on-device confirmation is assumed granted.
func (e *Engine) kvApproval(deviceID, action string, payload interface{}) (protocol.ResponseCode, bool) {
	if !e.hub.Connected(deviceID) {
		return protocol.RespSuccess, true
	}
	resp, err := e.hub.Request(deviceID, models.RequestKvWrite, map[string]interface{}{
		"action":  action,
		"records": payload,
	}, 0)
	if code, ok := uiErrorCode(resp, err); !ok {
		return code, false
	}
	return protocol.RespSuccess, true
}

// uiErrorCode maps a UI round-trip result to a response code. ok=false
// means the caller must return the code.
func uiErrorCode(resp *models.ClientResponse, err error) (protocol.ResponseCode, bool) {
	switch {
	case errors.Is(err, uichannel.ErrUserTimeout):
		return protocol.RespUserTimeout, false
	case errors.Is(err, uichannel.ErrChannelClosed):
		// The device's compute collaborator is unreachable.
		return protocol.RespGceTimeout, false
	case err != nil:
		return protocol.RespInternalError, false
	case resp.Error != "":
		return protocol.RespUserDeclined, false
	}
	return protocol.RespSuccess, true
}
