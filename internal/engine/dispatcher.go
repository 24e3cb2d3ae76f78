package engine

import (
	"fmt"
	"log"
	"time"

	"github.com/jaydenbeard/lattice-sim/internal/metrics"
	"github.com/jaydenbeard/lattice-sim/internal/models"
	"github.com/jaydenbeard/lattice-sim/internal/protocol"
	"github.com/jaydenbeard/lattice-sim/internal/session"
)

// HandleFrame processes one raw wire frame for a device and returns the
// reply frame. Malformed outer frames are returned as a ParseError; the
// transport maps those to its own failure (the SDK treats a non-frame
// reply as a dead connection and re-handshakes).
func (e *Engine) HandleFrame(deviceID string, raw []byte) ([]byte, error) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		metrics.FramesTotal.WithLabelValues(deviceID, "invalid", "rejected").Inc()
		return nil, err
	}

	switch frame.Type {
	case protocol.FrameConnect:
		reply, err := e.handleConnect(deviceID, frame)
		result := "ok"
		if err != nil {
			result = "rejected"
		}
		metrics.FramesTotal.WithLabelValues(deviceID, "connect", result).Inc()
		return reply, err

	case protocol.FrameSecure:
		reply, err := e.handleSecure(deviceID, frame)
		result := "ok"
		if err != nil {
			result = "rejected"
		}
		metrics.FramesTotal.WithLabelValues(deviceID, "secure", result).Inc()
		return reply, err
	}
	// Decode already rejected unknown types.
	return nil, fmt.Errorf("engine: unreachable frame type 0x%02x", frame.Type)
}

// handleConnect establishes (or re-establishes) the ECDH session. A
// client that was paired keeps its pairing bit across re-CONNECT; an
// unpaired CONNECT opens the pairing window.
func (e *Engine) handleConnect(deviceID string, frame *protocol.Frame) ([]byte, error) {
	payload, err := protocol.ParseConnect(frame.Body)
	if err != nil {
		return nil, err
	}

	dev := e.registry.GetOrCreate(deviceID)

	wasPaired := false
	if old := e.sessions.Get(deviceID, payload.ClientPub); old != nil {
		wasPaired = old.Paired()
	}

	s, err := e.sessions.Create(deviceID, payload.ClientPub)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	s.SetPaired(wasPaired)

	if !wasPaired {
		code, err := e.pairing.Enter(deviceID)
		if err != nil {
			return nil, fmt.Errorf("opening pairing window: %w", err)
		}
		s.SetPairingCode(code)
	}

	e.hub.Broadcast(deviceID, models.EventConnectionChanged, models.ConnectionChangedData{
		DeviceID:  deviceID,
		Connected: true,
	})

	snap := s.Snapshot()
	rep := &protocol.ConnectReply{
		Code:         protocol.RespSuccess,
		IsPaired:     snap.Paired,
		EphemeralPub: snap.EphemeralPub,
		Firmware:     dev.FirmwareSnapshot().Wire(),
		EphemeralID:  snap.EphemeralID,
	}
	log.Printf("[Engine] CONNECT: device=%s paired=%v", deviceID, snap.Paired)
	return protocol.Encode(&protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.FrameSecure,
		ID:      frame.ID,
		Body:    protocol.EncodeConnectReply(rep),
	})
}

// handleSecure decrypts, dispatches, replies, and rotates — atomically
// per session on its ordered executor.
func (e *Engine) handleSecure(deviceID string, frame *protocol.Frame) ([]byte, error) {
	payload, err := protocol.ParseSecure(frame.Body)
	if err != nil {
		return nil, err
	}

	s := e.findSession(deviceID, payload.EphemeralID)
	if s == nil {
		return nil, fmt.Errorf("engine: no session for device %s", deviceID)
	}

	var reply []byte
	var handleErr error
	err = s.Do(func() {
		reply, handleErr = e.processSecure(deviceID, s, frame, payload)
	})
	if err != nil {
		return nil, err
	}
	return reply, handleErr
}

// findSession picks the session whose current ephemeral id matches the
// request; with a single live session for the device the id check is
// deferred to the handler so the mismatch is reported in-band.
func (e *Engine) findSession(deviceID string, ephemeralID uint32) *session.Session {
	candidates := e.sessions.ForDevice(deviceID)
	if len(candidates) == 0 {
		return nil
	}
	for _, s := range candidates {
		if s.EphemeralID() == ephemeralID {
			return s
		}
	}
	return candidates[0]
}

// processSecure runs on the session executor.
func (e *Engine) processSecure(deviceID string, s *session.Session, frame *protocol.Frame, payload *protocol.SecurePayload) ([]byte, error) {
	started := time.Now()
	op := payload.Op

	var code protocol.ResponseCode
	var data []byte
	fatal := false

	if err := s.CheckEphemeralID(payload.EphemeralID); err != nil {
		code = protocol.RespInvalidEphemID
		if err == session.ErrEphemeralRegression {
			// Crypto-state fault: reply, then dispose the session.
			fatal = true
			log.Printf("[Engine] Ephemeral id regression: device=%s", deviceID)
		}
	} else if plain, err := s.Decrypt(payload.Ciphertext); err != nil {
		code = protocol.RespInvalidMsg
	} else {
		code, data = e.dispatch(deviceID, s, op, plain)
	}

	metrics.RequestsTotal.WithLabelValues(deviceID, op.String(), code.String()).Inc()
	metrics.RequestDuration.WithLabelValues(op.String()).Observe(time.Since(started).Seconds())

	reply, err := e.encryptReply(s, frame.ID, op, code, data)
	if fatal {
		e.sessions.Dispose(deviceID, s.ClientPub())
	}
	return reply, err
}

// dispatch routes a decrypted request. Pre-conditions are evaluated in
// order — lock, pairing, firmware floor, then payload validation — and
// the first failure wins.
func (e *Engine) dispatch(deviceID string, s *session.Session, op protocol.Opcode, plain []byte) (protocol.ResponseCode, []byte) {
	dev := e.registry.GetOrCreate(deviceID)

	if dev.Locked() {
		return protocol.RespDeviceLocked, nil
	}
	if op != protocol.OpFinalizePairing && !s.Paired() {
		return protocol.RespPairFailed, nil
	}
	if isKvOp(op) {
		fw := dev.FirmwareSnapshot()
		if !fw.AtLeast(kvFirmwareFloor[0], kvFirmwareFloor[1], kvFirmwareFloor[2]) {
			return protocol.RespUnsupportedVersion, nil
		}
	}

	switch op {
	case protocol.OpFinalizePairing:
		return e.handleFinalizePairing(s, plain)
	case protocol.OpGetAddresses:
		return e.handleGetAddresses(deviceID, plain)
	case protocol.OpSign:
		return e.handleSign(deviceID, plain)
	case protocol.OpGetWallets:
		return e.handleGetWallets(dev)
	case protocol.OpGetKvRecords:
		return e.handleGetKvRecords(dev, plain)
	case protocol.OpAddKvRecords:
		return e.handleAddKvRecords(dev, plain)
	case protocol.OpRemoveKvRecords:
		return e.handleRemoveKvRecords(dev, plain)
	case protocol.OpFetchEncryptedData:
		return protocol.RespDisabled, nil
	case protocol.OpTest:
		return protocol.RespSuccess, plain
	}
	return protocol.RespInvalidMsg, nil
}

// encryptReply builds and encrypts the SECURE reply, rotating the
// session's ephemeral pair in the same critical section.
func (e *Engine) encryptReply(s *session.Session, frameID uint32, op protocol.Opcode, code protocol.ResponseCode, data []byte) ([]byte, error) {
	next, err := s.NextEphemeral()
	if err != nil {
		return nil, fmt.Errorf("generating rotation key: %w", err)
	}
	plain := protocol.EncodeSecureReplyPlain(next.Pub, code, data)
	ct, err := s.EncryptAndRotate(plain, next)
	if err != nil {
		return nil, fmt.Errorf("encrypting reply: %w", err)
	}
	metrics.SessionRotations.Inc()

	body := protocol.EncodeSecureBody(op, s.EphemeralID(), ct)
	return protocol.Encode(&protocol.Frame{
		Version: protocol.ProtocolVersion,
		Type:    protocol.FrameSecure,
		ID:      frameID,
		Body:    body,
	})
}

func isKvOp(op protocol.Opcode) bool {
	switch op {
	case protocol.OpGetKvRecords, protocol.OpAddKvRecords, protocol.OpRemoveKvRecords:
		return true
	}
	return false
}

// CloseTransport disposes every session for a device on transport close:
// waiters fail locally, pending signing requests expire, in-flight UI
// commands are abandoned.
func (e *Engine) CloseTransport(deviceID string) {
	e.sessions.DisposeDevice(deviceID)
	e.approvals.ExpireForDevice(deviceID)
	e.hub.Broadcast(deviceID, models.EventConnectionChanged, models.ConnectionChangedData{
		DeviceID:  deviceID,
		Connected: false,
	})
}
