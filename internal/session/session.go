// Package session holds the per-connection cryptographic state of the
// secure channel: the ephemeral P-256 key pair, the client's long-term
// public key, the derived AES secret, the pairing bit, and the monotonic
// ephemeral id. Every encrypted reply rotates the ephemeral pair; the
// client re-derives symmetrically from the public key carried in the
// reply plaintext.
package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	wcrypto "github.com/jaydenbeard/lattice-sim/internal/crypto"
)

// ErrEphemeralRegression marks a crypto-state fault that is fatal to the
// session: the client presented an ephemeral id at or below one already
// consumed.
var ErrEphemeralRegression = errors.New("session: ephemeral id regression")

// ErrDisposed is returned for work submitted after disposal.
var ErrDisposed = errors.New("session: disposed")

// StartEphemeralID is the counter value a fresh session echoes to the
// client in the CONNECT reply.
const StartEphemeralID uint32 = 1

// Snapshot is a copy-on-write view of the session's crypto fields, safe to
// read without the session lock.
type Snapshot struct {
	ClientPub    [65]byte
	EphemeralPub [65]byte
	SharedSecret [32]byte
	EphemeralID  uint32
	Paired       bool
	PairingCode  string
}

// Session is the secure-channel state for one client connection to one
// device. All mutation holds mu; the decrypt/process/rotate sequence for
// one request runs on the session's single executor goroutine so replies
// for a session are emitted in request-arrival order.
type Session struct {
	mu sync.Mutex

	DeviceID string

	clientPub    [65]byte
	ephemeral    *wcrypto.KeyPair
	sharedSecret [32]byte
	ephemeralID  uint32
	paired       bool
	pairingCode  string

	queue chan func()
	stop  chan struct{}
	done  chan struct{}

	disposeOnce sync.Once
}

// New creates the session for a CONNECT: stores the client public key,
// generates the first ephemeral pair, derives the shared secret, and
// starts the ordered executor.
func New(deviceID string, clientPub [65]byte) (*Session, error) {
	kp, err := wcrypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := wcrypto.ECDH(kp.Priv, clientPub)
	if err != nil {
		return nil, fmt.Errorf("deriving shared secret: %w", err)
	}
	s := &Session{
		DeviceID:     deviceID,
		clientPub:    clientPub,
		ephemeral:    kp,
		sharedSecret: secret,
		ephemeralID:  StartEphemeralID,
		queue:        make(chan func(), 32),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// run drains the ordered queue. One goroutine per session preserves
// reply ordering even under a parallel runtime.
func (s *Session) run() {
	for {
		// Disposal wins over queued work.
		select {
		case <-s.stop:
			close(s.done)
			return
		default:
		}
		select {
		case fn := <-s.queue:
			fn()
		case <-s.stop:
			close(s.done)
			return
		}
	}
}

// Do runs fn on the session executor and waits for it. Requests submitted
// while another is suspended on a UI round-trip block here, by design.
// Disposal releases every waiter with ErrDisposed.
func (s *Session) Do(fn func()) error {
	select {
	case <-s.stop:
		return ErrDisposed
	default:
	}
	wait := make(chan struct{})
	select {
	case s.queue <- func() { fn(); close(wait) }:
	case <-s.done:
		return ErrDisposed
	}
	select {
	case <-wait:
		return nil
	case <-s.done:
		// The job may still have completed in the same instant; a
		// finished job beats the disposal signal.
		select {
		case <-wait:
			return nil
		default:
		}
		return ErrDisposed
	}
}

// Dispose tears the session down. The executor exits after the current
// job; queued-but-unstarted jobs fail their waiters.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() { close(s.stop) })
}

// Key returns the map key for a session: device id plus the hex of the
// first 8 bytes of the client public key, so each SDK client gets its own
// pairing bit on a device.
func Key(deviceID string, clientPub [65]byte) string {
	return deviceID + "/" + hex.EncodeToString(clientPub[:8])
}

// Snapshot copies the crypto fields under the lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ClientPub:    s.clientPub,
		EphemeralPub: s.ephemeral.Pub,
		SharedSecret: s.sharedSecret,
		EphemeralID:  s.ephemeralID,
		Paired:       s.paired,
		PairingCode:  s.pairingCode,
	}
}

// Paired reports the pairing bit.
func (s *Session) Paired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paired
}

// SetPaired flips the pairing bit. Unpairing clears this session only.
func (s *Session) SetPaired(paired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paired = paired
}

// PairingCode returns the code published for this session's window.
func (s *Session) PairingCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingCode
}

// SetPairingCode records the code published at CONNECT.
func (s *Session) SetPairingCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairingCode = code
}

// ClientPub returns the long-term client public key seen at CONNECT.
func (s *Session) ClientPub() [65]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientPub
}

// CheckEphemeralID validates the counter a SECURE request presented.
// Equal to current is valid; below is a regression (fatal); above is a
// stale-key mismatch the client can recover from.
func (s *Session) CheckEphemeralID(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case id == s.ephemeralID:
		return nil
	case id < s.ephemeralID:
		return ErrEphemeralRegression
	default:
		return fmt.Errorf("session: ephemeral id %d ahead of %d", id, s.ephemeralID)
	}
}

// Decrypt opens a SECURE request ciphertext under the current secret.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	secret := s.sharedSecret
	s.mu.Unlock()
	return wcrypto.DecryptCBC(ciphertext, secret[:])
}

// EncryptAndRotate encrypts the reply plaintext under the current secret,
// then atomically installs a fresh ephemeral pair, re-derives the shared
// secret against the client's original public key, and bumps the
// ephemeral id. There is no suspension point between key generation and
// state replacement. The new public key must already be embedded in the
// plaintext by the caller (see NextEphemeral).
func (s *Session) EncryptAndRotate(plaintext []byte, next *wcrypto.KeyPair) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, err := wcrypto.EncryptCBC(plaintext, s.sharedSecret[:])
	if err != nil {
		return nil, err
	}
	secret, err := wcrypto.ECDH(next.Priv, s.clientPub)
	if err != nil {
		return nil, fmt.Errorf("rotating shared secret: %w", err)
	}
	s.ephemeral = next
	s.sharedSecret = secret
	s.ephemeralID++
	return ct, nil
}

// NextEphemeral generates the key pair the next rotation will install.
// Callers embed its public key in the reply plaintext, then pass the pair
// to EncryptAndRotate.
func (s *Session) NextEphemeral() (*wcrypto.KeyPair, error) {
	return wcrypto.GenerateKeyPair()
}

// EphemeralID returns the current counter value.
func (s *Session) EphemeralID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemeralID
}
