package pairing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wcrypto "github.com/jaydenbeard/lattice-sim/internal/crypto"
	"github.com/jaydenbeard/lattice-sim/internal/session"
)

type recordingSink struct {
	mu      sync.Mutex
	started []string
	ended   []string
	changed []bool
}

func (r *recordingSink) PairingModeStarted(deviceID, code string, _ time.Time, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, code)
}

func (r *recordingSink) PairingModeEnded(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, deviceID)
}

func (r *recordingSink) PairingChanged(deviceID string, paired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, paired)
}

func (r *recordingSink) counts() (started, ended, changed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.ended), len(r.changed)
}

func newTestSession(t *testing.T) (*session.Session, *wcrypto.KeyPair) {
	t.Helper()
	client, err := wcrypto.GenerateKeyPair()
	require.NoError(t, err)
	s, err := session.New("dev1", client.Pub)
	require.NoError(t, err)
	t.Cleanup(s.Dispose)
	return s, client
}

func TestSingleWindowPerDevice(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink)

	code1, err := c.Enter("dev1")
	require.NoError(t, err)
	assert.Len(t, code1, 8)

	// A second unpaired CONNECT reuses the open window.
	code2, err := c.Enter("dev1")
	require.NoError(t, err)
	assert.Equal(t, code1, code2)

	started, _, _ := sink.counts()
	assert.Equal(t, 1, started)

	got, active := c.Active("dev1")
	assert.True(t, active)
	assert.Equal(t, code1, got)

	c.Exit("dev1")
	_, active = c.Active("dev1")
	assert.False(t, active)
	_, ended, _ := sink.counts()
	assert.Equal(t, 1, ended)
}

func TestFinalizeSuccess(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink)
	s, client := newTestSession(t)

	code, err := c.Enter("dev1")
	require.NoError(t, err)

	sig, err := wcrypto.SignPairing(client.Priv, client.Pub, "Test", code)
	require.NoError(t, err)

	assert.True(t, c.Finalize(s, "Test", sig))
	assert.True(t, s.Paired())

	_, active := c.Active("dev1")
	assert.False(t, active)

	// Exactly one ended event for the successful finalize.
	_, ended, changed := sink.counts()
	assert.Equal(t, 1, ended)
	assert.Equal(t, 1, changed)
}

func TestFinalizeBadSignatureKeepsWindow(t *testing.T) {
	c := NewController(nil)
	s, client := newTestSession(t)

	code, err := c.Enter("dev1")
	require.NoError(t, err)

	// Signature over the wrong code does not pair and does not close the
	// window.
	sig, err := wcrypto.SignPairing(client.Priv, client.Pub, "Test", "00000000")
	require.NoError(t, err)
	assert.False(t, c.Finalize(s, "Test", sig))
	assert.False(t, s.Paired())

	_, active := c.Active("dev1")
	assert.True(t, active)

	// The original code still works.
	sig, err = wcrypto.SignPairing(client.Priv, client.Pub, "Test", code)
	require.NoError(t, err)
	assert.True(t, c.Finalize(s, "Test", sig))
}

func TestFinalizeWithoutWindow(t *testing.T) {
	c := NewController(nil)
	s, client := newTestSession(t)
	sig, err := wcrypto.SignPairing(client.Priv, client.Pub, "Test", "12345678")
	require.NoError(t, err)
	assert.False(t, c.Finalize(s, "Test", sig))
}

func TestWindowTimeout(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink)
	c.SetTimeout(30 * time.Millisecond)

	_, err := c.Enter("dev1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, active := c.Active("dev1")
		return !active
	}, time.Second, 10*time.Millisecond)

	// Exactly one ended event for the expiry.
	_, ended, _ := sink.counts()
	assert.Equal(t, 1, ended)
}

func TestUnpairClearsSessionOnly(t *testing.T) {
	sink := &recordingSink{}
	c := NewController(sink)
	s1, _ := newTestSession(t)
	s2, _ := newTestSession(t)
	s1.SetPaired(true)
	s2.SetPaired(true)

	c.Unpair(s1)
	assert.False(t, s1.Paired())
	assert.True(t, s2.Paired(), "other sessions keep their pairing bits")
}
