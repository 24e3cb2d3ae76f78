package crypto

import (
	"bytes"
	"crypto/aes"
	"math/rand"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestECDHBothSidesAgree(t *testing.T) {
	for i := 0; i < 20; i++ {
		alice, err := GenerateKeyPair()
		require.NoError(t, err)
		bob, err := GenerateKeyPair()
		require.NoError(t, err)

		s1, err := ECDH(alice.Priv, bob.Pub)
		require.NoError(t, err)
		s2, err := ECDH(bob.Priv, alice.Pub)
		require.NoError(t, err)
		assert.True(t, Equal32(s1, s2), "iteration %d: secrets differ", i)
	}
}

func TestECDHRejectsBadKeys(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	var badPub [65]byte // not on the curve
	badPub[0] = 0x04
	_, err = ECDH(kp.Priv, badPub)
	assert.Error(t, err)
}

func TestCBCRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 40; i++ {
		plain := make([]byte, rng.Intn(200))
		rng.Read(plain)

		ct, err := EncryptCBC(plain, key)
		require.NoError(t, err)
		assert.Zero(t, len(ct)%aes.BlockSize)

		got, err := DecryptCBC(ct, key)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plain, got))
	}
}

func TestCBCAlwaysPads(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 32)
	// A block-aligned plaintext still gains a full padding block.
	plain := bytes.Repeat([]byte{0x05}, 32)
	ct, err := EncryptCBC(plain, key)
	require.NoError(t, err)
	assert.Equal(t, len(plain)+aes.BlockSize, len(ct))
}

func TestCBCRejectsBadInput(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, 32)
	_, err := EncryptCBC([]byte("x"), key[:16])
	assert.Error(t, err)
	_, err = DecryptCBC([]byte{1, 2, 3}, key)
	assert.Error(t, err)

	// Corrupt padding byte fails cleanly.
	ct, err := EncryptCBC([]byte("hello"), key)
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF
	_, err = DecryptCBC(ct, key)
	assert.Error(t, err)
}

func TestRandomIdentifiers(t *testing.T) {
	id, err := NewDeviceID()
	require.NoError(t, err)
	assert.Len(t, id, 32)

	rid, err := NewRequestID()
	require.NoError(t, err)
	assert.Len(t, rid, 16)

	codePattern := regexp.MustCompile(`^\d{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := NewPairingCode()
		require.NoError(t, err)
		assert.True(t, codePattern.MatchString(code), "code %q", code)
		seen[code] = true
	}
	// 50 draws over 10^8 should not collide into one value.
	assert.Greater(t, len(seen), 1)
}

func TestPairingSignatureRoundTrip(t *testing.T) {
	client, err := GenerateKeyPair()
	require.NoError(t, err)

	sig, err := SignPairing(client.Priv, client.Pub, "Test", "12345678")
	require.NoError(t, err)

	assert.True(t, VerifyPairingSignature(client.Pub, "Test", "12345678", sig))
	assert.False(t, VerifyPairingSignature(client.Pub, "Test", "87654321", sig))
	assert.False(t, VerifyPairingSignature(client.Pub, "Other", "12345678", sig))

	other, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, VerifyPairingSignature(other.Pub, "Test", "12345678", sig))
}
