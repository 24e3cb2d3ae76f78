package wallet

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var ethPath = []uint32{0x8000002c, 0x8000003c, 0x80000000, 0, 0}

func TestFromMnemonic(t *testing.T) {
	w, err := FromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	require.NotNil(t, w)

	// Whitespace-mangled input normalizes to the same seed.
	w2, err := FromMnemonic("  abandon abandon   abandon abandon abandon abandon abandon abandon abandon abandon abandon about ", "")
	require.NoError(t, err)
	a1, err := w.Address("ETH", ethPath)
	require.NoError(t, err)
	a2, err := w2.Address("ETH", ethPath)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	_, err = FromMnemonic("definitely not a mnemonic", "")
	assert.Error(t, err)
}

func TestDeriveDeterministicAndDistinct(t *testing.T) {
	w, err := FromMnemonic(testMnemonic, "")
	require.NoError(t, err)

	d1, err := w.Derive("ETH", ethPath, 3)
	require.NoError(t, err)
	d2, err := w.Derive("ETH", ethPath, 3)
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "derivation must be deterministic")

	ethAddr := regexp.MustCompile(`^0x[0-9a-f]{40}$`)
	seen := make(map[string]bool)
	for i, d := range d1 {
		assert.True(t, ethAddr.MatchString(d.Address), "address %q", d.Address)
		assert.False(t, seen[d.Address], "duplicate address at %d", i)
		seen[d.Address] = true
		assert.Equal(t, ethPath[len(ethPath)-1]+uint32(i), d.Path[len(d.Path)-1])
	}
}

func TestDeriveBTC(t *testing.T) {
	w, err := FromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	btcPath := []uint32{0x8000002c, 0x80000000, 0x80000000, 0, 0}

	d, err := w.Derive("BTC", btcPath, 2)
	require.NoError(t, err)
	require.Len(t, d, 2)
	assert.Equal(t, byte('1'), d[0].Address[0])

	_, err = w.Derive("DOGE", btcPath, 1)
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	w, err := FromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	data := []byte{0x42}

	der, recovery, err := w.Sign(ethPath, data)
	require.NoError(t, err)
	assert.NotEmpty(t, der)
	assert.GreaterOrEqual(t, recovery, 0)
	assert.LessOrEqual(t, recovery, 3)

	assert.True(t, w.VerifyDER(ethPath, data, der))
	assert.False(t, w.VerifyDER(ethPath, []byte{0x43}, der))

	otherPath := append(append([]uint32(nil), ethPath[:len(ethPath)-1]...), 1)
	assert.False(t, w.VerifyDER(otherPath, data, der))
}

func TestPassphraseChangesSeed(t *testing.T) {
	w1, err := FromMnemonic(testMnemonic, "")
	require.NoError(t, err)
	w2, err := FromMnemonic(testMnemonic, "trezor")
	require.NoError(t, err)

	a1, _ := w1.Address("ETH", ethPath)
	a2, _ := w2.Address("ETH", ethPath)
	assert.NotEqual(t, a1, a2)
}
