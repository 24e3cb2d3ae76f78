package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMnemonic(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"  abandon   abandon\tabout  ", "abandon abandon about"},
		{"abandon abandon about", "abandon abandon about"},
		{"", ""},
		// NFKD decomposes composed characters.
		{"café", "café"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeMnemonic(tc.in))
	}
}

func TestFirmwareAtLeast(t *testing.T) {
	v := FirmwareVersion{Major: 0, Minor: 15, Patch: 0}
	assert.True(t, v.AtLeast(0, 12, 0))
	assert.True(t, v.AtLeast(0, 15, 0))
	assert.False(t, v.AtLeast(0, 15, 1))
	assert.False(t, v.AtLeast(1, 0, 0))
	assert.Equal(t, [4]uint8{0, 15, 0, 0}, v.Wire())

	old := FirmwareVersion{Major: 0, Minor: 11, Patch: 9}
	assert.False(t, old.AtLeast(0, 12, 0))
}

func TestSetActiveSafeCard(t *testing.T) {
	d := New("dev1", "Bench")

	var uid [32]byte
	uid[0] = 0xAA
	d.SetActiveSafeCard(&SafeCard{
		ID:       "sc1",
		UID:      uid,
		Name:     "Card A",
		Mnemonic: "  abandon   abandon about ",
	})

	sc := d.ActiveSafeCard()
	require.NotNil(t, sc)
	assert.Equal(t, "abandon abandon about", sc.Mnemonic)

	// The external wallet slot follows the active card.
	_, external := d.Wallets()
	assert.True(t, external.External)
	assert.Equal(t, uid, external.UID)
	assert.Equal(t, []byte("Card A"), external.Name)

	// Removing the card clears the slot.
	d.SetActiveSafeCard(nil)
	assert.Nil(t, d.ActiveSafeCard())
	_, external = d.Wallets()
	assert.Equal(t, [32]byte{}, external.UID)
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	d1 := r.GetOrCreate("dev1")
	assert.Same(t, d1, r.GetOrCreate("dev1"))
	assert.Same(t, d1, r.Get("dev1"))
	assert.Nil(t, r.Get("dev2"))

	d1.SetLocked(true)
	d2 := r.Reset("dev1")
	assert.NotSame(t, d1, d2)
	assert.False(t, d2.Locked())

	r.Delete("dev1")
	assert.Nil(t, r.Get("dev1"))
}

func TestAccountsPerSafeCard(t *testing.T) {
	d := New("dev1", "Bench")
	d.SetAccounts("sc1", []string{"0xaa", "0xbb"})
	assert.Equal(t, []string{"0xaa", "0xbb"}, d.Accounts("sc1"))
	assert.Empty(t, d.Accounts("sc2"))
}
