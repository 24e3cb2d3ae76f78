// Package device holds per-device state for the simulator: identity,
// firmware, lock flag, active wallet slots, the SafeCard reference, and
// the in-memory key/value store. All mutation goes through the device
// mutex; sessions reference devices by id, never by owning pointer.
package device

import (
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// FirmwareVersion is (major, minor, patch).
type FirmwareVersion struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// AtLeast reports whether v is at or above the given floor.
func (v FirmwareVersion) AtLeast(major, minor, patch uint8) bool {
	if v.Major != major {
		return v.Major > major
	}
	if v.Minor != minor {
		return v.Minor > minor
	}
	return v.Patch >= patch
}

// Wire renders the 4-byte firmware field clients see: [patch, minor, major, 0].
func (v FirmwareVersion) Wire() [4]byte {
	return [4]byte{v.Patch, v.Minor, v.Major, 0}
}

// Wallet is an active wallet descriptor slot.
type Wallet struct {
	UID          [32]byte
	External     bool
	Name         []byte
	Capabilities uint32
}

// SafeCard is the active external seed reference, supplied by the UI.
type SafeCard struct {
	ID       string
	UID      [32]byte
	Name     string
	Mnemonic string
}

// Device is one simulated Lattice. Field access is guarded by mu.
type Device struct {
	mu sync.RWMutex

	ID       string
	Name     string
	Firmware FirmwareVersion

	locked   bool
	internal Wallet
	external Wallet

	kv *KvStore

	safeCard *SafeCard

	// accountsBySafeCard holds UI-pushed derived account lists, keyed by
	// SafeCard id.
	accountsBySafeCard map[string][]string
}

// New creates a device with defaults matching a fresh Lattice: firmware
// 0.15.0, unlocked, a random-looking internal wallet slot, empty K/V.
func New(id, name string) *Device {
	d := &Device{
		ID:                 id,
		Name:               name,
		Firmware:           FirmwareVersion{Major: 0, Minor: 15, Patch: 0},
		kv:                 NewKvStore(),
		accountsBySafeCard: make(map[string][]string),
	}
	// Internal wallet uid is derived from the device id so restarts of the
	// same device present the same wallet to clients.
	copy(d.internal.UID[:], []byte(id))
	d.internal.Name = []byte(name)
	d.internal.Capabilities = 1
	return d
}

// Locked reports the lock flag.
func (d *Device) Locked() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.locked
}

// SetLocked sets the lock flag.
func (d *Device) SetLocked(locked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locked = locked
}

// Wallets returns copies of the active internal and external slots.
func (d *Device) Wallets() (internal, external Wallet) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.internal, d.external
}

// SetWallets replaces the active wallet slots.
func (d *Device) SetWallets(internal, external Wallet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.internal = internal
	d.external = external
}

// Kv exposes the device's key/value store.
func (d *Device) Kv() *KvStore {
	return d.kv
}

// ActiveSafeCard returns the active seed reference, or nil.
func (d *Device) ActiveSafeCard() *SafeCard {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.safeCard == nil {
		return nil
	}
	sc := *d.safeCard
	return &sc
}

// SetActiveSafeCard installs the active seed reference. The mnemonic is
// normalized (trim, single internal spaces, NFKD) before storage. A nil
// card removes the reference and clears the external wallet slot.
func (d *Device) SetActiveSafeCard(sc *SafeCard) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sc == nil {
		d.safeCard = nil
		d.external = Wallet{External: true}
		return
	}
	card := *sc
	card.Mnemonic = NormalizeMnemonic(card.Mnemonic)
	d.safeCard = &card
	d.external = Wallet{
		UID:          card.UID,
		External:     true,
		Name:         []byte(card.Name),
		Capabilities: 1,
	}
}

// SetAccounts stores UI-pushed derived accounts for a SafeCard.
func (d *Device) SetAccounts(safeCardID string, accounts []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accountsBySafeCard[safeCardID] = append([]string(nil), accounts...)
}

// Accounts returns UI-pushed derived accounts for a SafeCard.
func (d *Device) Accounts(safeCardID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.accountsBySafeCard[safeCardID]...)
}

// SetFirmware replaces the firmware version (restored from UI state).
func (d *Device) SetFirmware(v FirmwareVersion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Firmware = v
}

// FirmwareSnapshot returns the firmware version under the lock.
func (d *Device) FirmwareSnapshot() FirmwareVersion {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Firmware
}

// NormalizeMnemonic trims, collapses runs of whitespace to single spaces,
// and applies NFKD, matching how seed phrases are canonicalized before
// hashing.
func NormalizeMnemonic(m string) string {
	m = strings.Join(strings.Fields(strings.TrimSpace(m)), " ")
	return norm.NFKD.String(m)
}
