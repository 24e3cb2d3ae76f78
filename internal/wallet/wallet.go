// Package wallet is the simulated wallet service behind the UI: it turns
// a mnemonic into a seed, derives per-path secp256k1 keys, renders ETH
// and BTC-style addresses, and produces detached signatures. Derivation
// is deterministic per (seed, path) but deliberately not BIP-32 — the
// simulator stands in for the hardware, it does not reimplement it.
package wallet

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/sha3"

	"github.com/jaydenbeard/lattice-sim/internal/device"
)

// Wallet holds the seed material for one SafeCard (or the internal slot).
type Wallet struct {
	seed []byte
}

// FromMnemonic builds a wallet from a seed phrase. The phrase is
// normalized the same way the device stores it; invalid phrases are
// rejected so typos surface at sync time rather than at signing time.
func FromMnemonic(mnemonic, passphrase string) (*Wallet, error) {
	m := device.NormalizeMnemonic(mnemonic)
	if !bip39.IsMnemonicValid(m) {
		return nil, errors.New("wallet: invalid mnemonic")
	}
	return &Wallet{seed: bip39.NewSeed(m, passphrase)}, nil
}

// FromSeed builds a wallet from raw seed bytes (tests).
func FromSeed(seed []byte) *Wallet {
	return &Wallet{seed: append([]byte(nil), seed...)}
}

// deriveScalar chains HMAC-SHA512 over the path segments. The left half
// feeds the next level; the private scalar is SHA-256 of the final left
// half.
func (w *Wallet) deriveScalar(path []uint32) []byte {
	key := w.seed
	for _, seg := range path {
		mac := hmac.New(sha512.New, key)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], seg)
		mac.Write(b[:])
		key = mac.Sum(nil)[:32]
	}
	// Keep the scalar in range by hashing once more; the curve order gap
	// is negligible for simulation purposes.
	sum := sha256.Sum256(key)
	return sum[:]
}

// PrivateKey derives the secp256k1 key for a path.
func (w *Wallet) PrivateKey(path []uint32) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(w.deriveScalar(path))
	return priv
}

// PublicKeyHex returns the uncompressed public key for a path, hex.
func (w *Wallet) PublicKeyHex(path []uint32) string {
	return hex.EncodeToString(w.PrivateKey(path).PubKey().SerializeUncompressed())
}

// Address renders the coin-appropriate address for a path.
func (w *Wallet) Address(coinType string, path []uint32) (string, error) {
	pub := w.PrivateKey(path).PubKey()
	switch coinType {
	case "ETH":
		return ethAddress(pub), nil
	case "BTC":
		return btcAddress(pub), nil
	}
	return "", fmt.Errorf("wallet: unsupported coin type %q", coinType)
}

// Derive produces n consecutive addresses starting at startPath; the
// last path segment increments per entry.
func (w *Wallet) Derive(coinType string, startPath []uint32, n int) ([]Derived, error) {
	if len(startPath) == 0 {
		return nil, errors.New("wallet: empty path")
	}
	out := make([]Derived, 0, n)
	for i := 0; i < n; i++ {
		path := append(append([]uint32(nil), startPath[:len(startPath)-1]...), startPath[len(startPath)-1]+uint32(i))
		addr, err := w.Address(coinType, path)
		if err != nil {
			return nil, err
		}
		out = append(out, Derived{
			Address:   addr,
			PublicKey: w.PublicKeyHex(path),
			Path:      path,
		})
	}
	return out, nil
}

// Derived is one derivation result.
type Derived struct {
	Address   string
	PublicKey string
	Path      []uint32
}

// Sign produces a DER signature over SHA-256(data) with the path's key,
// plus the recovery id clients need for public-key recovery.
func (w *Wallet) Sign(path []uint32, data []byte) (der []byte, recovery int, err error) {
	priv := w.PrivateKey(path)
	digest := sha256.Sum256(data)

	compact := btcecdsa.SignCompact(priv, digest[:], false)
	// SignCompact prefixes the recovery flag: 27 + recid (uncompressed).
	recovery = int(compact[0] - 27)

	sig := btcecdsa.Sign(priv, digest[:])
	return sig.Serialize(), recovery, nil
}

// VerifyDER checks a DER signature over SHA-256(data) for a path.
func (w *Wallet) VerifyDER(path []uint32, data, der []byte) bool {
	sig, err := btcecdsa.ParseDERSignature(der)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return sig.Verify(digest[:], w.PrivateKey(path).PubKey())
}

// ethAddress is the usual Keccak-256 rendering of the public key.
func ethAddress(pub *btcec.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(h.Sum(nil)[12:])
}

// btcAddress is a hash160-style rendering, hex with a legacy-ish prefix.
// The simulator does not base58-encode; clients only echo the string.
func btcAddress(pub *btcec.PublicKey) string {
	sum := sha256.Sum256(pub.SerializeCompressed())
	return "1" + hex.EncodeToString(sum[:20])
}
