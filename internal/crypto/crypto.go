// Package crypto wraps the primitives the Lattice wire protocol is built
// on: P-256 key agreement, AES-256-CBC with the device's fixed zero IV,
// SHA-256, and the random identifiers the firmware hands out.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// KeyPair holds a P-256 key pair in the wire representation: 32-byte
// private scalar, 65-byte uncompressed public point.
type KeyPair struct {
	Priv [32]byte
	Pub  [65]byte
}

// GenerateKeyPair produces a fresh P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("p256 keygen: %w", err)
	}
	kp := &KeyPair{}
	copy(kp.Priv[:], priv.Bytes())
	copy(kp.Pub[:], priv.PublicKey().Bytes())
	return kp, nil
}

// ECDH derives the 32-byte shared secret: the big-endian X coordinate of
// ourPriv * theirPub. Both sides produce byte-identical output.
func ECDH(ourPriv [32]byte, theirPub [65]byte) ([32]byte, error) {
	var secret [32]byte
	priv, err := ecdh.P256().NewPrivateKey(ourPriv[:])
	if err != nil {
		return secret, fmt.Errorf("invalid private key: %w", err)
	}
	pub, err := ecdh.P256().NewPublicKey(theirPub[:])
	if err != nil {
		return secret, fmt.Errorf("invalid public key: %w", err)
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return secret, fmt.Errorf("ecdh: %w", err)
	}
	copy(secret[:], shared)
	return secret, nil
}

// The device uses a fixed all-zero IV; freshness comes from per-message
// key rotation, not the IV.
var zeroIV [aes.BlockSize]byte

// EncryptCBC encrypts with AES-256-CBC and the fixed zero IV. PKCS#7
// padding is always applied — block-aligned plaintexts gain a full block,
// matching the hardware.
func EncryptCBC(plaintext, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("key must be 32 bytes for AES-256")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+pad)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(out, padded)
	return out, nil
}

// DecryptCBC decrypts AES-256-CBC ciphertext and strips PKCS#7 padding.
func DecryptCBC(ciphertext, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("key must be 32 bytes for AES-256")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a positive block multiple")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(out, ciphertext)
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("bad padding")
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errors.New("bad padding")
		}
	}
	return out[:len(out)-pad], nil
}

// Sha256 is a convenience wrapper returning a slice.
func Sha256(data ...[]byte) []byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// NewDeviceID returns a random 16-byte identifier in hex.
func NewDeviceID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// NewRequestID returns a random 8-byte identifier in hex.
func NewRequestID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// NewPairingCode returns an 8-digit decimal pairing code, uniform over
// [0, 10^8).
func NewPairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%08d", n), nil
}

// PairingHash is the digest a pairing client signs:
// SHA-256(clientPub || appName || pairingCode).
func PairingHash(clientPub [65]byte, appName, pairingCode string) []byte {
	return Sha256(clientPub[:], []byte(appName), []byte(pairingCode))
}

// VerifyPairingSignature checks a DER-encoded ECDSA signature over the
// pairing hash against the long-term public key seen at CONNECT.
func VerifyPairingSignature(clientPub [65]byte, appName, pairingCode string, derSig []byte) bool {
	x, y := elliptic.Unmarshal(elliptic.P256(), clientPub[:])
	if x == nil {
		return false
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	return ecdsa.VerifyASN1(pub, PairingHash(clientPub, appName, pairingCode), derSig)
}

// SignPairing produces the DER signature a client would send on
// finalizePairing. Used by the SDK shim in tests.
func SignPairing(priv [32]byte, clientPub [65]byte, appName, pairingCode string) ([]byte, error) {
	if _, err := ecdh.P256().NewPrivateKey(priv[:]); err != nil {
		return nil, err
	}
	d := new(big.Int).SetBytes(priv[:])
	x, y := elliptic.P256().ScalarBaseMult(priv[:])
	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y},
		D:         d,
	}
	return ecdsa.SignASN1(rand.Reader, key, PairingHash(clientPub, appName, pairingCode))
}

// Equal32 is constant-time-agnostic byte comparison for secrets in tests.
func Equal32(a, b [32]byte) bool {
	return bytes.Equal(a[:], b[:])
}
