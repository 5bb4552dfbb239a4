// Package crypto holds the cryptographic building blocks of the threshold
// protocols: device signing keys, scalar secret sharing over the Ed25519
// group, Feldman commitments, DKD point derivation and aggregation, and
// HKDF-based key derivation.
//
// Nothing here talks to the network or the journal; protocols compose these
// pieces.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/roach88/aura/internal/faults"
)

// DeviceKey is a device's Ed25519 signing key.
type DeviceKey struct {
	priv ed25519.PrivateKey
}

// GenerateDeviceKey draws a fresh key from r.
func GenerateDeviceKey(r io.Reader) (*DeviceKey, error) {
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	return &DeviceKey{priv: priv}, nil
}

// DeviceKeyFromSeed derives a key from a 32-byte seed.
func DeviceKeyFromSeed(seed [32]byte) *DeviceKey {
	return &DeviceKey{priv: ed25519.NewKeyFromSeed(seed[:])}
}

// DeviceKeyFromLabel derives a reproducible key from a label. Fixtures and
// simulations use it so traces stay stable across runs.
func DeviceKeyFromLabel(label string) *DeviceKey {
	return DeviceKeyFromSeed(sha256.Sum256([]byte("aura/device-key/" + label)))
}

func (k *DeviceKey) Public() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

func (k *DeviceKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.priv, msg)
}

// Verify checks sig over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return faults.SignatureInvalid("malformed public key")
	}
	if !ed25519.Verify(pub, msg, sig) {
		return faults.SignatureInvalid("signature does not verify")
	}
	return nil
}

// Expand derives n bytes from secret with HKDF-SHA256.
func Expand(secret, salt []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf expand %s: %w", info, err)
	}
	return out, nil
}
