package canonical

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Domain prefixes for domain-separated hashes. The version suffix leaves room
// for algorithm migration.
const (
	DomainEvent        = "aura/event/v1"
	DomainEventSigning = "aura/event-signing/v1"
	DomainCapability   = "aura/capability/v1"
	DomainTreeOp       = "aura/tree-op/v1"
	DomainCheckpoint   = "aura/checkpoint/v1"
	DomainReceipt      = "aura/receipt/v1"
	DomainLottery      = "aura/lottery/v1"
	DomainResharing    = "aura/resharing-root/v1"
	DomainRecovery     = "aura/recovery/v1"
)

// Hash is a 32-byte Blake3 digest.
type Hash [32]byte

// ZeroHash is the all-zero digest, used where an absent parent must still be
// hashed.
var ZeroHash Hash

// Sum hashes the concatenation of parts.
func Sum(parts ...[]byte) Hash {
	h := blake3.New(32, nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// SumDomain computes Blake3(domain || 0x00 || data). The null separator
// prevents domain/data boundary ambiguity.
func SumDomain(domain string, data []byte) Hash {
	return Sum([]byte(domain), []byte{0x00}, data)
}

// Of hashes the canonical encoding of v under domain.
func Of(domain string, v any) (Hash, error) {
	b, err := Marshal(v)
	if err != nil {
		return Hash{}, fmt.Errorf("hash %s: %w", domain, err)
	}
	return SumDomain(domain, b), nil
}

// OfPlain hashes the canonical encoding of v without a domain prefix. It is
// the commitment function used on the wire.
func OfPlain(v any) (Hash, error) {
	b, err := Marshal(v)
	if err != nil {
		return Hash{}, err
	}
	return Sum(b), nil
}

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string { return h.String()[:8] }

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	if len(b) != 64 {
		return fmt.Errorf("hash: want 64 hex chars, got %d", len(b))
	}
	_, err := hex.Decode(h[:], b)
	return err
}

// Less orders hashes bytewise; lottery tickets compare this way.
func (h Hash) Less(other Hash) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

// ParseHash decodes a hex digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(s))
	return h, err
}
