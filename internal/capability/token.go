package capability

import (
	"crypto/ed25519"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/ids"
)

// Token grants Permissions to Device. Chain lists the ancestors it was
// delegated through, root first. A zero ExpiresAt never expires.
type Token struct {
	Device      ids.DeviceID     `json:"device"`
	Permissions []Permission     `json:"permissions"`
	Chain       []canonical.Hash `json:"chain,omitempty"`
	Issuer      ids.DeviceID     `json:"issuer"`
	IssuedAt    int64            `json:"issued_at"`
	ExpiresAt   int64            `json:"expires_at,omitempty"`
	Signature   []byte           `json:"signature,omitempty"`
}

type tokenBody struct {
	Device      ids.DeviceID     `json:"device"`
	Permissions []Permission     `json:"permissions"`
	Chain       []canonical.Hash `json:"chain,omitempty"`
	Issuer      ids.DeviceID     `json:"issuer"`
	IssuedAt    int64            `json:"issued_at"`
	ExpiresAt   int64            `json:"expires_at,omitempty"`
}

func (t Token) body() tokenBody {
	return tokenBody{
		Device:      t.Device,
		Permissions: t.Permissions,
		Chain:       t.Chain,
		Issuer:      t.Issuer,
		IssuedAt:    t.IssuedAt,
		ExpiresAt:   t.ExpiresAt,
	}
}

// ID is the hash of the token body. The signature is not part of it.
func (t Token) ID() canonical.Hash {
	return canonical.SumDomain(canonical.DomainCapability, canonical.MustMarshal(t.body()))
}

func (t Token) sign(key *crypto.DeviceKey) Token {
	id := t.ID()
	t.Signature = key.Sign(id[:])
	return t
}

func (t Token) verifySignature(pub ed25519.PublicKey) error {
	id := t.ID()
	return crypto.Verify(pub, id[:], t.Signature)
}

// Expired reports whether t is no longer usable at now.
func (t Token) Expired(now int64) bool {
	return t.ExpiresAt != 0 && now >= t.ExpiresAt
}

// Parent is the token t was delegated from, if any.
func (t Token) Parent() (canonical.Hash, bool) {
	if len(t.Chain) == 0 {
		return canonical.Hash{}, false
	}
	return t.Chain[len(t.Chain)-1], true
}
