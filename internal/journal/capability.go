package journal

import (
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

const (
	KindCapabilityDelegation Kind = "capability_delegation"
	KindCapabilityRevocation Kind = "capability_revocation"
)

func init() {
	register[CapabilityDelegation](KindCapabilityDelegation)
	register[CapabilityRevocation](KindCapabilityRevocation)
}

// CapabilityDelegation records an edge in the authority graph. A zero Parent
// marks a root grant.
type CapabilityDelegation struct {
	Capability  canonical.Hash `json:"capability"`
	Parent      canonical.Hash `json:"parent,omitzero"`
	Holder      ids.DeviceID   `json:"holder"`
	Permissions []string       `json:"permissions"`
}

func (CapabilityDelegation) Kind() Kind         { return KindCapabilityDelegation }
func (CapabilityDelegation) policy() authPolicy { return allowMember }

func (p CapabilityDelegation) apply(st *AccountState, _ applyContext) error {
	g := &st.Authority
	if !p.Parent.IsZero() {
		if _, known := g.Holders[p.Parent]; !known {
			return fmt.Errorf("delegation from unknown capability %s", p.Parent.Short())
		}
		if g.Revoked[p.Parent] {
			return fmt.Errorf("delegation from revoked capability %s", p.Parent.Short())
		}
		g.Parents[p.Capability] = p.Parent
	}
	g.Holders[p.Capability] = p.Holder
	return nil
}

// CapabilityRevocation revokes a capability and, transitively, everything
// delegated from it.
type CapabilityRevocation struct {
	Capability canonical.Hash `json:"capability"`
	Reason     string         `json:"reason,omitempty"`
}

func (CapabilityRevocation) Kind() Kind         { return KindCapabilityRevocation }
func (CapabilityRevocation) policy() authPolicy { return allowMember }

func (p CapabilityRevocation) apply(st *AccountState, _ applyContext) error {
	g := &st.Authority
	if _, known := g.Holders[p.Capability]; !known {
		return fmt.Errorf("revocation of unknown capability %s", p.Capability.Short())
	}
	g.revoke(p.Capability)
	return nil
}

func (g *AuthorityGraph) revoke(root canonical.Hash) {
	g.Revoked[root] = true
	for child, parent := range g.Parents {
		if parent == root && !g.Revoked[child] {
			g.revoke(child)
		}
	}
}

// IsRevoked reports whether c or any ancestor is revoked.
func (g AuthorityGraph) IsRevoked(c canonical.Hash) bool {
	for seen := 0; seen <= len(g.Parents); seen++ {
		if g.Revoked[c] {
			return true
		}
		parent, ok := g.Parents[c]
		if !ok {
			return false
		}
		c = parent
	}
	return true
}
