package journal

import (
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

const (
	KindEpochTick           Kind = "epoch_tick"
	KindPresenceTicketCache Kind = "presence_ticket_cache"
	KindCgkaOperation       Kind = "cgka_operation"
	KindCgkaStateSync       Kind = "cgka_state_sync"
	KindCgkaEpochTransition Kind = "cgka_epoch_transition"
)

func init() {
	register[EpochTick](KindEpochTick)
	register[PresenceTicketCache](KindPresenceTicketCache)
	register[CgkaOperation](KindCgkaOperation)
	register[CgkaStateSync](KindCgkaStateSync)
	register[CgkaEpochTransition](KindCgkaEpochTransition)
}

// EpochTick advances the session epoch. Flow budgets reset per epoch.
type EpochTick struct {
	NewEpoch uint64 `json:"new_epoch"`
}

func (EpochTick) Kind() Kind         { return KindEpochTick }
func (EpochTick) policy() authPolicy { return allowMember }

func (p EpochTick) apply(st *AccountState, _ applyContext) error {
	if p.NewEpoch <= st.SessionEpoch {
		return fmt.Errorf("epoch %d does not advance %d", p.NewEpoch, st.SessionEpoch)
	}
	st.SessionEpoch = p.NewEpoch
	return nil
}

// PresenceTicketCache publishes a device's presence ticket into the
// visibility index of one context.
type PresenceTicketCache struct {
	Context   string         `json:"context"`
	Device    ids.DeviceID   `json:"device"`
	Ticket    canonical.Hash `json:"ticket"`
	ExpiresAt int64          `json:"expires_at"`
}

func (PresenceTicketCache) Kind() Kind         { return KindPresenceTicketCache }
func (PresenceTicketCache) policy() authPolicy { return allowMember }

func (p PresenceTicketCache) apply(st *AccountState, ac applyContext) error {
	if p.Device != ac.event.Author {
		return fmt.Errorf("presence ticket for %s authored by %s", p.Device.Short(), ac.event.Author.Short())
	}
	idx := st.Visibility[p.Context]
	if idx == nil {
		idx = map[ids.DeviceID]PresenceEntry{}
		st.Visibility[p.Context] = idx
	}
	idx[p.Device] = PresenceEntry{Ticket: p.Ticket, ExpiresAt: p.ExpiresAt}
	return nil
}

// VisibleDevices lists devices with an unexpired presence ticket in ctx.
func (s *AccountState) VisibleDevices(ctx string, now int64) []ids.DeviceID {
	idx := s.Visibility[ctx]
	var out []ids.DeviceID
	for _, d := range sortedDeviceKeys(idx) {
		if idx[d].ExpiresAt == 0 || idx[d].ExpiresAt > now {
			out = append(out, d)
		}
	}
	return out
}

// CgkaOperation applies an attested tree operation.
type CgkaOperation struct {
	Op AttestedOp `json:"op"`
}

func (CgkaOperation) Kind() Kind         { return KindCgkaOperation }
func (CgkaOperation) policy() authPolicy { return allowMember }

func (p CgkaOperation) apply(st *AccountState, _ applyContext) error {
	return st.applyTreeOp(p.Op)
}

// CgkaStateSync asserts the tree state a peer observed; it must match.
type CgkaStateSync struct {
	Epoch      uint64         `json:"epoch"`
	Commitment canonical.Hash `json:"commitment"`
}

func (CgkaStateSync) Kind() Kind         { return KindCgkaStateSync }
func (CgkaStateSync) policy() authPolicy { return allowMember }

func (p CgkaStateSync) apply(st *AccountState, _ applyContext) error {
	if st.Tree.Epoch != p.Epoch {
		return fmt.Errorf("tree epoch %d, peer observed %d", st.Tree.Epoch, p.Epoch)
	}
	if got := st.Tree.Commitment(); got != p.Commitment {
		return fmt.Errorf("tree commitment %s, peer observed %s", got.Short(), p.Commitment.Short())
	}
	return nil
}

// CgkaEpochTransition moves the group-key epoch forward by one.
type CgkaEpochTransition struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (CgkaEpochTransition) Kind() Kind         { return KindCgkaEpochTransition }
func (CgkaEpochTransition) policy() authPolicy { return allowMember }

func (p CgkaEpochTransition) apply(st *AccountState, _ applyContext) error {
	if p.From != st.CgkaEpoch || p.To != p.From+1 {
		return fmt.Errorf("cgka transition %d->%d from epoch %d", p.From, p.To, st.CgkaEpoch)
	}
	st.CgkaEpoch = p.To
	return nil
}
