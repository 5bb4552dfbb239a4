package guard

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// Leakage attaches a leakage charge to a send.
type Leakage struct {
	Context   string `json:"context"`
	Operation string `json:"operation"`
	Bits      uint64 `json:"bits"`
}

// Request is one send to be guarded.
type Request struct {
	Context   ids.ContextID      `json:"context"`
	Authority ids.DeviceID       `json:"authority"`
	Peer      ids.DeviceID       `json:"peer"`
	To        ids.NetworkAddress `json:"to"`
	Envelope  []byte             `json:"envelope"`
	Cost      uint32             `json:"cost"`

	// Requirement is a permission string ("class:op:scope"). Empty skips
	// the authorization guard.
	Requirement string `json:"requirement,omitempty"`

	// Leakage, if set, is checked before the flow budget and consumed
	// after the charge.
	Leakage *Leakage `json:"leakage,omitempty"`

	// Delta is committed to the journal after the send succeeds.
	Delta *journal.Journal `json:"delta,omitempty"`

	// Metadata is written after the send succeeds.
	Metadata map[string][]byte `json:"metadata,omitempty"`
}

// address is where the envelope goes. An unset To falls back to the
// peer's device address.
func (r Request) address() ids.NetworkAddress {
	if r.To != "" {
		return r.To
	}
	return ids.DeviceAddress(r.Peer)
}

// Snapshot is everything Evaluate reads from the effect system.
type Snapshot struct {
	Budget  journal.FlowBudget    `json:"budget"`
	Leakage effects.LeakageBudget `json:"leakage"`
	Now     int64                 `json:"now"`
}

// Authorizer answers capability queries. *capability.Manager implements it.
type Authorizer interface {
	Verify(device ids.DeviceID, required capability.Permission, now int64) (capability.Token, error)
}

// Decision is the result of evaluating the chain.
type Decision struct {
	Authorized   bool   `json:"authorized"`
	DenialReason string `json:"denial_reason,omitempty"`

	// Err is the typed cause of a denial.
	Err error `json:"-"`

	// Token is the capability that authorized the send, zero when no
	// requirement was attached.
	Token canonical.Hash `json:"token,omitzero"`

	Program []EffectCommand `json:"-"`
}

func deny(err error) Decision {
	return Decision{Authorized: false, DenialReason: err.Error(), Err: err}
}

// Evaluate runs the guard chain against snap. It has no side effects.
func Evaluate(req Request, snap Snapshot, auth Authorizer) Decision {
	var token canonical.Hash
	if req.Requirement != "" {
		perm, err := capability.ParsePermission(req.Requirement)
		if err != nil {
			return deny(faults.TokenInvalid(err.Error()))
		}
		if auth == nil {
			return deny(faults.InsufficientPermissions(req.Requirement, "none"))
		}
		t, err := auth.Verify(req.Authority, perm, snap.Now)
		if err != nil {
			return deny(err)
		}
		token = t.ID()
	}

	if req.Leakage != nil {
		if have := snap.Leakage.Remaining(); have < req.Leakage.Bits {
			return deny(faults.LeakageBudgetExceeded(req.Leakage.Context, have, req.Leakage.Bits))
		}
	}
	if have := snap.Budget.Headroom(); have < req.Cost {
		return deny(faults.InsufficientFlow(uint64(have), uint64(req.Cost)))
	}

	// The charge runs first so a charge that loses a race leaves the
	// leakage budget untouched.
	program := []EffectCommand{
		ChargeBudget{Context: req.Context, Authority: req.Authority, Peer: req.Peer, Amount: req.Cost},
	}
	if req.Leakage != nil {
		program = append(program, RecordLeakage{
			Context:   req.Leakage.Context,
			Operation: req.Leakage.Operation,
			Bits:      req.Leakage.Bits,
		})
	}
	program = append(program, SendEnvelope{Context: req.Context, To: req.address(), Envelope: slices.Clone(req.Envelope)})

	if req.Delta != nil {
		program = append(program, AppendJournal{Entry: *req.Delta})
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		program = append(program, StoreMetadata{Key: k, Value: slices.Clone(req.Metadata[k])})
	}

	return Decision{Authorized: true, Token: token, Program: program}
}

// StateReader supplies the values a Snapshot is built from.
type StateReader interface {
	GetFlowBudget(ctx context.Context, c ids.ContextID, peer ids.DeviceID) (journal.FlowBudget, error)
	GetLeakageBudget(ctx context.Context, contextID string) (effects.LeakageBudget, error)
	PhysicalTime(ctx context.Context) (effects.PhysicalTime, error)
}

// TakeSnapshot reads what Evaluate needs for req.
func TakeSnapshot(ctx context.Context, r StateReader, req Request) (Snapshot, error) {
	b, err := r.GetFlowBudget(ctx, req.Context, req.Peer)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read flow budget: %w", err)
	}
	snap := Snapshot{Budget: b}
	if req.Leakage != nil {
		lb, err := r.GetLeakageBudget(ctx, req.Leakage.Context)
		if err != nil {
			return Snapshot{}, fmt.Errorf("read leakage budget: %w", err)
		}
		snap.Leakage = lb
	}
	now, err := r.PhysicalTime(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read time: %w", err)
	}
	snap.Now = now.TsMs
	return snap, nil
}

// SystemReader is the StateReader over a live effect system.
type SystemReader struct {
	Sys effects.System
}

func (s SystemReader) GetFlowBudget(ctx context.Context, c ids.ContextID, peer ids.DeviceID) (journal.FlowBudget, error) {
	return s.Sys.Journal.GetFlowBudget(ctx, c, peer)
}

func (s SystemReader) GetLeakageBudget(ctx context.Context, contextID string) (effects.LeakageBudget, error) {
	if s.Sys.Leakage == nil {
		return effects.LeakageBudget{}, nil
	}
	return s.Sys.Leakage.GetLeakageBudget(ctx, contextID)
}

func (s SystemReader) PhysicalTime(ctx context.Context) (effects.PhysicalTime, error) {
	return s.Sys.Time.PhysicalTime(ctx)
}
