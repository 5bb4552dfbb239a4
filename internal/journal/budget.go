package journal

import (
	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
)

// DefaultFlowLimit is the per-epoch credit of a (context, peer) pair that
// was never configured.
const DefaultFlowLimit uint32 = 1024

// BudgetKey addresses one flow budget.
type BudgetKey struct {
	Context ids.ContextID `json:"context"`
	Peer    ids.DeviceID  `json:"peer"`
}

func (k BudgetKey) String() string { return k.Context.String() + "/" + k.Peer.String() }

// FlowBudget is the send credit of one (context, peer) pair for an epoch.
type FlowBudget struct {
	Limit uint32 `json:"limit"`
	Spent uint32 `json:"spent"`
	Epoch uint64 `json:"epoch"`
}

// Headroom is the credit left.
func (b FlowBudget) Headroom() uint32 {
	if b.Spent >= b.Limit {
		return 0
	}
	return b.Limit - b.Spent
}

// Rolled returns b reset for epoch if b belongs to an earlier one.
func (b FlowBudget) Rolled(epoch uint64) FlowBudget {
	if b.Epoch < epoch {
		b.Spent = 0
		b.Epoch = epoch
	}
	return b
}

// Charge spends cost, failing without change when headroom is short.
func (b FlowBudget) Charge(cost uint32) (FlowBudget, error) {
	if h := b.Headroom(); h < cost {
		return b, faults.InsufficientFlow(uint64(h), uint64(cost))
	}
	b.Spent += cost
	return b, nil
}

// Receipt proves a budget charge. The guard pairs it with the send it
// paid for.
type Receipt struct {
	Context   ids.ContextID  `json:"context"`
	Peer      ids.DeviceID   `json:"peer"`
	Nonce     uint64         `json:"nonce"`
	Cost      uint32         `json:"cost"`
	Timestamp int64          `json:"timestamp"`
	Epoch     uint64         `json:"epoch"`
	Remaining uint32         `json:"remaining"`
	Digest    canonical.Hash `json:"digest"`
}

// Seal fills Digest over the other fields.
func (r Receipt) Seal() Receipt {
	r.Digest = canonical.ZeroHash
	h, err := canonical.Of(canonical.DomainReceipt, r)
	if err == nil {
		r.Digest = h
	}
	return r
}

// Verify reports whether Digest matches the fields.
func (r Receipt) Verify() bool {
	return r.Seal().Digest == r.Digest
}
