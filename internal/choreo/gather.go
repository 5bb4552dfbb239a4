package choreo

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/faults"
)

// Contribution is one role's gathered message.
type Contribution[M any] struct {
	From       Role           `json:"from"`
	Message    M              `json:"message"`
	Commitment canonical.Hash `json:"commitment"`
}

type gatherOptions[M any] struct {
	commit    func(M) (canonical.Hash, error)
	validate  func(Role, M) error
	reveal    func(M) M
	threshold int
}

// GatherOption configures BroadcastAndGather.
type GatherOption[M any] func(*gatherOptions[M])

// WithCommitment replaces the default commitment, the plain hash of the
// message's canonical encoding.
func WithCommitment[M any](fn func(M) (canonical.Hash, error)) GatherOption[M] {
	return func(o *gatherOptions[M]) { o.commit = fn }
}

// WithValidator checks every received message. A message that fails
// accuses its sender.
func WithValidator[M any](fn func(Role, M) error) GatherOption[M] {
	return func(o *gatherOptions[M]) { o.validate = fn }
}

// WithThreshold returns once n contributions, the local one included, have
// been revealed. Zero means every participant.
func WithThreshold[M any](n int) GatherOption[M] {
	return func(o *gatherOptions[M]) { o.threshold = n }
}

// WithEquivocation makes the local role reveal fn(message) instead of the
// message it committed to. Fault-injection fixtures use it.
func WithEquivocation[M any](fn func(M) M) GatherOption[M] {
	return func(o *gatherOptions[M]) { o.reveal = fn }
}

// BroadcastAndGather exchanges one message per role with commit-reveal in
// phases base and base+1. Each role first sends the commitment of its
// message, then the message; a revealed message whose commitment differs
// from the committed one fails the call with Byzantine naming every such
// sender. Contributions are returned ordered by role index.
func BroadcastAndGather[M any](ctx context.Context, inst *Instance, base Phase, local M, opts ...GatherOption[M]) (_ []Contribution[M], err error) {
	o := gatherOptions[M]{
		commit:    func(m M) (canonical.Hash, error) { return canonical.OfPlain(m) },
		threshold: len(inst.cfg.Participants),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.threshold <= 0 || o.threshold > len(inst.cfg.Participants) {
		return nil, faults.ProtocolViolation(fmt.Sprintf("gather threshold %d of %d", o.threshold, len(inst.cfg.Participants)))
	}

	ctx, done := inst.bound(ctx, "broadcast_and_gather", base)
	defer func() { done(err) }()

	if o.validate != nil {
		if err := o.validate(inst.self, local); err != nil {
			return nil, faults.ProtocolViolation(fmt.Sprintf("own message invalid: %v", err))
		}
	}
	own, err := o.commit(local)
	if err != nil {
		return nil, err
	}

	// Commit.
	if err := inst.SendAll(ctx, base, own); err != nil {
		return nil, err
	}
	need := o.threshold - 1
	commits := map[Role]canonical.Hash{}
	pending := inst.Others()
	for len(commits) < need {
		var h canonical.Hash
		from, err := inst.ReceiveAny(ctx, pending, base, &h)
		if err != nil {
			return nil, err
		}
		commits[from] = h
		pending = without(pending, from)
	}

	// Reveal.
	revealed := local
	if o.reveal != nil {
		revealed = o.reveal(local)
	}
	if err := inst.SendAll(ctx, base+1, revealed); err != nil {
		return nil, err
	}
	out := []Contribution[M]{{From: inst.self, Message: local, Commitment: own}}
	var accused []Role
	pending = pending[:0:0]
	for _, r := range inst.Others() {
		if _, ok := commits[r]; ok {
			pending = append(pending, r)
		}
	}
	for len(pending) > 0 {
		var m M
		from, err := inst.ReceiveAny(ctx, pending, base+1, &m)
		pending = without(pending, from)
		if err != nil {
			if _, byz := faults.IsByzantine(err); byz {
				accused = append(accused, from)
				continue
			}
			return nil, err
		}
		got, err := o.commit(m)
		if err != nil || got != commits[from] {
			inst.rt.logger.Warn("reveal does not match commitment",
				"device", inst.self.Device.Short(),
				"from", from.String())
			accused = append(accused, from)
			continue
		}
		if o.validate != nil {
			if err := o.validate(from, m); err != nil {
				accused = append(accused, from)
				continue
			}
		}
		out = append(out, Contribution[M]{From: from, Message: m, Commitment: got})
	}
	if len(accused) > 0 {
		slices.SortFunc(accused, func(a, b Role) int { return a.Index - b.Index })
		return nil, faults.Byzantine(accused...)
	}
	slices.SortFunc(out, func(a, b Contribution[M]) int { return a.From.Index - b.From.Index })
	return out, nil
}
