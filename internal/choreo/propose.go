package choreo

import (
	"context"
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/faults"
)

type ack struct {
	Proposal canonical.Hash `json:"proposal"`
	Accept   bool           `json:"accept"`
	Reason   string         `json:"reason,omitempty"`
}

type decision struct {
	Proposal canonical.Hash `json:"proposal"`
	Accepted bool           `json:"accepted"`
	Accepts  int            `json:"accepts"`
}

// Validator checks a proposal before a role acknowledges it.
type Validator[P any] func(P) error

// ProposeAndAcknowledge runs a proposal round in phases base, base+1 and
// base+2. The coordinator sends proposal (other roles pass their zero value,
// it is ignored), every other role validates what it received and answers,
// and the coordinator announces whether the quorum accepted. Every role that
// returns without error holds the identical proposal.
func ProposeAndAcknowledge[P any](ctx context.Context, inst *Instance, base Phase, proposal P, validate Validator[P]) (_ P, err error) {
	ctx, done := inst.bound(ctx, "propose_and_acknowledge", base)
	defer func() { done(err) }()

	if inst.IsCoordinator() {
		return coordinateProposal(ctx, inst, base, proposal, validate)
	}
	return answerProposal(ctx, inst, base, validate)
}

func coordinateProposal[P any](ctx context.Context, inst *Instance, base Phase, proposal P, validate Validator[P]) (P, error) {
	var zero P
	if validate != nil {
		if err := validate(proposal); err != nil {
			return zero, faults.ProtocolViolation(fmt.Sprintf("own proposal invalid: %v", err))
		}
	}
	digest, err := canonical.OfPlain(proposal)
	if err != nil {
		return zero, err
	}
	if err := inst.SendAll(ctx, base, proposal); err != nil {
		return zero, err
	}

	quorum := inst.cfg.quorum()
	accepts, answered := 1, 0
	pending := inst.Others()
	for len(pending) > 0 && accepts < quorum && accepts+len(pending) >= quorum {
		var a ack
		from, err := inst.ReceiveAny(ctx, pending, base+1, &a)
		if err != nil {
			return zero, err
		}
		pending = without(pending, from)
		answered++
		switch {
		case a.Proposal != digest:
			inst.rt.logger.Warn("acknowledgement for another proposal", "from", from.String())
		case a.Accept:
			accepts++
		default:
			inst.rt.logger.Info("proposal rejected", "from", from.String(), "reason", a.Reason)
		}
	}

	d := decision{Proposal: digest, Accepted: accepts >= quorum, Accepts: accepts}
	if err := inst.SendAll(ctx, base+2, d); err != nil {
		return zero, err
	}
	if !d.Accepted {
		return zero, faults.ProtocolViolation(fmt.Sprintf("proposal accepted by %d of %d, need %d", accepts, len(inst.cfg.Participants), quorum))
	}
	return proposal, nil
}

func answerProposal[P any](ctx context.Context, inst *Instance, base Phase, validate Validator[P]) (P, error) {
	var zero, got P
	coord := inst.cfg.Coordinator()
	if err := inst.Receive(ctx, coord, base, &got); err != nil {
		return zero, err
	}
	digest, err := canonical.OfPlain(got)
	if err != nil {
		return zero, faults.Byzantine(coord)
	}
	reply := ack{Proposal: digest, Accept: true}
	if validate != nil {
		if verr := validate(got); verr != nil {
			reply = ack{Proposal: digest, Reason: verr.Error()}
		}
	}
	if err := inst.Send(ctx, coord, base+1, reply); err != nil {
		return zero, err
	}

	var d decision
	if err := inst.Receive(ctx, coord, base+2, &d); err != nil {
		return zero, err
	}
	switch {
	case !d.Accepted:
		return zero, faults.ProtocolViolation(fmt.Sprintf("proposal rejected with %d acceptances", d.Accepts))
	case d.Proposal != digest:
		return zero, faults.Byzantine(coord)
	case !reply.Accept:
		return zero, faults.ProtocolViolation("accepted proposal failed local validation: " + reply.Reason)
	}
	return got, nil
}

func without(roles []Role, r Role) []Role {
	out := roles[:0:0]
	for _, x := range roles {
		if x != r {
			out = append(out, x)
		}
	}
	return out
}
