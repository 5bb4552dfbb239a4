package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

const (
	phaseDkdPropose  choreo.Phase = 0
	phaseDkdExchange choreo.Phase = 3
	phaseDkdVerify   choreo.Phase = 5
)

// DkdRequest starts one role of a derivation. Every role passes the same
// Session and Participants; the first participant coordinates.
type DkdRequest struct {
	Session      ids.SessionID
	Participants []ids.DeviceID
	AppLabel     string
	// Context is the coordinator's context. Empty draws 32 random bytes.
	// Other roles ignore it.
	Context  []byte
	KeyShare []byte
	Epoch    uint64
}

type dkdProposal struct {
	Session      ids.SessionID    `json:"session"`
	Context      ids.DkdContextID `json:"context"`
	Participants []ids.DeviceID   `json:"participants"`
	TimeoutAt    int64            `json:"timeout_at"`
}

type dkdReveal struct {
	Point [32]byte `json:"point"`
}

func dkdCommitment(r dkdReveal) (canonical.Hash, error) {
	return crypto.PointCommitment(r.Point), nil
}

// RunDkd runs the local role of a derivation to completion. Every honest
// role returns the same result, or every honest role fails; a point that
// does not open its commitment fails the run with a Byzantine error naming
// the sender.
func (n *Node) RunDkd(ctx context.Context, req DkdRequest) (res DkdResult, err error) {
	inst, err := n.join(req.Session, req.Participants, req.Epoch, 0)
	if err != nil {
		return DkdResult{}, err
	}
	coordinator := inst.IsCoordinator()
	m := NewDkdMachine(req.KeyShare, len(req.Participants))
	n.openSession(ctx, req.Session, journal.SessionDkd, coordinator)
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if err != nil {
			m.Fail(err)
		}
		if coordinator {
			n.finishDkd(cleanup, req.Session, err)
		}
		n.closeSession(cleanup, req.Session, coordinator, err)
		n.record("dkd", err)
	}()

	var proposal dkdProposal
	if coordinator {
		if proposal, err = n.initiateDkd(ctx, req); err != nil {
			return DkdResult{}, err
		}
	}
	if err := m.Start(); err != nil {
		return DkdResult{}, err
	}
	proposal, err = choreo.ProposeAndAcknowledge(ctx, inst, phaseDkdPropose, proposal, n.dkdValidator(ctx, req))
	if err != nil {
		return DkdResult{}, err
	}

	commitment, err := m.ReceiveContext(proposal.Context)
	if err != nil {
		return DkdResult{}, err
	}
	if err := n.emit(ctx, journal.RecordDkdCommitment{Session: req.Session, Device: n.Device(), Commitment: commitment}); err != nil {
		return DkdResult{}, fmt.Errorf("record commitment: %w", err)
	}

	opts := []choreo.GatherOption[dkdReveal]{choreo.WithCommitment(dkdCommitment)}
	if n.behavior.EquivocateDkd {
		forged, err := forgeDkdPoint(req.KeyShare, proposal.Context)
		if err != nil {
			return DkdResult{}, err
		}
		opts = append(opts, choreo.WithEquivocation(func(dkdReveal) dkdReveal { return dkdReveal{Point: forged} }))
	}
	contribs, err := choreo.BroadcastAndGather(ctx, inst, phaseDkdExchange, dkdReveal{Point: m.Point()}, opts...)
	if err != nil {
		return DkdResult{}, err
	}
	for _, c := range contribs {
		if err := m.ReceiveCommitment(c.From, c.Commitment); err != nil {
			return DkdResult{}, err
		}
	}
	point, err := m.Reveal()
	if err != nil {
		return DkdResult{}, err
	}
	for _, c := range contribs {
		if err := m.ReceiveReveal(c.From, c.Message.Point); err != nil {
			return DkdResult{}, err
		}
	}
	if err := n.emit(ctx, journal.RevealDkdPoint{Session: req.Session, Device: n.Device(), Point: point}); err != nil {
		return DkdResult{}, fmt.Errorf("record reveal: %w", err)
	}
	local, err := m.Aggregate(inst.Config().Participants)
	if err != nil {
		return DkdResult{}, err
	}

	if n.behavior.DivergeResult {
		local.DerivedKey[0] ^= 0xff
	}
	verified, err := choreo.VerifyConsistentResult(ctx, inst, phaseDkdVerify, local, nil)
	if err != nil {
		return DkdResult{}, err
	}
	if !verified.IsConsistent {
		return DkdResult{}, faults.Byzantine(verified.Byzantine...)
	}

	res = verified.Verified
	err = n.emit(ctx, journal.FinalizeDkdSession{
		Session:        req.Session,
		CommitmentRoot: res.CommitmentRoot,
		DerivedKey:     res.DerivedKey,
		TranscriptHash: res.TranscriptHash,
	})
	if err != nil {
		return DkdResult{}, fmt.Errorf("finalize: %w", err)
	}
	return res, nil
}

// initiateDkd takes the lock, opens the session in the journal and builds
// the proposal.
func (n *Node) initiateDkd(ctx context.Context, req DkdRequest) (dkdProposal, error) {
	if _, err := n.AcquireLock(ctx, journal.OpDkd, req.Session); err != nil {
		return dkdProposal{}, err
	}
	raw := req.Context
	if len(raw) == 0 {
		raw = make([]byte, 32)
		if _, err := io.ReadFull(n.random, raw); err != nil {
			return dkdProposal{}, fmt.Errorf("draw dkd context: %w", err)
		}
	}
	p := dkdProposal{
		Session:      req.Session,
		Context:      ids.NewDkdContextID(req.AppLabel, raw),
		Participants: slices.Clone(req.Participants),
		TimeoutAt:    n.now(ctx) + n.settings.Timeout.Milliseconds(),
	}
	err := n.emit(ctx, journal.InitiateDkdSession{
		Session:      p.Session,
		Context:      p.Context,
		Participants: p.Participants,
		TimeoutAt:    p.TimeoutAt,
	})
	if err != nil {
		return dkdProposal{}, fmt.Errorf("initiate dkd: %w", err)
	}
	n.logger.Info("dkd initiated",
		"session", req.Session,
		"context", p.Context.String(),
		"participants", len(p.Participants))
	return p, nil
}

func (n *Node) dkdValidator(ctx context.Context, req DkdRequest) choreo.Validator[dkdProposal] {
	return func(p dkdProposal) error {
		if n.behavior.RejectProposals {
			return errors.New("proposal refused")
		}
		if p.Session != req.Session {
			return fmt.Errorf("proposal for session %s", p.Session)
		}
		if !slices.Equal(p.Participants, req.Participants) {
			return errors.New("participant list differs")
		}
		if req.AppLabel != "" && p.Context.AppLabel != req.AppLabel {
			return fmt.Errorf("context label %q, want %q", p.Context.AppLabel, req.AppLabel)
		}
		if rec, ok := n.state().Dkd[p.Session]; !ok || rec.Context != p.Context {
			return errors.New("session not initiated in the journal")
		}
		return n.pause(ctx)
	}
}

// pause applies the configured answer delay.
func (n *Node) pause(ctx context.Context) error {
	if n.behavior.DelayMs <= 0 {
		return nil
	}
	return n.time.SleepMs(ctx, uint64(n.behavior.DelayMs))
}

// finishDkd closes the coordinator's side: a failed run is aborted in the
// journal with its accusations, and the lock is released either way.
func (n *Node) finishDkd(ctx context.Context, session ids.SessionID, runErr error) {
	if runErr != nil {
		if _, open := n.state().Dkd[session]; open {
			abort := journal.AbortDkdSession{Session: session, Reason: runErr.Error(), Accused: accusedDevices(runErr)}
			if err := n.emit(ctx, abort); err != nil {
				n.logger.Warn("dkd abort not recorded", "session", session, "error", err)
			}
		}
	}
	if err := n.ReleaseLock(ctx, journal.OpDkd, session); err != nil {
		n.logger.Warn("dkd lock not released", "session", session, "error", err)
	}
}

// forgeDkdPoint is a valid curve point other than the one the key share
// commits to.
func forgeDkdPoint(keyShare []byte, c ids.DkdContextID) ([32]byte, error) {
	point, _, err := crypto.ParticipantDKD(append(slices.Clone(keyShare), 0xff), c.Fingerprint)
	return point, err
}
