package protocol

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/scheduler"
)

const (
	phaseRecoveryPropose choreo.Phase = 0
	phaseRecoveryShares  choreo.Phase = 3
)

// RecoveryRequest starts one role of a guardian recovery. The new device is
// the first role and the guardians follow in the listed order.
type RecoveryRequest struct {
	Session   ids.SessionID
	NewDevice ids.DeviceID
	Guardians []ids.GuardianID
	CooldownS uint32
	// Commitments, when set, are the Feldman commitments of the guardian
	// sharing; the new device checks every released share against them.
	Commitments []crypto.Point
	// Share is the guardian's share of the account secret.
	Share crypto.Share
	Epoch uint64
}

func (r RecoveryRequest) roles() []ids.DeviceID {
	out := []ids.DeviceID{r.NewDevice}
	for _, g := range r.Guardians {
		out = append(out, ids.DeviceID(g))
	}
	return out
}

// RecoveryResult is the outcome of a recovery. RootKey is set only on the
// new device.
type RecoveryResult struct {
	Session           ids.SessionID  `json:"session"`
	NewDevice         ids.DeviceID   `json:"new_device_id"`
	RootKey           [32]byte       `json:"-"`
	RootKeyCommitment canonical.Hash `json:"root_key_commitment"`
	CompletedAt       int64          `json:"completed_at"`
}

type recoveryProposal struct {
	Session      ids.SessionID `json:"session"`
	NewDevice    ids.DeviceID  `json:"new_device_id"`
	NewDeviceKey []byte        `json:"new_device_key"`
	ResetAt      int64         `json:"reset_at"`
}

type recoveryShare struct {
	Share crypto.Share `json:"share"`
}

// RunRecovery runs the local role of a recovery: the new device when the
// node is req.NewDevice, otherwise a guardian.
func (n *Node) RunRecovery(ctx context.Context, req RecoveryRequest) (RecoveryResult, error) {
	if n.Device() == req.NewDevice {
		return n.recoverDevice(ctx, req)
	}
	if n.guardian == nil {
		return RecoveryResult{}, faults.ProtocolViolation("recovery role is neither the new device nor a guardian")
	}
	return n.guardRecovery(ctx, req)
}

func (n *Node) recoveryInstance(req RecoveryRequest) (*choreo.Instance, error) {
	quorum := int(n.state().GuardianThreshold) + 1
	return n.join(req.Session, req.roles(), req.Epoch, quorum)
}

func (n *Node) recoverDevice(ctx context.Context, req RecoveryRequest) (res RecoveryResult, err error) {
	inst, err := n.recoveryInstance(req)
	if err != nil {
		return RecoveryResult{}, err
	}
	n.openSession(ctx, req.Session, journal.SessionRecovery, true)
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if err != nil {
			n.abortRecovery(cleanup, req.Session, err)
		}
		n.closeSession(cleanup, req.Session, true, err)
		n.record("recovery", err)
	}()

	pub := n.author.Key.Public()
	err = n.emitSelf(ctx, journal.InitiateRecovery{
		Session:      req.Session,
		NewDevice:    req.NewDevice,
		NewDeviceKey: pub,
		CooldownS:    req.CooldownS,
		TimeoutAt:    n.now(ctx) + n.settings.Timeout.Milliseconds(),
	})
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("initiate recovery: %w", err)
	}
	rec := n.state().Recoveries[req.Session]
	n.logger.Info("recovery initiated",
		"session", req.Session,
		"device", req.NewDevice.Short(),
		"reset_at", rec.ResetAt,
		"required", rec.Required)

	proposal := recoveryProposal{Session: req.Session, NewDevice: req.NewDevice, NewDeviceKey: pub, ResetAt: rec.ResetAt}
	if _, err := choreo.ProposeAndAcknowledge(ctx, inst, phaseRecoveryPropose, proposal, nil); err != nil {
		return RecoveryResult{}, err
	}

	shares, err := n.collectRecoveryShares(ctx, inst, req, int(rec.Required))
	if err != nil {
		return RecoveryResult{}, err
	}
	if err := n.waiter.YieldUntil(ctx, scheduler.TimeoutAt(rec.ResetAt)); err != nil {
		return RecoveryResult{}, err
	}
	secret, err := crypto.Combine(shares)
	if err != nil {
		return RecoveryResult{}, err
	}
	root, err := crypto.DeriveRootKey(secret, n.author.Ledger.Account().Bytes())
	if err != nil {
		return RecoveryResult{}, err
	}
	if res, err = n.CompleteRecovery(ctx, req.Session, root); err != nil {
		return RecoveryResult{}, err
	}
	err = n.emitSelf(ctx, journal.AddDevice{Device: journal.DeviceInfo{ID: req.NewDevice, PublicKey: pub}})
	if err != nil {
		return RecoveryResult{}, fmt.Errorf("enroll recovered device: %w", err)
	}
	return res, nil
}

// collectRecoveryShares reads shares from guardians until required of them
// have arrived.
func (n *Node) collectRecoveryShares(ctx context.Context, inst *choreo.Instance, req RecoveryRequest, required int) ([]crypto.Share, error) {
	pending := inst.Others()
	var shares []crypto.Share
	for len(shares) < required {
		var s recoveryShare
		from, err := inst.ReceiveAny(ctx, pending, phaseRecoveryShares, &s)
		if err != nil {
			return nil, err
		}
		pending = slices.DeleteFunc(pending, func(r choreo.Role) bool { return r == from })
		if len(req.Commitments) > 0 {
			if err := crypto.VerifyShare(s.Share, req.Commitments); err != nil {
				n.logger.Warn("recovery share does not match commitments", "from", from.String(), "error", err)
				return nil, faults.Byzantine(from)
			}
		}
		shares = append(shares, s.Share)
	}
	return shares, nil
}

// CompleteRecovery appends the completion of session with the derived root
// key. Completing before the cooldown has elapsed fails with a
// ProtocolViolation whose detail is "cooldown".
func (n *Node) CompleteRecovery(ctx context.Context, session ids.SessionID, root [32]byte) (RecoveryResult, error) {
	res := RecoveryResult{
		Session:           session,
		NewDevice:         n.Device(),
		RootKey:           root,
		RootKeyCommitment: canonical.Sum(root[:]),
		CompletedAt:       n.now(ctx),
	}
	err := n.emitSelf(ctx, journal.CompleteRecovery{
		Session:           session,
		NewDevice:         res.NewDevice,
		RootKeyCommitment: res.RootKeyCommitment,
	})
	if err != nil {
		if strings.Contains(err.Error(), journal.CooldownViolation) {
			return RecoveryResult{}, faults.ProtocolViolation(journal.CooldownViolation)
		}
		return RecoveryResult{}, fmt.Errorf("complete recovery: %w", err)
	}
	n.logger.Info("recovery completed", "session", session, "device", res.NewDevice.Short())
	return res, nil
}

// NudgeGuardians journals a reminder to every guardian that has not yet
// approved session and returns them.
func (n *Node) NudgeGuardians(ctx context.Context, session ids.SessionID) ([]ids.GuardianID, error) {
	st := n.state()
	rec, ok := st.Recoveries[session]
	if !ok {
		return nil, faults.ProtocolViolation(fmt.Sprintf("no recovery %s", session))
	}
	var pending []ids.GuardianID
	for g := range st.Guardians {
		if _, approved := rec.Approvals[g]; !approved {
			pending = append(pending, g)
		}
	}
	slices.SortFunc(pending, func(a, b ids.GuardianID) int { return strings.Compare(a.String(), b.String()) })
	for i, g := range pending {
		if err := n.emitSelf(ctx, journal.NudgeGuardian{Session: session, Guardian: g}); err != nil {
			return pending[:i], fmt.Errorf("nudge %s: %w", g, err)
		}
	}
	return pending, nil
}

func (n *Node) abortRecovery(ctx context.Context, session ids.SessionID, runErr error) {
	sess, ok := n.state().Sessions[session]
	if !ok || sess.Status.Terminal() {
		return
	}
	if err := n.emitSelf(ctx, journal.AbortRecovery{Session: session, Reason: runErr.Error()}); err != nil {
		n.logger.Warn("recovery abort not recorded", "session", session, "error", err)
	}
}

func (n *Node) guardRecovery(ctx context.Context, req RecoveryRequest) (res RecoveryResult, err error) {
	inst, err := n.recoveryInstance(req)
	if err != nil {
		return RecoveryResult{}, err
	}
	n.openSession(ctx, req.Session, journal.SessionRecovery, false)
	defer func() {
		n.closeSession(context.WithoutCancel(ctx), req.Session, false, err)
		n.record("recovery", err)
	}()

	// Approval and share commitment are journaled before the acknowledgement
	// leaves, so the new device never counts a share the journal lacks. A
	// guardian that arrives after completion has nothing left to do.
	validate := func(p recoveryProposal) error {
		if n.behavior.RejectProposals {
			return errors.New("proposal refused")
		}
		if p.Session != req.Session || p.NewDevice != req.NewDevice {
			return errors.New("proposal differs from the requested recovery")
		}
		rec, ok := n.state().Recoveries[p.Session]
		if !ok || !slices.Equal(rec.NewDeviceKey, p.NewDeviceKey) || rec.ResetAt != p.ResetAt {
			return errors.New("recovery not initiated in the journal")
		}
		if err := n.pause(ctx); err != nil {
			return err
		}
		return n.releaseShare(ctx, req)
	}
	proposal, err := choreo.ProposeAndAcknowledge(ctx, inst, phaseRecoveryPropose, recoveryProposal{}, validate)
	if err != nil {
		return RecoveryResult{}, err
	}
	res = RecoveryResult{Session: proposal.Session, NewDevice: proposal.NewDevice}
	if n.recoveryCompleted(req.Session) {
		n.logger.Debug("recovery completed before share was sent", "session", req.Session, "guardian", n.guardian.Guardian)
		return res, nil
	}
	if err := inst.Send(ctx, inst.Config().Coordinator(), phaseRecoveryShares, recoveryShare{Share: req.Share}); err != nil {
		return RecoveryResult{}, err
	}
	return res, nil
}

// releaseShare journals the guardian's approval and a commitment to its
// share. Losing the race against completion is not an error.
func (n *Node) releaseShare(ctx context.Context, req RecoveryRequest) error {
	if n.recoveryCompleted(req.Session) {
		return nil
	}
	err := n.emit(ctx, journal.CollectGuardianApproval{Session: req.Session, Guardian: n.guardian.Guardian})
	if err == nil {
		err = n.emit(ctx, journal.SubmitRecoveryShare{
			Session:         req.Session,
			Guardian:        n.guardian.Guardian,
			ShareCommitment: canonical.Sum(req.Share.Value.Bytes()),
		})
		if err != nil {
			err = fmt.Errorf("submit share: %w", err)
		}
	}
	if err != nil && n.recoveryCompleted(req.Session) {
		return nil
	}
	return err
}

func (n *Node) recoveryCompleted(session ids.SessionID) bool {
	sess, ok := n.state().Sessions[session]
	return ok && sess.Status == journal.StatusCompleted
}
