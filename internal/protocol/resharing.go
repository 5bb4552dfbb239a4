package protocol

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

const (
	phaseResharePropose     choreo.Phase = 0
	phaseReshareCommitments choreo.Phase = 3
	phaseReshareSubShares   choreo.Phase = 5
	phaseReshareAcks        choreo.Phase = 6
	phaseReshareVerify      choreo.Phase = 7
)

// ResharingRequest starts one role of a resharing. Old holder i (0-based in
// OldParticipants) holds the share with index i+1, and new holder j
// receives index j+1. The first old participant coordinates.
type ResharingRequest struct {
	Session         ids.SessionID
	OldParticipants []ids.DeviceID
	NewParticipants []ids.DeviceID
	NewThreshold    uint16
	// Share is the caller's current share; unused when it is not an old
	// holder.
	Share crypto.Share
	Epoch uint64
}

// roles lists old holders first, then new holders that are not also old.
func (r ResharingRequest) roles() []ids.DeviceID {
	out := slices.Clone(r.OldParticipants)
	for _, d := range r.NewParticipants {
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

// ResharingResult is what a role holds after a resharing.
type ResharingResult struct {
	NewThreshold   uint16         `json:"new_threshold"`
	GroupPublicKey []byte         `json:"group_public_key"`
	CommitmentRoot canonical.Hash `json:"commitment_root"`
	// Share is the caller's new share, nil when it is not a new holder.
	Share *crypto.Share `json:"-"`
}

type resharingProposal struct {
	Session         ids.SessionID  `json:"session"`
	OldThreshold    uint16         `json:"old_threshold"`
	NewThreshold    uint16         `json:"new_threshold"`
	OldParticipants []ids.DeviceID `json:"old_participants"`
	NewParticipants []ids.DeviceID `json:"new_participants"`
	TimeoutAt       int64          `json:"timeout_at"`
}

// resharingDealing is an old holder's Feldman commitments; new-only holders
// broadcast an empty one.
type resharingDealing struct {
	Commitments []crypto.Point `json:"commitments"`
}

type subShare struct {
	Value crypto.Scalar `json:"value"`
}

type subShareAck struct {
	Received int `json:"received"`
}

// RunResharing moves the account key to a new threshold and holder set.
// Old holders deal sub-shares of their shares, new holders verify them
// against the dealt commitments and acknowledge, and the group checks it
// agrees on the group key before the new threshold is finalized. A new
// holder that does not acknowledge in time rolls the whole run back.
func (n *Node) RunResharing(ctx context.Context, req ResharingRequest) (res ResharingResult, err error) {
	roles := req.roles()
	inst, err := n.join(req.Session, roles, req.Epoch, 0)
	if err != nil {
		return ResharingResult{}, err
	}
	coordinator := inst.IsCoordinator()
	n.openSession(ctx, req.Session, journal.SessionResharing, coordinator)
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		if coordinator {
			n.finishResharing(cleanup, req.Session, err)
		}
		n.closeSession(cleanup, req.Session, coordinator, err)
		n.record("resharing", err)
	}()

	var proposal resharingProposal
	if coordinator {
		if proposal, err = n.initiateResharing(ctx, req); err != nil {
			return ResharingResult{}, err
		}
	}
	proposal, err = choreo.ProposeAndAcknowledge(ctx, inst, phaseResharePropose, proposal, n.resharingValidator(ctx, req))
	if err != nil {
		return ResharingResult{}, err
	}

	oldIndex := slices.Index(proposal.OldParticipants, n.Device())
	newIndex := slices.Index(proposal.NewParticipants, n.Device())
	oldIndices := make([]uint32, len(proposal.OldParticipants))
	newIndices := make([]uint32, len(proposal.NewParticipants))
	for i := range oldIndices {
		oldIndices[i] = uint32(i + 1)
	}
	for j := range newIndices {
		newIndices[j] = uint32(j + 1)
	}

	// Deal.
	var (
		mine    *crypto.Reshare
		dealing resharingDealing
	)
	if oldIndex >= 0 {
		if req.Share.Index != uint32(oldIndex+1) {
			return ResharingResult{}, faults.ProtocolViolation(fmt.Sprintf("holding share %d at old position %d", req.Share.Index, oldIndex+1))
		}
		mine, err = crypto.NewReshare(req.Share, oldIndices, int(proposal.NewThreshold), newIndices, n.random)
		if err != nil {
			return ResharingResult{}, err
		}
		dealing.Commitments = mine.Commitments
	}
	contribs, err := choreo.BroadcastAndGather(ctx, inst, phaseReshareCommitments, dealing,
		choreo.WithValidator(func(r choreo.Role, d resharingDealing) error {
			want := 0
			if slices.Contains(proposal.OldParticipants, r.Device) {
				want = int(proposal.NewThreshold)
			}
			if len(d.Commitments) != want {
				return fmt.Errorf("%d commitments, want %d", len(d.Commitments), want)
			}
			return nil
		}))
	if err != nil {
		return ResharingResult{}, err
	}
	dealt := map[ids.DeviceID][]crypto.Point{}
	var dealings []*crypto.Reshare
	var digests []canonical.Hash
	for _, c := range contribs {
		if len(c.Message.Commitments) == 0 {
			continue
		}
		dealt[c.From.Device] = c.Message.Commitments
		dealings = append(dealings, &crypto.Reshare{Commitments: c.Message.Commitments})
		digests = append(digests, c.Commitment)
	}

	// Distribute.
	if mine != nil {
		if err := n.distribute(ctx, inst, proposal, mine); err != nil {
			return ResharingResult{}, err
		}
	}

	// Collect and verify.
	if newIndex >= 0 {
		share, err := n.collectSubShares(ctx, inst, proposal, uint32(newIndex+1), mine, dealt)
		if err != nil {
			return ResharingResult{}, err
		}
		res.Share = &share
		if !n.behavior.WithholdAcks {
			if err := inst.SendAll(ctx, phaseReshareAcks, subShareAck{Received: len(proposal.OldParticipants)}); err != nil {
				return ResharingResult{}, err
			}
		}
	}
	if err := n.awaitAcks(ctx, inst, proposal); err != nil {
		return ResharingResult{}, err
	}

	// Verify.
	local := ResharingResult{
		NewThreshold:   proposal.NewThreshold,
		GroupPublicKey: crypto.GroupKeyFromReshares(dealings).Bytes(),
		CommitmentRoot: journal.CommitmentRoot(digests),
	}
	if n.behavior.DivergeResult {
		local.NewThreshold++
	}
	verified, err := choreo.VerifyConsistentResult(ctx, inst, phaseReshareVerify, local, nil)
	if err != nil {
		return ResharingResult{}, err
	}
	if !verified.IsConsistent {
		return ResharingResult{}, faults.Byzantine(verified.Byzantine...)
	}

	share := res.Share
	res = verified.Verified
	res.Share = share
	err = n.emit(ctx, journal.FinalizeResharing{
		Session:         req.Session,
		NewThreshold:    res.NewThreshold,
		NewParticipants: proposal.NewParticipants,
		CommitmentRoot:  res.CommitmentRoot,
		GroupPublicKey:  res.GroupPublicKey,
	})
	if err != nil {
		return ResharingResult{}, fmt.Errorf("finalize: %w", err)
	}
	return res, nil
}

func (n *Node) initiateResharing(ctx context.Context, req ResharingRequest) (resharingProposal, error) {
	if _, err := n.AcquireLock(ctx, journal.OpResharing, req.Session); err != nil {
		return resharingProposal{}, err
	}
	p := resharingProposal{
		Session:         req.Session,
		OldThreshold:    n.state().Threshold,
		NewThreshold:    req.NewThreshold,
		OldParticipants: slices.Clone(req.OldParticipants),
		NewParticipants: slices.Clone(req.NewParticipants),
		TimeoutAt:       n.now(ctx) + n.settings.Timeout.Milliseconds(),
	}
	err := n.emit(ctx, journal.InitiateResharing{
		Session:         p.Session,
		OldThreshold:    p.OldThreshold,
		NewThreshold:    p.NewThreshold,
		OldParticipants: p.OldParticipants,
		NewParticipants: p.NewParticipants,
		TimeoutAt:       p.TimeoutAt,
	})
	if err != nil {
		return resharingProposal{}, fmt.Errorf("initiate resharing: %w", err)
	}
	n.logger.Info("resharing initiated",
		"session", req.Session,
		"old_threshold", p.OldThreshold,
		"new_threshold", p.NewThreshold)
	return p, nil
}

func (n *Node) resharingValidator(ctx context.Context, req ResharingRequest) choreo.Validator[resharingProposal] {
	return func(p resharingProposal) error {
		if n.behavior.RejectProposals {
			return errors.New("proposal refused")
		}
		if p.Session != req.Session || p.NewThreshold != req.NewThreshold {
			return errors.New("proposal differs from the requested resharing")
		}
		if !slices.Equal(p.OldParticipants, req.OldParticipants) || !slices.Equal(p.NewParticipants, req.NewParticipants) {
			return errors.New("holder sets differ")
		}
		if _, ok := n.state().Resharing[p.Session]; !ok {
			return errors.New("session not initiated in the journal")
		}
		return n.pause(ctx)
	}
}

// distribute sends each new holder its sub-share privately and journals a
// hash of it.
func (n *Node) distribute(ctx context.Context, inst *choreo.Instance, p resharingProposal, mine *crypto.Reshare) error {
	roles := inst.Config().Participants
	for j, to := range p.NewParticipants {
		value := mine.SubShares[uint32(j+1)]
		err := n.emit(ctx, journal.DistributeSubShare{
			Session:    p.Session,
			From:       n.Device(),
			To:         to,
			Commitment: canonical.Sum(value.Bytes()),
		})
		if err != nil {
			return fmt.Errorf("record sub-share: %w", err)
		}
		if to == n.Device() {
			continue
		}
		idx := slices.IndexFunc(roles, func(r choreo.Role) bool { return r.Device == to })
		if err := inst.Send(ctx, roles[idx], phaseReshareSubShares, subShare{Value: value}); err != nil {
			return err
		}
	}
	return nil
}

// collectSubShares gathers one sub-share from every old holder, checks each
// against that holder's commitments, and combines them.
func (n *Node) collectSubShares(ctx context.Context, inst *choreo.Instance, p resharingProposal, index uint32, mine *crypto.Reshare, dealt map[ids.DeviceID][]crypto.Point) (crypto.Share, error) {
	received := map[ids.DeviceID]crypto.Scalar{}
	if mine != nil {
		received[n.Device()] = mine.SubShares[index]
	}
	var pending []choreo.Role
	for _, r := range inst.Config().Participants {
		if r.Device != n.Device() && slices.Contains(p.OldParticipants, r.Device) {
			pending = append(pending, r)
		}
	}
	for len(pending) > 0 {
		var s subShare
		from, err := inst.ReceiveAny(ctx, pending, phaseReshareSubShares, &s)
		if err != nil {
			return crypto.Share{}, err
		}
		pending = slices.DeleteFunc(pending, func(r choreo.Role) bool { return r == from })
		if err := crypto.VerifyShare(crypto.Share{Index: index, Value: s.Value}, dealt[from.Device]); err != nil {
			n.logger.Warn("sub-share does not match commitments", "from", from.String(), "error", err)
			return crypto.Share{}, faults.Byzantine(from)
		}
		received[from.Device] = s.Value
	}

	subs := make([]crypto.Scalar, 0, len(p.OldParticipants))
	for _, d := range p.OldParticipants {
		if err := n.emit(ctx, journal.AcknowledgeSubShare{Session: p.Session, Device: n.Device(), From: d}); err != nil {
			return crypto.Share{}, fmt.Errorf("acknowledge sub-share: %w", err)
		}
		subs = append(subs, received[d])
	}
	return crypto.CombineSubShares(index, subs), nil
}

// awaitAcks waits until every new holder other than the caller has
// acknowledged its sub-shares.
func (n *Node) awaitAcks(ctx context.Context, inst *choreo.Instance, p resharingProposal) error {
	var pending []choreo.Role
	for _, r := range inst.Config().Participants {
		if r.Device != n.Device() && slices.Contains(p.NewParticipants, r.Device) {
			pending = append(pending, r)
		}
	}
	for len(pending) > 0 {
		var a subShareAck
		from, err := inst.ReceiveAny(ctx, pending, phaseReshareAcks, &a)
		if err != nil {
			return err
		}
		if a.Received != len(p.OldParticipants) {
			return faults.ProtocolViolation(fmt.Sprintf("%s acknowledged %d of %d sub-shares", from, a.Received, len(p.OldParticipants)))
		}
		pending = slices.DeleteFunc(pending, func(r choreo.Role) bool { return r == from })
	}
	return nil
}

// finishResharing closes the coordinator's side. A timeout rolls back, any
// other failure aborts, and the lock is released either way.
func (n *Node) finishResharing(ctx context.Context, session ids.SessionID, runErr error) {
	if runErr != nil {
		if _, open := n.state().Resharing[session]; open {
			var p journal.Payload = journal.AbortResharing{Session: session, Reason: runErr.Error()}
			if faults.IsTimeout(runErr) {
				p = journal.ResharingRollback{Session: session, Reason: runErr.Error()}
			}
			if err := n.emit(ctx, p); err != nil {
				n.logger.Warn("resharing end not recorded", "session", session, "error", err)
			}
		}
	}
	if err := n.ReleaseLock(ctx, journal.OpResharing, session); err != nil {
		n.logger.Warn("resharing lock not released", "session", session, "error", err)
	}
}
