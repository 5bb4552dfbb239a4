package journal

import (
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

const (
	KindInitiateResharing   Kind = "initiate_resharing"
	KindDistributeSubShare  Kind = "distribute_sub_share"
	KindAcknowledgeSubShare Kind = "acknowledge_sub_share"
	KindFinalizeResharing   Kind = "finalize_resharing"
	KindAbortResharing      Kind = "abort_resharing"
	KindResharingRollback   Kind = "resharing_rollback"
)

func init() {
	register[InitiateResharing](KindInitiateResharing)
	register[DistributeSubShare](KindDistributeSubShare)
	register[AcknowledgeSubShare](KindAcknowledgeSubShare)
	register[FinalizeResharing](KindFinalizeResharing)
	register[AbortResharing](KindAbortResharing)
	register[ResharingRollback](KindResharingRollback)
}

// ResharingRecord is the journal's view of one resharing session.
type ResharingRecord struct {
	OldThreshold    uint16                                           `json:"old_threshold"`
	NewThreshold    uint16                                           `json:"new_threshold"`
	OldParticipants []ids.DeviceID                                   `json:"old_participants"`
	NewParticipants []ids.DeviceID                                   `json:"new_participants"`
	Distributed     map[ids.DeviceID]map[ids.DeviceID]canonical.Hash `json:"distributed,omitempty"`
	Acknowledged    map[ids.DeviceID][]ids.DeviceID                  `json:"acknowledged,omitempty"`
}

// InitiateResharing opens a resharing session.
type InitiateResharing struct {
	Session         ids.SessionID  `json:"session"`
	OldThreshold    uint16         `json:"old_threshold"`
	NewThreshold    uint16         `json:"new_threshold"`
	OldParticipants []ids.DeviceID `json:"old_participants"`
	NewParticipants []ids.DeviceID `json:"new_participants"`
	TimeoutAt       int64          `json:"timeout_at"`
}

func (InitiateResharing) Kind() Kind         { return KindInitiateResharing }
func (InitiateResharing) policy() authPolicy { return allowMember }

func (p InitiateResharing) apply(st *AccountState, ac applyContext) error {
	if p.NewThreshold == 0 || int(p.NewThreshold) > len(p.NewParticipants) {
		return fmt.Errorf("new threshold %d invalid for %d participants", p.NewThreshold, len(p.NewParticipants))
	}
	if p.OldThreshold != st.Threshold {
		return fmt.Errorf("old threshold %d does not match account threshold %d", p.OldThreshold, st.Threshold)
	}
	if len(p.OldParticipants) < int(st.Threshold) {
		return fmt.Errorf("%d old holders cannot reach threshold %d", len(p.OldParticipants), st.Threshold)
	}
	all := append(slices.Clone(p.OldParticipants), p.NewParticipants...)
	slices.SortFunc(all, ids.CompareDevices)
	all = slices.Compact(all)
	if !st.openSession(ac, p.Session, SessionResharing, all, p.TimeoutAt) {
		return nil
	}
	st.Resharing[p.Session] = ResharingRecord{
		OldThreshold:    p.OldThreshold,
		NewThreshold:    p.NewThreshold,
		OldParticipants: slices.Clone(p.OldParticipants),
		NewParticipants: slices.Clone(p.NewParticipants),
		Distributed:     map[ids.DeviceID]map[ids.DeviceID]canonical.Hash{},
		Acknowledged:    map[ids.DeviceID][]ids.DeviceID{},
	}
	return nil
}

// DistributeSubShare records that an old holder sent a sub-share. Only a
// hash of the sub-share is journaled.
type DistributeSubShare struct {
	Session    ids.SessionID  `json:"session"`
	From       ids.DeviceID   `json:"from"`
	To         ids.DeviceID   `json:"to"`
	Commitment canonical.Hash `json:"commitment"`
}

func (DistributeSubShare) Kind() Kind         { return KindDistributeSubShare }
func (DistributeSubShare) policy() authPolicy { return allowMember }

func (p DistributeSubShare) apply(st *AccountState, _ applyContext) error {
	rec, err := st.activeResharing(p.Session)
	if err != nil {
		return err
	}
	if !slices.Contains(rec.OldParticipants, p.From) || !slices.Contains(rec.NewParticipants, p.To) {
		return fmt.Errorf("sub-share %s -> %s outside session membership", p.From.Short(), p.To.Short())
	}
	if rec.Distributed[p.From] == nil {
		rec.Distributed[p.From] = map[ids.DeviceID]canonical.Hash{}
	}
	rec.Distributed[p.From][p.To] = p.Commitment
	st.Resharing[p.Session] = rec
	return nil
}

// AcknowledgeSubShare records that a new holder verified a sub-share.
type AcknowledgeSubShare struct {
	Session ids.SessionID `json:"session"`
	Device  ids.DeviceID  `json:"device"`
	From    ids.DeviceID  `json:"from"`
}

func (AcknowledgeSubShare) Kind() Kind         { return KindAcknowledgeSubShare }
func (AcknowledgeSubShare) policy() authPolicy { return allowMember }

func (p AcknowledgeSubShare) apply(st *AccountState, _ applyContext) error {
	rec, err := st.activeResharing(p.Session)
	if err != nil {
		return err
	}
	if !slices.Contains(rec.NewParticipants, p.Device) {
		return fmt.Errorf("device %s is not a new holder", p.Device.Short())
	}
	if !slices.Contains(rec.Acknowledged[p.Device], p.From) {
		acks := append(slices.Clone(rec.Acknowledged[p.Device]), p.From)
		slices.SortFunc(acks, ids.CompareDevices)
		rec.Acknowledged[p.Device] = acks
	}
	st.Resharing[p.Session] = rec
	return nil
}

// FinalizeResharing installs the new threshold.
type FinalizeResharing struct {
	Session         ids.SessionID  `json:"session"`
	NewThreshold    uint16         `json:"new_threshold"`
	NewParticipants []ids.DeviceID `json:"new_participants"`
	CommitmentRoot  canonical.Hash `json:"commitment_root"`
	GroupPublicKey  []byte         `json:"group_public_key"`
}

func (FinalizeResharing) Kind() Kind         { return KindFinalizeResharing }
func (FinalizeResharing) policy() authPolicy { return allowMember }

func (p FinalizeResharing) apply(st *AccountState, _ applyContext) error {
	sess, err := st.session(p.Session, SessionResharing)
	if err != nil {
		return err
	}
	if sess.Status == StatusCompleted {
		return nil
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session %s is %s", p.Session, sess.Status)
	}
	rec := st.Resharing[p.Session]
	if p.NewThreshold != rec.NewThreshold {
		return fmt.Errorf("finalized threshold %d differs from proposed %d", p.NewThreshold, rec.NewThreshold)
	}
	if len(st.GroupPublicKey) > 0 && !slices.Equal(st.GroupPublicKey, p.GroupPublicKey) {
		return fmt.Errorf("resharing changed the group public key")
	}
	for _, d := range p.NewParticipants {
		if !st.IsActiveDevice(d) {
			return fmt.Errorf("new holder %s is not an active device", d.Short())
		}
	}
	st.Threshold = p.NewThreshold
	st.GroupPublicKey = slices.Clone(p.GroupPublicKey)
	st.Tree.Policy = p.NewThreshold
	st.closeSession(p.Session, StatusCompleted, "")
	return nil
}

// AbortResharing ends a session before any holder acknowledged.
type AbortResharing struct {
	Session ids.SessionID `json:"session"`
	Reason  string        `json:"reason"`
}

func (AbortResharing) Kind() Kind         { return KindAbortResharing }
func (AbortResharing) policy() authPolicy { return allowMember }

func (p AbortResharing) apply(st *AccountState, _ applyContext) error {
	return st.endResharing(p.Session, StatusAborted, p.Reason)
}

// ResharingRollback discards a partially acknowledged resharing. Threshold
// and membership stay as they were.
type ResharingRollback struct {
	Session ids.SessionID `json:"session"`
	Reason  string        `json:"reason"`
}

func (ResharingRollback) Kind() Kind         { return KindResharingRollback }
func (ResharingRollback) policy() authPolicy { return allowMember }

func (p ResharingRollback) apply(st *AccountState, _ applyContext) error {
	return st.endResharing(p.Session, StatusFailed, "rollback: "+p.Reason)
}

func (s *AccountState) endResharing(id ids.SessionID, status SessionStatus, reason string) error {
	sess, err := s.session(id, SessionResharing)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	s.closeSession(id, status, reason)
	return nil
}

func (s *AccountState) activeResharing(id ids.SessionID) (ResharingRecord, error) {
	sess, err := s.session(id, SessionResharing)
	if err != nil {
		return ResharingRecord{}, err
	}
	if sess.Status.Terminal() {
		return ResharingRecord{}, fmt.Errorf("session %s is %s", id, sess.Status)
	}
	return s.Resharing[id], nil
}
