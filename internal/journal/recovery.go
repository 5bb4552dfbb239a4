package journal

import (
	"crypto/ed25519"
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

const (
	KindInitiateRecovery        Kind = "initiate_recovery"
	KindCollectGuardianApproval Kind = "collect_guardian_approval"
	KindSubmitRecoveryShare     Kind = "submit_recovery_share"
	KindCompleteRecovery        Kind = "complete_recovery"
	KindAbortRecovery           Kind = "abort_recovery"
	KindNudgeGuardian           Kind = "nudge_guardian"
)

func init() {
	register[InitiateRecovery](KindInitiateRecovery)
	register[CollectGuardianApproval](KindCollectGuardianApproval)
	register[SubmitRecoveryShare](KindSubmitRecoveryShare)
	register[CompleteRecovery](KindCompleteRecovery)
	register[AbortRecovery](KindAbortRecovery)
	register[NudgeGuardian](KindNudgeGuardian)
}

// CooldownViolation is the apply-error text for a premature completion.
const CooldownViolation = "cooldown"

// RecoveryRecord is the journal's view of one recovery session.
type RecoveryRecord struct {
	NewDevice    ids.DeviceID                      `json:"new_device"`
	NewDeviceKey []byte                            `json:"new_device_key"`
	InitiatedAt  int64                             `json:"initiated_at"`
	CooldownS    uint32                            `json:"cooldown_s"`
	ResetAt      int64                             `json:"reset_at"`
	Required     uint16                            `json:"required"`
	Approvals    map[ids.GuardianID]int64          `json:"approvals,omitempty"`
	Shares       map[ids.GuardianID]canonical.Hash `json:"shares,omitempty"`
	Nudges       map[ids.GuardianID]uint32         `json:"nudges,omitempty"`
	CompletedAt  int64                             `json:"completed_at,omitempty"`
}

// InitiateRecovery is submitted by a new device, self-signed with the key it
// wants to enroll. It starts the cooldown.
type InitiateRecovery struct {
	Session      ids.SessionID `json:"session"`
	NewDevice    ids.DeviceID  `json:"new_device_id"`
	NewDeviceKey []byte        `json:"new_device_key"`
	CooldownS    uint32        `json:"cooldown_s"`
	TimeoutAt    int64         `json:"timeout_at,omitempty"`
}

func (InitiateRecovery) Kind() Kind         { return KindInitiateRecovery }
func (InitiateRecovery) policy() authPolicy { return allowSelf | allowMember }

func (p InitiateRecovery) selfKey(*AccountState) []byte { return p.NewDeviceKey }

func (p InitiateRecovery) apply(st *AccountState, ac applyContext) error {
	if len(p.NewDeviceKey) != ed25519.PublicKeySize {
		return fmt.Errorf("new device key must be %d bytes", ed25519.PublicKeySize)
	}
	if ac.event.Authorization.Kind == AuthSelf && ac.event.Author != p.NewDevice {
		return fmt.Errorf("self-signed recovery must be authored by the new device")
	}
	if st.GuardianThreshold == 0 || len(st.Guardians) < int(st.GuardianThreshold) {
		return fmt.Errorf("account has no usable guardian set")
	}
	if cd, ok := st.Cooldowns[p.NewDevice]; ok {
		if sess := st.Sessions[cd.Session]; !sess.Status.Terminal() {
			return fmt.Errorf("recovery %s already in progress for %s", cd.Session, p.NewDevice.Short())
		}
	}
	if !st.openSession(ac, p.Session, SessionRecovery, []ids.DeviceID{p.NewDevice}, p.TimeoutAt) {
		return fmt.Errorf("session %s already exists", p.Session)
	}
	resetAt := ac.event.Timestamp + int64(p.CooldownS)*1000
	st.Recoveries[p.Session] = RecoveryRecord{
		NewDevice:    p.NewDevice,
		NewDeviceKey: p.NewDeviceKey,
		InitiatedAt:  ac.event.Timestamp,
		CooldownS:    p.CooldownS,
		ResetAt:      resetAt,
		Required:     st.GuardianThreshold,
		Approvals:    map[ids.GuardianID]int64{},
		Shares:       map[ids.GuardianID]canonical.Hash{},
		Nudges:       map[ids.GuardianID]uint32{},
	}
	attempts := st.Cooldowns[p.NewDevice].Attempts + 1
	st.Cooldowns[p.NewDevice] = Cooldown{Session: p.Session, ResetAt: resetAt, Attempts: attempts}
	return nil
}

// CollectGuardianApproval is signed by the approving guardian.
type CollectGuardianApproval struct {
	Session  ids.SessionID  `json:"session"`
	Guardian ids.GuardianID `json:"guardian"`
}

func (CollectGuardianApproval) Kind() Kind         { return KindCollectGuardianApproval }
func (CollectGuardianApproval) policy() authPolicy { return allowGuardian }

func (p CollectGuardianApproval) apply(st *AccountState, ac applyContext) error {
	rec, err := st.activeRecovery(p.Session)
	if err != nil {
		return err
	}
	if err := guardianSigned(ac, p.Guardian); err != nil {
		return err
	}
	if _, ok := rec.Approvals[p.Guardian]; !ok {
		rec.Approvals[p.Guardian] = ac.event.Timestamp
	}
	st.Recoveries[p.Session] = rec
	return nil
}

// SubmitRecoveryShare records that an approving guardian released its share.
// Only a commitment to the share is journaled.
type SubmitRecoveryShare struct {
	Session         ids.SessionID  `json:"session"`
	Guardian        ids.GuardianID `json:"guardian"`
	ShareCommitment canonical.Hash `json:"share_commitment"`
}

func (SubmitRecoveryShare) Kind() Kind         { return KindSubmitRecoveryShare }
func (SubmitRecoveryShare) policy() authPolicy { return allowGuardian }

func (p SubmitRecoveryShare) apply(st *AccountState, ac applyContext) error {
	rec, err := st.activeRecovery(p.Session)
	if err != nil {
		return err
	}
	if err := guardianSigned(ac, p.Guardian); err != nil {
		return err
	}
	if _, ok := rec.Approvals[p.Guardian]; !ok {
		return fmt.Errorf("guardian %s submitted a share without approving", p.Guardian)
	}
	rec.Shares[p.Guardian] = p.ShareCommitment
	st.Recoveries[p.Session] = rec
	return nil
}

// CompleteRecovery is appended by the new device once it has reconstructed
// the root key. It is rejected before the cooldown elapses.
type CompleteRecovery struct {
	Session           ids.SessionID  `json:"session"`
	NewDevice         ids.DeviceID   `json:"new_device_id"`
	RootKeyCommitment canonical.Hash `json:"root_key_commitment"`
}

func (CompleteRecovery) Kind() Kind         { return KindCompleteRecovery }
func (CompleteRecovery) policy() authPolicy { return allowSelf }

func (p CompleteRecovery) selfKey(st *AccountState) []byte {
	return st.Recoveries[p.Session].NewDeviceKey
}

func (p CompleteRecovery) apply(st *AccountState, ac applyContext) error {
	rec, err := st.activeRecovery(p.Session)
	if err != nil {
		return err
	}
	if rec.NewDevice != p.NewDevice {
		return fmt.Errorf("session %s recovers %s, not %s", p.Session, rec.NewDevice.Short(), p.NewDevice.Short())
	}
	if ac.event.Timestamp < rec.ResetAt {
		return fmt.Errorf("%s: completion at %d before reset_at %d", CooldownViolation, ac.event.Timestamp, rec.ResetAt)
	}
	if len(rec.Approvals) < int(rec.Required) {
		return fmt.Errorf("%d of %d guardian approvals", len(rec.Approvals), rec.Required)
	}
	if len(rec.Shares) < int(rec.Required) {
		return fmt.Errorf("%d of %d guardian shares", len(rec.Shares), rec.Required)
	}
	rec.CompletedAt = ac.event.Timestamp
	st.Recoveries[p.Session] = rec
	st.Recovered[p.NewDevice] = rec.NewDeviceKey
	delete(st.Cooldowns, p.NewDevice)
	st.closeSession(p.Session, StatusCompleted, "")
	return nil
}

// AbortRecovery cancels a recovery and clears its cooldown.
type AbortRecovery struct {
	Session ids.SessionID `json:"session"`
	Reason  string        `json:"reason"`
}

func (AbortRecovery) Kind() Kind         { return KindAbortRecovery }
func (AbortRecovery) policy() authPolicy { return allowMember | allowGuardian | allowSelf }

func (p AbortRecovery) selfKey(st *AccountState) []byte {
	return st.Recoveries[p.Session].NewDeviceKey
}

func (p AbortRecovery) apply(st *AccountState, _ applyContext) error {
	sess, err := st.session(p.Session, SessionRecovery)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	rec := st.Recoveries[p.Session]
	if cd, ok := st.Cooldowns[rec.NewDevice]; ok && cd.Session == p.Session {
		delete(st.Cooldowns, rec.NewDevice)
	}
	st.closeSession(p.Session, StatusAborted, p.Reason)
	return nil
}

// NudgeGuardian records a reminder sent to a guardian that has not yet
// approved.
type NudgeGuardian struct {
	Session  ids.SessionID  `json:"session"`
	Guardian ids.GuardianID `json:"guardian"`
}

func (NudgeGuardian) Kind() Kind         { return KindNudgeGuardian }
func (NudgeGuardian) policy() authPolicy { return allowMember | allowSelf }

func (p NudgeGuardian) selfKey(st *AccountState) []byte {
	return st.Recoveries[p.Session].NewDeviceKey
}

func (p NudgeGuardian) apply(st *AccountState, _ applyContext) error {
	rec, err := st.activeRecovery(p.Session)
	if err != nil {
		return err
	}
	if _, ok := st.Guardians[p.Guardian]; !ok {
		return fmt.Errorf("unknown guardian %s", p.Guardian)
	}
	rec.Nudges[p.Guardian]++
	st.Recoveries[p.Session] = rec
	return nil
}

func guardianSigned(ac applyContext, g ids.GuardianID) error {
	sigs := ac.event.Authorization.Signatures
	if len(sigs) == 0 || sigs[0].Guardian != g {
		return fmt.Errorf("event for guardian %s is not signed by it", g)
	}
	return nil
}

func (s *AccountState) activeRecovery(id ids.SessionID) (RecoveryRecord, error) {
	sess, err := s.session(id, SessionRecovery)
	if err != nil {
		return RecoveryRecord{}, err
	}
	if sess.Status == StatusAborted {
		return RecoveryRecord{}, fmt.Errorf("recovery %s was aborted", id)
	}
	if sess.Status.Terminal() {
		return RecoveryRecord{}, fmt.Errorf("recovery %s is %s", id, sess.Status)
	}
	return s.Recoveries[id], nil
}
