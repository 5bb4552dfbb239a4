package journal

import (
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/ids"
)

const (
	KindInitiateDkdSession  Kind = "initiate_dkd_session"
	KindRecordDkdCommitment Kind = "record_dkd_commitment"
	KindRevealDkdPoint      Kind = "reveal_dkd_point"
	KindFinalizeDkdSession  Kind = "finalize_dkd_session"
	KindAbortDkdSession     Kind = "abort_dkd_session"
)

func init() {
	register[InitiateDkdSession](KindInitiateDkdSession)
	register[RecordDkdCommitment](KindRecordDkdCommitment)
	register[RevealDkdPoint](KindRevealDkdPoint)
	register[FinalizeDkdSession](KindFinalizeDkdSession)
	register[AbortDkdSession](KindAbortDkdSession)
}

// DkdRecord is the journal's view of one DKD session.
type DkdRecord struct {
	Context     ids.DkdContextID                `json:"context"`
	Commitments map[ids.DeviceID]canonical.Hash `json:"commitments,omitempty"`
	Reveals     map[ids.DeviceID][32]byte       `json:"reveals,omitempty"`
}

// CommitmentRoot hashes commitments in participant order.
func CommitmentRoot(commitments []canonical.Hash) canonical.Hash {
	parts := make([][]byte, len(commitments))
	for i := range commitments {
		parts[i] = commitments[i][:]
	}
	return canonical.Sum(parts...)
}

// InitiateDkdSession opens a DKD session. Re-initiating the same session is
// a no-op.
type InitiateDkdSession struct {
	Session      ids.SessionID    `json:"session"`
	Context      ids.DkdContextID `json:"context"`
	Participants []ids.DeviceID   `json:"participants"`
	TimeoutAt    int64            `json:"timeout_at"`
}

func (InitiateDkdSession) Kind() Kind         { return KindInitiateDkdSession }
func (InitiateDkdSession) policy() authPolicy { return allowMember }

func (p InitiateDkdSession) apply(st *AccountState, ac applyContext) error {
	if len(p.Participants) < 2 {
		return fmt.Errorf("dkd needs at least two participants")
	}
	if !st.openSession(ac, p.Session, SessionDkd, p.Participants, p.TimeoutAt) {
		return nil
	}
	st.Dkd[p.Session] = DkdRecord{
		Context:     p.Context,
		Commitments: map[ids.DeviceID]canonical.Hash{},
		Reveals:     map[ids.DeviceID][32]byte{},
	}
	return nil
}

// RecordDkdCommitment records a participant's commitment.
type RecordDkdCommitment struct {
	Session    ids.SessionID  `json:"session"`
	Device     ids.DeviceID   `json:"device"`
	Commitment canonical.Hash `json:"commitment"`
}

func (RecordDkdCommitment) Kind() Kind         { return KindRecordDkdCommitment }
func (RecordDkdCommitment) policy() authPolicy { return allowMember }

func (p RecordDkdCommitment) apply(st *AccountState, _ applyContext) error {
	rec, err := st.activeDkd(p.Session, p.Device)
	if err != nil {
		return err
	}
	if prev, ok := rec.Commitments[p.Device]; ok && prev != p.Commitment {
		return fmt.Errorf("device %s already committed to %s", p.Device.Short(), prev.Short())
	}
	rec.Commitments[p.Device] = p.Commitment
	st.Dkd[p.Session] = rec
	return nil
}

// RevealDkdPoint records a revealed point; it must open the earlier
// commitment.
type RevealDkdPoint struct {
	Session ids.SessionID `json:"session"`
	Device  ids.DeviceID  `json:"device"`
	Point   [32]byte      `json:"point"`
}

func (RevealDkdPoint) Kind() Kind         { return KindRevealDkdPoint }
func (RevealDkdPoint) policy() authPolicy { return allowMember }

func (p RevealDkdPoint) apply(st *AccountState, _ applyContext) error {
	rec, err := st.activeDkd(p.Session, p.Device)
	if err != nil {
		return err
	}
	c, ok := rec.Commitments[p.Device]
	if !ok {
		return fmt.Errorf("device %s revealed before committing", p.Device.Short())
	}
	if crypto.PointCommitment(p.Point) != c {
		return fmt.Errorf("device %s revealed a point that does not open its commitment", p.Device.Short())
	}
	rec.Reveals[p.Device] = p.Point
	st.Dkd[p.Session] = rec
	return nil
}

// FinalizeDkdSession completes a session with its agreed output.
type FinalizeDkdSession struct {
	Session        ids.SessionID  `json:"session"`
	CommitmentRoot canonical.Hash `json:"commitment_root"`
	DerivedKey     [32]byte       `json:"derived_public_key"`
	TranscriptHash canonical.Hash `json:"transcript_hash"`
}

func (FinalizeDkdSession) Kind() Kind         { return KindFinalizeDkdSession }
func (FinalizeDkdSession) policy() authPolicy { return allowMember }

func (p FinalizeDkdSession) apply(st *AccountState, _ applyContext) error {
	sess, err := st.session(p.Session, SessionDkd)
	if err != nil {
		return err
	}
	if sess.Status == StatusCompleted {
		if prior := st.DerivedKeys[dkdKey(st.Dkd[p.Session].Context)]; prior.CommitmentRoot != p.CommitmentRoot {
			return fmt.Errorf("session %s already finalized with a different commitment root", p.Session)
		}
		return nil
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session %s is %s", p.Session, sess.Status)
	}
	rec := st.Dkd[p.Session]
	st.DerivedKeys[dkdKey(rec.Context)] = DerivedKey{
		Session:        p.Session,
		PublicKey:      p.DerivedKey,
		TranscriptHash: p.TranscriptHash,
		CommitmentRoot: p.CommitmentRoot,
	}
	st.closeSession(p.Session, StatusCompleted, "")
	return nil
}

// AbortDkdSession ends a session without output. Accusations are carried
// for the record only.
type AbortDkdSession struct {
	Session ids.SessionID  `json:"session"`
	Reason  string         `json:"reason"`
	Accused []ids.DeviceID `json:"accused,omitempty"`
}

func (AbortDkdSession) Kind() Kind         { return KindAbortDkdSession }
func (AbortDkdSession) policy() authPolicy { return allowMember }

func (p AbortDkdSession) apply(st *AccountState, _ applyContext) error {
	sess, err := st.session(p.Session, SessionDkd)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	st.closeSession(p.Session, StatusAborted, p.Reason)
	return nil
}

func (s *AccountState) activeDkd(id ids.SessionID, device ids.DeviceID) (DkdRecord, error) {
	sess, err := s.session(id, SessionDkd)
	if err != nil {
		return DkdRecord{}, err
	}
	if sess.Status.Terminal() {
		return DkdRecord{}, fmt.Errorf("session %s is %s", id, sess.Status)
	}
	if !slices.Contains(sess.Participants, device) {
		return DkdRecord{}, fmt.Errorf("device %s is not a participant of %s", device.Short(), id)
	}
	return s.Dkd[id], nil
}

func dkdKey(c ids.DkdContextID) string {
	return c.AppLabel + ":" + c.Fingerprint.String()
}

// DerivedKeyFor returns the finalized key for a DKD context.
func (s *AccountState) DerivedKeyFor(c ids.DkdContextID) (DerivedKey, bool) {
	k, ok := s.DerivedKeys[dkdKey(c)]
	return k, ok
}
