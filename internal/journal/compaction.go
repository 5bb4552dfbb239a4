package journal

import (
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

const (
	KindProposeCompaction     Kind = "propose_compaction"
	KindAcknowledgeCompaction Kind = "acknowledge_compaction"
	KindCommitCompaction      Kind = "commit_compaction"
)

func init() {
	register[ProposeCompaction](KindProposeCompaction)
	register[AcknowledgeCompaction](KindAcknowledgeCompaction)
	register[CommitCompaction](KindCommitCompaction)
}

// CompactionRecord tracks agreement to drop events below a checkpoint.
type CompactionRecord struct {
	UpToLamport    uint64         `json:"up_to_lamport"`
	CheckpointHash canonical.Hash `json:"checkpoint_hash"`
	Acks           []ids.DeviceID `json:"acks,omitempty"`
}

// ProposeCompaction proposes dropping events at or below UpToLamport, whose
// reduced state hashes to CheckpointHash.
type ProposeCompaction struct {
	Session        ids.SessionID  `json:"session"`
	UpToLamport    uint64         `json:"up_to_lamport"`
	CheckpointHash canonical.Hash `json:"checkpoint_hash"`
}

func (ProposeCompaction) Kind() Kind         { return KindProposeCompaction }
func (ProposeCompaction) policy() authPolicy { return allowMember }

func (p ProposeCompaction) apply(st *AccountState, ac applyContext) error {
	if p.UpToLamport >= ac.event.Lamport {
		return fmt.Errorf("cannot compact through %d at lamport %d", p.UpToLamport, ac.event.Lamport)
	}
	if p.UpToLamport <= st.CompactedThrough {
		return fmt.Errorf("already compacted through %d", st.CompactedThrough)
	}
	if !st.openSession(ac, p.Session, SessionCompaction, st.ActiveDevices(), 0) {
		return nil
	}
	st.Compactions[p.Session] = CompactionRecord{UpToLamport: p.UpToLamport, CheckpointHash: p.CheckpointHash}
	return nil
}

// AcknowledgeCompaction is a device's agreement to a proposal.
type AcknowledgeCompaction struct {
	Session ids.SessionID `json:"session"`
}

func (AcknowledgeCompaction) Kind() Kind         { return KindAcknowledgeCompaction }
func (AcknowledgeCompaction) policy() authPolicy { return allowMember }

func (p AcknowledgeCompaction) apply(st *AccountState, ac applyContext) error {
	sess, err := st.session(p.Session, SessionCompaction)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("compaction %s is %s", p.Session, sess.Status)
	}
	rec := st.Compactions[p.Session]
	if !slices.Contains(rec.Acks, ac.event.Author) {
		rec.Acks = append(rec.Acks, ac.event.Author)
		slices.SortFunc(rec.Acks, ids.CompareDevices)
	}
	st.Compactions[p.Session] = rec
	return nil
}

// CommitCompaction seals a proposal once the threshold acknowledged it.
type CommitCompaction struct {
	Session ids.SessionID `json:"session"`
}

func (CommitCompaction) Kind() Kind         { return KindCommitCompaction }
func (CommitCompaction) policy() authPolicy { return allowMember }

func (p CommitCompaction) apply(st *AccountState, _ applyContext) error {
	sess, err := st.session(p.Session, SessionCompaction)
	if err != nil {
		return err
	}
	if sess.Status == StatusCompleted {
		return nil
	}
	rec := st.Compactions[p.Session]
	if len(rec.Acks) < int(st.Threshold) {
		return fmt.Errorf("compaction has %d of %d acknowledgements", len(rec.Acks), st.Threshold)
	}
	st.CompactedThrough = rec.UpToLamport
	st.closeSession(p.Session, StatusCompleted, "")
	return nil
}
