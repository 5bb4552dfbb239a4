package protocol

import (
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// DkdState is a step of one role's key derivation.
type DkdState uint8

const (
	DkdInit DkdState = iota
	DkdAwaitingContext
	DkdComputingCommitment
	DkdAwaitingCommitments
	DkdRevealingPoint
	DkdAwaitingReveals
	DkdAggregating
	DkdComplete
	DkdFailed
)

var dkdStateNames = [...]string{
	DkdInit:                "init",
	DkdAwaitingContext:     "awaiting_context",
	DkdComputingCommitment: "computing_commitment",
	DkdAwaitingCommitments: "awaiting_commitments",
	DkdRevealingPoint:      "revealing_point",
	DkdAwaitingReveals:     "awaiting_reveals",
	DkdAggregating:         "aggregating",
	DkdComplete:            "complete",
	DkdFailed:              "failed",
}

func (s DkdState) String() string {
	if int(s) < len(dkdStateNames) {
		return dkdStateNames[s]
	}
	return fmt.Sprintf("dkd_state(%d)", s)
}

// DkdResult is the agreed output of a derivation.
type DkdResult struct {
	Context        ids.DkdContextID `json:"context"`
	DerivedKey     [32]byte         `json:"derived_public_key"`
	TranscriptHash canonical.Hash   `json:"transcript_hash"`
	CommitmentRoot canonical.Hash   `json:"commitment_root"`
}

// DkdMachine tracks one role through a derivation. It holds no transport;
// the driver feeds it what the choreography delivered, and every call
// checks that it arrives in the right state.
type DkdMachine struct {
	state        DkdState
	participants int
	keyShare     []byte

	context     ids.DkdContextID
	point       [32]byte
	commitment  canonical.Hash
	commitments map[choreo.Role]canonical.Hash
	reveals     map[choreo.Role][32]byte

	result DkdResult
	err    error
}

// NewDkdMachine starts a role holding keyShare in a run of participants
// roles.
func NewDkdMachine(keyShare []byte, participants int) *DkdMachine {
	return &DkdMachine{
		participants: participants,
		keyShare:     keyShare,
		commitments:  map[choreo.Role]canonical.Hash{},
		reveals:      map[choreo.Role][32]byte{},
	}
}

func (m *DkdMachine) State() DkdState   { return m.state }
func (m *DkdMachine) Result() DkdResult { return m.result }
func (m *DkdMachine) Err() error        { return m.err }

func (m *DkdMachine) expect(s DkdState) error {
	if m.state != s {
		return faults.ProtocolViolation(fmt.Sprintf("dkd is %s, not %s", m.state, s))
	}
	return nil
}

// Fail moves the machine to Failed with err. Failing twice keeps the first
// error.
func (m *DkdMachine) Fail(err error) error {
	if m.state != DkdFailed {
		m.state, m.err = DkdFailed, err
	}
	return m.err
}

// Start waits for the context.
func (m *DkdMachine) Start() error {
	if err := m.expect(DkdInit); err != nil {
		return err
	}
	m.state = DkdAwaitingContext
	return nil
}

// ReceiveContext derives this role's point for c and returns the commitment
// to broadcast.
func (m *DkdMachine) ReceiveContext(c ids.DkdContextID) (canonical.Hash, error) {
	if err := m.expect(DkdAwaitingContext); err != nil {
		return canonical.Hash{}, err
	}
	m.state, m.context = DkdComputingCommitment, c
	point, commitment, err := crypto.ParticipantDKD(m.keyShare, c.Fingerprint)
	if err != nil {
		return canonical.Hash{}, m.Fail(err)
	}
	m.point, m.commitment = point, commitment
	m.state = DkdAwaitingCommitments
	return commitment, nil
}

// Point is the role's own point, valid once the context is known.
func (m *DkdMachine) Point() [32]byte { return m.point }

// ReceiveCommitment records r's commitment. After every role's, the local
// one included, the machine is ready to reveal.
func (m *DkdMachine) ReceiveCommitment(r choreo.Role, c canonical.Hash) error {
	if err := m.expect(DkdAwaitingCommitments); err != nil {
		return err
	}
	if prev, ok := m.commitments[r]; ok && prev != c {
		return m.Fail(faults.Byzantine(r))
	}
	m.commitments[r] = c
	if len(m.commitments) == m.participants {
		m.state = DkdRevealingPoint
	}
	return nil
}

// Reveal returns the point to broadcast.
func (m *DkdMachine) Reveal() ([32]byte, error) {
	if err := m.expect(DkdRevealingPoint); err != nil {
		return [32]byte{}, err
	}
	m.state = DkdAwaitingReveals
	return m.point, nil
}

// ReceiveReveal checks that r's point opens its commitment. A point that
// does not fails the machine accusing r.
func (m *DkdMachine) ReceiveReveal(r choreo.Role, point [32]byte) error {
	if err := m.expect(DkdAwaitingReveals); err != nil {
		return err
	}
	c, ok := m.commitments[r]
	if !ok {
		return m.Fail(faults.ProtocolViolation(fmt.Sprintf("reveal from %s without commitment", r)))
	}
	if crypto.PointCommitment(point) != c {
		return m.Fail(faults.Byzantine(r))
	}
	m.reveals[r] = point
	if len(m.reveals) == m.participants {
		m.state = DkdAggregating
	}
	return nil
}

// Aggregate sums the revealed points in role order.
func (m *DkdMachine) Aggregate(roles []choreo.Role) (DkdResult, error) {
	if err := m.expect(DkdAggregating); err != nil {
		return DkdResult{}, err
	}
	points := make([][32]byte, 0, len(roles))
	commitments := make([]canonical.Hash, 0, len(roles))
	for _, r := range roles {
		p, ok := m.reveals[r]
		if !ok {
			return DkdResult{}, m.Fail(faults.ProtocolViolation(fmt.Sprintf("no reveal from %s", r)))
		}
		points = append(points, p)
		commitments = append(commitments, m.commitments[r])
	}
	key, err := crypto.AggregatePoints(points)
	if err != nil {
		return DkdResult{}, m.Fail(err)
	}
	m.result = DkdResult{
		Context:        m.context,
		DerivedKey:     key,
		TranscriptHash: crypto.TranscriptHash(points),
		CommitmentRoot: journal.CommitmentRoot(commitments),
	}
	m.state = DkdComplete
	return m.result, nil
}
