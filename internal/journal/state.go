package journal

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

// DeviceInfo describes one device of the account.
type DeviceInfo struct {
	ID        ids.DeviceID `json:"id"`
	Name      string       `json:"name,omitempty"`
	PublicKey []byte       `json:"public_key"`
	AddedAt   int64        `json:"added_at"`
	Active    bool         `json:"active"`
	RemovedAt int64        `json:"removed_at,omitempty"`
}

// GuardianInfo describes a pre-enrolled recovery guardian.
type GuardianInfo struct {
	ID         ids.GuardianID `json:"id"`
	Name       string         `json:"name,omitempty"`
	PublicKey  []byte         `json:"public_key"`
	ShareIndex uint32         `json:"share_index"`
	AddedAt    int64          `json:"added_at"`
}

// SessionKind is the protocol class a session runs.
type SessionKind string

const (
	SessionDkd        SessionKind = "dkd"
	SessionResharing  SessionKind = "resharing"
	SessionRecovery   SessionKind = "recovery"
	SessionCompaction SessionKind = "compaction"
)

// SessionStatus follows Created → Active → {Completed, Failed, Aborted}.
type SessionStatus string

const (
	StatusCreated   SessionStatus = "created"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusAborted   SessionStatus = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// SessionRecord is the journal's view of a protocol instance.
type SessionRecord struct {
	ID           ids.SessionID  `json:"id"`
	Kind         SessionKind    `json:"kind"`
	Status       SessionStatus  `json:"status"`
	Participants []ids.DeviceID `json:"participants"`
	CreatedAt    int64          `json:"created_at"`
	TimeoutAt    int64          `json:"timeout_at,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// Cooldown blocks recovery retries for a device until ResetAt.
type Cooldown struct {
	Session  ids.SessionID `json:"session"`
	ResetAt  int64         `json:"reset_at"`
	Attempts uint32        `json:"attempts"`
}

// PresenceEntry is one cached presence ticket in the visibility index.
type PresenceEntry struct {
	Ticket    canonical.Hash `json:"ticket"`
	ExpiresAt int64          `json:"expires_at"`
}

// DerivedKey is a finalized DKD output.
type DerivedKey struct {
	Session        ids.SessionID  `json:"session"`
	PublicKey      [32]byte       `json:"public_key"`
	TranscriptHash canonical.Hash `json:"transcript_hash"`
	CommitmentRoot canonical.Hash `json:"commitment_root"`
}

// AuthorityGraph tracks capability delegation edges and revocations.
type AuthorityGraph struct {
	Parents map[canonical.Hash]canonical.Hash `json:"parents,omitempty"`
	Holders map[canonical.Hash]ids.DeviceID   `json:"holders,omitempty"`
	Revoked map[canonical.Hash]bool           `json:"revoked,omitempty"`
}

// AccountState is the projection reduced from an account's log.
type AccountState struct {
	Account           ids.AccountID                             `json:"account"`
	Devices           map[ids.DeviceID]DeviceInfo               `json:"devices"`
	Guardians         map[ids.GuardianID]GuardianInfo           `json:"guardians"`
	Threshold         uint16                                    `json:"threshold"`
	GuardianThreshold uint16                                    `json:"guardian_threshold"`
	GroupPublicKey    []byte                                    `json:"group_public_key,omitempty"`
	SessionEpoch      uint64                                    `json:"session_epoch"`
	Lamport           uint64                                    `json:"lamport"`
	Authority         AuthorityGraph                            `json:"authority"`
	Visibility        map[string]map[ids.DeviceID]PresenceEntry `json:"visibility,omitempty"`
	Sessions          map[ids.SessionID]SessionRecord           `json:"sessions,omitempty"`
	Cooldowns         map[ids.DeviceID]Cooldown                 `json:"cooldowns,omitempty"`

	Locks        map[OperationType]OperationLock  `json:"locks,omitempty"`
	LockRequests []LockRequest                    `json:"lock_requests,omitempty"`
	LockBasis    map[OperationType]canonical.Hash `json:"lock_basis,omitempty"`

	Dkd         map[ids.SessionID]DkdRecord       `json:"dkd,omitempty"`
	DerivedKeys map[string]DerivedKey             `json:"derived_keys,omitempty"`
	Resharing   map[ids.SessionID]ResharingRecord `json:"resharing,omitempty"`
	Recoveries  map[ids.SessionID]RecoveryRecord  `json:"recoveries,omitempty"`
	Recovered   map[ids.DeviceID][]byte           `json:"recovered,omitempty"`

	Tree      RatchetTree `json:"tree"`
	CgkaEpoch uint64      `json:"cgka_epoch"`

	Compactions      map[ids.SessionID]CompactionRecord `json:"compactions,omitempty"`
	CompactedThrough uint64                             `json:"compacted_through,omitempty"`
}

// Genesis describes the initial membership of an account.
type Genesis struct {
	Account           ids.AccountID  `json:"account"`
	Threshold         uint16         `json:"threshold"`
	GuardianThreshold uint16         `json:"guardian_threshold"`
	Devices           []DeviceInfo   `json:"devices"`
	Guardians         []GuardianInfo `json:"guardians"`
	GroupPublicKey    []byte         `json:"group_public_key,omitempty"`
}

// NewAccountState builds the state an account's log is reduced from.
func NewAccountState(g Genesis) *AccountState {
	st := &AccountState{
		Account:           g.Account,
		Devices:           make(map[ids.DeviceID]DeviceInfo, len(g.Devices)),
		Guardians:         make(map[ids.GuardianID]GuardianInfo, len(g.Guardians)),
		Threshold:         g.Threshold,
		GuardianThreshold: g.GuardianThreshold,
		GroupPublicKey:    slices.Clone(g.GroupPublicKey),
	}
	for _, d := range g.Devices {
		d.Active = true
		st.Devices[d.ID] = d
	}
	for _, gd := range g.Guardians {
		st.Guardians[gd.ID] = gd
	}
	st.Tree = newRatchetTree(g.Threshold)
	for _, d := range sortedDeviceKeys(st.Devices) {
		st.Tree.addLeaf(LeafNode{Device: d, PublicKey: st.Devices[d].PublicKey})
	}
	st.ensureMaps()
	return st
}

// ensureMaps allocates every map so apply code can write without checks.
func (s *AccountState) ensureMaps() {
	if s.Devices == nil {
		s.Devices = map[ids.DeviceID]DeviceInfo{}
	}
	if s.Guardians == nil {
		s.Guardians = map[ids.GuardianID]GuardianInfo{}
	}
	if s.Authority.Parents == nil {
		s.Authority.Parents = map[canonical.Hash]canonical.Hash{}
	}
	if s.Authority.Holders == nil {
		s.Authority.Holders = map[canonical.Hash]ids.DeviceID{}
	}
	if s.Authority.Revoked == nil {
		s.Authority.Revoked = map[canonical.Hash]bool{}
	}
	if s.Visibility == nil {
		s.Visibility = map[string]map[ids.DeviceID]PresenceEntry{}
	}
	if s.Sessions == nil {
		s.Sessions = map[ids.SessionID]SessionRecord{}
	}
	if s.Cooldowns == nil {
		s.Cooldowns = map[ids.DeviceID]Cooldown{}
	}
	if s.Locks == nil {
		s.Locks = map[OperationType]OperationLock{}
	}
	if s.LockBasis == nil {
		s.LockBasis = map[OperationType]canonical.Hash{}
	}
	if s.Dkd == nil {
		s.Dkd = map[ids.SessionID]DkdRecord{}
	}
	if s.DerivedKeys == nil {
		s.DerivedKeys = map[string]DerivedKey{}
	}
	if s.Resharing == nil {
		s.Resharing = map[ids.SessionID]ResharingRecord{}
	}
	if s.Recoveries == nil {
		s.Recoveries = map[ids.SessionID]RecoveryRecord{}
	}
	if s.Recovered == nil {
		s.Recovered = map[ids.DeviceID][]byte{}
	}
	if s.Compactions == nil {
		s.Compactions = map[ids.SessionID]CompactionRecord{}
	}
	// Empty nested maps are omitted from the JSON form and decode as nil.
	for id, rec := range s.Dkd {
		if rec.Commitments == nil {
			rec.Commitments = map[ids.DeviceID]canonical.Hash{}
		}
		if rec.Reveals == nil {
			rec.Reveals = map[ids.DeviceID][32]byte{}
		}
		s.Dkd[id] = rec
	}
	for id, rec := range s.Recoveries {
		if rec.Approvals == nil {
			rec.Approvals = map[ids.GuardianID]int64{}
		}
		if rec.Shares == nil {
			rec.Shares = map[ids.GuardianID]canonical.Hash{}
		}
		if rec.Nudges == nil {
			rec.Nudges = map[ids.GuardianID]uint32{}
		}
		s.Recoveries[id] = rec
	}
	for id, rec := range s.Resharing {
		if rec.Distributed == nil {
			rec.Distributed = map[ids.DeviceID]map[ids.DeviceID]canonical.Hash{}
		}
		if rec.Acknowledged == nil {
			rec.Acknowledged = map[ids.DeviceID][]ids.DeviceID{}
		}
		s.Resharing[id] = rec
	}
	s.Tree.ensure()
}

// Clone deep-copies the state through its JSON form. Apply runs against a
// clone so a failing payload cannot leave partial writes behind.
func (s *AccountState) Clone() *AccountState {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("clone account state: %v", err))
	}
	out := &AccountState{}
	if err := json.Unmarshal(raw, out); err != nil {
		panic(fmt.Sprintf("clone account state: %v", err))
	}
	out.ensureMaps()
	return out
}

// Digest is a canonical hash of the state; two devices that reduced the same
// log prefix produce the same digest.
func (s *AccountState) Digest() canonical.Hash {
	h, err := canonical.Of(canonical.DomainCheckpoint, s)
	if err != nil {
		panic(fmt.Sprintf("digest account state: %v", err))
	}
	return h
}

// ActiveDevices returns active device ids in byte order.
func (s *AccountState) ActiveDevices() []ids.DeviceID {
	var out []ids.DeviceID
	for _, id := range sortedDeviceKeys(s.Devices) {
		if s.Devices[id].Active {
			out = append(out, id)
		}
	}
	return out
}

// IsActiveDevice reports membership.
func (s *AccountState) IsActiveDevice(d ids.DeviceID) bool {
	info, ok := s.Devices[d]
	return ok && info.Active
}

func (s *AccountState) session(id ids.SessionID, kind SessionKind) (SessionRecord, error) {
	rec, ok := s.Sessions[id]
	if !ok {
		return rec, fmt.Errorf("unknown %s session %s", kind, id)
	}
	if rec.Kind != kind {
		return rec, fmt.Errorf("session %s is %s, not %s", id, rec.Kind, kind)
	}
	return rec, nil
}

func (s *AccountState) openSession(ac applyContext, id ids.SessionID, kind SessionKind, participants []ids.DeviceID, timeoutAt int64) bool {
	if _, exists := s.Sessions[id]; exists {
		return false
	}
	s.Sessions[id] = SessionRecord{
		ID:           id,
		Kind:         kind,
		Status:       StatusActive,
		Participants: slices.Clone(participants),
		CreatedAt:    ac.event.Timestamp,
		TimeoutAt:    timeoutAt,
	}
	return true
}

func (s *AccountState) closeSession(id ids.SessionID, status SessionStatus, reason string) {
	rec, ok := s.Sessions[id]
	if !ok {
		return
	}
	rec.Status = status
	rec.Reason = reason
	s.Sessions[id] = rec
}
