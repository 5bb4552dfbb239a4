package journal

import (
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

const (
	KindRequestLock Kind = "request_lock"
	KindGrantLock   Kind = "grant_lock"
	KindReleaseLock Kind = "release_lock"
)

func init() {
	register[RequestLock](KindRequestLock)
	register[GrantLock](KindGrantLock)
	register[ReleaseLock](KindReleaseLock)
}

// OperationType is a protocol class guarded by the operation lock. At most
// one protocol of each class runs per account.
type OperationType string

const (
	OpDkd        OperationType = "dkd"
	OpResharing  OperationType = "resharing"
	OpRecovery   OperationType = "recovery"
	OpCompaction OperationType = "compaction"
	OpUpgrade    OperationType = "upgrade"
)

// OperationLock is a held lock. The lease ends at GrantedAt + LeaseS seconds.
type OperationLock struct {
	Operation OperationType  `json:"operation"`
	Session   ids.SessionID  `json:"session"`
	Holder    ids.DeviceID   `json:"holder"`
	Ticket    canonical.Hash `json:"ticket"`
	GrantedAt int64          `json:"granted_at"`
	LeaseS    uint32         `json:"lease_s"`
}

// ExpiresAt is the lease end in milliseconds; zero for an unbounded lease.
func (l OperationLock) ExpiresAt() int64 {
	if l.LeaseS == 0 {
		return 0
	}
	return l.GrantedAt + int64(l.LeaseS)*1000
}

// Expired reports whether the lease has lapsed at ts.
func (l OperationLock) Expired(ts int64) bool {
	exp := l.ExpiresAt()
	return exp != 0 && ts >= exp
}

// LockRequest is a pending lottery entry.
type LockRequest struct {
	Operation   OperationType  `json:"operation"`
	Session     ids.SessionID  `json:"session"`
	Device      ids.DeviceID   `json:"device"`
	Ticket      canonical.Hash `json:"ticket"`
	RequestedAt int64          `json:"requested_at"`
}

// LotteryTicket is H(basis || device). basis is the lock basis of the
// operation class, which rotates on every release so the next round draws
// fresh tickets.
func LotteryTicket(basis canonical.Hash, device ids.DeviceID) canonical.Hash {
	return canonical.SumDomain(canonical.DomainLottery, append(basis[:], device.Bytes()...))
}

// TicketFor computes the ticket a device must present for op in st.
func (s *AccountState) TicketFor(op OperationType, device ids.DeviceID) canonical.Hash {
	return LotteryTicket(s.LockBasis[op], device)
}

// PendingRequests returns the open requests for op, lowest ticket first.
func (s *AccountState) PendingRequests(op OperationType) []LockRequest {
	var out []LockRequest
	for _, r := range s.LockRequests {
		if r.Operation == op {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b LockRequest) int { return compareHash(a.Ticket, b.Ticket) })
	return out
}

// LockHeld reports the live lock for op at ts, if any.
func (s *AccountState) LockHeld(op OperationType, ts int64) (OperationLock, bool) {
	l, ok := s.Locks[op]
	if !ok || l.Expired(ts) {
		return OperationLock{}, false
	}
	return l, true
}

// RequestLock enters the author into the lottery for an operation class.
type RequestLock struct {
	Operation OperationType  `json:"operation"`
	Session   ids.SessionID  `json:"session"`
	Ticket    canonical.Hash `json:"ticket"`
}

func (RequestLock) Kind() Kind         { return KindRequestLock }
func (RequestLock) policy() authPolicy { return allowMember }

func (p RequestLock) apply(st *AccountState, ac applyContext) error {
	if want := st.TicketFor(p.Operation, ac.event.Author); p.Ticket != want {
		return fmt.Errorf("lottery ticket %s does not match %s", p.Ticket.Short(), want.Short())
	}
	for _, r := range st.LockRequests {
		if r.Session == p.Session && r.Operation == p.Operation {
			return nil
		}
	}
	st.LockRequests = append(st.LockRequests, LockRequest{
		Operation:   p.Operation,
		Session:     p.Session,
		Device:      ac.event.Author,
		Ticket:      p.Ticket,
		RequestedAt: ac.event.Timestamp,
	})
	return nil
}

// GrantLock awards the lock to the lowest pending ticket. The lease runs
// from the grant event's timestamp.
type GrantLock struct {
	Operation OperationType  `json:"operation"`
	Session   ids.SessionID  `json:"session"`
	Winner    ids.DeviceID   `json:"winner_device_id"`
	Ticket    canonical.Hash `json:"ticket"`
	GrantedAt int64          `json:"granted_at"`
	LeaseS    uint32         `json:"lease_s"`
}

func (GrantLock) Kind() Kind         { return KindGrantLock }
func (GrantLock) policy() authPolicy { return allowMember }

func (p GrantLock) apply(st *AccountState, ac applyContext) error {
	now := ac.event.Timestamp
	if p.GrantedAt > now {
		return fmt.Errorf("%s lock granted at %d, after the grant event at %d", p.Operation, p.GrantedAt, now)
	}
	if held, ok := st.LockHeld(p.Operation, now); ok {
		return fmt.Errorf("%s lock already held by %s for session %s", p.Operation, held.Holder.Short(), held.Session)
	}
	pending := st.PendingRequests(p.Operation)
	if len(pending) == 0 {
		return fmt.Errorf("no pending %s lock requests", p.Operation)
	}
	best := pending[0]
	if best.Session != p.Session || best.Device != p.Winner || best.Ticket != p.Ticket {
		return fmt.Errorf("grant to %s does not match lowest ticket held by %s", p.Winner.Short(), best.Device.Short())
	}
	st.LockRequests = slices.DeleteFunc(st.LockRequests, func(r LockRequest) bool {
		return r.Operation == p.Operation && r.Session == p.Session
	})
	st.Locks[p.Operation] = OperationLock{
		Operation: p.Operation,
		Session:   p.Session,
		Holder:    p.Winner,
		Ticket:    p.Ticket,
		GrantedAt: now,
		LeaseS:    p.LeaseS,
	}
	return nil
}

// ReleaseLock frees a held lock and rotates the lottery basis.
type ReleaseLock struct {
	Operation OperationType `json:"operation"`
	Session   ids.SessionID `json:"session"`
}

func (ReleaseLock) Kind() Kind         { return KindReleaseLock }
func (ReleaseLock) policy() authPolicy { return allowMember }

func (p ReleaseLock) apply(st *AccountState, ac applyContext) error {
	held, ok := st.Locks[p.Operation]
	if !ok || held.Session != p.Session {
		// Releasing a lock this session no longer holds drops any
		// pending request it left behind.
		st.LockRequests = slices.DeleteFunc(st.LockRequests, func(r LockRequest) bool {
			return r.Operation == p.Operation && r.Session == p.Session
		})
		return nil
	}
	delete(st.Locks, p.Operation)
	// Tickets drawn against the old basis are void; losers request again.
	st.LockRequests = slices.DeleteFunc(st.LockRequests, func(r LockRequest) bool {
		return r.Operation == p.Operation
	})
	st.LockBasis[p.Operation] = ac.hash
	return nil
}
