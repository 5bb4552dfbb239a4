package protocol

import (
	"context"
	"fmt"

	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/scheduler"
)

// AcquireLock blocks until the node holds the op lock for session.
//
// The node enters the lottery, waits out the lottery window so concurrent
// requests are all visible, and claims the lock only when its ticket is the
// lowest pending one and no live lock is held. Losers wait for the journal
// to change, the held lease to lapse, or their ticket to come first. A
// release voids every ticket, so a loser whose request vanished enters
// again under the new basis.
func (n *Node) AcquireLock(ctx context.Context, op journal.OperationType, session ids.SessionID) (journal.OperationLock, error) {
	deadline := n.now(ctx) + n.settings.Timeout.Milliseconds()
	for {
		if l, ok := n.holding(ctx, op, session); ok {
			return l, nil
		}
		if n.now(ctx) >= deadline {
			return journal.OperationLock{}, faults.Timeout(fmt.Sprintf("%s lock for session %s", op, session))
		}

		req, err := n.requestLock(ctx, op, session)
		if err != nil {
			return journal.OperationLock{}, err
		}
		windowEnd := min(req.RequestedAt+n.settings.LotteryWindowMs, deadline)
		if err := n.waiter.YieldUntil(ctx, scheduler.TimeoutAt(windowEnd)); err != nil {
			return journal.OperationLock{}, err
		}
		if l, ok := n.tryGrant(ctx, op, session); ok {
			return l, nil
		}

		seen := n.author.Ledger.Lamport()
		cond := scheduler.Custom(fmt.Sprintf("%s lock released", op), func() bool {
			now := n.now(context.Background())
			if n.author.Ledger.Lamport() != seen || now >= deadline {
				return true
			}
			st := n.state()
			if _, held := st.LockHeld(op, now); held {
				return false
			}
			pending := st.PendingRequests(op)
			return len(pending) == 0 || pending[0].Device == n.author.Device
		})
		if err := n.waiter.YieldUntil(ctx, cond); err != nil {
			return journal.OperationLock{}, err
		}
	}
}

// ReleaseLock gives up the op lock for session, or withdraws its pending
// request if the lock was never granted.
func (n *Node) ReleaseLock(ctx context.Context, op journal.OperationType, session ids.SessionID) error {
	if err := n.emit(ctx, journal.ReleaseLock{Operation: op, Session: session}); err != nil {
		return fmt.Errorf("release %s lock: %w", op, err)
	}
	n.logger.Debug("lock released", "operation", op, "session", session, "device", n.author.Device.Short())
	return nil
}

func (n *Node) holding(ctx context.Context, op journal.OperationType, session ids.SessionID) (journal.OperationLock, bool) {
	l, ok := n.state().LockHeld(op, n.now(ctx))
	if !ok || l.Session != session {
		return journal.OperationLock{}, false
	}
	return l, true
}

// requestLock returns the node's pending request for session, appending a
// fresh one when none is open.
func (n *Node) requestLock(ctx context.Context, op journal.OperationType, session ids.SessionID) (journal.LockRequest, error) {
	find := func() (journal.LockRequest, bool) {
		for _, r := range n.state().PendingRequests(op) {
			if r.Session == session {
				return r, true
			}
		}
		return journal.LockRequest{}, false
	}
	if r, ok := find(); ok {
		return r, nil
	}
	ticket := n.state().TicketFor(op, n.author.Device)
	if err := n.emit(ctx, journal.RequestLock{Operation: op, Session: session, Ticket: ticket}); err != nil {
		// The basis may have rotated between reading the ticket and
		// appending; the caller retries under the new one.
		n.logger.Debug("lock request rejected", "operation", op, "session", session, "error", err)
		return journal.LockRequest{Operation: op, Session: session, RequestedAt: n.now(ctx)}, nil
	}
	n.logger.Debug("lock requested",
		"operation", op,
		"session", session,
		"device", n.author.Device.Short(),
		"ticket", ticket.Short())
	if r, ok := find(); ok {
		return r, nil
	}
	return journal.LockRequest{Operation: op, Session: session, RequestedAt: n.now(ctx)}, nil
}

// tryGrant appends a GrantLock to the node itself when it holds the lowest
// pending ticket.
func (n *Node) tryGrant(ctx context.Context, op journal.OperationType, session ids.SessionID) (journal.OperationLock, bool) {
	now := n.now(ctx)
	st := n.state()
	if _, held := st.LockHeld(op, now); held {
		return journal.OperationLock{}, false
	}
	pending := st.PendingRequests(op)
	if len(pending) == 0 {
		return journal.OperationLock{}, false
	}
	best := pending[0]
	if best.Session != session || best.Device != n.author.Device {
		return journal.OperationLock{}, false
	}
	err := n.emit(ctx, journal.GrantLock{
		Operation: op,
		Session:   session,
		Winner:    best.Device,
		Ticket:    best.Ticket,
		GrantedAt: now,
		LeaseS:    n.settings.LeaseS,
	})
	if err != nil {
		n.logger.Debug("lock grant rejected", "operation", op, "session", session, "error", err)
		return journal.OperationLock{}, false
	}
	n.logger.Info("lock granted",
		"operation", op,
		"session", session,
		"device", n.author.Device.Short(),
		"ticket", best.Ticket.Short())
	return n.holding(ctx, op, session)
}
