package effects

import (
	"context"
	"sync"

	"github.com/roach88/aura/internal/faults"
)

// LeakageLedger is an in-memory LeakageEffects handler. Contexts without a
// configured limit get DefaultLimit.
type LeakageLedger struct {
	mu           sync.Mutex
	DefaultLimit uint64
	limits       map[string]uint64
	used         map[string]uint64
	history      map[string][]LeakageEvent
}

// NewLeakageLedger creates a ledger with the given default limit.
func NewLeakageLedger(defaultLimit uint64) *LeakageLedger {
	return &LeakageLedger{
		DefaultLimit: defaultLimit,
		limits:       map[string]uint64{},
		used:         map[string]uint64{},
		history:      map[string][]LeakageEvent{},
	}
}

// SetLimit configures one context.
func (l *LeakageLedger) SetLimit(contextID string, limit uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[contextID] = limit
}

func (l *LeakageLedger) budget(contextID string) LeakageBudget {
	limit, ok := l.limits[contextID]
	if !ok {
		limit = l.DefaultLimit
	}
	return LeakageBudget{Limit: limit, Used: l.used[contextID]}
}

// RecordLeakage books ev unconditionally.
func (l *LeakageLedger) RecordLeakage(_ context.Context, ev LeakageEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used[ev.Context] += ev.Bits
	l.history[ev.Context] = append(l.history[ev.Context], ev)
	return nil
}

// Consume books ev only if the context can afford it.
func (l *LeakageLedger) Consume(_ context.Context, ev LeakageEvent) (LeakageBudget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.budget(ev.Context)
	if b.Remaining() < ev.Bits {
		return b, faults.LeakageBudgetExceeded(ev.Context, b.Remaining(), ev.Bits)
	}
	l.used[ev.Context] += ev.Bits
	l.history[ev.Context] = append(l.history[ev.Context], ev)
	b.Used += ev.Bits
	return b, nil
}

func (l *LeakageLedger) GetLeakageBudget(_ context.Context, contextID string) (LeakageBudget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget(contextID), nil
}

func (l *LeakageLedger) CheckLeakageBudget(_ context.Context, contextID string, bits uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.budget(contextID).Remaining() >= bits, nil
}

func (l *LeakageLedger) LeakageHistory(_ context.Context, contextID string, since int64) ([]LeakageEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LeakageEvent
	for _, ev := range l.history[contextID] {
		if ev.Timestamp >= since {
			out = append(out, ev)
		}
	}
	return out, nil
}
