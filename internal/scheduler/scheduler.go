package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
)

// tagWindow bounds how many recent event tags EventMatching can see.
const tagWindow = 256

type taggedEvent struct {
	seq uint64
	tag string
}

type timeout struct {
	timer    *clock.Timer
	deadline int64
	fired    bool
}

// Scheduler implements effects.PhysicalTimeEffects plus timeouts, context
// wakeups and YieldUntil. It is safe for concurrent use.
type Scheduler struct {
	*effects.WallClock
	clock  clock.Clock
	logger *slog.Logger
	poll   time.Duration

	mu       sync.Mutex
	changed  chan struct{}
	events   uint64
	tags     []taggedEvent
	epoch    uint64
	next     Handle
	timeouts map[Handle]*timeout
	contexts map[string]chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithPollInterval sets how often Custom conditions are re-checked between
// wakes. Zero disables polling.
func WithPollInterval(d time.Duration) Option { return func(s *Scheduler) { s.poll = d } }

// New creates a scheduler over c, or the system clock when c is nil.
func New(c clock.Clock, opts ...Option) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	s := &Scheduler{
		WallClock: effects.NewWallClock(c),
		clock:     c,
		logger:    slog.Default(),
		poll:      10 * time.Millisecond,
		changed:   make(chan struct{}),
		timeouts:  map[Handle]*timeout{},
		contexts:  map[string]chan struct{}{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Clock returns the underlying clock.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

func (s *Scheduler) nowMs() int64 { return s.clock.Now().UnixMilli() }

// broadcast wakes every YieldUntil. Caller holds s.mu.
func (s *Scheduler) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Wake makes waiters re-check their conditions. The simulator calls it
// after advancing a mock clock.
func (s *Scheduler) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcast()
}

// SetTimeout arms a timeout ms from now.
func (s *Scheduler) SetTimeout(ms uint64) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := s.next
	to := &timeout{deadline: s.nowMs() + int64(ms)}
	s.timeouts[h] = to
	to.timer = s.clock.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.timeouts[h]; ok && cur == to {
			to.fired = true
			s.broadcast()
		}
	})
	return h
}

// CancelTimeout disarms h.
func (s *Scheduler) CancelTimeout(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	to, ok := s.timeouts[h]
	if !ok {
		return faults.HandleUnknown(uint64(h))
	}
	to.timer.Stop()
	delete(s.timeouts, h)
	s.broadcast()
	return nil
}

// RegisterContext returns a channel that receives a value whenever events
// become available. Registering twice returns the same channel.
func (s *Scheduler) RegisterContext(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.contexts[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.contexts[id] = ch
	}
	return ch
}

// UnregisterContext drops id and closes its channel.
func (s *Scheduler) UnregisterContext(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.contexts[id]; ok {
		close(ch)
		delete(s.contexts, id)
	}
}

// NotifyEventsAvailable bumps the event counter, records tags for
// EventMatching, and fans out to registered contexts and waiters.
func (s *Scheduler) NotifyEventsAvailable(tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events++
	for _, t := range tags {
		s.tags = append(s.tags, taggedEvent{seq: s.events, tag: t})
	}
	if over := len(s.tags) - tagWindow; over > 0 {
		s.tags = append(s.tags[:0], s.tags[over:]...)
	}
	for _, ch := range s.contexts {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.broadcast()
}

// AdvanceEpoch raises the session epoch seen by EpochReached. Lower values
// are ignored.
func (s *Scheduler) AdvanceEpoch(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch > s.epoch {
		s.epoch = epoch
		s.broadcast()
	}
}

// Idle reports whether no context is registered and no timeout is armed.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.contexts) > 0 {
		return false
	}
	for _, to := range s.timeouts {
		if !to.fired {
			return false
		}
	}
	return true
}

// Pending returns the earliest unfired timeout deadline.
func (s *Scheduler) Pending() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		earliest int64
		found    bool
	)
	for _, to := range s.timeouts {
		if !to.fired && (!found || to.deadline < earliest) {
			earliest, found = to.deadline, true
		}
	}
	return earliest, found
}

// Yield is an in-progress wait started by Begin.
type Yield struct {
	cond     Condition
	startSeq uint64
	deadline int64 // 0 means none
	wakeAt   int64
}

// Condition returns the condition being waited for.
func (y *Yield) Condition() Condition { return y.cond }

// Begin snapshots the state cond is measured against. Poll it until it
// reports done; YieldUntil does exactly that, blocking between polls.
func (s *Scheduler) Begin(cond Condition) *Yield {
	s.mu.Lock()
	defer s.mu.Unlock()
	y := &Yield{cond: cond, startSeq: s.events}
	switch cond.Kind {
	case CondThresholdEvents:
		y.deadline = s.nowMs() + int64(cond.TimeoutMs)
		y.wakeAt = y.deadline
	case CondTimeoutAt:
		y.wakeAt = cond.AtMs
	}
	return y
}

// Poll reports whether y is done without blocking. Custom checks run
// outside the scheduler lock so they may read other locked state.
func (s *Scheduler) Poll(y *Yield) (bool, error) {
	done, _, err := s.poll1(y)
	return done, err
}

func (s *Scheduler) poll1(y *Yield) (bool, <-chan struct{}, error) {
	s.mu.Lock()
	done, err := s.check(y)
	ch := s.changed
	s.mu.Unlock()
	if !done && y.cond.Kind == CondCustom {
		done = y.cond.Check == nil || y.cond.Check()
	}
	return done, ch, err
}

// check reports whether y is done. Custom conditions are left to the
// caller. Caller holds s.mu.
func (s *Scheduler) check(y *Yield) (bool, error) {
	c := y.cond
	switch c.Kind {
	case CondImmediate:
		return true, nil
	case CondNewEvents:
		return s.events > y.startSeq, nil
	case CondEpochReached:
		return s.epoch >= c.Epoch, nil
	case CondTimeoutAt:
		return s.nowMs() >= c.AtMs, nil
	case CondEventMatching:
		for _, t := range s.tags {
			if t.seq > y.startSeq && matches(c.Criteria, t.tag) {
				return true, nil
			}
		}
		return false, nil
	case CondThresholdEvents:
		if s.events-y.startSeq >= c.Threshold {
			return true, nil
		}
		if s.nowMs() >= y.deadline {
			return true, faults.TimedOut(c.TimeoutMs)
		}
		return false, nil
	case CondTimeoutExpired:
		to, ok := s.timeouts[c.Handle]
		if !ok {
			return true, faults.HandleUnknown(uint64(c.Handle))
		}
		return to.fired, nil
	case CondCustom:
		return false, nil
	}
	return true, faults.ProtocolViolation("unknown yield condition " + string(c.Kind))
}

// YieldUntil suspends until cond holds, ctx ends, or a ThresholdEvents
// condition times out.
func (s *Scheduler) YieldUntil(ctx context.Context, cond Condition) error {
	y := s.Begin(cond)

	var timerC <-chan time.Time
	if y.wakeAt != 0 {
		t := s.clock.Timer(time.Duration(y.wakeAt-s.nowMs()) * time.Millisecond)
		defer t.Stop()
		timerC = t.C
	}
	var pollC <-chan time.Time
	if cond.Kind == CondCustom && s.poll > 0 {
		tk := s.clock.Ticker(s.poll)
		defer tk.Stop()
		pollC = tk.C
	}

	for {
		done, ch, err := s.poll1(y)
		if done {
			if err != nil {
				s.logger.Debug("yield failed", "condition", cond.String(), "error", err)
			}
			return err
		}
		select {
		case <-ch:
		case <-timerC:
		case <-pollC:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
