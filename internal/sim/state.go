package sim

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/aura/internal/ids"
)

// outbound is an envelope a task handed to the network during the current
// tick. The world samples its fate once the tick's tasks have run.
type outbound struct {
	task    string
	from    ids.DeviceID
	to      ids.DeviceID
	payload []byte
}

// State is what a World shares with its interpreters: the trace, the
// outbox and the virtual time every entry is stamped with.
//
// Entries are stamped with a strictly increasing seq. Only one task runs
// at a time, so the order of the trace is a function of the seed.
type State struct {
	seq atomic.Uint64

	mu     sync.Mutex
	tick   uint64
	nowMs  int64
	trace  Trace
	outbox []outbound
}

func newState(nowMs int64) *State {
	return &State{nowMs: nowMs}
}

// advance sets the stamp for subsequent entries.
func (s *State) advance(tick uint64, nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick, s.nowMs = tick, nowMs
}

// record stamps e and appends it to the trace.
func (s *State) record(e Event) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Seq = s.seq.Add(1)
	e.Tick = s.tick
	e.TimeMs = s.nowMs
	s.trace = append(s.trace, e)
	return e
}

func (s *State) send(o outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, o)
}

func (s *State) drainOutbox() []outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbox
	s.outbox = nil
	return out
}

func (s *State) outboxLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

// Trace returns a copy of every entry recorded so far.
func (s *State) Trace() Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.trace)
}

// Since returns the entries from index i on.
func (s *State) Since(i int) Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.trace) {
		return nil
	}
	return slices.Clone(s.trace[i:])
}

// Len is the number of recorded entries.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trace)
}
