package choreo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/metrics"
)

// Receiver is the inbound half of a transport.
type Receiver interface {
	Receive(ctx context.Context) (effects.Inbound, error)
}

type slot struct {
	session ids.SessionID
	phase   Phase
}

// Mailbox demultiplexes a device's inbound envelopes by session and phase.
//
// It has no goroutine of its own. A caller that finds no matching envelope
// becomes the puller and reads one message from the transport, while other
// callers wait for it to finish. This keeps simulated runs deterministic.
type Mailbox struct {
	self    ids.DeviceID
	in      Receiver
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	queues  map[slot][]Envelope
	filter  *bloom.BloomFilter
	seen    map[canonical.Hash]struct{}
	pulling bool
	signal  chan struct{}
}

// NewMailbox reads envelopes addressed to self from in.
func NewMailbox(self ids.DeviceID, in Receiver, logger *slog.Logger, m *metrics.Metrics) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{
		self:    self,
		in:      in,
		logger:  logger,
		metrics: m,
		queues:  map[slot][]Envelope{},
		filter:  bloom.NewWithEstimates(1<<16, 0.001),
		seen:    map[canonical.Hash]struct{}{},
		signal:  make(chan struct{}),
	}
}

// Deliver routes one inbound message. Malformed, misattributed, misrouted
// and replayed envelopes are dropped.
func (m *Mailbox) Deliver(in effects.Inbound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.route(in)
}

func (m *Mailbox) route(in effects.Inbound) {
	env, err := DecodeEnvelope(in.Payload)
	if err != nil {
		m.drop("malformed", in.From, err)
		return
	}
	if env.From.Device != in.From {
		m.drop("sender", in.From, nil)
		return
	}
	if env.To.Device != m.self {
		m.drop("misrouted", in.From, nil)
		return
	}
	key := canonical.Sum([]byte("aura.choreo.envelope"), in.Payload)
	if m.filter.Test(key[:]) {
		if _, dup := m.seen[key]; dup {
			m.drop("duplicate", in.From, nil)
			return
		}
	}
	m.filter.Add(key[:])
	m.seen[key] = struct{}{}

	s := slot{env.Session, env.Phase}
	m.queues[s] = append(m.queues[s], env)
}

func (m *Mailbox) drop(reason string, from ids.DeviceID, err error) {
	m.metrics.Dropped(reason)
	m.logger.Debug("envelope dropped",
		"device", m.self.Short(),
		"from", from.Short(),
		"reason", reason,
		"error", err)
}

// take removes the first queued envelope in s accepted by match.
func (m *Mailbox) take(s slot, match func(Envelope) bool) (Envelope, bool) {
	q := m.queues[s]
	for i, env := range q {
		if match == nil || match(env) {
			m.queues[s] = append(q[:i:i], q[i+1:]...)
			if len(m.queues[s]) == 0 {
				delete(m.queues, s)
			}
			return env, true
		}
	}
	return Envelope{}, false
}

// Next returns the next envelope for session and phase accepted by match,
// blocking until one arrives or ctx ends.
func (m *Mailbox) Next(ctx context.Context, session ids.SessionID, phase Phase, match func(Envelope) bool) (Envelope, error) {
	s := slot{session, phase}
	m.mu.Lock()
	for {
		if env, ok := m.take(s, match); ok {
			m.mu.Unlock()
			return env, nil
		}
		if !m.pulling {
			m.pulling = true
			m.mu.Unlock()
			in, err := m.in.Receive(ctx)
			m.mu.Lock()
			m.pulling = false
			close(m.signal)
			m.signal = make(chan struct{})
			if err != nil {
				m.mu.Unlock()
				return Envelope{}, err
			}
			m.route(in)
			continue
		}
		wait := m.signal
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
		m.mu.Lock()
	}
}

// Pending counts queued envelopes.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}
