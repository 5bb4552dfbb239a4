// Package session tracks protocol sessions and their message channels.
//
// A Registry is shared by the devices of one process (or one simulated
// world); each device talks to it through a Client, which implements
// effects.SessionEffects. A session is Created by its coordinator, becomes
// Active when the first other participant joins, and ends Completed,
// Failed or Aborted. A participant may join a session id before its
// coordinator opens it; the record stays Created until the coordinator
// arrives.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

type record struct {
	id           ids.SessionID
	typ          effects.SessionType
	coordinator  ids.DeviceID
	status       journal.SessionStatus
	participants map[ids.DeviceID]struct{}
	queues       map[ids.DeviceID][]effects.SessionMessage
	signal       chan struct{}
}

func (r *record) wake() {
	close(r.signal)
	r.signal = make(chan struct{})
}

// Registry holds every session known to the process.
type Registry struct {
	random effects.RandomEffects
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[ids.SessionID]*record
	order    []ids.SessionID
}

// NewRegistry draws session ids from random, so simulated runs get
// reproducible ids.
func NewRegistry(random effects.RandomEffects, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{random: random, logger: logger, sessions: map[ids.SessionID]*record{}}
}

// For returns device's view of the registry.
func (r *Registry) For(device ids.DeviceID) *Client {
	return &Client{reg: r, self: device}
}

// Participants lists the members of id in id order.
func (r *Registry) Participants(id ids.SessionID) ([]ids.DeviceID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make([]ids.DeviceID, 0, len(rec.participants))
	for d := range rec.participants {
		out = append(out, d)
	}
	slices.SortFunc(out, ids.CompareDevices)
	return out, nil
}

// lookup finds id. Caller holds r.mu.
func (r *Registry) lookup(id ids.SessionID) (*record, error) {
	rec, ok := r.sessions[id]
	if !ok {
		return nil, faults.ProtocolViolation("unknown session " + id.String())
	}
	return rec, nil
}

// Client is one device's SessionEffects.
type Client struct {
	reg  *Registry
	self ids.DeviceID
}

var _ effects.SessionEffects = (*Client)(nil)

func (c *Client) CreateSession(_ context.Context, typ effects.SessionType) (ids.SessionID, error) {
	var raw [16]byte
	copy(raw[:], c.reg.random.RandomBytes(16))
	id := ids.SessionFromBytes(raw)

	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.sessions[id]; dup {
		return ids.SessionID{}, faults.ProtocolViolation("session id collision")
	}
	r.sessions[id] = &record{
		id:           id,
		typ:          typ,
		coordinator:  c.self,
		status:       journal.StatusCreated,
		participants: map[ids.DeviceID]struct{}{c.self: {}},
		queues:       map[ids.DeviceID][]effects.SessionMessage{},
		signal:       make(chan struct{}),
	}
	r.order = append(r.order, id)
	r.logger.Debug("session created", "session", id, "type", typ, "coordinator", c.self)
	return id, nil
}

// OpenSession creates id with the caller as coordinator. Participants that
// joined id before it was opened are kept.
func (c *Client) OpenSession(_ context.Context, id ids.SessionID, typ effects.SessionType) (effects.SessionHandle, error) {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		rec = r.pending(id)
	}
	if !rec.coordinator.IsZero() {
		return effects.SessionHandle{}, faults.ProtocolViolation(fmt.Sprintf("session %s already opened by %s", id, rec.coordinator.Short()))
	}
	if rec.status.Terminal() {
		return effects.SessionHandle{}, faults.ProtocolViolation(fmt.Sprintf("session %s is %s", id, rec.status))
	}
	rec.coordinator = c.self
	rec.typ = typ
	rec.participants[c.self] = struct{}{}
	if len(rec.participants) > 1 {
		rec.status = journal.StatusActive
	}
	r.logger.Debug("session opened", "session", id, "type", typ, "coordinator", c.self, "early_joiners", len(rec.participants)-1)
	return effects.SessionHandle{Session: id, Type: typ, Device: c.self}, nil
}

func (c *Client) JoinSession(_ context.Context, id ids.SessionID) (effects.SessionHandle, error) {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		rec = r.pending(id)
	}
	if rec.status.Terminal() {
		return effects.SessionHandle{}, faults.ProtocolViolation(fmt.Sprintf("session %s is %s", id, rec.status))
	}
	rec.participants[c.self] = struct{}{}
	if !rec.coordinator.IsZero() && c.self != rec.coordinator && rec.status == journal.StatusCreated {
		rec.status = journal.StatusActive
	}
	return effects.SessionHandle{Session: id, Type: rec.typ, Device: c.self}, nil
}

// pending registers id with no coordinator yet. Caller holds r.mu.
func (r *Registry) pending(id ids.SessionID) *record {
	rec := &record{
		id:           id,
		status:       journal.StatusCreated,
		participants: map[ids.DeviceID]struct{}{},
		queues:       map[ids.DeviceID][]effects.SessionMessage{},
		signal:       make(chan struct{}),
	}
	r.sessions[id] = rec
	r.order = append(r.order, id)
	return rec
}

func (c *Client) LeaveSession(_ context.Context, id ids.SessionID) error {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	delete(rec.participants, c.self)
	delete(rec.queues, c.self)
	rec.wake()
	return nil
}

func (c *Client) EndSession(_ context.Context, id ids.SessionID, status journal.SessionStatus) error {
	if !status.Terminal() {
		return faults.ProtocolViolation(fmt.Sprintf("cannot end session as %s", status))
	}
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	if rec.status.Terminal() {
		if rec.status == status {
			return nil
		}
		return faults.ProtocolViolation(fmt.Sprintf("session %s already %s", id, rec.status))
	}
	rec.status = status
	rec.wake()
	r.logger.Debug("session ended", "session", id, "status", status, "by", c.self)
	return nil
}

// ListActive returns the non-terminal sessions this device takes part in,
// in creation order.
func (c *Client) ListActive(context.Context) []ids.SessionID {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ids.SessionID
	for _, id := range r.order {
		rec := r.sessions[id]
		if _, in := rec.participants[c.self]; in && !rec.status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

func (c *Client) GetStatus(_ context.Context, id ids.SessionID) (journal.SessionStatus, error) {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return rec.status, nil
}

func (c *Client) SendSessionMessage(_ context.Context, id ids.SessionID, to ids.DeviceID, payload []byte) error {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.lookup(id)
	if err != nil {
		return err
	}
	if rec.status.Terminal() {
		return faults.EndpointClosed(fmt.Sprintf("session %s is %s", id, rec.status))
	}
	if _, in := rec.participants[c.self]; !in {
		return faults.ProtocolViolation("sender is not a participant")
	}
	if _, in := rec.participants[to]; !in {
		return faults.ProtocolViolation("recipient is not a participant")
	}
	rec.queues[to] = append(rec.queues[to], effects.SessionMessage{
		Session: id,
		From:    c.self,
		To:      to,
		Payload: slices.Clone(payload),
	})
	rec.wake()
	return nil
}

// ReceiveSessionMessage blocks until a message for this device arrives or
// the session ends.
func (c *Client) ReceiveSessionMessage(ctx context.Context, id ids.SessionID) (effects.SessionMessage, error) {
	r := c.reg
	for {
		r.mu.Lock()
		rec, err := r.lookup(id)
		if err != nil {
			r.mu.Unlock()
			return effects.SessionMessage{}, err
		}
		if q := rec.queues[c.self]; len(q) > 0 {
			msg := q[0]
			rec.queues[c.self] = q[1:]
			r.mu.Unlock()
			return msg, nil
		}
		if rec.status.Terminal() {
			r.mu.Unlock()
			return effects.SessionMessage{}, faults.EndpointClosed(fmt.Sprintf("session %s is %s", id, rec.status))
		}
		ch := rec.signal
		r.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return effects.SessionMessage{}, ctx.Err()
		}
	}
}
