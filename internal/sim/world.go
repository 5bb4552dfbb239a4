package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/guard"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/metrics"
	"github.com/roach88/aura/internal/protocol"
	"github.com/roach88/aura/internal/scheduler"
	"github.com/roach88/aura/internal/session"
	"github.com/roach88/aura/internal/storage"
)

// DefaultStart is the virtual time of tick zero.
var DefaultStart = time.UnixMilli(1_700_000_000_000).UTC()

// ErrTickLimit is returned when a run does not settle within MaxTicks.
var ErrTickLimit = errors.New("simulation did not settle")

// ErrClosed is returned by a World that has been closed.
var ErrClosed = errors.New("simulation closed")

// Latency bounds message delay in ticks. Each message draws uniformly
// from [Min, Max].
type Latency struct {
	Min uint64 `json:"min" yaml:"min" toml:"min"`
	Max uint64 `json:"max" yaml:"max" toml:"max"`
}

// Fault assigns a deviating behavior to a participant by name.
type Fault struct {
	Participant string
	Behavior    protocol.Behavior
}

// Config parameterizes a World.
type Config struct {
	Seed     uint64
	TickMs   int64
	Latency  Latency
	DropRate float64
	MaxTicks uint64
	Start    time.Time

	// LeakageLimit is each participant's default leakage allowance in
	// bits.
	LeakageLimit uint64

	Byzantine []Fault

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.TickMs == 0 {
		c.TickMs = 10
	}
	if c.Latency == (Latency{}) {
		c.Latency = Latency{Min: 1, Max: 1}
	}
	if c.MaxTicks == 0 {
		c.MaxTicks = 100_000
	}
	if c.Start.IsZero() {
		c.Start = DefaultStart
	}
	if c.LeakageLimit == 0 {
		c.LeakageLimit = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate reports a configuration the world cannot run.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.TickMs < 0:
		return fmt.Errorf("tick_ms %d is negative", c.TickMs)
	case c.Latency.Min == 0:
		return errors.New("latency min must be at least one tick")
	case c.Latency.Max < c.Latency.Min:
		return fmt.Errorf("latency max %d below min %d", c.Latency.Max, c.Latency.Min)
	case c.DropRate < 0 || c.DropRate > 1:
		return fmt.Errorf("drop rate %v outside [0, 1]", c.DropRate)
	}
	return nil
}

// route keys delivered messages by recipient and session.
type route struct {
	device  ids.DeviceID
	session ids.SessionID
}

// Observer is told about every tick once it has run.
type Observer interface {
	Observe(events Trace, snap Snapshot)
}

// TaskStatus is a task as a Snapshot reports it.
type TaskStatus struct {
	Name    string
	Device  ids.DeviceID
	Done    bool
	Waiting string
	Result  any
	Err     error
}

// Snapshot is the world state between ticks.
type Snapshot struct {
	Tick     uint64
	NowMs    int64
	InFlight int
	Tasks    []TaskStatus
	// Ledgers are live; read them only between ticks.
	Ledgers []*journal.Ledger
}

// World is the simulated environment. It is driven from one goroutine.
type World struct {
	cfg      Config
	clock    *virtualClock
	rng      *effects.SeededRandom
	state    *State
	net      *network
	sessions *session.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	participants []*Participant
	byName       map[string]*Participant
	byDevice     map[ids.DeviceID]*Participant
	ledgers      []*journal.Ledger
	tasks        []*Task
	inbox        map[route][]effects.Inbound
	observers    []Observer

	yielded chan struct{}
	running string
	tick    uint64
	closed  bool
}

// New builds an empty world.
func New(cfg Config) (*World, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	w := &World{
		cfg:      cfg,
		clock:    newVirtualClock(cfg.Start),
		rng:      effects.NewSeededRandom(cfg.Seed),
		net:      newNetwork(),
		sessions: session.NewRegistry(effects.NewSeededRandom(cfg.Seed), cfg.Logger),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		byName:   map[string]*Participant{},
		byDevice: map[ids.DeviceID]*Participant{},
		inbox:    map[route][]effects.Inbound{},
		yielded:  make(chan struct{}),
	}
	w.state = newState(w.nowMs())
	return w, nil
}

// Config returns the effective configuration.
func (w *World) Config() Config { return w.cfg }

// Sessions is the registry every participant's protocol runs open and
// join.
func (w *World) Sessions() *session.Registry { return w.sessions }

// State exposes the trace and outbox.
func (w *World) State() *State { return w.state }

// Trace returns a copy of the trace so far.
func (w *World) Trace() Trace { return w.state.Trace() }

// Tick is the number of ticks run.
func (w *World) Tick() uint64 { return w.tick }

// NowMs is the current virtual time.
func (w *World) NowMs() int64 { return w.nowMs() }

func (w *World) nowMs() int64 { return w.clock.Now().UnixMilli() }

// Random is the world's seeded stream.
func (w *World) Random() *effects.SeededRandom { return w.rng }

// Observe registers o to run after every tick.
func (w *World) Observe(o Observer) { w.observers = append(w.observers, o) }

// AddParticipant registers a device writing to ledger. A participant named
// in the configuration's Byzantine list takes that behavior.
func (w *World) AddParticipant(name string, device ids.DeviceID, ledger *journal.Ledger) (*Participant, error) {
	if _, dup := w.byName[name]; dup {
		return nil, fmt.Errorf("participant %q already added", name)
	}
	if _, dup := w.byDevice[device]; dup {
		return nil, fmt.Errorf("device %s already added", device)
	}
	p := &Participant{
		Name:      name,
		Device:    device,
		Ledger:    ledger,
		Leakage:   effects.NewLeakageLedger(w.cfg.LeakageLimit),
		Storage:   storage.NewMemory(),
		Scheduler: scheduler.New(w.clock, scheduler.WithLogger(w.logger), scheduler.WithPollInterval(0)),
	}
	for _, f := range w.cfg.Byzantine {
		if f.Participant == name {
			p.Behavior = f.Behavior
		}
	}
	w.participants = append(w.participants, p)
	w.byName[name] = p
	w.byDevice[device] = p
	w.watch(ledger)
	return p, nil
}

// Participant looks a participant up by name.
func (w *World) Participant(name string) (*Participant, bool) {
	p, ok := w.byName[name]
	return p, ok
}

// Participants lists participants in the order they were added.
func (w *World) Participants() []*Participant { return w.participants }

// watch traces every event committed to l from now on.
func (w *World) watch(l *journal.Ledger) {
	for _, seen := range w.ledgers {
		if seen == l {
			return
		}
	}
	w.ledgers = append(w.ledgers, l)
	l.Subscribe(func(e journal.Event, h canonical.Hash) {
		rec := &JournalRecord{
			Account:   e.Account,
			Kind:      e.Kind(),
			Author:    e.Author,
			Lamport:   e.Lamport,
			Nonce:     e.Nonce,
			Timestamp: e.Timestamp,
			Hash:      h,
		}
		if e.ParentHash != nil {
			rec.Parent = *e.ParentHash
		}
		w.state.record(Event{Kind: EventJournal, Task: w.running, Device: e.Author, Journal: rec})
	})
}

// Spawn adds a task running fn as participant p, receiving the messages of
// session. The task starts at the next tick.
func (w *World) Spawn(p *Participant, name string, session ids.SessionID, fn TaskFunc) (*Task, error) {
	if w.closed {
		return nil, ErrClosed
	}
	for _, t := range w.tasks {
		if t.name == name {
			return nil, fmt.Errorf("task %q already spawned", name)
		}
	}
	t := &Task{name: name, w: w, fn: fn, resume: make(chan struct{})}
	env := &Env{w: w, t: t, p: p, session: session}
	interp, err := newInterpreter(name, p.Device, w.state, p.system(env, w.rng), w.logger)
	if err != nil {
		return nil, err
	}
	env.interp = interp
	env.exec = guard.NewExecutor(interp, interp, guard.WithLogger(w.logger), guard.WithMetrics(w.metrics))
	env.rt = choreo.NewRuntime(p.Device, env.exec, env,
		choreo.WithClock(w.clock),
		choreo.WithLogger(w.logger),
		choreo.WithMetrics(w.metrics))
	t.env = env
	w.tasks = append(w.tasks, t)
	return t, nil
}

// Tasks lists tasks in creation order.
func (w *World) Tasks() []*Task { return w.tasks }

// Partition cuts the link between two participants. Messages crossing it
// are discarded at delivery time.
func (w *World) Partition(a, b ids.DeviceID) {
	w.net.partition(a, b)
	w.state.record(Event{Kind: EventFault, Device: a, Peer: b, Detail: "partition"})
}

// Heal restores the link between two participants.
func (w *World) Heal(a, b ids.DeviceID) {
	w.net.heal(a, b)
	w.state.record(Event{Kind: EventFault, Device: a, Peer: b, Detail: "heal"})
}

// HealAll restores every link.
func (w *World) HealAll() {
	w.net.healAll()
	w.state.record(Event{Kind: EventFault, Detail: "heal all"})
}

// Step runs one tick.
func (w *World) Step(ctx context.Context) error {
	if w.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	mark := w.state.Len()

	w.tick++
	w.clock.Add(time.Duration(w.cfg.TickMs) * time.Millisecond)
	w.state.advance(w.tick, w.nowMs())
	w.clock.expire()

	w.deliver()
	w.runTasks()
	w.flush()
	w.metrics.Tick()

	if len(w.observers) > 0 {
		events, snap := w.state.Since(mark), w.Snapshot()
		for _, o := range w.observers {
			o.Observe(events, snap)
		}
	}
	return nil
}

// deliver releases every message due at the current tick.
func (w *World) deliver() {
	for _, m := range w.net.due(w.tick) {
		ev := Event{Task: m.task, Device: m.from, Peer: m.to, Message: m.digest}
		if w.net.partitioned(m.from, m.to) {
			ev.Kind = EventPartitioned
			w.state.record(ev)
			w.metrics.Dropped("partition")
			continue
		}
		key := route{device: m.to}
		if env, err := choreo.DecodeEnvelope(m.payload); err == nil {
			key.session = env.Session
		}
		w.inbox[key] = append(w.inbox[key], effects.Inbound{From: m.from, Payload: m.payload})
		ev.Kind = EventDeliver
		w.state.record(ev)
		if p, ok := w.byDevice[m.to]; ok {
			p.Scheduler.NotifyEventsAvailable("deliver:" + m.from.String())
		}
	}
}

// take removes the first message at key accepted by match.
func (w *World) take(key route, match func(effects.Inbound) bool) (effects.Inbound, bool) {
	q := w.inbox[key]
	for i, in := range q {
		if match(in) {
			w.inbox[key] = append(q[:i:i], q[i+1:]...)
			if len(w.inbox[key]) == 0 {
				delete(w.inbox, key)
			}
			return in, true
		}
	}
	return effects.Inbound{}, false
}

// runTasks gives every live task the token once, in creation order. Tasks
// spawned meanwhile wait for the next tick.
func (w *World) runTasks() {
	n := len(w.tasks)
	for _, t := range w.tasks[:n] {
		if !t.done {
			w.run(t)
		}
	}
}

func (w *World) run(t *Task) {
	w.running = t.name
	defer func() { w.running = "" }()
	if !t.started {
		t.started = true
		w.state.record(Event{Kind: EventTaskStart, Task: t.name, Device: t.Device()})
		go t.main(w.ctx)
	} else {
		t.resume <- struct{}{}
	}
	<-w.yielded
	if t.done {
		ev := Event{Kind: EventTaskDone, Task: t.name, Device: t.Device()}
		if t.err != nil {
			ev.Detail = t.err.Error()
		}
		w.state.record(ev)
		w.logger.Debug("task finished", "task", t.name, "tick", w.tick, "error", t.err)
	}
}

// flush samples the fate of every message sent this tick.
func (w *World) flush() {
	for _, o := range w.state.drainOutbox() {
		ev := Event{Task: o.task, Device: o.from, Peer: o.to, Message: digestOf(o.payload)}
		if w.cfg.DropRate > 0 && w.rng.Float64() < w.cfg.DropRate {
			ev.Kind = EventDrop
			w.state.record(ev)
			w.metrics.Dropped("loss")
			continue
		}
		latency := w.cfg.Latency.Min
		if w.cfg.Latency.Max > latency {
			latency = w.rng.RandomRange(latency, w.cfg.Latency.Max+1)
		}
		m := w.net.push(message{
			task:      o.task,
			from:      o.from,
			to:        o.to,
			payload:   o.payload,
			digest:    ev.Message,
			deliverAt: w.tick + latency,
		})
		ev.Kind = EventEnqueue
		ev.DeliverAt = m.deliverAt
		w.state.record(ev)
	}
}

// Idle reports whether every task has returned, nothing is in flight and
// no participant has a timeout armed.
func (w *World) Idle() bool {
	for _, t := range w.tasks {
		if !t.done {
			return false
		}
	}
	if len(w.net.inflight) > 0 || w.state.outboxLen() > 0 {
		return false
	}
	for _, p := range w.participants {
		if !p.Scheduler.Idle() {
			return false
		}
	}
	return true
}

// RunUntilIdle steps until the world is idle. It fails with ErrTickLimit
// once MaxTicks have run.
func (w *World) RunUntilIdle(ctx context.Context) error {
	return w.RunUntil(ctx, w.Idle)
}

// RunUntil steps until done reports true.
func (w *World) RunUntil(ctx context.Context, done func() bool) error {
	for !done() {
		if w.tick >= w.cfg.MaxTicks {
			return fmt.Errorf("%w after %d ticks", ErrTickLimit, w.tick)
		}
		if err := w.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot captures the world between ticks.
func (w *World) Snapshot() Snapshot {
	s := Snapshot{
		Tick:     w.tick,
		NowMs:    w.nowMs(),
		InFlight: len(w.net.inflight),
		Ledgers:  append([]*journal.Ledger(nil), w.ledgers...),
	}
	for _, t := range w.tasks {
		s.Tasks = append(s.Tasks, TaskStatus{
			Name:    t.name,
			Device:  t.Device(),
			Done:    t.done,
			Waiting: t.waiting,
			Result:  t.result,
			Err:     t.err,
		})
	}
	return s
}

// maxUnwind bounds how often Close resumes one task.
const maxUnwind = 64

// Close cancels every task and lets each unwind. Tasks never started are
// marked done with context.Canceled.
func (w *World) Close() {
	if w.closed {
		return
	}
	w.closed = true
	w.cancel()
	for _, t := range w.tasks {
		if !t.started {
			t.done, t.err = true, context.Canceled
			continue
		}
		for i := 0; !t.done && i < maxUnwind; i++ {
			w.running = t.name
			t.resume <- struct{}{}
			<-w.yielded
		}
		w.running = ""
		if !t.done {
			w.logger.Warn("task did not unwind", "task", t.name, "waiting", t.waiting)
		}
	}
}
