package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/metrics"
	"github.com/roach88/aura/internal/monitor"
	"github.com/roach88/aura/internal/protocol"
	"github.com/roach88/aura/internal/sim"
	"github.com/roach88/aura/internal/testutil"
)

// Option tunes how a scenario runs without changing its outcome.
type Option func(*runner)

// WithLogger sets the logger handed to the world, nodes and monitor.
func WithLogger(l *slog.Logger) Option { return func(r *runner) { r.logger = l } }

// WithMetrics records simulator, protocol and monitor metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(r *runner) { r.metrics = m } }

// WithSettings sets the protocol settings a scenario's own settings
// override.
func WithSettings(s protocol.Settings) Option { return func(r *runner) { r.base = s } }

// WithObserver attaches another observer to the world, after the monitor.
func WithObserver(o sim.Observer) Option {
	return func(r *runner) { r.observers = append(r.observers, o) }
}

// WithLedger passes options to the account ledger, such as a persister
// that keeps the run's log. onGenesis, when set, sees the genesis before
// the first event is appended.
func WithLedger(onGenesis func(journal.Genesis) error, opts ...journal.LedgerOption) Option {
	return func(r *runner) {
		r.onAccount = onGenesis
		r.ledgerOpts = append(r.ledgerOpts, opts...)
	}
}

// runner holds one scenario run.
type runner struct {
	s         *Scenario
	logger    *slog.Logger
	metrics   *metrics.Metrics
	observers []sim.Observer

	ledgerOpts []journal.LedgerOption
	onAccount  func(journal.Genesis) error

	acct     *testutil.Account
	world    *sim.World
	monitor  *monitor.Monitor
	base     protocol.Settings
	settings protocol.Settings
	result   *Result
	secret   *crypto.Scalar
}

// spawned is one task a step started.
type spawned struct {
	participant string
	task        *sim.Task
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh world over a fresh account. All randomness
// flows from the scenario seed, so two runs of the same scenario produce
// the same trace.
//
// Execution flow:
// 1. Bootstrap the account and build the world with the scenario's faults
// 2. Apply flow budgets and partitions
// 3. Run the steps batch by batch until the world settles
// 4. Check each step's expectations
// 5. Settle the monitor and evaluate the assertions
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	r := &runner{s: scenario, logger: slog.Default(), base: protocol.DefaultSettings}
	for _, opt := range opts {
		opt(r)
	}

	r.acct = testutil.BuildAccount(scenario.Account.Name, scenario.Account.Threshold, scenario.Account.Devices, r.ledgerOpts...)
	if r.onAccount != nil {
		if err := r.onAccount(r.acct.Genesis); err != nil {
			return nil, fmt.Errorf("failed to record genesis: %w", err)
		}
	}
	cfg := sim.Config{
		Seed:      scenario.Seed,
		TickMs:    scenario.TickMs,
		DropRate:  scenario.DropRate,
		MaxTicks:  scenario.MaxTicks,
		Byzantine: scenario.faults(),
		Logger:    r.logger,
		Metrics:   r.metrics,
	}
	if scenario.Latency != nil {
		cfg.Latency = sim.Latency{Min: scenario.Latency.Min, Max: scenario.Latency.Max}
	}
	w, err := sim.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build world: %w", err)
	}
	defer w.Close()
	r.world = w
	r.monitor = monitor.New(monitor.WithLogger(r.logger), monitor.WithMetrics(r.metrics))
	w.Observe(r.monitor)
	for _, o := range r.observers {
		w.Observe(o)
	}
	r.settings = scenario.settings(r.base)
	r.result = NewResult(scenario.Name, scenario.Seed)

	if err := r.setup(ctx); err != nil {
		return nil, fmt.Errorf("failed to set up scenario: %w", err)
	}

	for _, batch := range scenario.batches() {
		if err := r.runBatch(ctx, batch); err != nil {
			return nil, err
		}
	}

	res := r.result
	res.Violations = r.monitor.Finish()
	res.Trace = w.Trace()
	res.Ticks = w.Tick()
	res.State = r.acct.Ledger.State()
	res.Events = r.acct.Ledger.Events()
	res.ledger = r.acct.Ledger
	if res.Digest, err = res.Trace.Digest(); err != nil {
		return nil, fmt.Errorf("failed to digest trace: %w", err)
	}
	for _, msg := range EvaluateAssertions(ctx, res, scenario.Assertions) {
		res.AddError(msg)
	}

	r.logger.Info("scenario finished",
		"scenario", scenario.Name,
		"pass", res.Pass,
		"ticks", res.Ticks,
		"events", len(res.Trace),
		"violations", len(res.Violations))
	return res, nil
}

// settings applies the scenario's overrides to base.
func (s *Scenario) settings(base protocol.Settings) protocol.Settings {
	out := base
	if s.Settings == nil {
		return out
	}
	if s.Settings.TimeoutMs > 0 {
		out.Timeout = time.Duration(s.Settings.TimeoutMs) * time.Millisecond
	}
	if s.Settings.LeaseS > 0 {
		out.LeaseS = s.Settings.LeaseS
	}
	if s.Settings.LotteryWindowMs > 0 {
		out.LotteryWindowMs = s.Settings.LotteryWindowMs
	}
	return out
}

// batches groups step indexes: a concurrent step joins the batch before it.
func (s *Scenario) batches() [][]int {
	var out [][]int
	for i, st := range s.Steps {
		if st.Concurrent && len(out) > 0 {
			out[len(out)-1] = append(out[len(out)-1], i)
			continue
		}
		out = append(out, []int{i})
	}
	return out
}

// setup adds the participants the scenario names up front and applies
// budgets and partitions.
func (r *runner) setup(ctx context.Context) error {
	for _, name := range r.s.Account.Devices {
		if _, err := r.participant(name); err != nil {
			return err
		}
	}
	for i, b := range r.s.Budgets {
		cid := r.context(b.Context)
		p, err := r.participant(b.Peer)
		if err != nil {
			return fmt.Errorf("budgets[%d]: %w", i, err)
		}
		r.result.addFlow(b.Context, b.Peer)
		if _, err := r.acct.Ledger.UpdateFlowBudget(ctx, cid, p.Device, journal.FlowBudget{Limit: b.Limit}); err != nil {
			return fmt.Errorf("budgets[%d]: %w", i, err)
		}
	}
	for i, pair := range r.s.Partitions {
		a, err := r.participant(pair[0])
		if err != nil {
			return fmt.Errorf("partitions[%d]: %w", i, err)
		}
		b, err := r.participant(pair[1])
		if err != nil {
			return fmt.Errorf("partitions[%d]: %w", i, err)
		}
		r.world.Partition(a.Device, b.Device)
	}
	return nil
}

// runBatch spawns every step of a batch, runs the world until it settles
// and records the outcomes.
func (r *runner) runBatch(ctx context.Context, batch []int) error {
	started := make(map[int][]spawned, len(batch))
	for _, i := range batch {
		tasks, err := r.spawnStep(i)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, r.s.Steps[i].Op, err)
		}
		started[i] = tasks
	}

	err := r.world.RunUntilIdle(ctx)
	switch {
	case errors.Is(err, sim.ErrTickLimit):
		r.result.AddError(fmt.Sprintf("steps %v did not settle within %d ticks", stepNumbers(batch), r.world.Config().MaxTicks))
	case err != nil:
		return fmt.Errorf("failed to run steps %v: %w", stepNumbers(batch), err)
	}

	for _, i := range batch {
		st := r.s.Steps[i]
		sr := StepResult{Index: i, Op: st.Op, Session: st.Session}
		for _, sp := range started[i] {
			sr.Roles = append(sr.Roles, r.outcome(sp))
		}
		r.result.Steps = append(r.result.Steps, sr)
		for _, msg := range r.checkExpect(st, sr) {
			r.result.AddError(msg)
		}
		r.logger.Info("step completed",
			"step", i+1,
			"op", st.Op,
			"session", st.Session,
			"roles", len(sr.Roles))
	}
	return nil
}

func stepNumbers(batch []int) []int {
	out := make([]int, len(batch))
	for i, idx := range batch {
		out[i] = idx + 1
	}
	return out
}

// participant returns the simulated participant called name, adding it on
// first use. Account devices keep their ids, guardians use their guardian
// id, and any other name is a device the account does not know yet.
func (r *runner) participant(name string) (*sim.Participant, error) {
	if p, ok := r.world.Participant(name); ok {
		return p, nil
	}
	device := r.device(name)
	p, err := r.world.AddParticipant(name, device, r.acct.Ledger)
	if err != nil {
		return nil, err
	}
	r.result.names[device.String()] = name
	return p, nil
}

func (r *runner) device(name string) ids.DeviceID {
	if d, ok := r.acct.Devices[name]; ok {
		return d
	}
	if g, ok := r.acct.Guardians[name]; ok {
		return ids.DeviceID(g)
	}
	return ids.NamedDevice(name)
}

// author is the journal author of a device name, enrolled or not.
func (r *runner) author(name string) journal.Author {
	if _, ok := r.acct.Devices[name]; ok {
		return r.acct.Author(name)
	}
	return r.acct.Stranger(name)
}

func (r *runner) guardian(name string) (journal.GuardianAuthor, error) {
	if _, ok := r.acct.Guardians[name]; !ok {
		return journal.GuardianAuthor{}, fmt.Errorf("%q is not a guardian of the account", name)
	}
	return r.acct.Guardian(name), nil
}

func (r *runner) devices(names []string) []ids.DeviceID {
	out := make([]ids.DeviceID, len(names))
	for i, n := range names {
		out[i] = r.device(n)
	}
	return out
}

func (r *runner) session(name string) ids.SessionID {
	id := ids.NamedSession(name)
	r.result.sessions[id.String()] = name
	return id
}

func (r *runner) context(name string) ids.ContextID {
	id := ids.NamedContext(name)
	r.result.contexts[id.String()] = name
	return id
}
