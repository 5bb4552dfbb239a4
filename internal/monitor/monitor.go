package monitor

import (
	"log/slog"
	"slices"

	"github.com/roach88/aura/internal/metrics"
	"github.com/roach88/aura/internal/sim"
)

// Monitor evaluates properties against a run. It implements sim.Observer.
type Monitor struct {
	props   []Property
	logger  *slog.Logger
	metrics *metrics.Metrics

	history    sim.Trace
	last       sim.Snapshot
	violations []Violation
	reported   map[string]struct{}
	finished   bool
}

var _ sim.Observer = (*Monitor)(nil)

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

// WithMetrics counts violations.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

// WithProperties registers properties in addition to any given later.
func WithProperties(p ...Property) Option {
	return func(m *Monitor) { m.props = append(m.props, p...) }
}

// New builds a monitor. Without WithProperties it checks the built-ins.
func New(opts ...Option) *Monitor {
	m := &Monitor{logger: slog.Default(), reported: map[string]struct{}{}}
	for _, opt := range opts {
		opt(m)
	}
	if m.props == nil {
		m.props = Builtins()
	}
	return m
}

// Register adds properties.
func (m *Monitor) Register(p ...Property) { m.props = append(m.props, p...) }

// Properties lists the registered property names.
func (m *Monitor) Properties() []string {
	out := make([]string, len(m.props))
	for i, p := range m.props {
		out[i] = p.Name()
	}
	return out
}

// Observe checks every property against one tick.
func (m *Monitor) Observe(events sim.Trace, snap sim.Snapshot) {
	m.history = append(m.history, events...)
	m.last = snap
	m.step(Step{Tick: snap.Tick, Events: events, History: m.history, Snapshot: snap})
}

// Finish takes the closing step, which settles Eventually and Until
// properties, and returns every violation. Later calls only return them.
func (m *Monitor) Finish() []Violation {
	if !m.finished {
		m.finished = true
		m.step(Step{Tick: m.last.Tick, History: m.history, Snapshot: m.last, Final: true})
	}
	return m.Violations()
}

// Check evaluates a recorded trace offline as if it were a single tick
// followed by the end of the run.
func (m *Monitor) Check(trace sim.Trace, snap sim.Snapshot) []Violation {
	m.Observe(trace, snap)
	return m.Finish()
}

func (m *Monitor) step(s Step) {
	for _, p := range m.props {
		for _, v := range p.Check(s) {
			key := v.Property + "\x00" + v.Detail + "\x00" + v.State
			if _, dup := m.reported[key]; dup {
				continue
			}
			m.reported[key] = struct{}{}
			m.violations = append(m.violations, v)
			m.metrics.Violation(v.Property, v.Severity.String())
			m.logger.Warn("property violated",
				"property", v.Property,
				"severity", v.Severity.String(),
				"tick", v.DetectedAt,
				"detail", v.Detail)
		}
	}
}

// Violations returns what has been detected so far.
func (m *Monitor) Violations() []Violation { return slices.Clone(m.violations) }

// Worst is the highest severity detected, zero when there is none.
func (m *Monitor) Worst() Severity {
	var worst Severity
	for _, v := range m.violations {
		worst = max(worst, v.Severity)
	}
	return worst
}
