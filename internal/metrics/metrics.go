// Package metrics holds the Prometheus counters of an Aura node. A nil
// *Metrics is valid and records nothing, so tests and the simulator can
// leave it out.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the guard chain, transport and
// protocols.
type Metrics struct {
	// Guard decisions by outcome ("authorized" or the denial code)
	GuardDecisions *prometheus.CounterVec

	// Flow budget units charged by successful guards
	BudgetCharged prometheus.Counter

	// Envelopes handed to the transport
	EnvelopesSent prometheus.Counter

	// Envelopes dropped by reason: "malformed", "duplicate", "sender", "partition", "loss"
	EnvelopesDropped *prometheus.CounterVec

	// Protocol runs by protocol and outcome
	ProtocolOutcomes *prometheus.CounterVec

	// Roles accused of Byzantine behavior by protocol
	ByzantineAccusations *prometheus.CounterVec

	// Simulator ticks executed
	SimTicks prometheus.Counter

	// Property monitor violations by property and severity
	PropertyViolations *prometheus.CounterVec
}

// New registers all metrics on reg. Pass prometheus.NewRegistry() in tests
// so repeated construction does not collide on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GuardDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aura_guard_decisions_total",
			Help: "Send-guard evaluations by outcome",
		}, []string{"outcome"}),

		BudgetCharged: f.NewCounter(prometheus.CounterOpts{
			Name: "aura_flow_budget_charged_total",
			Help: "Flow budget units charged by the guard chain",
		}),

		EnvelopesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "aura_envelopes_sent_total",
			Help: "Envelopes handed to the transport",
		}),

		EnvelopesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aura_envelopes_dropped_total",
			Help: "Envelopes discarded before delivery by reason",
		}, []string{"reason"}),

		ProtocolOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aura_protocol_outcomes_total",
			Help: "Protocol runs by protocol and outcome",
		}, []string{"protocol", "outcome"}),

		ByzantineAccusations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aura_byzantine_accusations_total",
			Help: "Roles accused of Byzantine behavior",
		}, []string{"protocol"}),

		SimTicks: f.NewCounter(prometheus.CounterOpts{
			Name: "aura_sim_ticks_total",
			Help: "Virtual ticks executed by the simulator",
		}),

		PropertyViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aura_property_violations_total",
			Help: "Property monitor violations by property and severity",
		}, []string{"property", "severity"}),
	}
}

// GuardDecision records one guard evaluation.
func (m *Metrics) GuardDecision(outcome string) {
	if m != nil {
		m.GuardDecisions.WithLabelValues(outcome).Inc()
	}
}

// Charged records a budget charge.
func (m *Metrics) Charged(cost uint32) {
	if m != nil {
		m.BudgetCharged.Add(float64(cost))
	}
}

// Sent records an envelope handed to the transport.
func (m *Metrics) Sent() {
	if m != nil {
		m.EnvelopesSent.Inc()
	}
}

// Dropped records a discarded envelope.
func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.EnvelopesDropped.WithLabelValues(reason).Inc()
	}
}

// ProtocolOutcome records how a protocol run ended.
func (m *Metrics) ProtocolOutcome(protocol, outcome string) {
	if m != nil {
		m.ProtocolOutcomes.WithLabelValues(protocol, outcome).Inc()
	}
}

// Accused records accusations raised by a protocol run.
func (m *Metrics) Accused(protocol string, n int) {
	if m != nil && n > 0 {
		m.ByzantineAccusations.WithLabelValues(protocol).Add(float64(n))
	}
}

// Tick records one simulator tick.
func (m *Metrics) Tick() {
	if m != nil {
		m.SimTicks.Inc()
	}
}

// Violation records a property violation.
func (m *Metrics) Violation(property, severity string) {
	if m != nil {
		m.PropertyViolations.WithLabelValues(property, severity).Inc()
	}
}
