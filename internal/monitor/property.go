// Package monitor checks properties of simulated runs. A Monitor observes a
// sim.World tick by tick, never touching it, and reports every violation
// with the trace entries that show it.
package monitor

import (
	"fmt"
	"strings"

	"github.com/roach88/aura/internal/sim"
)

// Severity ranks a violation.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity reads a severity name.
func ParseSeverity(name string) (Severity, error) {
	for s, n := range severityNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Kind is the class of a property.
type Kind string

const (
	KindInvariant Kind = "invariant"
	KindTemporal  Kind = "temporal"
	KindSafety    Kind = "safety"
)

// Violation is one detected failure of a property.
type Violation struct {
	Property string   `json:"property"`
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	// Confidence is 1 when the evidence proves the violation and lower
	// when it is inferred from the run ending first.
	Confidence float64   `json:"confidence"`
	DetectedAt uint64    `json:"detected_at"`
	State      string    `json:"state,omitempty"`
	Detail     string    `json:"detail"`
	Evidence   sim.Trace `json:"evidence,omitempty"`
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s at tick %d: %s", v.Severity, v.Property, v.DetectedAt, v.Detail)
}

// Step is what a property sees of one tick.
type Step struct {
	Tick uint64
	// Events were recorded during the tick.
	Events sim.Trace
	// History is every entry so far, Events included.
	History  sim.Trace
	Snapshot sim.Snapshot
	// Final marks the closing step taken by Monitor.Finish.
	Final bool
}

// Property is checked once per step. Properties may keep state across
// steps, so each Monitor needs its own instances.
type Property interface {
	Name() string
	Check(s Step) []Violation
}

// Predicate evaluates a condition on a step and describes the state it
// saw.
type Predicate func(s Step) (bool, string)
