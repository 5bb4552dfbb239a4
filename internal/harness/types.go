package harness

import (
	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/monitor"
	"github.com/roach88/aura/internal/sim"
)

// OutcomeOK is the outcome of a role that returned without error.
const OutcomeOK = "ok"

// RoleOutcome is how one participant's task in a step ended.
type RoleOutcome struct {
	Participant string `json:"participant"`
	Task        string `json:"task"`

	// Outcome is "ok" or the lower-case error code.
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`

	// Accused names the participants a Byzantine failure blamed.
	Accused []string `json:"accused,omitempty"`

	// Status is the upgrade status an OTA role ended in.
	Status string `json:"status,omitempty"`

	// Fingerprint identifies the role's result for agreement checks.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Value is the raw value the task returned.
	Value any `json:"-"`
}

// StepResult collects the roles of one step.
type StepResult struct {
	Index   int           `json:"index"`
	Op      string        `json:"op"`
	Session string        `json:"session,omitempty"`
	Roles   []RoleOutcome `json:"roles"`
}

// Role returns the outcome of participant, if it took part.
func (s StepResult) Role(participant string) (RoleOutcome, bool) {
	for _, r := range s.Roles {
		if r.Participant == participant {
			return r, true
		}
	}
	return RoleOutcome{}, false
}

// Result is the outcome of a scenario run.
type Result struct {
	Scenario string `json:"scenario"`
	Seed     uint64 `json:"seed"`

	// Pass indicates overall success.
	// True if every expectation and assertion held.
	Pass bool `json:"pass"`

	Steps []StepResult `json:"steps"`

	// Trace is the simulator's full event trace.
	Trace sim.Trace `json:"trace"`

	// Digest fingerprints the trace; equal seeds give equal digests.
	Digest canonical.Hash `json:"digest"`

	// Ticks is how long the run took in simulator ticks.
	Ticks uint64 `json:"ticks"`

	// Violations are the monitor's findings.
	Violations []monitor.Violation `json:"violations,omitempty"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the account state the run ended in.
	State *journal.AccountState `json:"-"`

	// Events is the account log the run ended with.
	Events []journal.Event `json:"-"`

	// names, sessions and contexts map ids back to scenario names.
	names    map[string]string
	sessions map[string]string
	contexts map[string]string

	// flows are the budgets the run configured or charged.
	flows  []flowKey
	ledger *journal.Ledger
}

// flowKey names one flow budget by scenario names.
type flowKey struct{ context, peer string }

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult(scenario string, seed uint64) *Result {
	return &Result{
		Scenario: scenario,
		Seed:     seed,
		Pass:     true,
		Errors:   []string{},
		names:    map[string]string{},
		sessions: map[string]string{},
		contexts: map[string]string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Step returns the result of the step at index.
func (r *Result) Step(index int) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Index == index {
			return s, true
		}
	}
	return StepResult{}, false
}

// addFlow records a budget for the budgets table.
func (r *Result) addFlow(context, peer string) {
	k := flowKey{context, peer}
	for _, f := range r.flows {
		if f == k {
			return
		}
	}
	r.flows = append(r.flows, k)
}

// NameOf returns the participant name behind a device id string, or the
// id itself when no participant has it.
func (r *Result) NameOf(device string) string {
	if n, ok := r.names[device]; ok {
		return n
	}
	return device
}

func nameOr(m map[string]string, id string) string {
	if n, ok := m[id]; ok {
		return n
	}
	return id
}
