package harness

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/sim"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string    // Assertion type for categorization
	Expected string    // Human-readable expected outcome
	Actual   string    // Human-readable actual outcome
	Trace    sim.Trace // Matching trace excerpt, if any
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nJournal trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  %s\n", ev)
		}
	}
	return buf.String()
}

// selector picks trace events. Kind defaults to journal when Event is set.
type selector struct {
	kind        sim.EventKind
	event       string
	command     string
	participant string
}

func selectorOf(a Assertion) selector {
	s := selector{kind: sim.EventKind(a.Kind), event: a.Event, command: a.Command, participant: a.Participant}
	if s.kind == "" && s.event != "" {
		s.kind = sim.EventJournal
	}
	return s
}

func (s selector) String() string {
	var parts []string
	if s.kind != "" {
		parts = append(parts, "kind="+string(s.kind))
	}
	if s.event != "" {
		parts = append(parts, "event="+s.event)
	}
	if s.command != "" {
		parts = append(parts, "command="+s.command)
	}
	if s.participant != "" {
		parts = append(parts, "participant="+s.participant)
	}
	return strings.Join(parts, " ")
}

func (s selector) match(res *Result, e sim.Event) bool {
	if s.kind != "" && e.Kind != s.kind {
		return false
	}
	if s.event != "" && (e.Journal == nil || string(e.Journal.Kind) != s.event) {
		return false
	}
	if s.command != "" && string(e.Command) != s.command {
		return false
	}
	if s.participant != "" && res.NameOf(actor(e).String()) != s.participant {
		return false
	}
	return true
}

// actor is the device an event belongs to: the author of a journal event,
// otherwise the acting device.
func actor(e sim.Event) ids.DeviceID {
	if e.Device.IsZero() && e.Journal != nil {
		return e.Journal.Author
	}
	return e.Device
}

// assertTraceContains checks that some event matches the selector.
func assertTraceContains(res *Result, a Assertion) error {
	sel := selectorOf(a)
	for _, e := range res.Trace {
		if sel.match(res, e) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: sel.String(),
		Actual:   "not found in trace",
		Trace:    res.Trace.Filter(sim.EventJournal),
	}
}

// assertTraceOrder checks that journal events first appear in the listed
// order. Events need not be consecutive.
func assertTraceOrder(res *Result, a Assertion) error {
	positions := make(map[string]int)
	for i, e := range res.Trace {
		if e.Journal == nil {
			continue
		}
		k := string(e.Journal.Kind)
		if _, seen := positions[k]; !seen {
			positions[k] = i + 1
		}
	}

	for _, k := range a.Events {
		if positions[k] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event: %s", k),
				Trace:    res.Trace.Filter(sim.EventJournal),
			}
		}
	}
	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: res.Trace.Filter(sim.EventJournal),
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count events match the selector.
func assertTraceCount(res *Result, a Assertion) error {
	sel := selectorOf(a)
	count := 0
	for _, e := range res.Trace {
		if sel.match(res, e) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, sel),
			Actual:   fmt.Sprintf("%d occurrences", count),
		}
	}
	return nil
}

// row is one record of a state table.
type row map[string]interface{}

// stateTables project the final account state into flat rows, keyed by
// scenario names rather than ids.
var stateTables = map[string]func(ctx context.Context, res *Result) ([]row, error){
	"account":    accountRows,
	"budgets":    budgetRows,
	"sessions":   sessionRows,
	"recoveries": recoveryRows,
	"dkd":        dkdRows,
	"locks":      lockRows,
}

func accountRows(_ context.Context, res *Result) ([]row, error) {
	st := res.State
	return []row{{
		"threshold":          int64(st.Threshold),
		"guardian_threshold": int64(st.GuardianThreshold),
		"devices":            int64(len(st.ActiveDevices())),
		"guardians":          int64(len(st.Guardians)),
		"lamport":            int64(st.Lamport),
		"session_epoch":      int64(st.SessionEpoch),
		"group_key":          len(st.GroupPublicKey) > 0,
	}}, nil
}

func budgetRows(ctx context.Context, res *Result) ([]row, error) {
	out := make([]row, 0, len(res.flows))
	for _, f := range res.flows {
		b, err := res.ledger.GetFlowBudget(ctx, ids.NamedContext(f.context), res.deviceOf(f.peer))
		if err != nil {
			return nil, err
		}
		out = append(out, row{
			"context": f.context,
			"peer":    f.peer,
			"limit":   int64(b.Limit),
			"spent":   int64(b.Spent),
			"epoch":   int64(b.Epoch),
		})
	}
	return out, nil
}

func sessionRows(_ context.Context, res *Result) ([]row, error) {
	out := make([]row, 0, len(res.State.Sessions))
	for id, s := range res.State.Sessions {
		out = append(out, row{
			"session": nameOr(res.sessions, id.String()),
			"kind":    string(s.Kind),
			"status":  string(s.Status),
			"reason":  s.Reason,
			"roles":   int64(len(s.Participants)),
		})
	}
	return out, nil
}

func recoveryRows(_ context.Context, res *Result) ([]row, error) {
	out := make([]row, 0, len(res.State.Recoveries))
	for id, rec := range res.State.Recoveries {
		var elapsed int64
		if rec.CompletedAt > 0 {
			elapsed = rec.CompletedAt - rec.InitiatedAt
		}
		out = append(out, row{
			"session":    nameOr(res.sessions, id.String()),
			"new_device": res.NameOf(rec.NewDevice.String()),
			"completed":  rec.CompletedAt > 0,
			"approvals":  int64(len(rec.Approvals)),
			"shares":     int64(len(rec.Shares)),
			"required":   int64(rec.Required),
			"cooldown_s": int64(rec.CooldownS),
			"elapsed_ms": elapsed,
		})
	}
	return out, nil
}

func dkdRows(_ context.Context, res *Result) ([]row, error) {
	finalized := map[ids.SessionID]bool{}
	for _, k := range res.State.DerivedKeys {
		finalized[k.Session] = true
	}
	out := make([]row, 0, len(res.State.Dkd))
	for id, d := range res.State.Dkd {
		out = append(out, row{
			"session":     nameOr(res.sessions, id.String()),
			"commitments": int64(len(d.Commitments)),
			"reveals":     int64(len(d.Reveals)),
			"finalized":   finalized[id],
		})
	}
	return out, nil
}

func lockRows(_ context.Context, res *Result) ([]row, error) {
	out := make([]row, 0, len(res.State.Locks))
	for op, l := range res.State.Locks {
		out = append(out, row{
			"operation": string(op),
			"session":   nameOr(res.sessions, l.Session.String()),
			"holder":    res.NameOf(l.Holder.String()),
			"lease_s":   int64(l.LeaseS),
		})
	}
	return out, nil
}

// deviceOf resolves a participant name to its device id.
func (r *Result) deviceOf(name string) ids.DeviceID {
	for id, n := range r.names {
		if n == name {
			if d, err := ids.ParseDevice(id); err == nil {
				return d
			}
		}
	}
	return ids.NamedDevice(name)
}

// assertFinalState checks that exactly one row of the table matches Where
// and that it holds the Expect values. Only fields in Expect are checked.
func assertFinalState(ctx context.Context, res *Result, a Assertion) error {
	table, ok := stateTables[a.Table]
	if !ok {
		return fmt.Errorf("unknown state table %q", a.Table)
	}
	rows, err := table(ctx, res)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("read table %s", a.Table),
			Actual:   fmt.Sprintf("error: %v", err),
		}
	}

	var matched []row
	for _, r := range rows {
		if rowMatches(r, a.Where) {
			matched = append(matched, r)
		}
	}
	whereDesc := formatWhereClause(a.Where)
	switch len(matched) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, whereDesc),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actual := matched[0]
	for _, key := range sortedKeys(a.Expect) {
		want := a.Expect[key]
		got, exists := actual[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in columns: %v", key, sortedKeys(actual)),
			}
		}
		if !stateValuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, want, want),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, got, got),
			}
		}
	}
	return nil
}

func rowMatches(r row, where map[string]interface{}) bool {
	for k, want := range where {
		got, ok := r[k]
		if !ok || !stateValuesEqual(want, got) {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatWhereClause creates a human-readable description of row conditions.
func formatWhereClause(where map[string]interface{}) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares a value decoded from scenario YAML with a state
// table value. Table integers are int64; YAML numbers arrive as int or
// float64.
func stateValuesEqual(expected, actual interface{}) bool {
	if expected == nil && actual == nil {
		return true
	}
	if expected == nil || actual == nil {
		return false
	}

	switch exp := expected.(type) {
	case string:
		if actualStr, ok := actual.(string); ok {
			return exp == actualStr
		}
		return false
	case int:
		if actualInt, ok := actual.(int64); ok {
			return int64(exp) == actualInt
		}
		return false
	case int64:
		if actualInt, ok := actual.(int64); ok {
			return exp == actualInt
		}
		return false
	case uint64:
		if actualInt, ok := actual.(int64); ok {
			return actualInt >= 0 && exp == uint64(actualInt)
		}
		return false
	case float64:
		if actualInt, ok := actual.(int64); ok {
			return exp == float64(actualInt)
		}
		return false
	case bool:
		if actualBool, ok := actual.(bool); ok {
			return exp == actualBool
		}
		return false
	}

	return reflect.DeepEqual(expected, actual)
}

// assertNoViolations checks that the monitor found nothing.
func assertNoViolations(res *Result, _ Assertion) error {
	if len(res.Violations) == 0 {
		return nil
	}
	found := make([]string, len(res.Violations))
	for i, v := range res.Violations {
		found[i] = v.String()
	}
	return &AssertionError{
		Type:     AssertNoViolations,
		Expected: "no property violations",
		Actual:   strings.Join(found, "; "),
	}
}

// assertViolation checks that the monitor reported the property.
func assertViolation(res *Result, a Assertion) error {
	for _, v := range res.Violations {
		if v.Property == a.Property {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertViolation,
		Expected: fmt.Sprintf("violation of %s", a.Property),
		Actual:   fmt.Sprintf("%d violations, none of %s", len(res.Violations), a.Property),
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result, assertion)
		case AssertFinalState:
			err = assertFinalState(ctx, result, assertion)
		case AssertNoViolations:
			err = assertNoViolations(result, assertion)
		case AssertViolation:
			err = assertViolation(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
