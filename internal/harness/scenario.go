package harness

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Scenario defines one simulated run of an account.
// A scenario builds a world from its seed and network settings, runs its
// steps as participant tasks, and checks the per-step expectations plus the
// assertions against the resulting trace, journal and monitor.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Seed drives every random choice of the run: latency, drops, nonces
	// and key material.
	Seed uint64 `yaml:"seed"`

	// TickMs is the virtual time a tick advances. Zero uses the simulator
	// default.
	TickMs int64 `yaml:"tick_ms,omitempty"`

	// MaxTicks bounds the run. Zero uses the simulator default.
	MaxTicks uint64 `yaml:"max_ticks,omitempty"`

	// Latency is the delivery delay range in ticks.
	Latency *Latency `yaml:"latency,omitempty"`

	// DropRate is the probability in [0, 1] that a message is lost.
	DropRate float64 `yaml:"drop_rate,omitempty"`

	// Account is the bootstrapped account all participants share.
	Account AccountSpec `yaml:"account"`

	// Settings are the protocol timing parameters every node uses.
	Settings *SettingsSpec `yaml:"settings,omitempty"`

	// Byzantine assigns fault-injection fixtures to participants.
	Byzantine []FaultSpec `yaml:"byzantine,omitempty"`

	// Partitions lists participant pairs cut off from each other for the
	// whole run.
	Partitions [][]string `yaml:"partitions,omitempty"`

	// Budgets configures flow budgets before the first step.
	Budgets []BudgetSpec `yaml:"budgets,omitempty"`

	// Steps are the operations to run, in order. A step marked concurrent
	// starts together with the one before it.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace, journal state and monitor.
	// Supported types: trace_contains, trace_order, trace_count,
	// final_state, no_violations, violation
	Assertions []Assertion `yaml:"assertions"`
}

// Latency is a delivery delay range in ticks.
type Latency struct {
	Min uint64 `yaml:"min"`
	Max uint64 `yaml:"max"`
}

// AccountSpec describes the account to bootstrap. Guardians g1, g2 and g3
// always exist with guardian threshold 2.
type AccountSpec struct {
	Name      string   `yaml:"name"`
	Threshold uint16   `yaml:"threshold"`
	Devices   []string `yaml:"devices"`
}

// SettingsSpec overrides protocol timing.
type SettingsSpec struct {
	TimeoutMs       int64  `yaml:"timeout_ms,omitempty"`
	LeaseS          uint32 `yaml:"lease_s,omitempty"`
	LotteryWindowMs int64  `yaml:"lottery_window_ms,omitempty"`
}

// FaultSpec makes one participant misbehave.
type FaultSpec struct {
	// Participant is a device, guardian or stranger name.
	Participant string `yaml:"participant"`

	// Fixtures name the deviations; see Fixtures for the catalogue.
	Fixtures []string `yaml:"fixtures"`

	// DelayMs postpones the participant's answers, for the "slow" fixture.
	DelayMs int64 `yaml:"delay_ms,omitempty"`
}

// BudgetSpec sets the flow budget of one (context, peer) pair.
type BudgetSpec struct {
	Context string `yaml:"context"`
	Peer    string `yaml:"peer"`
	Limit   uint32 `yaml:"limit"`
}

// Step is one protocol operation. Which fields apply depends on Op.
type Step struct {
	// Op is one of dkd, resharing, recovery, complete_recovery, ota, sign,
	// send.
	Op string `yaml:"op"`

	// Session names the protocol session. Steps sharing a session name
	// share the session.
	Session string `yaml:"session,omitempty"`

	// Concurrent starts this step in the same batch as the previous one.
	Concurrent bool `yaml:"concurrent,omitempty"`

	// AfterMs delays the step's tasks by this much virtual time.
	AfterMs int64 `yaml:"after_ms,omitempty"`

	// Participants are the roles, coordinator first (dkd, resharing, ota).
	Participants []string `yaml:"participants,omitempty"`

	// AppLabel and Context define the derivation context (dkd).
	AppLabel string `yaml:"app_label,omitempty"`
	Context  string `yaml:"context,omitempty"`

	// NewParticipants and NewThreshold define the target group
	// (resharing). NewParticipants defaults to Participants.
	NewParticipants []string `yaml:"new_participants,omitempty"`
	NewThreshold    uint16   `yaml:"new_threshold,omitempty"`

	// NewDevice, Guardians and CooldownS define a recovery.
	NewDevice string   `yaml:"new_device,omitempty"`
	Guardians []string `yaml:"guardians,omitempty"`
	CooldownS uint32   `yaml:"cooldown_s,omitempty"`

	// Device is the single actor of complete_recovery and sign.
	Device string `yaml:"device,omitempty"`

	// Signers co-sign a threshold event together with Device (sign).
	Signers []string `yaml:"signers,omitempty"`

	// Enroll is the device a sign step tries to add.
	Enroll string `yaml:"enroll,omitempty"`

	// Upgrade and Policies define an OTA round. Install makes every role
	// that accepted the upgrade install it.
	Upgrade  *UpgradeSpec      `yaml:"upgrade,omitempty"`
	Policies map[string]string `yaml:"policies,omitempty"`
	Install  bool              `yaml:"install,omitempty"`

	// From, To and Cost define a guarded send.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`
	Cost uint32 `yaml:"cost,omitempty"`

	// Expect checks the roles' outcomes.
	// If nil, no validation is performed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// UpgradeSpec is the proposal of an OTA step.
type UpgradeSpec struct {
	Version         string `yaml:"version"`
	Kind            string `yaml:"kind"`
	Severity        string `yaml:"severity,omitempty"`
	ActivationEpoch uint64 `yaml:"activation_epoch,omitempty"`

	// Current is the version participants run before the round, 1.0.0 when
	// empty.
	Current string `yaml:"current,omitempty"`

	// Readiness is how many adopters the round needs, a majority when zero.
	Readiness int `yaml:"readiness,omitempty"`
}

// Expect specifies the outcome of a step's roles.
type Expect struct {
	// Outcome is "ok" or a lower-case error code such as "byzantine" or
	// "insufficient_flow". It applies to every role not listed in Roles.
	Outcome string `yaml:"outcome,omitempty"`

	// Roles overrides Outcome per participant.
	Roles map[string]string `yaml:"roles,omitempty"`

	// Accused lists the participants every role expected to fail with
	// "byzantine" must accuse.
	Accused []string `yaml:"accused,omitempty"`

	// Detail must appear in the error of every failing checked role.
	Detail string `yaml:"detail,omitempty"`

	// Agree requires every successful role to report the same result.
	Agree bool `yaml:"agree,omitempty"`

	// Status is the expected upgrade status per participant (ota).
	Status map[string]string `yaml:"status,omitempty"`
}

// Assertion validates trace, final state or monitor findings.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event matching the selector occurs
	// - "trace_order": the selected journal events first occur in order
	// - "trace_count": exactly Count events match the selector
	// - "final_state": a row of a state table has the expected fields
	// - "no_violations": the monitor found nothing
	// - "violation": the monitor reported Property
	Type string `yaml:"type"`

	// Selector fields (trace_contains, trace_count). Kind defaults to
	// "journal" when Event is set.
	Kind        string `yaml:"kind,omitempty"`
	Event       string `yaml:"event,omitempty"`
	Command     string `yaml:"command,omitempty"`
	Participant string `yaml:"participant,omitempty"`

	// Events is the expected journal event order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of matches (trace_count).
	Count int `yaml:"count,omitempty"`

	// Table is the state table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where selects exactly one row (final_state).
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected field values (final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Property is the monitor property name (violation).
	Property string `yaml:"property,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertNoViolations  = "no_violations"
	AssertViolation     = "violation"
)

// Step operations.
const (
	OpDkd              = "dkd"
	OpResharing        = "resharing"
	OpRecovery         = "recovery"
	OpCompleteRecovery = "complete_recovery"
	OpOTA              = "ota"
	OpSign             = "sign"
	OpSend             = "send"
)

var (
	schemaOnce  sync.Once
	schemaValue cue.Value
	schemaErr   error
)

// schema compiles the embedded CUE definition of a scenario once.
func schema() (cue.Value, error) {
	schemaOnce.Do(func() {
		v := cuecontext.New().CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile scenario schema: %w", err)
			return
		}
		schemaValue = v.LookupPath(cue.ParsePath("#Scenario"))
		schemaErr = schemaValue.Err()
	})
	return schemaValue, schemaErr
}

// ValidateSchema checks raw scenario YAML against the embedded CUE schema.
func ValidateSchema(data []byte) error {
	s, err := schema()
	if err != nil {
		return err
	}
	if err := cueyaml.Validate(data, s); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, violates the
// schema, contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return s, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := ValidateSchema(data); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks what the schema cannot: that steps name known
// participants and carry the fields their operation needs.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Account.Devices) == 0 {
		return fmt.Errorf("account.devices is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Steps) > 0 && s.Steps[0].Concurrent {
		return fmt.Errorf("steps[0]: the first step cannot be concurrent")
	}
	if s.Latency != nil && s.Latency.Max < s.Latency.Min {
		return fmt.Errorf("latency: max %d below min %d", s.Latency.Max, s.Latency.Min)
	}

	for i, f := range s.Byzantine {
		for _, name := range f.Fixtures {
			if _, ok := Fixtures[name]; !ok {
				return fmt.Errorf("byzantine[%d]: unknown fixture %q", i, name)
			}
		}
	}
	for i, p := range s.Partitions {
		if len(p) != 2 || p[0] == p[1] {
			return fmt.Errorf("partitions[%d]: want two distinct participants", i)
		}
	}

	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its operation.
func validateStep(index int, st *Step) error {
	need := func(ok bool, what string) error {
		if !ok {
			return fmt.Errorf("steps[%d]: %s is required for %s", index, what, st.Op)
		}
		return nil
	}
	var err error
	switch st.Op {
	case OpDkd:
		if err = need(st.Session != "", "session"); err == nil {
			err = need(len(st.Participants) >= 2, "participants (two or more)")
		}
	case OpResharing:
		if err = need(st.Session != "", "session"); err == nil {
			err = need(len(st.Participants) >= 2, "participants (two or more)")
		}
		if err == nil {
			err = need(st.NewThreshold > 0, "new_threshold")
		}
	case OpRecovery:
		if err = need(st.Session != "", "session"); err == nil {
			err = need(st.NewDevice != "", "new_device")
		}
		if err == nil {
			err = need(len(st.Guardians) > 0, "guardians")
		}
	case OpCompleteRecovery:
		if err = need(st.Session != "", "session"); err == nil {
			err = need(st.Device != "", "device")
		}
	case OpOTA:
		if err = need(st.Session != "", "session"); err == nil {
			err = need(len(st.Participants) >= 2, "participants (two or more)")
		}
		if err == nil {
			err = need(st.Upgrade != nil, "upgrade")
		}
	case OpSign:
		if err = need(st.Device != "", "device"); err == nil {
			err = need(st.Enroll != "", "enroll")
		}
	case OpSend:
		if err = need(st.From != "" && st.To != "", "from and to"); err == nil {
			err = need(st.Context != "", "context")
		}
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	return err
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" && a.Kind == "" {
			return fmt.Errorf("assertions[%d]: event or kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) < 2 {
			return fmt.Errorf("assertions[%d]: events list of two or more is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" && a.Kind == "" {
			return fmt.Errorf("assertions[%d]: event or kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if _, ok := stateTables[a.Table]; !ok {
			return fmt.Errorf("assertions[%d]: unknown table %q", index, a.Table)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertNoViolations:
	case AssertViolation:
		if a.Property == "" {
			return fmt.Errorf("assertions[%d]: property is required for violation", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
