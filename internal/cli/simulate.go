package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/aura/internal/harness"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/metrics"
	"github.com/roach88/aura/internal/store"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Database string // persist the account log of a single scenario
	Parallel int    // scenarios run at once
	Trace    bool   // print the full trace
	Metrics  bool   // print counter totals
}

// ScenarioOutcome is the JSON form of one scenario run.
type ScenarioOutcome struct {
	Name       string               `json:"name"`
	Path       string               `json:"path,omitempty"`
	Pass       bool                 `json:"pass"`
	Seed       uint64               `json:"seed,omitempty"`
	Ticks      uint64               `json:"ticks,omitempty"`
	Digest     string               `json:"digest,omitempty"`
	Steps      []harness.StepResult `json:"steps,omitempty"`
	Violations []string             `json:"violations,omitempty"`
	Errors     []string             `json:"errors,omitempty"`
}

// SimulateResult holds the overall simulation result.
type SimulateResult struct {
	Scenarios []ScenarioOutcome  `json:"scenarios"`
	Passed    int                `json:"passed"`
	Failed    int                `json:"failed"`
	Total     int                `json:"total"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate <scenario.yaml|dir>...",
		Short: "Run simulation scenarios",
		Long: `Run scenario files in the deterministic simulator.

Each scenario bootstraps an account, runs its steps with the seeded
network and fault fixtures, and checks its expectations, assertions and
the property monitor. A directory argument runs every .yaml file in it.

With --db the account log of a single scenario is written to a SQLite
database that replay and verify-log can inspect.

Exit codes:
  0  - All scenarios passed
  64 - A scenario file or flag is invalid
  65 - One or more scenarios failed

Examples:
  aura simulate scenarios/s1_honest_dkd.yaml
  aura simulate scenarios/ --parallel 4
  aura simulate scenarios/s4_recovery_cooldown.yaml --db ./s4.db --trace
  aura simulate scenarios/ --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "write the account log to this SQLite database (one scenario only)")
	cmd.Flags().IntVarP(&opts.Parallel, "parallel", "p", 1, "scenarios to run at once")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print the full trace of each scenario")
	cmd.Flags().BoolVar(&opts.Metrics, "metrics", false, "print metric totals after the run")

	return cmd
}

func runSimulate(ctx context.Context, opts *SimulateOptions, args []string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	paths, err := scenarioPaths(args)
	if err != nil {
		return WrapExitError(ExitConfig, "failed to find scenarios", err)
	}
	if len(paths) == 0 {
		return NewExitError(ExitConfig, "no scenario files found")
	}
	if opts.Database != "" && len(paths) != 1 {
		return NewExitError(ExitConfig, fmt.Sprintf("--db takes exactly one scenario, got %d", len(paths)))
	}

	cfg := opts.config()
	runOpts := []harness.Option{
		harness.WithLogger(opts.logger()),
		harness.WithSettings(cfg.Settings()),
	}
	var reg *prometheus.Registry
	if opts.Metrics {
		reg = prometheus.NewRegistry()
		runOpts = append(runOpts, harness.WithMetrics(metrics.New(reg)))
	}
	ledgerOpts := cfg.LedgerOptions()
	var onGenesis func(journal.Genesis) error
	if opts.Database != "" {
		st, err := store.Open(opts.Database, store.WithLogger(opts.logger()))
		if err != nil {
			return WrapExitError(ExitConfig, "failed to open database", err)
		}
		defer st.Close()
		onGenesis = func(g journal.Genesis) error { return st.SaveGenesis(ctx, g) }
		ledgerOpts = append(ledgerOpts, journal.WithPersister(st))
	}
	runOpts = append(runOpts, harness.WithLedger(onGenesis, ledgerOpts...))

	suite, err := harness.RunSuite(ctx, paths, opts.Parallel, runOpts...)
	if err != nil {
		return WrapError("simulation aborted", err)
	}

	result := simulateResult(suite)
	if reg != nil {
		if result.Metrics, err = metricTotals(reg); err != nil {
			return WrapExitError(ExitFailure, "failed to gather metrics", err)
		}
	}

	if opts.Format == "json" {
		return outputSimulateJSON(cmd, result, suite)
	}
	return outputSimulateText(cmd.OutOrStdout(), opts, result, suite)
}

// scenarioPaths expands directory arguments into their scenario files.
func scenarioPaths(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		found, err := harness.FindScenarios(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

func simulateResult(suite *harness.SuiteResult) SimulateResult {
	result := SimulateResult{
		Scenarios: make([]ScenarioOutcome, 0, suite.Total),
		Passed:    suite.Passed,
		Failed:    suite.Failed,
		Total:     suite.Total,
	}
	ran := map[string]bool{}
	for _, res := range suite.Results {
		ran[res.Scenario] = true
		out := ScenarioOutcome{
			Name:   res.Scenario,
			Pass:   res.Pass,
			Seed:   res.Seed,
			Ticks:  res.Ticks,
			Digest: res.Digest.String(),
			Steps:  res.Steps,
			Errors: res.Errors,
		}
		for _, v := range res.Violations {
			out.Violations = append(out.Violations, v.String())
		}
		result.Scenarios = append(result.Scenarios, out)
	}
	for _, f := range suite.Failures {
		if f.Scenario != "" && ran[f.Scenario] {
			continue
		}
		result.Scenarios = append(result.Scenarios, ScenarioOutcome{Name: f.Scenario, Path: f.Path, Errors: f.Errors})
	}
	return result
}

// loadFailed reports whether a scenario failed before it could run.
func loadFailed(suite *harness.SuiteResult) bool {
	ran := map[string]bool{}
	for _, res := range suite.Results {
		ran[res.Scenario] = true
	}
	for _, f := range suite.Failures {
		if f.Scenario == "" || !ran[f.Scenario] {
			return true
		}
	}
	return false
}

func simulateExit(suite *harness.SuiteResult) error {
	if suite.OK() {
		return nil
	}
	msg := fmt.Sprintf("%d scenario(s) failed", suite.Failed)
	if loadFailed(suite) {
		return NewExitError(ExitConfig, msg)
	}
	return NewExitError(ExitProtocol, msg)
}

// metricTotals sums every series of each gathered metric family.
func metricTotals(reg *prometheus.Registry) (map[string]float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		out[mf.GetName()] = total
	}
	return out, nil
}

// outputSimulateJSON outputs the simulation result as JSON.
func outputSimulateJSON(cmd *cobra.Command, result SimulateResult, suite *harness.SuiteResult) error {
	response := CLIResponse{Status: "ok", Data: result}
	if result.Failed > 0 {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    "E_SCENARIO_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}
	if err := writeJSON(cmd.OutOrStdout(), response); err != nil {
		return err
	}
	return simulateExit(suite)
}

// outputSimulateText prints each scenario's summary, then the totals.
func outputSimulateText(w io.Writer, opts *SimulateOptions, result SimulateResult, suite *harness.SuiteResult) error {
	for _, res := range suite.Results {
		w.Write(harness.Summary(res))
		if opts.Trace {
			w.Write(harness.TraceSnapshot(res))
		}
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  FAIL %s\n", strings.ReplaceAll(strings.TrimSpace(e), "\n", "\n       "))
		}
		fmt.Fprintln(w)
	}
	ran := map[string]bool{}
	for _, res := range suite.Results {
		ran[res.Scenario] = true
	}
	for _, f := range suite.Failures {
		if f.Scenario != "" && ran[f.Scenario] {
			continue
		}
		fmt.Fprintf(w, "FAIL %s\n", f.Path)
		for _, e := range f.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
		fmt.Fprintln(w)
	}

	if len(result.Metrics) > 0 {
		names := make([]string, 0, len(result.Metrics))
		for n := range result.Metrics {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "Metrics:")
		for _, n := range names {
			fmt.Fprintf(w, "  %s %g\n", n, result.Metrics[n])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Simulation Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if opts.Database != "" {
		fmt.Fprintf(w, "Account log written to %s\n", opts.Database)
	}
	return simulateExit(suite)
}
