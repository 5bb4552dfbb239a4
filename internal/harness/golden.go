package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir is where scenario golden files live, relative to the test.
const GoldenDir = "testdata/golden"

// Summary renders the outcome of a run as stable text: every step with its
// roles' outcomes, then the monitor's findings. It leaves out keys, hashes
// and timing, so it only changes when the behavior does.
func Summary(res *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", res.Scenario)
	fmt.Fprintf(&b, "seed: %d\n", res.Seed)
	fmt.Fprintf(&b, "pass: %t\n", res.Pass)
	for _, st := range res.Steps {
		fmt.Fprintf(&b, "step %d %s", st.Index+1, st.Op)
		if st.Session != "" {
			fmt.Fprintf(&b, " session=%s", st.Session)
		}
		b.WriteByte('\n')
		for _, ro := range st.Roles {
			fmt.Fprintf(&b, "  %s %s", ro.Participant, ro.Outcome)
			if len(ro.Accused) > 0 {
				fmt.Fprintf(&b, " accused=%s", strings.Join(ro.Accused, ","))
			}
			if ro.Status != "" {
				fmt.Fprintf(&b, " status=%s", ro.Status)
			}
			b.WriteByte('\n')
		}
	}
	if len(res.Violations) == 0 {
		b.WriteString("violations: none\n")
	} else {
		fmt.Fprintf(&b, "violations: %d\n", len(res.Violations))
		for _, v := range res.Violations {
			fmt.Fprintf(&b, "  %s %s\n", v.Property, v.Severity)
		}
	}
	return []byte(b.String())
}

// TraceSnapshot renders the full trace, one event per line, followed by its
// digest.
func TraceSnapshot(res *Result) []byte {
	var b strings.Builder
	for _, line := range res.Trace.Lines() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "digest %s\n", res.Digest)
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares its summary against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's summary against its golden
// file without re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Summary(result))
}

// AssertReplay checks that a run's full trace reproduces byte for byte:
// it records the first result's trace under dir and asserts the second
// against it.
func AssertReplay(t *testing.T, dir, name string, first, second *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir(dir),
		goldie.WithNameSuffix(".trace"),
	)
	if err := g.Update(t, name, TraceSnapshot(first)); err != nil {
		t.Fatalf("record trace: %v", err)
	}
	g.Assert(t, name, TraceSnapshot(second))
}
