package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioDir = "../harness/testdata/scenarios"

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestSimulate_SingleScenario(t *testing.T) {
	out, err := runCLI(t, "simulate", filepath.Join(scenarioDir, "s1_honest_dkd.yaml"))
	require.NoError(t, err)

	assert.Contains(t, out, "scenario: s1-honest-dkd")
	assert.Contains(t, out, "step 1 dkd session=s1")
	assert.Contains(t, out, "violations: none")
	assert.Contains(t, out, "Simulation Summary: 1 passed, 0 failed, 1 total")
}

func TestSimulate_Directory(t *testing.T) {
	out, err := runCLI(t, "simulate", scenarioDir, "--parallel", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "Simulation Summary: 7 passed, 0 failed, 7 total")
}

func TestSimulate_TraceAndMetrics(t *testing.T) {
	out, err := runCLI(t, "simulate", filepath.Join(scenarioDir, "s6_unfunded_send.yaml"), "--trace", "--metrics")
	require.NoError(t, err)

	assert.Contains(t, out, "digest ")
	assert.Contains(t, out, "Metrics:")
	assert.Contains(t, out, "aura_sim_ticks_total")
}

func TestSimulate_JSON(t *testing.T) {
	out, err := runCLI(t, "simulate", filepath.Join(scenarioDir, "s6_unfunded_send.yaml"), "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   SimulateResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Passed)
	require.Len(t, resp.Data.Scenarios, 1)
	sc := resp.Data.Scenarios[0]
	assert.Equal(t, "s6-unfunded-send", sc.Name)
	assert.Equal(t, uint64(3), sc.Seed)
	assert.NotEmpty(t, sc.Digest)
	require.Len(t, sc.Steps, 1)
	assert.Equal(t, "insufficient_flow", sc.Steps[0].Roles[0].Outcome)
}

func TestSimulate_FailingScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrong.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: wrong
seed: 1
account: { name: family, threshold: 2, devices: [alice, bob] }
budgets:
  - { context: c, peer: bob, limit: 5 }
steps:
  - { op: send, from: alice, to: bob, context: c, cost: 10, expect: { outcome: ok } }
`), 0644))

	out, err := runCLI(t, "simulate", path)
	require.Error(t, err)
	assert.Equal(t, ExitProtocol, GetExitCode(err))
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "0 passed, 1 failed")
}

func TestSimulate_InvalidScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: bad\nseed: 1\n"), 0644))

	out, err := runCLI(t, "simulate", path)
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))
	assert.Contains(t, out, "FAIL "+path)
}

func TestSimulate_MissingPath(t *testing.T) {
	_, err := runCLI(t, "simulate", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))
}

func TestSimulate_DatabaseNeedsOneScenario(t *testing.T) {
	_, err := runCLI(t, "simulate", scenarioDir, "--db", filepath.Join(t.TempDir(), "a.db"))
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))
	assert.Contains(t, err.Error(), "--db takes exactly one scenario")
}
