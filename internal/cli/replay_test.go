package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/store"
)

// simulateToDB runs a checked-in scenario and keeps its account log.
func simulateToDB(t *testing.T, scenario string) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "account.db")
	out, err := runCLI(t, "simulate", filepath.Join(scenarioDir, scenario), "--db", db)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Account log written to "+db)
	return db
}

func TestReplayMissingDatabaseFlag(t *testing.T) {
	buf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewReplayCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(errBuf)
	cmd.SetArgs([]string{}) // Missing --db flag

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestReplayMissingDatabaseFile(t *testing.T) {
	_, err := runCLI(t, "replay", "--db", filepath.Join(t.TempDir(), "nope.db"))
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))
	assert.Contains(t, err.Error(), "database not found")
}

func TestReplayEmptyDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	// Create empty database
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewReplayCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "No account found")
}

func TestReplaySimulatedAccount(t *testing.T) {
	db := simulateToDB(t, "s4_recovery_cooldown.yaml")

	out, err := runCLI(t, "replay", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Threshold:  2 of 4 devices")
	assert.Contains(t, out, "Replay from genesis matches recovered state")
}

func TestReplayJSON(t *testing.T) {
	db := simulateToDB(t, "s1_honest_dkd.yaml")

	out, err := runCLI(t, "replay", "--db", db, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   ReplayResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Deterministic)
	assert.True(t, resp.Data.FromGenesis)
	assert.Equal(t, 3, resp.Data.Devices)
	assert.Positive(t, resp.Data.Events)
	assert.NotEmpty(t, resp.Data.StateHash)
}
