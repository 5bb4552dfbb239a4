package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "aura", cmd.Use)
	assert.Contains(t, cmd.Long, "threshold identity accounts")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"simulate", "replay", "verify-log", "version"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestDatabaseFlags(t *testing.T) {
	for _, name := range []string{"replay", "verify-log"} {
		t.Run(name, func(t *testing.T) {
			cmd := NewRootCommand()
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			dbFlag := sub.Flags().Lookup("db")
			require.NotNil(t, dbFlag)
			assert.Equal(t, "", dbFlag.DefValue)
		})
	}
}

func TestSimulateCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	sub, _, err := cmd.Find([]string{"simulate"})
	require.NoError(t, err)

	parallel := sub.Flags().Lookup("parallel")
	require.NotNil(t, parallel)
	assert.Equal(t, "p", parallel.Shorthand)
	assert.Equal(t, "1", parallel.DefValue)
	assert.NotNil(t, sub.Flags().Lookup("trace"))
	assert.NotNil(t, sub.Flags().Lookup("metrics"))
	assert.NotNil(t, sub.Flags().Lookup("db"))
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"version", "--format", "xml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestInvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aura.toml")
	require.NoError(t, os.WriteFile(path, []byte("[protocol]\ntimeout_ms = -1\n"), 0644))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"version", "--config", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))
	assert.Contains(t, err.Error(), "timeout_ms must be positive")
}

func TestVersionCommand(t *testing.T) {
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "aura "+Version)
}
