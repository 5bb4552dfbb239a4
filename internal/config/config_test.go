package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/roach88/aura/internal/protocol"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aura.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, protocol.DefaultSettings, cfg.Settings())
	assert.Equal(t, filepath.Join(".", DatabaseName), cfg.DatabasePath())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
device = "alice"
data_dir = "state"
log_level = "debug"

[protocol]
timeout_ms = 5000
lease_s = 30
lottery_window_ms = 20

[journal]
checkpoint_every = 10
default_flow_limit = 500

[transport]
listen = "0.0.0.0:9000"
send_rate = 10
send_burst = 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Device)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "state"), cfg.DataDir)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "state", DatabaseName), cfg.DatabasePath())

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	settings := cfg.Settings()
	assert.Equal(t, 5*time.Second, settings.Timeout)
	assert.Equal(t, uint32(30), settings.LeaseS)
	assert.Equal(t, int64(20), settings.LotteryWindowMs)

	assert.Len(t, cfg.LedgerOptions(), 2)

	ws := cfg.WebSocket()
	assert.Equal(t, rate.Limit(10), ws.SendRate)
	assert.Equal(t, 5, ws.SendBurst)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[protocol]\nlease_s = 5\n"))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), cfg.Protocol.LeaseS)
	assert.Equal(t, protocol.DefaultSettings.Timeout, cfg.Settings().Timeout)
	assert.Len(t, cfg.LedgerOptions(), 1)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax", "device = \n", "aura.toml"},
		{"unknown key", "devcie = \"alice\"\n", "unknown keys: devcie"},
		{"bad level", "log_level = \"loud\"\n", `unknown level "loud"`},
		{"zero timeout", "[protocol]\ntimeout_ms = 0\n", "timeout_ms must be positive"},
		{"window above timeout", "[protocol]\ntimeout_ms = 10\nlottery_window_ms = 10\n", "must be below timeout_ms"},
		{"bad listen", "[transport]\nlisten = \"nowhere\"\n", "transport.listen"},
		{"zero burst", "[transport]\nsend_burst = 0\n", "send_burst must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""
	cfg.Transport.SendRate = 0

	err := cfg.Validate()
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Problems, 2)
}
