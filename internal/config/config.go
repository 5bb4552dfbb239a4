// Package config reads the node configuration file.
//
// The file is TOML:
//
//	device = "alice"
//	data_dir = "./data"
//	log_level = "info"
//
//	[protocol]
//	timeout_ms = 30000
//	lease_s = 60
//	lottery_window_ms = 50
//
//	[journal]
//	checkpoint_every = 100
//	default_flow_limit = 1000
//
//	[transport]
//	listen = "127.0.0.1:7420"
//	send_rate = 200
//	send_burst = 50
//
// Every key is optional; Default fills the gaps. A relative data_dir is
// resolved against the directory of the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"

	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/protocol"
	"github.com/roach88/aura/internal/transport"
)

// DatabaseName is the account database file inside the data directory.
const DatabaseName = "aura.db"

// Config is the node configuration.
type Config struct {
	// Device names this node. Simulations ignore it.
	Device   string `toml:"device"`
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`

	Protocol  Protocol  `toml:"protocol"`
	Journal   Journal   `toml:"journal"`
	Transport Transport `toml:"transport"`

	// path is the file the config was read from, if any.
	path string
}

// Protocol holds the timing every protocol run uses.
type Protocol struct {
	TimeoutMs       int64  `toml:"timeout_ms"`
	LeaseS          uint32 `toml:"lease_s"`
	LotteryWindowMs int64  `toml:"lottery_window_ms"`
}

// Journal tunes the ledger.
type Journal struct {
	CheckpointEvery  uint64 `toml:"checkpoint_every"`
	DefaultFlowLimit uint32 `toml:"default_flow_limit"`
}

// Transport configures the WebSocket transport.
type Transport struct {
	Listen    string  `toml:"listen"`
	SendRate  float64 `toml:"send_rate"`
	SendBurst int     `toml:"send_burst"`
}

// Error is a configuration problem. The CLI exits 64 on it.
type Error struct {
	Path     string
	Problems []string
	Err      error
}

func (e *Error) Error() string {
	where := "config"
	if e.Path != "" {
		where = e.Path
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", where, e.Err)
	}
	return fmt.Sprintf("%s: %s", where, strings.Join(e.Problems, "; "))
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfigError reports whether err is a configuration problem.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	ws := transport.DefaultWebSocketConfig()
	return &Config{
		DataDir:  ".",
		LogLevel: "info",
		Protocol: Protocol{
			TimeoutMs:       protocol.DefaultSettings.Timeout.Milliseconds(),
			LeaseS:          protocol.DefaultSettings.LeaseS,
			LotteryWindowMs: protocol.DefaultSettings.LotteryWindowMs,
		},
		Journal: Journal{CheckpointEvery: 100},
		Transport: Transport{
			Listen:    "127.0.0.1:7420",
			SendRate:  float64(ws.SendRate),
			SendBurst: ws.SendBurst,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, &Error{Path: path, Problems: []string{"unknown keys: " + strings.Join(keys, ", ")}}
	}
	cfg.path = path
	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(filepath.Dir(path), cfg.DataDir)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	if _, err := c.Level(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Protocol.TimeoutMs <= 0 {
		problems = append(problems, "protocol.timeout_ms must be positive")
	}
	if c.Protocol.LotteryWindowMs < 0 {
		problems = append(problems, "protocol.lottery_window_ms must not be negative")
	}
	if c.Protocol.LotteryWindowMs >= c.Protocol.TimeoutMs {
		problems = append(problems, "protocol.lottery_window_ms must be below timeout_ms")
	}
	if c.Transport.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Transport.Listen); err != nil {
			problems = append(problems, fmt.Sprintf("transport.listen: %v", err))
		}
	}
	if c.Transport.SendRate <= 0 {
		problems = append(problems, "transport.send_rate must be positive")
	}
	if c.Transport.SendBurst < 1 {
		problems = append(problems, "transport.send_burst must be at least 1")
	}
	if len(problems) > 0 {
		return &Error{Path: c.path, Problems: problems}
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	return l, nil
}

// DatabasePath is the account database inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseName)
}

// Settings are the protocol settings nodes run with.
func (c *Config) Settings() protocol.Settings {
	return protocol.Settings{
		Timeout:         time.Duration(c.Protocol.TimeoutMs) * time.Millisecond,
		LeaseS:          c.Protocol.LeaseS,
		LotteryWindowMs: c.Protocol.LotteryWindowMs,
	}
}

// LedgerOptions apply the journal section to a ledger.
func (c *Config) LedgerOptions() []journal.LedgerOption {
	opts := []journal.LedgerOption{journal.WithCheckpointEvery(c.Journal.CheckpointEvery)}
	if c.Journal.DefaultFlowLimit > 0 {
		opts = append(opts, journal.WithFlowLimit(c.Journal.DefaultFlowLimit))
	}
	return opts
}

// WebSocket is the transport configuration.
func (c *Config) WebSocket() transport.WebSocketConfig {
	ws := transport.DefaultWebSocketConfig()
	ws.SendRate = rate.Limit(c.Transport.SendRate)
	ws.SendBurst = c.Transport.SendBurst
	return ws
}
