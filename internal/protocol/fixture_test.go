package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/guard"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/metrics"
	"github.com/roach88/aura/internal/scheduler"
	"github.com/roach88/aura/internal/session"
	"github.com/roach88/aura/internal/storage"
	"github.com/roach88/aura/internal/testutil"
	"github.com/roach88/aura/internal/transport"
)

// fastForward jumps a deterministic clock to TimeoutAt targets instead of
// waiting for them and hands every other condition to a real scheduler.
type fastForward struct {
	clock *testutil.DeterministicClock
	sched *scheduler.Scheduler
}

func (f fastForward) YieldUntil(ctx context.Context, cond scheduler.Condition) error {
	if cond.Kind == scheduler.CondTimeoutAt {
		if d := cond.AtMs - f.clock.Now(); d > 0 {
			f.clock.Advance(d)
		}
		return ctx.Err()
	}
	return f.sched.YieldUntil(ctx, cond)
}

type cluster struct {
	acct     *testutil.Account
	hub      *transport.Hub
	sessions *session.Registry
	time     effects.PhysicalTimeEffects
	waiter   Waiter
	settings Settings
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	seed     uint64
}

// newCluster builds an account over the wall clock.
func newCluster(t *testing.T, threshold uint16, names ...string) *cluster {
	t.Helper()
	reg := prometheus.NewRegistry()
	return &cluster{
		acct:     testutil.NewAccount(t, "protocol", threshold, names),
		hub:      transport.NewHub(),
		sessions: session.NewRegistry(effects.NewSeededRandom(0), nil),
		time:     effects.NewWallClock(clock.New()),
		waiter:   scheduler.New(nil),
		settings: Settings{Timeout: 10 * time.Second, LeaseS: 60, LotteryWindowMs: 20},
		registry: reg,
		metrics:  metrics.New(reg),
	}
}

// withDeterministicTime moves the cluster onto a manual clock that jumps
// to every TimeoutAt a node waits for.
func (c *cluster) withDeterministicTime(start int64) *testutil.DeterministicClock {
	dc := testutil.NewDeterministicClock(start)
	c.time = dc
	c.waiter = fastForward{clock: dc, sched: scheduler.New(nil)}
	return dc
}

func (c *cluster) runtime(t *testing.T, dev ids.DeviceID) *choreo.Runtime {
	t.Helper()
	c.seed++
	ep := c.hub.Connect(dev)
	sys := effects.System{
		Journal: c.acct.Ledger,
		Flow:    effects.LedgerFlow{Ledger: c.acct.Ledger, Time: c.time},
		Leakage: effects.NewLeakageLedger(1024),
		Storage: storage.NewMemory(),
		Network: ep,
		Random:  effects.NewSeededRandom(c.seed),
		Time:    c.time,
	}
	interp, err := guard.NewProduction(sys, nil)
	require.NoError(t, err)
	exec := guard.NewExecutor(guard.SystemReader{Sys: sys}, interp)
	return choreo.NewRuntime(dev, exec, ep)
}

func (c *cluster) options(dev ids.DeviceID, opts []Option) []Option {
	base := []Option{WithSettings(c.settings), WithMetrics(c.metrics), WithSessions(c.sessions.For(dev))}
	return append(base, opts...)
}

// device builds the node of account device name.
func (c *cluster) device(t *testing.T, name string, opts ...Option) *Node {
	t.Helper()
	author := c.acct.Author(name)
	return NewNode(author, c.runtime(t, author.Device), c.time, c.waiter, c.options(author.Device, opts)...)
}

// devices builds one honest node per name.
func (c *cluster) devices(t *testing.T, names ...string) []*Node {
	t.Helper()
	out := make([]*Node, len(names))
	for i, n := range names {
		out[i] = c.device(t, n)
	}
	return out
}

// stranger builds the node of a device the account does not know yet.
func (c *cluster) stranger(t *testing.T, name string, opts ...Option) *Node {
	t.Helper()
	author := journal.Author{Ledger: c.acct.Ledger, Device: ids.NamedDevice(name), Key: crypto.DeviceKeyFromLabel(name)}
	return NewNode(author, c.runtime(t, author.Device), c.time, c.waiter, c.options(author.Device, opts)...)
}

// guardian builds the node of guardian name.
func (c *cluster) guardian(t *testing.T, name string, opts ...Option) *Node {
	t.Helper()
	g := c.acct.Guardian(name)
	return NewGuardianNode(g, c.runtime(t, ids.DeviceID(g.Guardian)), c.time, c.waiter, c.options(ids.DeviceID(g.Guardian), opts)...)
}

func deviceIDs(nodes []*Node) []ids.DeviceID {
	out := make([]ids.DeviceID, len(nodes))
	for i, n := range nodes {
		out[i] = n.Device()
	}
	return out
}

// payloads returns the journal payloads of type P in append order.
func payloads[P journal.Payload](l *journal.Ledger) []P {
	var out []P
	for _, e := range l.Events() {
		if p, ok := e.Payload.(P); ok {
			out = append(out, p)
		}
	}
	return out
}
