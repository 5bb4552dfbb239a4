package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/guard"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/protocol"
	"github.com/roach88/aura/internal/testutil"
)

var testSettings = protocol.Settings{Timeout: 5 * time.Second, LeaseS: 60, LotteryWindowMs: 20}

// dkdWorld runs a three-party derivation in a fresh world and returns it
// once settled.
func dkdWorld(t *testing.T, cfg Config, settings protocol.Settings) (*World, *testutil.Account) {
	t.Helper()
	names := []string{"alice", "bob", "carol"}
	acct := testutil.NewAccount(t, "sim", 2, names)
	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(w.Close)

	var devices []ids.DeviceID
	for _, n := range names {
		devices = append(devices, acct.Devices[n])
	}
	session := ids.NamedSession("dkd")
	for i, n := range names {
		p, err := w.AddParticipant(n, acct.Devices[n], acct.Ledger)
		require.NoError(t, err)
		req := protocol.DkdRequest{
			Session:      session,
			Participants: devices,
			AppLabel:     "sim",
			KeyShare:     testutil.KeyShare(i),
			Epoch:        1,
		}
		author := acct.Author(n)
		_, err = w.Spawn(p, n, session, func(ctx context.Context, env *Env) (any, error) {
			return env.Node(author, settings).RunDkd(ctx, req)
		})
		require.NoError(t, err)
	}
	require.NoError(t, w.RunUntilIdle(context.Background()))
	return w, acct
}

func results(t *testing.T, w *World) map[string]error {
	t.Helper()
	out := map[string]error{}
	for _, task := range w.Tasks() {
		require.True(t, task.Done(), task.Name())
		_, err := task.Result()
		out[task.Name()] = err
	}
	return out
}

func TestWorld_DkdCompletes(t *testing.T) {
	w, acct := dkdWorld(t, Config{Seed: 7, Latency: Latency{Min: 1, Max: 3}}, testSettings)

	var keys [][32]byte
	for _, task := range w.Tasks() {
		v, err := task.Result()
		require.NoError(t, err, task.Name())
		keys = append(keys, v.(protocol.DkdResult).DerivedKey)
	}
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[0], keys[2])

	// Each participant records the finalization it agreed to.
	finalized := map[ids.DeviceID]int{}
	for _, e := range acct.Ledger.Events() {
		if e.Kind() == journal.KindFinalizeDkdSession {
			finalized[e.Author]++
		}
	}
	assert.Equal(t, map[ids.DeviceID]int{
		acct.Devices["alice"]: 1,
		acct.Devices["bob"]:   1,
		acct.Devices["carol"]: 1,
	}, finalized)

	st, err := w.Sessions().For(acct.Devices["alice"]).GetStatus(context.Background(), ids.NamedSession("dkd"))
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, st)

	tr := w.Trace()
	assert.NotEmpty(t, tr.Filter(EventDeliver))
	assert.Len(t, tr.Filter(EventTaskStart), 3)
	assert.Len(t, tr.Filter(EventTaskDone), 3)
	assert.NotEmpty(t, tr.Filter(EventJournal))
}

func TestWorld_SameSeedSameTrace(t *testing.T) {
	cfg := Config{Seed: 42, Latency: Latency{Min: 1, Max: 4}}
	a, _ := dkdWorld(t, cfg, testSettings)
	b, _ := dkdWorld(t, cfg, testSettings)

	ta, tb := a.Trace(), b.Trace()
	assert.Equal(t, -1, ta.Divergence(tb))
	da, err := ta.Digest()
	require.NoError(t, err)
	db, err := tb.Digest()
	require.NoError(t, err)
	assert.Equal(t, da, db)
	assert.Equal(t, a.Tick(), b.Tick())
}

func TestWorld_DifferentSeedsDiverge(t *testing.T) {
	a, _ := dkdWorld(t, Config{Seed: 1, Latency: Latency{Min: 1, Max: 4}}, testSettings)
	b, _ := dkdWorld(t, Config{Seed: 2, Latency: Latency{Min: 1, Max: 4}}, testSettings)
	assert.NotEqual(t, -1, a.Trace().Divergence(b.Trace()))
}

func TestWorld_EverySendIsPrecededByItsCharge(t *testing.T) {
	w, _ := dkdWorld(t, Config{Seed: 3, Latency: Latency{Min: 1, Max: 2}}, testSettings)

	last := map[string]Event{}
	sends := 0
	for _, e := range w.Trace().Filter(EventEffect) {
		if e.Command == guard.KindSendEnvelope {
			sends++
			prev, ok := last[e.Task]
			require.True(t, ok)
			assert.Equal(t, guard.KindChargeBudget, prev.Command, "send at seq %d", e.Seq)
			assert.Equal(t, e.Context, prev.Context)
			assert.Equal(t, e.Peer, prev.Peer)
		}
		last[e.Task] = e
	}
	assert.Positive(t, sends)
}

func TestWorld_LatencyStaysInBounds(t *testing.T) {
	lat := Latency{Min: 2, Max: 5}
	w, _ := dkdWorld(t, Config{Seed: 9, Latency: lat}, testSettings)

	tr := w.Trace()
	for _, e := range tr.Filter(EventEnqueue) {
		d := e.DeliverAt - e.Tick
		assert.GreaterOrEqual(t, d, lat.Min)
		assert.LessOrEqual(t, d, lat.Max)
	}
	deliveries := tr.Filter(EventDeliver)
	require.NotEmpty(t, deliveries)
	for _, e := range deliveries {
		var matched bool
		for _, q := range tr.Filter(EventEnqueue) {
			if q.Message == e.Message && q.DeliverAt == e.Tick {
				matched = true
				break
			}
		}
		assert.True(t, matched, "delivery at seq %d has no enqueue due at tick %d", e.Seq, e.Tick)
	}
}

func TestWorld_PartitionTimesOut(t *testing.T) {
	names := []string{"alice", "bob", "carol"}
	acct := testutil.NewAccount(t, "sim", 2, names)
	w, err := New(Config{Seed: 5})
	require.NoError(t, err)
	t.Cleanup(w.Close)

	var devices []ids.DeviceID
	for _, n := range names {
		devices = append(devices, acct.Devices[n])
	}
	w.Partition(acct.Devices["alice"], acct.Devices["bob"])

	session := ids.NamedSession("partitioned")
	settings := protocol.Settings{Timeout: time.Second, LeaseS: 60, LotteryWindowMs: 20}
	for i, n := range names {
		p, err := w.AddParticipant(n, acct.Devices[n], acct.Ledger)
		require.NoError(t, err)
		req := protocol.DkdRequest{Session: session, Participants: devices, KeyShare: testutil.KeyShare(i), Epoch: 1}
		author := acct.Author(n)
		_, err = w.Spawn(p, n, session, func(ctx context.Context, env *Env) (any, error) {
			return env.Node(author, settings).RunDkd(ctx, req)
		})
		require.NoError(t, err)
	}
	require.NoError(t, w.RunUntilIdle(context.Background()))

	errs := results(t, w)
	assert.True(t, faults.IsTimeout(errs["alice"]), "alice: %v", errs["alice"])
	assert.Error(t, errs["bob"])
	assert.NotEmpty(t, w.Trace().Filter(EventPartitioned))
	assert.Len(t, w.Trace().Filter(EventFault), 1)
}

func TestWorld_DropEverything(t *testing.T) {
	w, _ := dkdWorld(t, Config{Seed: 11, DropRate: 1}, protocol.Settings{Timeout: time.Second, LotteryWindowMs: 20})

	tr := w.Trace()
	assert.NotEmpty(t, tr.Filter(EventDrop))
	assert.Empty(t, tr.Filter(EventDeliver))
	for name, err := range results(t, w) {
		assert.Error(t, err, name)
	}
}

func TestWorld_ByzantineParticipantIsAccused(t *testing.T) {
	cfg := Config{
		Seed:      13,
		Byzantine: []Fault{{Participant: "bob", Behavior: protocol.Behavior{EquivocateDkd: true}}},
	}
	w, acct := dkdWorld(t, cfg, protocol.Settings{Timeout: 2 * time.Second, LeaseS: 60, LotteryWindowMs: 20})

	bob, ok := w.Participant("bob")
	require.True(t, ok)
	assert.True(t, bob.Byzantine())

	errs := results(t, w)
	accused, ok := faults.IsByzantine(errs["alice"])
	require.True(t, ok, "alice: %v", errs["alice"])
	require.Len(t, accused, 1)
	assert.Equal(t, acct.Devices["bob"], accused[0].Device)
}

func TestWorld_TickLimit(t *testing.T) {
	acct := testutil.NewAccount(t, "sim", 1, []string{"alice"})
	w, err := New(Config{MaxTicks: 5})
	require.NoError(t, err)

	p, err := w.AddParticipant("alice", acct.Devices["alice"], acct.Ledger)
	require.NoError(t, err)
	task, err := w.Spawn(p, "listener", ids.NamedSession("quiet"), func(ctx context.Context, env *Env) (any, error) {
		return env.Receive(ctx)
	})
	require.NoError(t, err)

	err = w.RunUntilIdle(context.Background())
	require.ErrorIs(t, err, ErrTickLimit)
	assert.Equal(t, uint64(5), w.Tick())
	assert.Equal(t, "receive", task.Waiting())

	w.Close()
	assert.True(t, task.Done())
	_, err = task.Result()
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, w.Step(context.Background()), ErrClosed)
}

func TestWorld_SleepAdvancesVirtualTime(t *testing.T) {
	acct := testutil.NewAccount(t, "sim", 1, []string{"alice"})
	w, err := New(Config{TickMs: 10})
	require.NoError(t, err)
	t.Cleanup(w.Close)

	p, err := w.AddParticipant("alice", acct.Devices["alice"], acct.Ledger)
	require.NoError(t, err)
	start := w.NowMs()
	_, err = w.Spawn(p, "sleeper", ids.SessionID{}, func(ctx context.Context, env *Env) (any, error) {
		return nil, env.SleepMs(ctx, 95)
	})
	require.NoError(t, err)
	require.NoError(t, w.RunUntilIdle(context.Background()))

	assert.GreaterOrEqual(t, w.NowMs()-start, int64(95))
	// The sleep is armed at tick 1 and ends at the first tick past it.
	assert.Equal(t, uint64(11), w.Tick())
}

func TestWorld_DuplicateNames(t *testing.T) {
	acct := testutil.NewAccount(t, "sim", 1, []string{"alice"})
	w, err := New(Config{})
	require.NoError(t, err)
	t.Cleanup(w.Close)

	p, err := w.AddParticipant("alice", acct.Devices["alice"], acct.Ledger)
	require.NoError(t, err)
	_, err = w.AddParticipant("alice", ids.NamedDevice("other"), acct.Ledger)
	assert.Error(t, err)
	_, err = w.AddParticipant("other", acct.Devices["alice"], acct.Ledger)
	assert.Error(t, err)

	noop := func(context.Context, *Env) (any, error) { return nil, nil }
	_, err = w.Spawn(p, "t", ids.SessionID{}, noop)
	require.NoError(t, err)
	_, err = w.Spawn(p, "t", ids.SessionID{}, noop)
	assert.Error(t, err)
}

type countingObserver struct {
	ticks  int
	events int
	last   Snapshot
}

func (o *countingObserver) Observe(events Trace, snap Snapshot) {
	o.ticks++
	o.events += len(events)
	o.last = snap
}

func TestWorld_ObserverSeesEveryTick(t *testing.T) {
	acct := testutil.NewAccount(t, "sim", 1, []string{"alice"})
	w, err := New(Config{})
	require.NoError(t, err)
	t.Cleanup(w.Close)
	obs := &countingObserver{}
	w.Observe(obs)

	p, err := w.AddParticipant("alice", acct.Devices["alice"], acct.Ledger)
	require.NoError(t, err)
	_, err = w.Spawn(p, "sleeper", ids.SessionID{}, func(ctx context.Context, env *Env) (any, error) {
		return nil, env.SleepMs(ctx, 30)
	})
	require.NoError(t, err)
	require.NoError(t, w.RunUntilIdle(context.Background()))

	assert.Equal(t, int(w.Tick()), obs.ticks)
	assert.Equal(t, w.State().Len(), obs.events)
	assert.Equal(t, w.Tick(), obs.last.Tick)
	require.Len(t, obs.last.Tasks, 1)
	assert.True(t, obs.last.Tasks[0].Done)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{}, true},
		{"negative tick", Config{TickMs: -1}, false},
		{"inverted latency", Config{Latency: Latency{Min: 4, Max: 2}}, false},
		{"zero min latency", Config{Latency: Latency{Min: 0, Max: 2}}, false},
		{"drop above one", Config{DropRate: 1.5}, false},
		{"drop negative", Config{DropRate: -0.1}, false},
		{"lossy", Config{DropRate: 0.3, Latency: Latency{Min: 1, Max: 8}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
