package choreo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/guard"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/metrics"
	"github.com/roach88/aura/internal/storage"
	"github.com/roach88/aura/internal/testutil"
	"github.com/roach88/aura/internal/transport"
)

type group struct {
	acct     *testutil.Account
	hub      *transport.Hub
	runtimes []*Runtime
	roles    []Role
	metrics  *metrics.Metrics
	session  ids.SessionID
}

func newGroup(t *testing.T, clk clock.Clock, names ...string) *group {
	t.Helper()
	acct := testutil.NewAccount(t, "choreo", 2, names)
	g := &group{
		acct:    acct,
		hub:     transport.NewHub(),
		metrics: metrics.New(prometheus.NewRegistry()),
		session: ids.NamedSession(t.Name()),
	}
	devices := make([]ids.DeviceID, len(names))
	for i, n := range names {
		dev := acct.Devices[n]
		devices[i] = dev
		ep := g.hub.Connect(dev)
		sys := effects.System{
			Journal: acct.Ledger,
			Flow:    effects.LedgerFlow{Ledger: acct.Ledger, Time: effects.NewWallClock(clk)},
			Leakage: effects.NewLeakageLedger(1024),
			Storage: storage.NewMemory(),
			Network: ep,
			Random:  effects.NewSeededRandom(uint64(i + 1)),
			Time:    effects.NewWallClock(clk),
		}
		interp, err := guard.NewProduction(sys, nil)
		require.NoError(t, err)
		exec := guard.NewExecutor(guard.SystemReader{Sys: sys}, interp, guard.WithMetrics(g.metrics))
		g.runtimes = append(g.runtimes, NewRuntime(dev, exec, ep, WithClock(clk), WithMetrics(g.metrics)))
	}
	g.roles = Roles(devices...)
	return g
}

func (g *group) config(timeout time.Duration) Config {
	return Config{Session: g.session, Participants: g.roles, Epoch: 1, Timeout: timeout}
}

func (g *group) join(t *testing.T, cfg Config) []*Instance {
	t.Helper()
	out := make([]*Instance, len(g.runtimes))
	for i, rt := range g.runtimes {
		inst, err := rt.Join(cfg)
		require.NoError(t, err)
		out[i] = inst
	}
	return out
}

type proposal struct {
	Label string `json:"label"`
	Epoch uint64 `json:"epoch"`
}

func TestProposeAndAcknowledge_AllAccept(t *testing.T) {
	g := newGroup(t, clock.New(), "alice", "bob", "carol")
	insts := g.join(t, g.config(5*time.Second))

	res := Parallel(context.Background(), 3, func(ctx context.Context, i int) (proposal, error) {
		var p proposal
		if i == 0 {
			p = proposal{Label: "rotate", Epoch: 7}
		}
		return ProposeAndAcknowledge(ctx, insts[i], 0, p, nil)
	})
	for i, r := range res {
		require.NoError(t, r.Err, "role %d", i)
		assert.Equal(t, proposal{Label: "rotate", Epoch: 7}, r.Value)
	}

	b, err := g.acct.Ledger.GetFlowBudget(context.Background(), insts[0].FlowContext(), g.roles[1].Device)
	require.NoError(t, err)
	assert.Positive(t, b.Spent, "choreography sends are charged")
}

func TestProposeAndAcknowledge_RejectedWithoutQuorum(t *testing.T) {
	g := newGroup(t, clock.New(), "alice", "bob", "carol")
	insts := g.join(t, g.config(5*time.Second))
	carol := g.roles[2].Device

	res := Parallel(context.Background(), 3, func(ctx context.Context, i int) (proposal, error) {
		var p proposal
		if i == 0 {
			p = proposal{Label: "rotate"}
		}
		return ProposeAndAcknowledge(ctx, insts[i], 0, p, func(proposal) error {
			if insts[i].Self().Device == carol {
				return errors.New("not ready")
			}
			return nil
		})
	})
	for i, r := range res {
		assert.True(t, faults.Is(r.Err, faults.CodeProtocolViolation), "role %d: %v", i, r.Err)
	}
}

func TestProposeAndAcknowledge_MajorityQuorum(t *testing.T) {
	g := newGroup(t, clock.New(), "alice", "bob", "carol")
	cfg := g.config(5 * time.Second)
	cfg.Quorum = 2
	insts := g.join(t, cfg)
	carol := g.roles[2].Device

	res := Parallel(context.Background(), 3, func(ctx context.Context, i int) (proposal, error) {
		var p proposal
		if i == 0 {
			p = proposal{Label: "rotate"}
		}
		return ProposeAndAcknowledge(ctx, insts[i], 0, p, func(proposal) error {
			if insts[i].Self().Device == carol {
				return errors.New("not ready")
			}
			return nil
		})
	})
	require.NoError(t, res[0].Err)
	require.NoError(t, res[1].Err)
	assert.Equal(t, res[0].Value, res[1].Value)
	assert.True(t, faults.Is(res[2].Err, faults.CodeProtocolViolation))
}

func TestBroadcastAndGather_Honest(t *testing.T) {
	g := newGroup(t, clock.New(), "alice", "bob", "carol")
	insts := g.join(t, g.config(5*time.Second))

	res := Parallel(context.Background(), 3, func(ctx context.Context, i int) ([]Contribution[string], error) {
		return BroadcastAndGather(ctx, insts[i], 3, []string{"a", "b", "c"}[i])
	})
	for i, r := range res {
		require.NoError(t, r.Err, "role %d", i)
		require.Len(t, r.Value, 3)
		for k, c := range r.Value {
			assert.Equal(t, k, c.From.Index)
			assert.Equal(t, []string{"a", "b", "c"}[k], c.Message)
			want, err := canonical.OfPlain(c.Message)
			require.NoError(t, err)
			assert.Equal(t, want, c.Commitment)
		}
	}
}

func TestBroadcastAndGather_EquivocationAccused(t *testing.T) {
	g := newGroup(t, clock.New(), "alice", "bob", "carol")
	insts := g.join(t, g.config(5*time.Second))

	res := Parallel(context.Background(), 3, func(ctx context.Context, i int) ([]Contribution[string], error) {
		var opts []GatherOption[string]
		if i == 1 {
			opts = append(opts, WithEquivocation(func(string) string { return "forged" }))
		}
		return BroadcastAndGather(ctx, insts[i], 3, []string{"a", "b", "c"}[i], opts...)
	})
	for _, i := range []int{0, 2} {
		accused, ok := faults.IsByzantine(res[i].Err)
		require.True(t, ok, "role %d: %v", i, res[i].Err)
		assert.Equal(t, []Role{g.roles[1]}, accused)
	}
	assert.NoError(t, res[1].Err)
}

func TestBroadcastAndGather_Validator(t *testing.T) {
	g := newGroup(t, clock.New(), "alice", "bob")
	insts := g.join(t, g.config(5*time.Second))

	res := Parallel(context.Background(), 2, func(ctx context.Context, i int) ([]Contribution[int], error) {
		local := []int{4, 5}[i]
		return BroadcastAndGather(ctx, insts[i], 3, local, WithValidator(func(r Role, v int) error {
			if r.Index != insts[i].Self().Index && v%2 != 0 {
				return errors.New("odd")
			}
			return nil
		}))
	})
	accused, ok := faults.IsByzantine(res[0].Err)
	require.True(t, ok)
	assert.Equal(t, []Role{g.roles[1]}, accused)
	assert.NoError(t, res[1].Err)
}

func TestVerifyConsistentResult(t *testing.T) {
	t.Run("agreement", func(t *testing.T) {
		g := newGroup(t, clock.New(), "alice", "bob", "carol")
		insts := g.join(t, g.config(5*time.Second))
		res := Parallel(context.Background(), 3, func(ctx context.Context, i int) (VerificationResult[string], error) {
			return VerifyConsistentResult(ctx, insts[i], 5, "root-key", nil)
		})
		for i, r := range res {
			require.NoError(t, r.Err, "role %d", i)
			assert.True(t, r.Value.IsConsistent)
			assert.Equal(t, "root-key", r.Value.Verified)
			assert.Empty(t, r.Value.Byzantine)
		}
	})

	t.Run("dissenter", func(t *testing.T) {
		g := newGroup(t, clock.New(), "alice", "bob", "carol")
		insts := g.join(t, g.config(5*time.Second))
		res := Parallel(context.Background(), 3, func(ctx context.Context, i int) (VerificationResult[string], error) {
			return VerifyConsistentResult(ctx, insts[i], 5, []string{"k", "k", "other"}[i], nil)
		})
		for i, r := range res {
			require.NoError(t, r.Err, "role %d", i)
			assert.False(t, r.Value.IsConsistent)
			assert.Equal(t, "k", r.Value.Verified)
			assert.Equal(t, []Role{g.roles[2]}, r.Value.Byzantine)
		}
	})

	t.Run("no majority", func(t *testing.T) {
		g := newGroup(t, clock.New(), "alice", "bob")
		insts := g.join(t, g.config(5*time.Second))
		res := Parallel(context.Background(), 2, func(ctx context.Context, i int) (VerificationResult[string], error) {
			return VerifyConsistentResult(ctx, insts[i], 5, []string{"x", "y"}[i], nil)
		})
		for _, r := range res {
			assert.True(t, faults.Is(r.Err, faults.CodeProtocolViolation))
		}
	})
}

func TestInstance_Timeout(t *testing.T) {
	mock := clock.NewMock()
	g := newGroup(t, mock, "alice", "bob")
	inst, err := g.runtimes[0].Join(g.config(time.Second))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ProposeAndAcknowledge(context.Background(), inst, 0, proposal{Label: "x"}, nil)
		done <- err
	}()
	mock.Add(2 * time.Second)

	select {
	case err := <-done:
		assert.True(t, faults.IsTimeout(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("proposal did not time out")
	}
}

func TestInstance_ReceiveHonorsDeadline(t *testing.T) {
	mock := clock.NewMock()
	g := newGroup(t, mock, "alice", "bob")
	inst, err := g.runtimes[0].Join(g.config(time.Second))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		var ack proposal
		_, err := inst.ReceiveAny(context.Background(), inst.Others(), 3, &ack)
		done <- err
	}()
	mock.Add(2 * time.Second)

	select {
	case err := <-done:
		assert.True(t, faults.IsTimeout(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not time out")
	}
}

func TestMailbox_DropsInvalidEnvelopes(t *testing.T) {
	g := newGroup(t, clock.New(), "alice", "bob")
	alice, bob := g.roles[0], g.roles[1]
	box := g.runtimes[1].Mailbox()

	good := Envelope{From: alice, To: bob, Session: g.session, Phase: 2, Epoch: 1,
		Payload: Payload{Sender: alice.Device, Data: []byte(`"hi"`)}}
	raw, err := good.Encode()
	require.NoError(t, err)

	box.Deliver(effects.Inbound{From: alice.Device, Payload: raw})
	box.Deliver(effects.Inbound{From: alice.Device, Payload: raw})
	box.Deliver(effects.Inbound{From: bob.Device, Payload: raw})
	box.Deliver(effects.Inbound{From: alice.Device, Payload: []byte(`{"from":1}`)})

	forged := good
	forged.Payload.Sender = bob.Device
	raw2, err := forged.Encode()
	require.NoError(t, err)
	box.Deliver(effects.Inbound{From: alice.Device, Payload: raw2})

	assert.Equal(t, 1, box.Pending())
	assert.Equal(t, 1.0, promtest.ToFloat64(g.metrics.EnvelopesDropped.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, promtest.ToFloat64(g.metrics.EnvelopesDropped.WithLabelValues("sender")))
	assert.Equal(t, 2.0, promtest.ToFloat64(g.metrics.EnvelopesDropped.WithLabelValues("malformed")))

	env, err := box.Next(context.Background(), g.session, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, alice, env.From)
	assert.Zero(t, box.Pending())
}

func TestConfig_Validate(t *testing.T) {
	a, b := ids.NamedDevice("a"), ids.NamedDevice("b")
	session := ids.NamedSession("s")
	cases := map[string]Config{
		"no session":     {Participants: Roles(a, b)},
		"no roles":       {Session: session},
		"not a member":   {Session: session, Participants: Roles(b)},
		"duplicate":      {Session: session, Participants: Roles(a, a)},
		"bad index":      {Session: session, Participants: []Role{{Device: a, Index: 1}}},
		"quorum too big": {Session: session, Participants: Roles(a, b), Quorum: 3},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := cfg.validate(a)
			assert.True(t, faults.Is(err, faults.CodeProtocolViolation), "got %v", err)
		})
	}

	self, err := Config{Session: session, Participants: Roles(b, a)}.validate(a)
	require.NoError(t, err)
	assert.Equal(t, Role{Device: a, Index: 1}, self)
}
