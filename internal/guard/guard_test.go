package guard

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/lattice"
	"github.com/roach88/aura/internal/metrics"
	"github.com/roach88/aura/internal/storage"
	"github.com/roach88/aura/internal/testutil"
)

// recordingNetwork captures sends and can be told to fail.
type recordingNetwork struct {
	mu   sync.Mutex
	sent []ids.DeviceID
	fail error
}

func (n *recordingNetwork) SendToPeer(_ context.Context, peer ids.DeviceID, _ []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail != nil {
		return n.fail
	}
	n.sent = append(n.sent, peer)
	return nil
}

func (n *recordingNetwork) Broadcast(context.Context, []byte) error { return nil }
func (n *recordingNetwork) Receive(ctx context.Context) (effects.Inbound, error) {
	<-ctx.Done()
	return effects.Inbound{}, ctx.Err()
}
func (n *recordingNetwork) ReceiveFrom(ctx context.Context, _ ids.DeviceID) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (n *recordingNetwork) ConnectedPeers(context.Context) []ids.DeviceID      { return nil }
func (n *recordingNetwork) IsPeerConnected(context.Context, ids.DeviceID) bool { return true }
func (n *recordingNetwork) SubscribeToPeerEvents(context.Context) (<-chan effects.PeerEvent, error) {
	return nil, nil
}

type fixture struct {
	acct    *testutil.Account
	net     *recordingNetwork
	leak    *effects.LeakageLedger
	store   *storage.Memory
	sys     effects.System
	metrics *metrics.Metrics
	ctxID   ids.ContextID
	alice   ids.DeviceID
	bob     ids.DeviceID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	acct := testutil.NewAccount(t, "guarded", 2, []string{"alice", "bob", "carol"})
	clk := testutil.NewDeterministicClock(1_000)
	f := &fixture{
		acct:    acct,
		net:     &recordingNetwork{},
		leak:    effects.NewLeakageLedger(64),
		store:   storage.NewMemory(),
		metrics: metrics.New(prometheus.NewRegistry()),
		ctxID:   ids.NamedContext("C"),
		alice:   acct.Devices["alice"],
		bob:     acct.Devices["bob"],
	}
	f.sys = effects.System{
		Journal: acct.Ledger,
		Flow:    effects.LedgerFlow{Ledger: acct.Ledger, Time: clk},
		Leakage: f.leak,
		Storage: f.store,
		Network: f.net,
		Random:  effects.NewSeededRandom(42),
		Time:    clk,
	}
	return f
}

func (f *fixture) setBudget(t *testing.T, limit uint32) {
	t.Helper()
	_, err := f.acct.Ledger.UpdateFlowBudget(context.Background(), f.ctxID, f.bob, journal.FlowBudget{Limit: limit})
	require.NoError(t, err)
}

func (f *fixture) executor(t *testing.T, opts ...ExecutorOption) *Executor {
	t.Helper()
	p, err := NewProduction(f.sys, nil)
	require.NoError(t, err)
	opts = append([]ExecutorOption{WithMetrics(f.metrics)}, opts...)
	return NewExecutor(SystemReader{Sys: f.sys}, p, opts...)
}

func (f *fixture) request(cost uint32) Request {
	delta := journal.Journal{Facts: lattice.Fact{"sent/1": lattice.String("hello")}}
	return Request{
		Context:   f.ctxID,
		Authority: f.alice,
		Peer:      f.bob,
		Envelope:  []byte("hello"),
		Cost:      cost,
		Delta:     &delta,
	}
}

func TestEvaluate_DeniesUnfundedSend(t *testing.T) {
	req := Request{Context: ids.NamedContext("C"), Peer: ids.NamedDevice("P"), Cost: 100}
	d := Evaluate(req, Snapshot{Budget: journal.FlowBudget{Limit: 50}}, nil)

	assert.False(t, d.Authorized)
	assert.Contains(t, d.DenialReason, "Insufficient flow budget")
	assert.True(t, faults.Is(d.Err, faults.CodeInsufficientFlow))
	assert.Empty(t, d.Program)
}

func TestEvaluate_ProgramOrder(t *testing.T) {
	delta := journal.Journal{Facts: lattice.Fact{"k": lattice.String("v")}}
	req := Request{
		Context:  ids.NamedContext("C"),
		Peer:     ids.NamedDevice("P"),
		Cost:     10,
		Leakage:  &Leakage{Context: "C", Operation: "send", Bits: 4},
		Delta:    &delta,
		Metadata: map[string][]byte{"z": nil, "a": []byte("1")},
	}
	snap := Snapshot{Budget: journal.FlowBudget{Limit: 50}, Leakage: effects.LeakageBudget{Limit: 8}}
	d := Evaluate(req, snap, nil)
	require.True(t, d.Authorized)

	kinds := make([]Kind, len(d.Program))
	for i, c := range d.Program {
		kinds[i] = c.Kind()
	}
	assert.Equal(t, []Kind{
		KindChargeBudget, KindRecordLeakage, KindSendEnvelope, KindAppendJournal, KindStoreMetadata, KindStoreMetadata,
	}, kinds)
	assert.Equal(t, "a", d.Program[4].(StoreMetadata).Key)

	send := d.Program[2].(SendEnvelope)
	peer, ok := send.Peer()
	require.True(t, ok)
	assert.Equal(t, ids.NamedDevice("P"), peer)
	assert.Equal(t, req.Context, send.Context)
}

func TestEvaluate_LeakageOverdrawn(t *testing.T) {
	req := Request{Cost: 1, Leakage: &Leakage{Context: "C", Operation: "send", Bits: 9}}
	d := Evaluate(req, Snapshot{Budget: journal.FlowBudget{Limit: 50}, Leakage: effects.LeakageBudget{Limit: 8}}, nil)
	assert.False(t, d.Authorized)
	assert.True(t, faults.Is(d.Err, faults.CodeLeakageBudgetExceeded))
}

func TestEvaluate_MalformedRequirement(t *testing.T) {
	d := Evaluate(Request{Requirement: "storage"}, Snapshot{Budget: journal.FlowBudget{Limit: 1}}, nil)
	assert.False(t, d.Authorized)
	assert.True(t, faults.Is(d.Err, faults.CodeTokenInvalid))
}

func TestSend_DeniedLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.setBudget(t, 50)
	ctx := context.Background()
	before, err := f.acct.Ledger.GetJournal(ctx)
	require.NoError(t, err)

	res, err := f.executor(t).Send(ctx, f.request(100))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.CodeInsufficientFlow))
	assert.False(t, res.Decision.Authorized)
	assert.Contains(t, res.Decision.DenialReason, "Insufficient flow budget")
	assert.Nil(t, res.Receipt)

	assert.Empty(t, f.net.sent)
	after, err := f.acct.Ledger.GetJournal(ctx)
	require.NoError(t, err)
	assert.True(t, before.Equal(after))
	b, err := f.acct.Ledger.GetFlowBudget(ctx, f.ctxID, f.bob)
	require.NoError(t, err)
	assert.Equal(t, uint32(50), b.Headroom())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.GuardDecisions.WithLabelValues("INSUFFICIENT_FLOW")))
}

func TestSend_AuthorizedChargesThenSends(t *testing.T) {
	f := newFixture(t)
	f.setBudget(t, 50)
	ctx := context.Background()
	req := f.request(30)
	req.Metadata = map[string][]byte{"last": []byte("hello")}

	res, err := f.executor(t).Send(ctx, req)
	require.NoError(t, err)
	require.True(t, res.Decision.Authorized)
	require.NotNil(t, res.Receipt)
	assert.True(t, res.Receipt.Verify())
	assert.Equal(t, uint32(30), res.Receipt.Cost)
	assert.Equal(t, uint32(20), res.Receipt.Remaining)
	assert.Equal(t, int64(1_000), res.Receipt.Timestamp)
	require.Len(t, res.Outcomes, 4)
	assert.Equal(t, KindChargeBudget, res.Outcomes[0].Kind)
	assert.Equal(t, KindSendEnvelope, res.Outcomes[1].Kind)

	assert.Equal(t, []ids.DeviceID{f.bob}, f.net.sent)
	j, err := f.acct.Ledger.GetJournal(ctx)
	require.NoError(t, err)
	assert.True(t, j.Facts["sent/1"].Equal(lattice.String("hello")))
	v, ok, err := f.store.Retrieve(ctx, "last")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello"), v)

	assert.Equal(t, 30.0, promtest.ToFloat64(f.metrics.BudgetCharged))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.EnvelopesSent))
}

func TestSend_TransportFailureSkipsDelta(t *testing.T) {
	f := newFixture(t)
	f.setBudget(t, 50)
	f.net.fail = faults.Dropped("bob")
	ctx := context.Background()

	res, err := f.executor(t).Send(ctx, f.request(30))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.CodeDropped))
	require.NotNil(t, res.Receipt, "the charge precedes the send")

	j, err := f.acct.Ledger.GetJournal(ctx)
	require.NoError(t, err)
	_, committed := j.Facts["sent/1"]
	assert.False(t, committed)
}

func TestSend_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	caps := capability.NewManager()
	caps.RegisterAuthority(f.alice, f.acct.Keys["alice"].Public())
	ex := f.executor(t, WithAuthorizer(caps))

	req := f.request(1)
	req.Requirement = "communication:send:*"
	_, err := ex.Send(ctx, req)
	assert.True(t, faults.Is(err, faults.CodeInsufficientPermissions))
	assert.Empty(t, f.net.sent)

	tok, err := caps.Grant(ctx, f.alice, f.acct.Keys["alice"], f.alice,
		[]capability.Permission{capability.Communication(capability.OpSend, capability.Wildcard)}, 0, 0)
	require.NoError(t, err)
	res, err := ex.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, tok.ID(), res.Decision.Token)

	_, err = caps.Revoke(ctx, tok.ID(), "compromised", 1)
	require.NoError(t, err)
	_, err = ex.Send(ctx, req)
	assert.True(t, faults.Is(err, faults.CodeRevoked))
}

func TestSend_LeakageConsumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ex := f.executor(t)
	req := f.request(1)
	req.Delta = nil
	req.Leakage = &Leakage{Context: "C", Operation: "send", Bits: 40}

	_, err := ex.Send(ctx, req)
	require.NoError(t, err)
	b, err := f.leak.GetLeakageBudget(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, uint64(24), b.Remaining())

	_, err = ex.Send(ctx, req)
	assert.True(t, faults.Is(err, faults.CodeLeakageBudgetExceeded))
	assert.Len(t, f.net.sent, 1)
}

// staleReader reports a flow budget the ledger no longer has.
type staleReader struct {
	SystemReader
	budget journal.FlowBudget
}

func (r staleReader) GetFlowBudget(context.Context, ids.ContextID, ids.DeviceID) (journal.FlowBudget, error) {
	return r.budget, nil
}

func TestSend_FailedChargeKeepsLeakage(t *testing.T) {
	f := newFixture(t)
	f.setBudget(t, 5)
	ctx := context.Background()
	p, err := NewProduction(f.sys, nil)
	require.NoError(t, err)
	ex := NewExecutor(staleReader{SystemReader: SystemReader{Sys: f.sys}, budget: journal.FlowBudget{Limit: 100}}, p)

	req := f.request(30)
	req.Leakage = &Leakage{Context: "C", Operation: "send", Bits: 40}
	res, err := ex.Send(ctx, req)
	require.True(t, res.Decision.Authorized)
	assert.True(t, faults.Is(err, faults.CodeInsufficientFlow))

	b, err := f.leak.GetLeakageBudget(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, uint64(64), b.Remaining())
	assert.Empty(t, f.net.sent)
}

func TestNonce_Deterministic(t *testing.T) {
	a := newFixture(t).executor(t)
	b := newFixture(t).executor(t)
	na, err := a.Nonce(context.Background(), 32)
	require.NoError(t, err)
	nb, err := b.Nonce(context.Background(), 32)
	require.NoError(t, err)
	assert.Len(t, na, 32)
	assert.Equal(t, na, nb)
}

func TestNewProduction_RequiresCapabilities(t *testing.T) {
	_, err := NewProduction(effects.System{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network")
}

func TestProduction_RejectsNonDeviceAddress(t *testing.T) {
	f := newFixture(t)
	p, err := NewProduction(f.sys, nil)
	require.NoError(t, err)
	_, err = p.Execute(context.Background(), SendEnvelope{To: "ws://elsewhere"})
	assert.True(t, faults.Is(err, faults.CodePeerUnreachable))
}
