package protocol

import (
	"context"
	"crypto/rand"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/testutil"
)

var guardianNames = []string{"g1", "g2", "g3"}

type recoveryFixture struct {
	c         *cluster
	clock     *testutil.DeterministicClock
	newDevice *Node
	guardians []*Node
	secret    crypto.Scalar
	shares    []crypto.Share
	commits   []crypto.Point
}

func newRecoveryFixture(t *testing.T, behaviors map[string]Behavior) *recoveryFixture {
	t.Helper()
	c := newCluster(t, 2, "alice", "bob", "carol")
	clk := c.withDeterministicTime(1_000_000)
	secret, err := crypto.RandomScalar(rand.Reader)
	require.NoError(t, err)
	shares, commits, err := crypto.Split(secret, 2, 3, rand.Reader)
	require.NoError(t, err)
	f := &recoveryFixture{c: c, clock: clk, secret: secret, shares: shares, commits: commits}
	f.newDevice = c.stranger(t, "dave")
	for _, g := range guardianNames {
		f.guardians = append(f.guardians, c.guardian(t, g, WithBehavior(behaviors[g])))
	}
	return f
}

func (f *recoveryFixture) requests(session ids.SessionID, cooldownS uint32) []RecoveryRequest {
	var gids []ids.GuardianID
	for _, g := range guardianNames {
		gids = append(gids, f.c.acct.Guardians[g])
	}
	base := RecoveryRequest{
		Session:     session,
		NewDevice:   f.newDevice.Device(),
		Guardians:   gids,
		CooldownS:   cooldownS,
		Commitments: f.commits,
		Epoch:       1,
	}
	out := []RecoveryRequest{base}
	for i := range f.guardians {
		r := base
		r.Share = f.shares[i]
		out = append(out, r)
	}
	return out
}

func (f *recoveryFixture) run(reqs []RecoveryRequest) []choreo.Outcome[RecoveryResult] {
	nodes := append([]*Node{f.newDevice}, f.guardians...)
	return choreo.Parallel(context.Background(), len(nodes), func(ctx context.Context, i int) (RecoveryResult, error) {
		return nodes[i].RunRecovery(ctx, reqs[i])
	})
}

func TestRunRecovery_RestoresRootKeyAfterCooldown(t *testing.T) {
	f := newRecoveryFixture(t, nil)
	session := ids.NamedSession(t.Name())

	res := f.run(f.requests(session, 10))
	for i, r := range res {
		require.NoError(t, r.Err, "role %d", i)
	}
	want, err := crypto.DeriveRootKey(f.secret, f.c.acct.ID.Bytes())
	require.NoError(t, err)
	got := res[0].Value
	assert.Equal(t, want, got.RootKey)
	assert.Equal(t, f.newDevice.Device(), got.NewDevice)
	for _, r := range res[1:] {
		assert.Equal(t, f.newDevice.Device(), r.Value.NewDevice)
	}

	st := f.c.acct.Ledger.State()
	rec := st.Recoveries[session]
	assert.GreaterOrEqual(t, rec.CompletedAt-rec.InitiatedAt, int64(10_000))
	assert.GreaterOrEqual(t, len(rec.Approvals), 2)
	assert.Equal(t, journal.StatusCompleted, st.Sessions[session].Status)
	assert.True(t, st.IsActiveDevice(f.newDevice.Device()), "recovered device enrolled")
}

func TestRunRecovery_LateGuardianAfterCompletion(t *testing.T) {
	f := newRecoveryFixture(t, nil)
	session := ids.NamedSession(t.Name())
	reqs := f.requests(session, 1)

	// The new device and the first two guardians finish on their own.
	nodes := []*Node{f.newDevice, f.guardians[0], f.guardians[1]}
	res := choreo.Parallel(context.Background(), len(nodes), func(ctx context.Context, i int) (RecoveryResult, error) {
		return nodes[i].RunRecovery(ctx, reqs[i])
	})
	for i, r := range res {
		require.NoError(t, r.Err, "role %d", i)
	}
	require.Equal(t, journal.StatusCompleted, f.c.acct.Ledger.State().Sessions[session].Status)

	late, err := f.guardians[2].RunRecovery(context.Background(), reqs[3])
	require.NoError(t, err)
	assert.Equal(t, f.newDevice.Device(), late.NewDevice)

	rec := f.c.acct.Ledger.State().Recoveries[session]
	assert.NotContains(t, rec.Shares, f.c.acct.Guardians["g3"])
	assert.Len(t, rec.Shares, 2)
}

func TestRunRecovery_SharesJournaledBeforeCompletion(t *testing.T) {
	f := newRecoveryFixture(t, nil)
	session := ids.NamedSession(t.Name())

	res := f.run(f.requests(session, 1))
	for i, r := range res {
		require.NoError(t, r.Err, "role %d", i)
	}

	// Every share the new device combined has a commitment that precedes
	// the completion event.
	var shares int
	for _, e := range f.c.acct.Ledger.Events() {
		switch e.Payload.(type) {
		case journal.SubmitRecoveryShare:
			shares++
		case journal.CompleteRecovery:
			assert.GreaterOrEqual(t, shares, 2)
			return
		}
	}
	t.Fatal("no completion event")
}

func TestCompleteRecovery_BeforeCooldown(t *testing.T) {
	f := newRecoveryFixture(t, nil)
	ctx := context.Background()
	session := ids.NamedSession(t.Name())
	dave := f.newDevice

	require.NoError(t, dave.emitSelf(ctx, journal.InitiateRecovery{
		Session:      session,
		NewDevice:    dave.Device(),
		NewDeviceKey: dave.author.Key.Public(),
		CooldownS:    10,
	}))
	f.clock.Advance(5_000)

	_, err := dave.CompleteRecovery(ctx, session, [32]byte{1})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.CodeProtocolViolation), "%v", err)
	assert.True(t, strings.Contains(err.Error(), journal.CooldownViolation), "%v", err)
	assert.Zero(t, f.c.acct.Ledger.State().Recoveries[session].CompletedAt)
}

func TestRunRecovery_BadShareAccused(t *testing.T) {
	f := newRecoveryFixture(t, nil)
	session := ids.NamedSession(t.Name())
	reqs := f.requests(session, 1)
	bogus := crypto.ScalarFromUint(7)
	reqs[2].Share.Value = bogus
	reqs[3].Share.Value = bogus

	res := f.run(reqs)
	accused, ok := faults.IsByzantine(res[0].Err)
	require.True(t, ok, "%v", res[0].Err)
	require.Len(t, accused, 1)
	cheats := []ids.DeviceID{f.guardians[1].Device(), f.guardians[2].Device()}
	assert.True(t, slices.Contains(cheats, accused[0].Device), "accused %s", accused[0])

	st := f.c.acct.Ledger.State()
	assert.True(t, st.Sessions[session].Status.Terminal())
	assert.NotEqual(t, journal.StatusCompleted, st.Sessions[session].Status)
	assert.False(t, st.IsActiveDevice(f.newDevice.Device()))
}

func TestRunRecovery_GuardiansRefuse(t *testing.T) {
	f := newRecoveryFixture(t, map[string]Behavior{
		"g2": {RejectProposals: true},
		"g3": {RejectProposals: true},
	})
	session := ids.NamedSession(t.Name())

	res := f.run(f.requests(session, 1))
	assert.True(t, faults.Is(res[0].Err, faults.CodeProtocolViolation), "%v", res[0].Err)
	assert.Len(t, f.c.acct.Ledger.State().Recoveries[session].Approvals, 1)
}

func TestNudgeGuardians(t *testing.T) {
	f := newRecoveryFixture(t, nil)
	ctx := context.Background()
	session := ids.NamedSession(t.Name())
	dave := f.newDevice

	require.NoError(t, dave.emitSelf(ctx, journal.InitiateRecovery{
		Session:      session,
		NewDevice:    dave.Device(),
		NewDeviceKey: dave.author.Key.Public(),
		CooldownS:    60,
	}))
	require.NoError(t, f.guardians[0].emit(ctx, journal.CollectGuardianApproval{Session: session, Guardian: f.c.acct.Guardians["g1"]}))

	nudged, err := dave.NudgeGuardians(ctx, session)
	require.NoError(t, err)
	want := []ids.GuardianID{f.c.acct.Guardians["g2"], f.c.acct.Guardians["g3"]}
	slices.SortFunc(want, func(a, b ids.GuardianID) int { return strings.Compare(a.String(), b.String()) })
	assert.Equal(t, want, nudged)

	nudges := f.c.acct.Ledger.State().Recoveries[session].Nudges
	assert.Equal(t, uint32(1), nudges[want[0]])

	_, err = dave.NudgeGuardians(ctx, ids.NamedSession("missing"))
	assert.True(t, faults.Is(err, faults.CodeProtocolViolation))
}
