package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/testutil"
)

var (
	alice    = ids.NamedDevice("alice")
	bob      = ids.NamedDevice("bob")
	aliceKey = crypto.DeviceKeyFromLabel("alice")
	bobKey   = crypto.DeviceKeyFromLabel("bob")
)

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(opts...)
	m.RegisterAuthority(alice, aliceKey.Public())
	m.RegisterAuthority(bob, bobKey.Public())
	return m
}

func TestPermissionCovers(t *testing.T) {
	tests := []struct {
		name  string
		have  Permission
		need  Permission
		cover bool
	}{
		{"exact storage", Storage(OpRead, "/docs"), Storage(OpRead, "/docs"), true},
		{"storage wildcard", Storage(OpWrite, Wildcard), Storage(OpWrite, "/x"), true},
		{"wrong op", Storage(OpRead, Wildcard), Storage(OpWrite, "/x"), false},
		{"prefix is not a wildcard", Storage(OpRead, "/docs"), Storage(OpRead, "/docs/a"), false},
		{"communication wildcard", Communication(OpSend, Wildcard), Communication(OpSend, "friend"), true},
		{"relay lower trust", Relay(OpForward, "trusted"), Relay(OpForward, "basic"), true},
		{"relay higher trust", Relay(OpForward, "basic"), Relay(OpForward, "trusted"), false},
		{"class mismatch", Storage(OpRead, Wildcard), Communication(OpRead, "x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.cover, tt.have.Covers(tt.need))
		})
	}
}

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission("storage:write:journal://a:b")
	require.NoError(t, err)
	assert.Equal(t, Storage(OpWrite, "journal://a:b"), p)
	assert.Equal(t, "storage:write:journal://a:b", p.String())

	_, err = ParsePermission("storage:write")
	assert.Error(t, err)
	_, err = ParsePermission("disk:write:x")
	assert.Error(t, err)
}

func TestGrantAndVerify(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	tok, err := m.Grant(ctx, alice, aliceKey, bob, []Permission{Storage(OpRead, Wildcard)}, 0, 10)
	require.NoError(t, err)

	got, err := m.Verify(bob, Storage(OpRead, "/photos"), 20)
	require.NoError(t, err)
	assert.Equal(t, tok.ID(), got.ID())

	_, err = m.Verify(bob, Storage(OpWrite, "/photos"), 20)
	assert.True(t, faults.Is(err, faults.CodeInsufficientPermissions))

	_, err = m.Verify(alice, Storage(OpRead, "/photos"), 20)
	assert.True(t, faults.Is(err, faults.CodeInsufficientPermissions))
}

func TestGrantRequiresRegisteredAuthority(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	perms := []Permission{Storage(OpRead, Wildcard)}

	_, err := m.Grant(ctx, alice, aliceKey, bob, perms, 0, 1)
	assert.True(t, faults.Is(err, faults.CodeTokenInvalid))
	_, err = m.Verify(bob, Storage(OpRead, "x"), 2)
	assert.Error(t, err)

	m.RegisterAuthority(alice, aliceKey.Public())
	_, err = m.Grant(ctx, alice, bobKey, bob, perms, 0, 1)
	assert.True(t, faults.Is(err, faults.CodeTokenInvalid))

	_, err = m.Grant(ctx, alice, aliceKey, bob, perms, 0, 1)
	require.NoError(t, err)
	_, err = m.Verify(bob, Storage(OpRead, "x"), 2)
	assert.NoError(t, err)
}

func TestVerifyExpiry(t *testing.T) {
	m := newManager(t)
	_, err := m.Grant(context.Background(), alice, aliceKey, bob, []Permission{Storage(OpRead, Wildcard)}, 100, 10)
	require.NoError(t, err)

	_, err = m.Verify(bob, Storage(OpRead, "x"), 99)
	assert.NoError(t, err)
	_, err = m.Verify(bob, Storage(OpRead, "x"), 100)
	assert.True(t, faults.Is(err, faults.CodeTokenExpired))
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	m := newManager(t)
	tok := Token{Device: bob, Permissions: []Permission{Storage(OpRead, Wildcard)}, Issuer: alice, IssuedAt: 1}.sign(bobKey)
	m.Load([]Token{tok}, nil)

	_, err := m.Verify(bob, Storage(OpRead, "x"), 5)
	assert.True(t, faults.Is(err, faults.CodeTokenInvalid))
}

func TestDelegateAttenuates(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	root, err := m.Grant(ctx, alice, aliceKey, alice, []Permission{Storage(OpRead, Wildcard), Storage(OpWrite, "/a")}, 1_000, 1)
	require.NoError(t, err)

	child, err := m.Delegate(ctx, root.ID(), aliceKey, bob, []Permission{Storage(OpRead, "/shared")}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []canonical.Hash{root.ID()}, child.Chain)
	assert.Equal(t, int64(1_000), child.ExpiresAt, "child is clamped to the parent's expiry")

	_, err = m.Verify(bob, Storage(OpRead, "/shared"), 3)
	assert.NoError(t, err)

	_, err = m.Delegate(ctx, root.ID(), aliceKey, bob, []Permission{Storage(OpDelete, "/a")}, 0, 3)
	assert.True(t, faults.Is(err, faults.CodeInsufficientPermissions))

	_, err = m.Delegate(ctx, root.ID(), bobKey, bob, []Permission{Storage(OpRead, "/x")}, 0, 3)
	assert.True(t, faults.Is(err, faults.CodeTokenInvalid), "only the holder may delegate")

	_, err = m.Delegate(ctx, canonical.Sum([]byte("nope")), aliceKey, bob, []Permission{Storage(OpRead, "/x")}, 0, 3)
	assert.True(t, faults.Is(err, faults.CodeDelegationChainInvalid))
}

func TestRevokeCascades(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	carol := ids.NamedDevice("carol")
	carolKey := crypto.DeviceKeyFromLabel("carol")
	m.RegisterAuthority(carol, carolKey.Public())

	root, err := m.Grant(ctx, alice, aliceKey, alice, []Permission{Communication(OpSend, Wildcard)}, 0, 1)
	require.NoError(t, err)
	mid, err := m.Delegate(ctx, root.ID(), aliceKey, bob, []Permission{Communication(OpSend, Wildcard)}, 0, 2)
	require.NoError(t, err)
	leaf, err := m.Delegate(ctx, mid.ID(), bobKey, carol, []Permission{Communication(OpSend, "friends")}, 0, 3)
	require.NoError(t, err)

	cascade, err := m.Revoke(ctx, mid.ID(), "lost phone", 4)
	require.NoError(t, err)
	assert.ElementsMatch(t, []canonical.Hash{mid.ID(), leaf.ID()}, cascade)
	assert.True(t, m.IsRevoked(leaf.ID()))
	assert.False(t, m.IsRevoked(root.ID()))

	_, err = m.Verify(carol, Communication(OpSend, "friends"), 5)
	assert.True(t, faults.Is(err, faults.CodeRevoked))
	_, err = m.Verify(alice, Communication(OpSend, "friends"), 5)
	assert.NoError(t, err)

	_, err = m.Delegate(ctx, mid.ID(), bobKey, carol, []Permission{Communication(OpSend, "x")}, 0, 6)
	assert.True(t, faults.Is(err, faults.CodeRevoked))
}

func TestCleanupExpired(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.Grant(ctx, alice, aliceKey, bob, []Permission{Storage(OpRead, "a")}, 50, 1)
	require.NoError(t, err)
	keep, err := m.Grant(ctx, alice, aliceKey, bob, []Permission{Storage(OpRead, "b")}, 0, 1)
	require.NoError(t, err)

	n, err := m.CleanupExpired(ctx, 50)
	require.NoError(t, err)
	assert.Zero(t, n, "expiry equal to now is kept")

	n, err = m.CleanupExpired(ctx, 51)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	toks := m.Tokens(bob)
	require.Len(t, toks, 1)
	assert.Equal(t, keep.ID(), toks[0].ID())
}

type memPersister struct {
	saved   []Token
	revoked []canonical.Hash
	deleted []canonical.Hash
}

func (p *memPersister) SaveToken(_ context.Context, t Token) error {
	p.saved = append(p.saved, t)
	return nil
}

func (p *memPersister) MarkRevoked(_ context.Context, id canonical.Hash, _ int64) error {
	p.revoked = append(p.revoked, id)
	return nil
}

func (p *memPersister) DeleteToken(_ context.Context, id canonical.Hash) error {
	p.deleted = append(p.deleted, id)
	return nil
}

func TestPersisterRoundTripThroughLoad(t *testing.T) {
	p := &memPersister{}
	m := newManager(t, WithPersister(p))
	ctx := context.Background()
	root, err := m.Grant(ctx, alice, aliceKey, alice, []Permission{Storage(OpRead, Wildcard)}, 0, 1)
	require.NoError(t, err)
	child, err := m.Delegate(ctx, root.ID(), aliceKey, bob, []Permission{Storage(OpRead, "/x")}, 0, 2)
	require.NoError(t, err)
	_, err = m.Revoke(ctx, root.ID(), "", 3)
	require.NoError(t, err)

	restored := newManager(t)
	restored.Load(p.saved, p.revoked)
	assert.True(t, restored.IsRevoked(child.ID()))
	_, err = restored.Verify(bob, Storage(OpRead, "/x"), 4)
	assert.True(t, faults.Is(err, faults.CodeRevoked))
}

func TestJournalRecorderMirrorsAuthority(t *testing.T) {
	acct := testutil.NewAccount(t, "caps", 2, []string{"alice", "bob"})
	m := NewManager(WithRecorder(JournalRecorder{Author: acct.Author("alice")}))
	m.RegisterAuthority(acct.Devices["alice"], acct.Keys["alice"].Public())
	m.RegisterAuthority(acct.Devices["bob"], acct.Keys["bob"].Public())
	ctx := context.Background()

	root, err := m.Grant(ctx, acct.Devices["alice"], acct.Keys["alice"], acct.Devices["bob"], []Permission{Storage(OpRead, Wildcard)}, 0, 1)
	require.NoError(t, err)
	child, err := m.Delegate(ctx, root.ID(), acct.Keys["bob"], acct.Devices["alice"], []Permission{Storage(OpRead, "/a")}, 0, 2)
	require.NoError(t, err)
	_, err = m.Revoke(ctx, root.ID(), "rotate", 3)
	require.NoError(t, err)

	var kinds []journal.Kind
	for _, e := range acct.Ledger.Events() {
		kinds = append(kinds, e.Kind())
	}
	assert.Equal(t, []journal.Kind{
		journal.KindCapabilityDelegation,
		journal.KindCapabilityDelegation,
		journal.KindCapabilityRevocation,
	}, kinds)
	st := acct.Ledger.State()
	assert.True(t, st.Authority.IsRevoked(child.ID()))
}
