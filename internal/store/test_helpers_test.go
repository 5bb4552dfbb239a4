package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/testutil"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// persistedAccount creates an account whose ledger writes through s, with
// a checkpoint every `every` events.
func persistedAccount(t *testing.T, s *Store, every uint64) *testutil.Account {
	t.Helper()
	acct := testutil.NewAccount(t, "stored", 2, []string{"alice", "bob", "carol"},
		journal.WithPersister(s), journal.WithCheckpointEvery(every))
	require.NoError(t, s.SaveGenesis(context.Background(), acct.Genesis))
	return acct
}

// epochTicks appends n EpochTick events authored by alice.
func epochTicks(t *testing.T, acct *testutil.Account, n int) {
	t.Helper()
	ctx := context.Background()
	var epoch uint64
	acct.Ledger.View(func(st *journal.AccountState) { epoch = st.SessionEpoch })
	for i := range n {
		_, _, err := acct.Author("alice").Emit(ctx, journal.EpochTick{NewEpoch: epoch + uint64(i) + 1}, int64(1_000+i))
		require.NoError(t, err)
	}
}
