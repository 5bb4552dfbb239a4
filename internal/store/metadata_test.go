package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_StorageEffects(t *testing.T) {
	m := createTestStore(t).Metadata()
	ctx := context.Background()

	require.NoError(t, m.Store(ctx, "a", []byte("1")))
	require.NoError(t, m.Store(ctx, "a", []byte("11")))
	v, ok, err := m.Retrieve(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("11"), v)

	require.NoError(t, m.StoreBatch(ctx, map[string][]byte{"b": []byte("2"), "c": []byte("333")}))
	got, err := m.RetrieveBatch(ctx, []string{"a", "c", "zz"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("11"), "c": []byte("333")}, got)

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", st.Backend)
	assert.Equal(t, 3, st.Keys)
	assert.EqualValues(t, 6, st.Bytes)

	removed, err := m.Remove(ctx, "b")
	require.NoError(t, err)
	assert.True(t, removed)
	exists, err := m.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, m.ClearAll(ctx))
	st, err = m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Keys)
}
