package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/aura/internal/effects"
)

// Metadata is the store's key/value table as StorageEffects.
type Metadata struct {
	s *Store
}

// Metadata returns the metadata KV.
func (s *Store) Metadata() *Metadata { return &Metadata{s: s} }

var _ effects.StorageEffects = (*Metadata)(nil)

func (m *Metadata) Store(ctx context.Context, key string, value []byte) error {
	_, err := m.s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store %q: %w", key, err)
	}
	return nil
}

func (m *Metadata) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := m.s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("retrieve %q: %w", key, err)
	}
	return v, true, nil
}

func (m *Metadata) Remove(ctx context.Context, key string) (bool, error) {
	res, err := m.s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("remove %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (m *Metadata) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := m.s.db.QueryRowContext(ctx, `SELECT 1 FROM metadata WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %q: %w", key, err)
	}
	return true, nil
}

func (m *Metadata) StoreBatch(ctx context.Context, values map[string][]byte) error {
	return m.s.inTx(ctx, func(tx *sql.Tx) error {
		for k, v := range values {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO metadata (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value
			`, k, v)
			if err != nil {
				return fmt.Errorf("store %q: %w", k, err)
			}
		}
		return nil
	})
}

func (m *Metadata) RetrieveBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := m.Retrieve(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Metadata) ClearAll(ctx context.Context) error {
	if _, err := m.s.db.ExecContext(ctx, `DELETE FROM metadata`); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}
	return nil
}

func (m *Metadata) Stats(ctx context.Context) (effects.StorageStats, error) {
	st := effects.StorageStats{Backend: "sqlite"}
	err := m.s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM metadata`).Scan(&st.Keys, &st.Bytes)
	if err != nil {
		return st, fmt.Errorf("metadata stats: %w", err)
	}
	return st, nil
}
