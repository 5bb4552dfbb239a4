package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/journal"
)

// Genesis returns the stored genesis, if any.
func (s *Store) Genesis(ctx context.Context) (journal.Genesis, bool, error) {
	var g journal.Genesis
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM genesis WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return g, false, nil
	}
	if err != nil {
		return g, false, fmt.Errorf("read genesis: %w", err)
	}
	if err := unmarshalJSON("genesis", body, &g); err != nil {
		return g, false, faults.PersistenceCorrupt("genesis", err)
	}
	return g, true, nil
}

// Events returns events after lamport in log order. It stops at the first
// row that does not decode or whose body no longer matches its stored
// hash; the rows before it are returned with a PersistenceCorrupt error.
func (s *Store) Events(ctx context.Context, after uint64) ([]journal.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lamport, body, hash
		FROM events
		WHERE lamport > ?
		ORDER BY lamport ASC
	`, after)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []journal.Event{}
	for rows.Next() {
		var (
			lamport uint64
			body    []byte
			hash    string
		)
		if err := rows.Scan(&lamport, &body, &hash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e, err := unmarshalEvent(body, hash)
		if err == nil && e.Lamport != lamport {
			err = fmt.Errorf("row %d holds lamport %d", lamport, e.Lamport)
		}
		if err != nil {
			return events, faults.PersistenceCorrupt(fmt.Sprintf("event %d", lamport), err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// EventCount returns the number of stored events and the highest lamport.
func (s *Store) EventCount(ctx context.Context) (int, uint64, error) {
	var (
		n  int
		hi sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MAX(lamport) FROM events`).Scan(&n, &hi); err != nil {
		return 0, 0, fmt.Errorf("count events: %w", err)
	}
	return n, uint64(hi.Int64), nil
}

// storedCheckpoint is a checkpoint row; Err is set when the row does not
// decode.
type storedCheckpoint struct {
	Lamport    uint64
	Checkpoint journal.Checkpoint
	Err        error
}

// checkpoints returns every checkpoint row, newest first.
func (s *Store) checkpoints(ctx context.Context) ([]storedCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lamport, body FROM checkpoints ORDER BY lamport DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []storedCheckpoint
	for rows.Next() {
		var sc storedCheckpoint
		var body []byte
		if err := rows.Scan(&sc.Lamport, &body); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		sc.Err = unmarshalJSON("checkpoint", body, &sc.Checkpoint)
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// LatestCheckpoint returns the newest checkpoint that decodes and seals.
func (s *Store) LatestCheckpoint(ctx context.Context) (journal.Checkpoint, bool, error) {
	cps, err := s.checkpoints(ctx)
	if err != nil {
		return journal.Checkpoint{}, false, err
	}
	for _, sc := range cps {
		if sc.Err == nil && sc.Checkpoint.Valid() {
			return sc.Checkpoint, true, nil
		}
	}
	return journal.Checkpoint{}, false, nil
}

// Journal returns the stored journal value, or an empty one.
func (s *Store) Journal(ctx context.Context) (journal.Journal, bool, error) {
	var j journal.Journal
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM journal WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return j, false, nil
	}
	if err != nil {
		return j, false, fmt.Errorf("read journal: %w", err)
	}
	if err := unmarshalJSON("journal", body, &j); err != nil {
		return j, false, faults.PersistenceCorrupt("journal", err)
	}
	return j, true, nil
}

// Capabilities returns stored tokens in grant order and the revocation
// set, ready for capability.Manager.Load.
func (s *Store) Capabilities(ctx context.Context) ([]capability.Token, []canonical.Hash, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM capabilities ORDER BY seq ASC`)
	if err != nil {
		return nil, nil, fmt.Errorf("query capabilities: %w", err)
	}
	defer rows.Close()

	tokens := []capability.Token{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, nil, fmt.Errorf("scan capability: %w", err)
		}
		var t capability.Token
		if err := unmarshalJSON("capability", body, &t); err != nil {
			return nil, nil, faults.PersistenceCorrupt("capability", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate capabilities: %w", err)
	}

	revRows, err := s.db.QueryContext(ctx, `SELECT id FROM revocations ORDER BY id ASC`)
	if err != nil {
		return nil, nil, fmt.Errorf("query revocations: %w", err)
	}
	defer revRows.Close()
	revoked := []canonical.Hash{}
	for revRows.Next() {
		var id string
		if err := revRows.Scan(&id); err != nil {
			return nil, nil, fmt.Errorf("scan revocation: %w", err)
		}
		h, err := canonical.ParseHash(id)
		if err != nil {
			return nil, nil, faults.PersistenceCorrupt("revocation id", err)
		}
		revoked = append(revoked, h)
	}
	if err := revRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate revocations: %w", err)
	}
	return tokens, revoked, nil
}
