package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/capability"
	"github.com/roach88/aura/internal/journal"
)

// SaveGenesis records the membership the log is reduced from. Writing the
// same account twice is a no-op.
func (s *Store) SaveGenesis(ctx context.Context, g journal.Genesis) error {
	body, err := marshalJSON("genesis", g)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO genesis (id, body) VALUES (1, ?)
		ON CONFLICT(id) DO NOTHING
	`, body)
	if err != nil {
		return fmt.Errorf("save genesis: %w", err)
	}
	return nil
}

// AppendEvent writes one committed event. Lamport, nonce and hash are each
// unique, so a second write of a different event at the same position
// fails rather than forking the log.
func (s *Store) AppendEvent(ctx context.Context, e journal.Event, hash canonical.Hash) error {
	body, err := marshalEvent(e)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (lamport, nonce, kind, author, body, hash)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		e.Lamport,
		e.Nonce,
		string(e.Kind()),
		e.Author.String(),
		body,
		hash.String(),
	)
	if err != nil {
		return fmt.Errorf("append event %d: %w", e.Lamport, err)
	}
	return nil
}

// SaveCheckpoint writes a sealed checkpoint, replacing one at the same
// position.
func (s *Store) SaveCheckpoint(ctx context.Context, cp journal.Checkpoint) error {
	body, err := marshalJSON("checkpoint", cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (lamport, digest, body) VALUES (?, ?, ?)
		ON CONFLICT(lamport) DO UPDATE SET digest = excluded.digest, body = excluded.body
	`, cp.Lamport, cp.Digest.String(), body)
	if err != nil {
		return fmt.Errorf("save checkpoint %d: %w", cp.Lamport, err)
	}
	return nil
}

// SaveJournal replaces the stored fact and capability journal.
func (s *Store) SaveJournal(ctx context.Context, j journal.Journal) error {
	body, err := marshalJSON("journal", j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO journal (id, body) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body
	`, body)
	if err != nil {
		return fmt.Errorf("save journal: %w", err)
	}
	return nil
}

// Compact drops events at or below through, but never past the newest
// checkpoint, so the log can always be rebuilt. Older checkpoints go too.
func (s *Store) Compact(ctx context.Context, through uint64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var newest sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(lamport) FROM checkpoints`).Scan(&newest); err != nil {
			return fmt.Errorf("compact: newest checkpoint: %w", err)
		}
		if !newest.Valid {
			s.logger.Warn("compaction skipped: no checkpoint", "through", through)
			return nil
		}
		bound := min(through, uint64(newest.Int64))
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE lamport <= ?`, bound)
		if err != nil {
			return fmt.Errorf("compact events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE lamport < ?`, bound); err != nil {
			return fmt.Errorf("compact checkpoints: %w", err)
		}
		n, _ := res.RowsAffected()
		s.logger.Info("log compacted", "through", bound, "events_dropped", n)
		return nil
	})
}

// SaveToken stores a capability token. Saving the same token twice is a
// no-op.
func (s *Store) SaveToken(ctx context.Context, t capability.Token) error {
	body, err := marshalJSON("capability", t)
	if err != nil {
		return err
	}
	var parent sql.NullString
	if p, ok := t.Parent(); ok {
		parent = sql.NullString{String: p.String(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capabilities (id, holder, parent, expires_at, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, t.ID().String(), t.Device.String(), parent, t.ExpiresAt, body)
	if err != nil {
		return fmt.Errorf("save capability: %w", err)
	}
	return nil
}

// MarkRevoked adds id to the revocation set.
func (s *Store) MarkRevoked(ctx context.Context, id canonical.Hash, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revocations (id, revoked_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id.String(), at)
	if err != nil {
		return fmt.Errorf("revoke capability %s: %w", id.Short(), err)
	}
	return nil
}

// DeleteToken removes an expired token and its revocation mark.
func (s *Store) DeleteToken(ctx context.Context, id canonical.Hash) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM capabilities WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete capability %s: %w", id.Short(), err)
	}
	return nil
}
