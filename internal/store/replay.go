package store

import (
	"context"
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/journal"
)

// Recover rebuilds the account's ledger from disk.
//
// Checkpoints are tried newest first. One is used when it is intact and
// the stored log continues from it without a gap; replay re-verifies every
// tail event. When no checkpoint serves, the log is reduced from genesis,
// which needs the log to still start at lamport 1. Events after a corrupt
// row are not replayed.
//
// opts are passed to the ledger; a WithPersister(s) option makes the
// recovered ledger keep writing here.
func (s *Store) Recover(ctx context.Context, opts ...journal.LedgerOption) (*journal.Ledger, error) {
	events, evErr := s.Events(ctx, 0)
	if evErr != nil && events == nil {
		return nil, evErr
	}
	if evErr != nil {
		s.logger.Warn("event log truncated at corrupt row", "usable", len(events), "error", evErr)
	}

	j, hasJournal, err := s.Journal(ctx)
	if err != nil {
		return nil, err
	}
	if hasJournal {
		opts = append([]journal.LedgerOption{journal.WithJournal(j)}, opts...)
	}

	cps, err := s.checkpoints(ctx)
	if err != nil {
		return nil, err
	}
	for _, sc := range cps {
		if sc.Err != nil || !sc.Checkpoint.Valid() {
			s.logger.Warn("skipping corrupt checkpoint", "lamport", sc.Lamport)
			continue
		}
		tail := tailAfter(events, sc.Lamport)
		if len(tail) > 0 && tail[0].Lamport != sc.Lamport+1 {
			s.logger.Warn("checkpoint not followed by a contiguous log", "lamport", sc.Lamport, "next", tail[0].Lamport)
			continue
		}
		l, err := journal.RestoreLedger(ctx, sc.Checkpoint, tail, opts...)
		if err != nil {
			s.logger.Warn("replay from checkpoint failed", "lamport", sc.Lamport, "error", err)
			continue
		}
		s.logger.Info("ledger recovered", "checkpoint", sc.Lamport, "replayed", len(tail), "lamport", l.Lamport())
		return l, nil
	}

	g, ok, err := s.Genesis(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.PersistenceCorrupt("no usable checkpoint and no genesis", nil)
	}
	if len(events) > 0 && events[0].Lamport != 1 {
		return nil, faults.PersistenceCorrupt(fmt.Sprintf("no usable checkpoint and log starts at %d", events[0].Lamport), nil)
	}
	base, err := journal.Checkpoint{State: journal.NewAccountState(g)}.Seal()
	if err != nil {
		return nil, fmt.Errorf("genesis checkpoint: %w", err)
	}
	l, err := journal.RestoreLedger(ctx, base, events, opts...)
	if err != nil {
		return nil, faults.PersistenceCorrupt("replay from genesis", err)
	}
	s.logger.Info("ledger recovered", "checkpoint", "genesis", "replayed", len(events), "lamport", l.Lamport())
	return l, nil
}

func tailAfter(events []journal.Event, lamport uint64) []journal.Event {
	for i, e := range events {
		if e.Lamport > lamport {
			return events[i:]
		}
	}
	return nil
}

// LogReport summarizes a log check.
type LogReport struct {
	Events   int      `json:"events"`
	First    uint64   `json:"first_lamport"`
	Last     uint64   `json:"last_lamport"`
	Problems []string `json:"problems,omitempty"`
}

// OK reports whether the check found nothing wrong.
func (r LogReport) OK() bool { return len(r.Problems) == 0 }

// VerifyLog checks what can be checked without replaying: every stored
// hash matches its body, nonces are unique, Lamport times are contiguous
// and each event's parent hash is its predecessor's hash.
func (s *Store) VerifyLog(ctx context.Context) (LogReport, error) {
	var r LogReport
	events, err := s.Events(ctx, 0)
	if err != nil {
		if events == nil {
			return r, err
		}
		r.Problems = append(r.Problems, err.Error())
	}
	r.Events = len(events)
	if len(events) == 0 {
		return r, nil
	}
	r.First, r.Last = events[0].Lamport, events[len(events)-1].Lamport

	nonces := make(map[uint64]uint64, len(events))
	var prev canonical.Hash
	for i, e := range events {
		if at, dup := nonces[e.Nonce]; dup {
			r.Problems = append(r.Problems, fmt.Sprintf("lamport %d reuses nonce %d from lamport %d", e.Lamport, e.Nonce, at))
		}
		nonces[e.Nonce] = e.Lamport
		if i > 0 {
			if e.Lamport != events[i-1].Lamport+1 {
				r.Problems = append(r.Problems, fmt.Sprintf("gap between lamport %d and %d", events[i-1].Lamport, e.Lamport))
			}
			switch {
			case e.ParentHash == nil:
				r.Problems = append(r.Problems, fmt.Sprintf("lamport %d has no parent hash", e.Lamport))
			case *e.ParentHash != prev:
				r.Problems = append(r.Problems, fmt.Sprintf("lamport %d parent %s, want %s", e.Lamport, e.ParentHash.Short(), prev.Short()))
			}
		}
		h, err := e.Hash()
		if err != nil {
			return r, err
		}
		prev = h
	}
	return r, nil
}
