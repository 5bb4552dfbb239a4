package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/journal"
)

// marshalEvent encodes an event with its authorization. The stored hash is
// computed by the ledger over the same content.
func marshalEvent(e journal.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %d: %w", e.Lamport, err)
	}
	return data, nil
}

// unmarshalEvent decodes a stored event and checks it against its stored
// hash.
func unmarshalEvent(body []byte, stored string) (journal.Event, error) {
	var e journal.Event
	if err := json.Unmarshal(body, &e); err != nil {
		return e, fmt.Errorf("unmarshal event: %w", err)
	}
	want, err := canonical.ParseHash(stored)
	if err != nil {
		return e, fmt.Errorf("stored hash: %w", err)
	}
	got, err := e.Hash()
	if err != nil {
		return e, fmt.Errorf("rehash event: %w", err)
	}
	if got != want {
		return e, fmt.Errorf("lamport %d hashes to %s, stored %s", e.Lamport, got.Short(), want.Short())
	}
	return e, nil
}

func marshalJSON(what string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", what, err)
	}
	return data, nil
}

func unmarshalJSON(what string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return nil
}
