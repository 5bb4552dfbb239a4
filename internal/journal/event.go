package journal

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/ids"
)

// Kind names an event payload type. Kinds are persisted; never rename one.
type Kind string

// Payload is an event body. Each payload applies itself to the state
// projection and declares who may author it.
type Payload interface {
	Kind() Kind
	apply(st *AccountState, ac applyContext) error
	policy() authPolicy
}

// applyContext is what a payload sees of its own event while applying.
type applyContext struct {
	event    *Event
	hash     canonical.Hash
	prevHash canonical.Hash
}

// Event is one journal entry.
type Event struct {
	ID         ids.EventID     `json:"id"`
	Account    ids.AccountID   `json:"account"`
	Author     ids.DeviceID    `json:"author"`
	Nonce      uint64          `json:"nonce"`
	ParentHash *canonical.Hash `json:"parent_hash,omitempty"`
	Epoch      uint64          `json:"epoch"`
	Lamport    uint64          `json:"lamport"`
	Timestamp  int64           `json:"timestamp"`

	Payload       Payload       `json:"-"`
	Authorization Authorization `json:"authorization"`
}

// NewEvent builds an unsigned event. Lamport and ParentHash are stamped by
// the ledger at append time.
func NewEvent(account ids.AccountID, author ids.DeviceID, nonce, epoch uint64, timestamp int64, p Payload) Event {
	var idBytes [16]byte
	h := canonical.Sum(account.Bytes(), author.Bytes(), uint64Bytes(nonce))
	copy(idBytes[:], h[:16])
	return Event{
		ID:        ids.EventFromBytes(idBytes),
		Account:   account,
		Author:    author,
		Nonce:     nonce,
		Epoch:     epoch,
		Timestamp: timestamp,
		Payload:   p,
	}
}

type eventWire struct {
	ID            ids.EventID     `json:"id"`
	Account       ids.AccountID   `json:"account"`
	Author        ids.DeviceID    `json:"author"`
	Nonce         uint64          `json:"nonce"`
	ParentHash    *canonical.Hash `json:"parent_hash,omitempty"`
	Epoch         uint64          `json:"epoch"`
	Lamport       uint64          `json:"lamport"`
	Timestamp     int64           `json:"timestamp"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Authorization *Authorization  `json:"authorization,omitempty"`
}

func (e Event) wire(withAuth bool) (eventWire, error) {
	if e.Payload == nil {
		return eventWire{}, fmt.Errorf("event %s has no payload", e.ID)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return eventWire{}, fmt.Errorf("encode %s payload: %w", e.Payload.Kind(), err)
	}
	w := eventWire{
		ID: e.ID, Account: e.Account, Author: e.Author, Nonce: e.Nonce,
		ParentHash: e.ParentHash, Epoch: e.Epoch, Lamport: e.Lamport,
		Timestamp: e.Timestamp, Kind: e.Payload.Kind(), Payload: body,
	}
	if withAuth {
		auth := e.Authorization
		w.Authorization = &auth
	}
	return w, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	w, err := e.wire(true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID: w.ID, Account: w.Account, Author: w.Author, Nonce: w.Nonce,
		ParentHash: w.ParentHash, Epoch: w.Epoch, Lamport: w.Lamport,
		Timestamp: w.Timestamp, Payload: p,
	}
	if w.Authorization != nil {
		e.Authorization = *w.Authorization
	}
	return nil
}

// Hash is H(event) over its canonical encoding, authorization included.
// This is the value the next event's ParentHash must carry.
func (e Event) Hash() (canonical.Hash, error) {
	return canonical.Of(canonical.DomainEvent, e)
}

// SigningHash covers the author-controlled fields. ParentHash and Lamport
// are excluded because the ledger may stamp them at append.
func (e Event) SigningHash() (canonical.Hash, error) {
	w, err := e.wire(false)
	if err != nil {
		return canonical.Hash{}, err
	}
	w.ParentHash = nil
	w.Lamport = 0
	return canonical.Of(canonical.DomainEventSigning, w)
}

// Kind returns the payload kind, or "" for an empty event.
func (e Event) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// SignSingle authorizes e with one device signature.
func (e Event) SignSingle(key *crypto.DeviceKey) (Event, error) {
	h, err := e.SigningHash()
	if err != nil {
		return e, err
	}
	e.Authorization = Authorization{
		Kind:       AuthSingle,
		Signatures: []Signature{{Device: e.Author, Sig: key.Sign(h[:])}},
	}
	return e, nil
}

// SignThreshold authorizes e with signatures from several devices.
func (e Event) SignThreshold(keys map[ids.DeviceID]*crypto.DeviceKey) (Event, error) {
	h, err := e.SigningHash()
	if err != nil {
		return e, err
	}
	auth := Authorization{Kind: AuthThreshold}
	for _, d := range sortedDeviceKeys(keys) {
		auth.Signatures = append(auth.Signatures, Signature{Device: d, Sig: keys[d].Sign(h[:])})
	}
	e.Authorization = auth
	return e, nil
}

// SignGuardian authorizes e with a guardian's signature.
func (e Event) SignGuardian(guardian ids.GuardianID, key *crypto.DeviceKey) (Event, error) {
	h, err := e.SigningHash()
	if err != nil {
		return e, err
	}
	e.Authorization = Authorization{
		Kind:       AuthGuardian,
		Signatures: []Signature{{Guardian: guardian, Sig: key.Sign(h[:])}},
	}
	return e, nil
}

// SignSelf authorizes e with a key carried in the payload itself, for
// devices that are not yet members (a recovering device).
func (e Event) SignSelf(key *crypto.DeviceKey) (Event, error) {
	h, err := e.SigningHash()
	if err != nil {
		return e, err
	}
	e.Authorization = Authorization{
		Kind:       AuthSelf,
		Signatures: []Signature{{Device: e.Author, Sig: key.Sign(h[:])}},
	}
	return e, nil
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := range 8 {
		b[i] = byte(v >> (8 * i))
	}
	return b
}
