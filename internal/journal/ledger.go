package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/lattice"
)

// Persister durably records what the ledger commits. An AppendEvent error
// aborts the append.
type Persister interface {
	AppendEvent(ctx context.Context, e Event, hash canonical.Hash) error
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	SaveJournal(ctx context.Context, j Journal) error
}

// Compactor is implemented by persisters that can drop events covered by a
// checkpoint.
type Compactor interface {
	Compact(ctx context.Context, throughLamport uint64) error
}

// Observer is told about every committed event, in order.
type Observer func(e Event, hash canonical.Hash)

// Checkpoint is a reduced state at a log position.
type Checkpoint struct {
	Lamport  uint64         `json:"lamport"`
	LastHash canonical.Hash `json:"last_hash"`
	State    *AccountState  `json:"state"`
	Nonces   []uint64       `json:"nonces"`
	Digest   canonical.Hash `json:"digest"`
}

// Seal computes Digest over the other fields.
func (cp Checkpoint) Seal() (Checkpoint, error) {
	cp.Digest = canonical.ZeroHash
	h, err := canonical.Of(canonical.DomainCheckpoint, cp)
	if err != nil {
		return cp, err
	}
	cp.Digest = h
	return cp, nil
}

// Valid reports whether Digest matches the contents.
func (cp Checkpoint) Valid() bool {
	if cp.State == nil {
		return false
	}
	sealed, err := cp.Seal()
	return err == nil && sealed.Digest == cp.Digest
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithPersister makes the ledger write through p.
func WithPersister(p Persister) LedgerOption {
	return func(l *Ledger) { l.persister = p }
}

// WithCheckpointEvery saves a checkpoint after every n events. Zero
// disables checkpoints.
func WithCheckpointEvery(n uint64) LedgerOption {
	return func(l *Ledger) { l.checkpointEvery = n }
}

// WithLogger sets the ledger's logger.
func WithLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.logger = logger }
}

// WithFlowLimit sets the limit of budgets that were never configured.
func WithFlowLimit(limit uint32) LedgerOption {
	return func(l *Ledger) { l.flowLimit = limit }
}

// WithJournal seeds the fact and capability journal.
func WithJournal(j Journal) LedgerOption {
	return func(l *Ledger) { l.journal = j.clone() }
}

// Ledger is one account's append-only log and the state reduced from it.
// Appends, flow charges and journal merges share one lock so a charge and
// the append it pays for are atomic with respect to each other.
type Ledger struct {
	mu sync.RWMutex

	state    *AccountState
	journal  Journal
	events   []Event
	hashes   []canonical.Hash
	nonces   map[uint64]struct{}
	lastHash canonical.Hash
	clock    *Clock

	reserved uint64

	budgets    map[BudgetKey]FlowBudget
	receiptSeq uint64
	flowLimit  uint32

	persister       Persister
	checkpointEvery uint64
	observers       []Observer
	logger          *slog.Logger
}

// NewLedger creates an empty ledger for the account g describes.
func NewLedger(g Genesis, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		state:     NewAccountState(g),
		journal:   NewJournal(lattice.Cap{}),
		nonces:    make(map[uint64]struct{}),
		clock:     NewClockAt(0),
		budgets:   make(map[BudgetKey]FlowBudget),
		flowLimit: DefaultFlowLimit,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RestoreLedger rebuilds a ledger from a checkpoint and the events logged
// after it. Every event is re-verified.
func RestoreLedger(ctx context.Context, cp Checkpoint, tail []Event, opts ...LedgerOption) (*Ledger, error) {
	if !cp.Valid() {
		return nil, faults.PersistenceCorrupt("checkpoint digest mismatch", nil)
	}
	l := NewLedger(Genesis{Account: cp.State.Account}, opts...)
	l.state = cp.State.Clone()
	l.lastHash = cp.LastHash
	l.clock = NewClockAt(cp.Lamport)
	for _, n := range cp.Nonces {
		l.nonces[n] = struct{}{}
	}
	persister := l.persister
	l.persister = nil
	defer func() { l.persister = persister }()
	for _, e := range tail {
		if e.Lamport <= cp.Lamport {
			continue
		}
		if _, err := l.importOne(ctx, e); err != nil {
			return nil, fmt.Errorf("replay lamport %d: %w", e.Lamport, err)
		}
	}
	return l, nil
}

// Reduce rebuilds account state from an ordered log.
func Reduce(g Genesis, events []Event) (*AccountState, error) {
	l := NewLedger(g)
	for _, e := range events {
		if _, err := l.importOne(context.Background(), e); err != nil {
			return nil, fmt.Errorf("reduce lamport %d: %w", e.Lamport, err)
		}
	}
	return l.state, nil
}

// Subscribe registers an observer for committed events.
func (l *Ledger) Subscribe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

// Append validates, applies and commits a locally authored event. A nil
// ParentHash is stamped with the current head. The Lamport time is always
// assigned here. It returns the event as committed and its hash.
func (l *Ledger) Append(ctx context.Context, e Event) (Event, canonical.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.ParentHash == nil && l.clock.Current() > 0 {
		head := l.lastHash
		e.ParentHash = &head
	}
	e.Lamport = l.clock.Peek()
	h, err := l.commit(ctx, e)
	return e, h, err
}

// Import appends events authored elsewhere. Each must carry the Lamport
// time and parent hash it was committed with. Events already present are
// skipped; it returns how many were new.
func (l *Ledger) Import(ctx context.Context, events []Event) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, e := range events {
		isNew, err := l.importOne(ctx, e)
		if err != nil {
			return added, err
		}
		if isNew {
			added++
		}
	}
	return added, nil
}

func (l *Ledger) importOne(ctx context.Context, e Event) (bool, error) {
	head := l.clock.Current()
	if e.Lamport <= head {
		if known, ok := l.hashAt(e.Lamport); ok {
			h, err := e.Hash()
			if err == nil && h == known {
				return false, nil
			}
		}
		if _, used := l.nonces[e.Nonce]; used {
			return false, faults.DuplicateNonce(e.Nonce)
		}
		return false, faults.InvalidEvent("lamport %d is behind head %d", e.Lamport, head)
	}
	if e.Lamport != head+1 {
		return false, faults.InvalidEvent("lamport %d does not follow head %d", e.Lamport, head)
	}
	_, err := l.commit(ctx, e)
	return err == nil, err
}

func (l *Ledger) hashAt(lamport uint64) (canonical.Hash, bool) {
	base := l.clock.Current() - uint64(len(l.hashes))
	if lamport <= base || lamport > l.clock.Current() {
		return canonical.Hash{}, false
	}
	return l.hashes[lamport-base-1], true
}

// commit runs the append checks in order: account, nonce, chain,
// authorization, apply. Nothing changes unless all pass and the persister
// accepts the event. Caller holds l.mu.
func (l *Ledger) commit(ctx context.Context, e Event) (canonical.Hash, error) {
	if e.Payload == nil {
		return canonical.Hash{}, faults.InvalidEvent("event %s has no payload", e.ID)
	}
	if e.Account != l.state.Account {
		return canonical.Hash{}, faults.InvalidEvent("event for account %s appended to %s", e.Account, l.state.Account)
	}
	if _, used := l.nonces[e.Nonce]; used {
		return canonical.Hash{}, faults.DuplicateNonce(e.Nonce)
	}
	hasHead := l.clock.Current() > 0
	switch {
	case e.ParentHash == nil && hasHead:
		return canonical.Hash{}, faults.HashChainBreak(l.lastHash.String(), "none")
	case e.ParentHash != nil && !hasHead:
		return canonical.Hash{}, faults.HashChainBreak("none", e.ParentHash.String())
	case e.ParentHash != nil && *e.ParentHash != l.lastHash:
		return canonical.Hash{}, faults.HashChainBreak(l.lastHash.String(), e.ParentHash.String())
	}
	if err := verifyAuthorization(l.state, &e); err != nil {
		return canonical.Hash{}, faults.CapabilityError(err)
	}

	h, err := e.Hash()
	if err != nil {
		return canonical.Hash{}, faults.InvalidEvent("hash: %v", err)
	}
	next := l.state.Clone()
	next.Lamport = e.Lamport
	if err := e.Payload.apply(next, applyContext{event: &e, hash: h, prevHash: l.lastHash}); err != nil {
		return canonical.Hash{}, faults.InvalidEvent("%s: %v", e.Kind(), err)
	}
	if l.persister != nil {
		if err := l.persister.AppendEvent(ctx, e, h); err != nil {
			return canonical.Hash{}, fmt.Errorf("persist event %d: %w", e.Lamport, err)
		}
	}

	compactedBefore := l.state.CompactedThrough
	l.state = next
	l.clock.Advance(e.Lamport)
	l.nonces[e.Nonce] = struct{}{}
	l.lastHash = h
	l.events = append(l.events, e)
	l.hashes = append(l.hashes, h)

	l.logger.Debug("journal append",
		"account", e.Account,
		"kind", e.Kind(),
		"author", e.Author.Short(),
		"lamport", e.Lamport,
		"hash", h.Short())

	if l.persister != nil {
		if l.checkpointEvery > 0 && e.Lamport%l.checkpointEvery == 0 {
			if err := l.saveCheckpoint(ctx); err != nil {
				l.logger.Warn("checkpoint failed", "lamport", e.Lamport, "error", err)
			}
		}
		if c, ok := l.persister.(Compactor); ok && next.CompactedThrough > compactedBefore {
			if err := c.Compact(ctx, next.CompactedThrough); err != nil {
				l.logger.Warn("compaction failed", "through", next.CompactedThrough, "error", err)
			}
		}
	}
	for _, o := range l.observers {
		o(e, h)
	}
	return h, nil
}

func (l *Ledger) checkpoint() (Checkpoint, error) {
	nonces := make([]uint64, 0, len(l.nonces))
	for n := range l.nonces {
		nonces = append(nonces, n)
	}
	slices.Sort(nonces)
	return Checkpoint{
		Lamport:  l.clock.Current(),
		LastHash: l.lastHash,
		State:    l.state.Clone(),
		Nonces:   nonces,
	}.Seal()
}

func (l *Ledger) saveCheckpoint(ctx context.Context) error {
	cp, err := l.checkpoint()
	if err != nil {
		return err
	}
	return l.persister.SaveCheckpoint(ctx, cp)
}

// Checkpoint returns a sealed checkpoint of the current state.
func (l *Ledger) Checkpoint() (Checkpoint, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.checkpoint()
}

// Account is the ledger's account.
func (l *Ledger) Account() ids.AccountID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Account
}

// State returns a copy of the reduced state.
func (l *Ledger) State() *AccountState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.Clone()
}

// View runs fn against the live state under the read lock. fn must not
// retain or modify st.
func (l *Ledger) View(fn func(st *AccountState)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(l.state)
}

// Events returns the retained log.
func (l *Ledger) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.events)
}

// EventsAfter returns retained events with Lamport time above lamport.
func (l *Ledger) EventsAfter(lamport uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, _ := slices.BinarySearchFunc(l.events, lamport+1, func(e Event, t uint64) int {
		switch {
		case e.Lamport < t:
			return -1
		case e.Lamport > t:
			return 1
		}
		return 0
	})
	return slices.Clone(l.events[i:])
}

// LastHash is H of the newest event, zero for an empty log.
func (l *Ledger) LastHash() canonical.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastHash
}

// Lamport is the time of the newest event.
func (l *Ledger) Lamport() uint64 { return l.clock.Current() }

// NonceUsed reports whether n appears in the log.
func (l *Ledger) NonceUsed(n uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, used := l.nonces[n]
	return used
}

// NextNonce returns one above the highest nonce used.
func (l *Ledger) NextNonce() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.highestNonce() + 1
}

// ReserveNonce hands out a nonce no other caller of ReserveNonce will get.
// Concurrent authors of one account use it to avoid DuplicateNonce.
func (l *Ledger) ReserveNonce() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved = max(l.reserved, l.highestNonce()) + 1
	return l.reserved
}

func (l *Ledger) highestNonce() uint64 {
	var hi uint64
	for n := range l.nonces {
		hi = max(hi, n)
	}
	return hi
}

// GetJournal returns the fact and capability journal.
func (l *Ledger) GetJournal(context.Context) (Journal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.journal.clone(), nil
}

// PersistJournal replaces the journal and writes it through.
func (l *Ledger) PersistJournal(ctx context.Context, j Journal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.setJournal(ctx, j)
}

func (l *Ledger) setJournal(ctx context.Context, j Journal) error {
	if l.persister != nil {
		if err := l.persister.SaveJournal(ctx, j); err != nil {
			return fmt.Errorf("persist journal: %w", err)
		}
	}
	l.journal = j.clone()
	return nil
}

// MergeFacts is the pure join.
func (l *Ledger) MergeFacts(_ context.Context, base, delta Journal) (Journal, error) {
	return MergeFacts(base, delta), nil
}

// RefineCaps is the pure meet.
func (l *Ledger) RefineCaps(_ context.Context, base, restriction Journal) (Journal, error) {
	return RefineCaps(base, restriction), nil
}

// CommitDelta joins delta into the journal and persists the result.
func (l *Ledger) CommitDelta(ctx context.Context, delta Journal) (Journal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	merged := MergeFacts(l.journal, delta)
	if err := l.setJournal(ctx, merged); err != nil {
		return Journal{}, err
	}
	return merged.clone(), nil
}

func (l *Ledger) budget(k BudgetKey) FlowBudget {
	b, ok := l.budgets[k]
	if !ok {
		b = FlowBudget{Limit: l.flowLimit}
	}
	return b.Rolled(l.state.SessionEpoch)
}

// GetFlowBudget returns the budget of (c, peer) in the current epoch.
func (l *Ledger) GetFlowBudget(_ context.Context, c ids.ContextID, peer ids.DeviceID) (FlowBudget, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.budget(BudgetKey{c, peer}), nil
}

// UpdateFlowBudget overwrites the budget of (c, peer).
func (l *Ledger) UpdateFlowBudget(_ context.Context, c ids.ContextID, peer ids.DeviceID, b FlowBudget) (FlowBudget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b = b.Rolled(l.state.SessionEpoch)
	l.budgets[BudgetKey{c, peer}] = b
	return b, nil
}

// ChargeFlowBudget spends cost from (c, peer). A short budget is left
// untouched.
func (l *Ledger) ChargeFlowBudget(_ context.Context, c ids.ContextID, peer ids.DeviceID, cost uint32) (FlowBudget, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.charge(BudgetKey{c, peer}, cost)
}

func (l *Ledger) charge(k BudgetKey, cost uint32) (FlowBudget, error) {
	b, err := l.budget(k).Charge(cost)
	if err != nil {
		return b, err
	}
	l.budgets[k] = b
	return b, nil
}

// ChargeFlow spends cost and returns a sealed receipt stamped with now.
func (l *Ledger) ChargeFlow(_ context.Context, c ids.ContextID, peer ids.DeviceID, cost uint32, now int64) (Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, err := l.charge(BudgetKey{c, peer}, cost)
	if err != nil {
		return Receipt{}, err
	}
	l.receiptSeq++
	return Receipt{
		Context:   c,
		Peer:      peer,
		Nonce:     l.receiptSeq,
		Cost:      cost,
		Timestamp: now,
		Epoch:     b.Epoch,
		Remaining: b.Headroom(),
	}.Seal(), nil
}

// IsJournalError reports whether err came out of the append checks.
func IsJournalError(err error) bool {
	var je *faults.JournalError
	return errors.As(err, &je)
}
