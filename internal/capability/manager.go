package capability

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
)

// Persister durably records tokens and revocations.
type Persister interface {
	SaveToken(ctx context.Context, t Token) error
	MarkRevoked(ctx context.Context, id canonical.Hash, at int64) error
	DeleteToken(ctx context.Context, id canonical.Hash) error
}

// Recorder mirrors authority changes into the account journal.
type Recorder interface {
	RecordDelegation(ctx context.Context, t Token, now int64) error
	RecordRevocation(ctx context.Context, id canonical.Hash, reason string, now int64) error
}

// Option configures a Manager.
type Option func(*Manager)

func WithPersister(p Persister) Option { return func(m *Manager) { m.persister = p } }

func WithRecorder(r Recorder) Option { return func(m *Manager) { m.recorder = r } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// Manager holds an account's tokens. Reads share the lock; grant, delegate,
// revoke and cleanup are exclusive.
type Manager struct {
	mu        sync.RWMutex
	tokens    map[canonical.Hash]Token
	order     []canonical.Hash
	children  map[canonical.Hash][]canonical.Hash
	revoked   map[canonical.Hash]bool
	authority map[ids.DeviceID]ed25519.PublicKey

	persister Persister
	recorder  Recorder
	logger    *slog.Logger
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		tokens:    make(map[canonical.Hash]Token),
		children:  make(map[canonical.Hash][]canonical.Hash),
		revoked:   make(map[canonical.Hash]bool),
		authority: make(map[ids.DeviceID]ed25519.PublicKey),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterAuthority trusts pub for tokens issued by device.
func (m *Manager) RegisterAuthority(device ids.DeviceID, pub ed25519.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authority[device] = slices.Clone(pub)
}

// Grant issues a root token to holder, signed by the issuer's key. The
// issuer must have been added with RegisterAuthority.
func (m *Manager) Grant(ctx context.Context, issuer ids.DeviceID, key *crypto.DeviceKey, holder ids.DeviceID, perms []Permission, expiresAt, now int64) (Token, error) {
	if len(perms) == 0 {
		return Token{}, faults.TokenInvalid("grant with no permissions")
	}
	t := Token{
		Device:      holder,
		Permissions: slices.Clone(perms),
		Issuer:      issuer,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}.sign(key)

	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.authority[issuer]
	if !ok {
		return Token{}, faults.TokenInvalid(fmt.Sprintf("grant by unknown authority %s", issuer.Short()))
	}
	if !pub.Equal(key.Public()) {
		return Token{}, faults.TokenInvalid(fmt.Sprintf("grant key does not match authority %s", issuer.Short()))
	}
	if err := m.insert(ctx, t, now); err != nil {
		return Token{}, err
	}
	m.logger.Debug("capability granted", "id", t.ID().Short(), "holder", holder.Short(), "permissions", permissionStrings(perms))
	return t, nil
}

// Delegate derives a child of parent for holder. The delegator must hold
// parent, and the child's permissions must be covered by the parent's.
// The child never outlives the parent.
func (m *Manager) Delegate(ctx context.Context, parent canonical.Hash, key *crypto.DeviceKey, holder ids.DeviceID, perms []Permission, expiresAt, now int64) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.tokens[parent]
	if !ok {
		return Token{}, faults.DelegationChainInvalid(fmt.Sprintf("unknown parent %s", parent.Short()))
	}
	if err := m.usable(p, now); err != nil {
		return Token{}, err
	}
	if pub, ok := m.authority[p.Device]; !ok || !pub.Equal(key.Public()) {
		return Token{}, faults.TokenInvalid(fmt.Sprintf("delegator does not hold %s", parent.Short()))
	}
	if len(perms) == 0 || !coveredBy(perms, p.Permissions) {
		return Token{}, faults.InsufficientPermissions(
			fmt.Sprint(permissionStrings(perms)),
			fmt.Sprint(permissionStrings(p.Permissions)))
	}
	if p.ExpiresAt != 0 && (expiresAt == 0 || expiresAt > p.ExpiresAt) {
		expiresAt = p.ExpiresAt
	}
	t := Token{
		Device:      holder,
		Permissions: slices.Clone(perms),
		Chain:       append(slices.Clone(p.Chain), parent),
		Issuer:      p.Device,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}.sign(key)
	if err := m.insert(ctx, t, now); err != nil {
		return Token{}, err
	}
	m.children[parent] = append(m.children[parent], t.ID())
	m.logger.Debug("capability delegated", "id", t.ID().Short(), "parent", parent.Short(), "holder", holder.Short())
	return t, nil
}

// insert records t. Caller holds m.mu.
func (m *Manager) insert(ctx context.Context, t Token, now int64) error {
	id := t.ID()
	if _, dup := m.tokens[id]; dup {
		return nil
	}
	if m.persister != nil {
		if err := m.persister.SaveToken(ctx, t); err != nil {
			return fmt.Errorf("save capability %s: %w", id.Short(), err)
		}
	}
	if m.recorder != nil {
		if err := m.recorder.RecordDelegation(ctx, t, now); err != nil {
			return fmt.Errorf("record capability %s: %w", id.Short(), err)
		}
	}
	m.tokens[id] = t
	m.order = append(m.order, id)
	return nil
}

// Load restores tokens and revocations read back from a Persister. Tokens
// are added in the order given.
func (m *Manager) Load(tokens []Token, revoked []canonical.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tokens {
		id := t.ID()
		if _, dup := m.tokens[id]; dup {
			continue
		}
		m.tokens[id] = t
		m.order = append(m.order, id)
		if parent, ok := t.Parent(); ok {
			m.children[parent] = append(m.children[parent], id)
		}
	}
	for _, id := range revoked {
		m.revoked[id] = true
	}
}

// usable checks t's signature, expiry, revocation and chain. Caller holds
// m.mu.
func (m *Manager) usable(t Token, now int64) error {
	id := t.ID()
	pub, ok := m.authority[t.Issuer]
	if !ok {
		return faults.TokenInvalid(fmt.Sprintf("%s issued by unknown authority %s", id.Short(), t.Issuer.Short()))
	}
	if err := t.verifySignature(pub); err != nil {
		return faults.TokenInvalid(fmt.Sprintf("%s: %v", id.Short(), err))
	}
	if t.Expired(now) {
		return faults.TokenExpired(fmt.Sprintf("%s expired at %d", id.Short(), t.ExpiresAt))
	}
	if m.revoked[id] {
		return faults.Revoked(id.Short())
	}
	for _, a := range t.Chain {
		anc, ok := m.tokens[a]
		if !ok {
			return faults.DelegationChainInvalid(fmt.Sprintf("%s: missing ancestor %s", id.Short(), a.Short()))
		}
		if m.revoked[a] {
			return faults.Revoked(fmt.Sprintf("%s: ancestor %s", id.Short(), a.Short()))
		}
		if anc.Expired(now) {
			return faults.TokenExpired(fmt.Sprintf("%s: ancestor %s", id.Short(), a.Short()))
		}
	}
	return nil
}

// Verify finds the first token of device that is valid at now and covers
// required. When none does it reports why the closest candidate failed,
// or InsufficientPermissions if no token covers required at all.
func (m *Manager) Verify(device ids.DeviceID, required Permission, now int64) (Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		firstErr  error
		available []string
	)
	for _, id := range m.order {
		t := m.tokens[id]
		if t.Device != device {
			continue
		}
		available = append(available, permissionStrings(t.Permissions)...)
		if !coveredBy([]Permission{required}, t.Permissions) {
			continue
		}
		err := m.usable(t, now)
		if err == nil {
			return t, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return Token{}, firstErr
	}
	return Token{}, faults.InsufficientPermissions(required.String(), fmt.Sprint(available))
}

// Revoke marks id and every token delegated from it revoked.
func (m *Manager) Revoke(ctx context.Context, id canonical.Hash, reason string, now int64) ([]canonical.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[id]; !ok {
		return nil, faults.TokenInvalid(fmt.Sprintf("revoke unknown capability %s", id.Short()))
	}
	var cascade []canonical.Hash
	var walk func(canonical.Hash)
	walk = func(c canonical.Hash) {
		if !m.revoked[c] {
			cascade = append(cascade, c)
		}
		for _, child := range m.children[c] {
			walk(child)
		}
	}
	walk(id)
	if m.recorder != nil {
		if err := m.recorder.RecordRevocation(ctx, id, reason, now); err != nil {
			return nil, fmt.Errorf("record revocation %s: %w", id.Short(), err)
		}
	}
	for _, c := range cascade {
		if m.persister != nil {
			if err := m.persister.MarkRevoked(ctx, c, now); err != nil {
				return nil, fmt.Errorf("persist revocation %s: %w", c.Short(), err)
			}
		}
		m.revoked[c] = true
	}
	m.logger.Info("capability revoked", "id", id.Short(), "cascade", len(cascade), "reason", reason)
	return cascade, nil
}

// IsRevoked reports whether id or one of its ancestors is revoked.
func (m *Manager) IsRevoked(id canonical.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.revoked[id] {
		return true
	}
	t, ok := m.tokens[id]
	if !ok {
		return false
	}
	for _, a := range t.Chain {
		if m.revoked[a] {
			return true
		}
	}
	return false
}

// CleanupExpired drops tokens whose expiry is before now. It returns how
// many were removed.
func (m *Manager) CleanupExpired(ctx context.Context, now int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.order[:0]
	removed := 0
	for _, id := range m.order {
		t := m.tokens[id]
		if t.ExpiresAt == 0 || t.ExpiresAt >= now {
			kept = append(kept, id)
			continue
		}
		if m.persister != nil {
			if err := m.persister.DeleteToken(ctx, id); err != nil {
				m.order = append(kept, m.order[len(kept)+removed:]...)
				return removed, fmt.Errorf("delete capability %s: %w", id.Short(), err)
			}
		}
		delete(m.tokens, id)
		removed++
	}
	m.order = kept
	return removed, nil
}

// Tokens returns device's tokens in grant order.
func (m *Manager) Tokens(device ids.DeviceID) []Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Token
	for _, id := range m.order {
		if t := m.tokens[id]; t.Device == device {
			out = append(out, t)
		}
	}
	return out
}

// Get returns a token by id.
func (m *Manager) Get(id canonical.Hash) (Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	return t, ok
}
