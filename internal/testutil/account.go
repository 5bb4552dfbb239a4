// Package testutil provides deterministic fixtures shared by package tests:
// a manual clock and fully keyed accounts.
package testutil

import (
	"sort"
	"testing"

	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// Account is a bootstrapped account with labelled device and guardian keys.
// Every key and identifier derives from its label, so two Accounts built
// with the same arguments are identical.
type Account struct {
	ID        ids.AccountID
	Genesis   journal.Genesis
	Ledger    *journal.Ledger
	Keys      map[string]*crypto.DeviceKey
	Devices   map[string]ids.DeviceID
	Guardians map[string]ids.GuardianID
	GuardKeys map[string]*crypto.DeviceKey
	Names     []string
}

// NewAccount creates an account named name with the given devices and
// threshold, three guardians g1..g3 with threshold 2, and an empty ledger.
func NewAccount(t testing.TB, name string, threshold uint16, devices []string, opts ...journal.LedgerOption) *Account {
	t.Helper()
	return BuildAccount(name, threshold, devices, opts...)
}

// BuildAccount is NewAccount for callers outside tests, such as scenario
// runs.
func BuildAccount(name string, threshold uint16, devices []string, opts ...journal.LedgerOption) *Account {
	a := &Account{
		ID:        ids.NamedAccount(name),
		Keys:      map[string]*crypto.DeviceKey{},
		Devices:   map[string]ids.DeviceID{},
		Guardians: map[string]ids.GuardianID{},
		GuardKeys: map[string]*crypto.DeviceKey{},
		Names:     append([]string(nil), devices...),
	}
	g := journal.Genesis{Account: a.ID, Threshold: threshold, GuardianThreshold: 2}
	for _, n := range devices {
		k := crypto.DeviceKeyFromLabel(n)
		a.Keys[n] = k
		a.Devices[n] = ids.NamedDevice(n)
		g.Devices = append(g.Devices, journal.DeviceInfo{ID: a.Devices[n], Name: n, PublicKey: k.Public()})
	}
	for i, n := range []string{"g1", "g2", "g3"} {
		k := crypto.DeviceKeyFromLabel(n)
		a.GuardKeys[n] = k
		a.Guardians[n] = ids.NamedGuardian(n)
		g.Guardians = append(g.Guardians, journal.GuardianInfo{ID: a.Guardians[n], Name: n, PublicKey: k.Public(), ShareIndex: uint32(i + 1)})
	}
	a.Genesis = g
	a.Ledger = journal.NewLedger(g, opts...)
	return a
}

// Author returns the journal author for device name.
func (a *Account) Author(name string) journal.Author {
	return journal.Author{Ledger: a.Ledger, Device: a.Devices[name], Key: a.Keys[name]}
}

// Guardian returns the journal author for guardian name.
func (a *Account) Guardian(name string) journal.GuardianAuthor {
	return journal.GuardianAuthor{Ledger: a.Ledger, Guardian: a.Guardians[name], Key: a.GuardKeys[name]}
}

// Stranger returns the author of a device the account has not enrolled,
// keyed from its label like every other fixture key.
func (a *Account) Stranger(name string) journal.Author {
	return journal.Author{Ledger: a.Ledger, Device: ids.NamedDevice(name), Key: crypto.DeviceKeyFromLabel(name)}
}

// KeysOf maps the named devices to their keys, for threshold signing.
func (a *Account) KeysOf(names ...string) map[ids.DeviceID]*crypto.DeviceKey {
	out := make(map[ids.DeviceID]*crypto.DeviceKey, len(names))
	for _, n := range names {
		out[a.Devices[n]] = a.Keys[n]
	}
	return out
}

// DeviceIDs returns the account's device ids sorted.
func (a *Account) DeviceIDs() []ids.DeviceID {
	out := make([]ids.DeviceID, 0, len(a.Devices))
	for _, d := range a.Devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return ids.CompareDevices(out[i], out[j]) < 0 })
	return out
}

// KeyShare returns the 16-byte share [16*i+1 .. 16*i+16], the fixed shares
// the DKD scenarios assign to the i-th participant.
func KeyShare(i int) []byte {
	share := make([]byte, 16)
	for j := range share {
		share[j] = byte(16*i + j + 1)
	}
	return share
}
