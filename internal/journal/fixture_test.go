package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/ids"
)

type fixture struct {
	t       *testing.T
	account ids.AccountID
	keys    map[string]*crypto.DeviceKey
	devices map[string]ids.DeviceID
	gkeys   map[string]*crypto.DeviceKey
	guards  map[string]ids.GuardianID
	genesis Genesis
	ledger  *Ledger
	nonce   uint64
	now     int64
}

func newFixture(t *testing.T, threshold uint16, names ...string) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		account: ids.NamedAccount("acct"),
		keys:    map[string]*crypto.DeviceKey{},
		devices: map[string]ids.DeviceID{},
		gkeys:   map[string]*crypto.DeviceKey{},
		guards:  map[string]ids.GuardianID{},
		now:     1_000,
	}
	g := Genesis{Account: f.account, Threshold: threshold, GuardianThreshold: 2}
	for _, n := range names {
		k := crypto.DeviceKeyFromLabel(n)
		f.keys[n] = k
		f.devices[n] = ids.NamedDevice(n)
		g.Devices = append(g.Devices, DeviceInfo{ID: f.devices[n], Name: n, PublicKey: k.Public()})
	}
	for i, n := range []string{"g1", "g2", "g3"} {
		k := crypto.DeviceKeyFromLabel(n)
		f.gkeys[n] = k
		f.guards[n] = ids.NamedGuardian(n)
		g.Guardians = append(g.Guardians, GuardianInfo{ID: f.guards[n], Name: n, PublicKey: k.Public(), ShareIndex: uint32(i + 1)})
	}
	f.genesis = g
	f.ledger = NewLedger(g)
	return f
}

func (f *fixture) event(author ids.DeviceID, p Payload) Event {
	f.nonce++
	f.now += 10
	return NewEvent(f.account, author, f.nonce, 0, f.now, p)
}

func (f *fixture) single(name string, p Payload) Event {
	f.t.Helper()
	e, err := f.event(f.devices[name], p).SignSingle(f.keys[name])
	require.NoError(f.t, err)
	return e
}

func (f *fixture) threshold(p Payload, signers ...string) Event {
	f.t.Helper()
	keys := map[ids.DeviceID]*crypto.DeviceKey{}
	for _, n := range signers {
		keys[f.devices[n]] = f.keys[n]
	}
	e, err := f.event(f.devices[signers[0]], p).SignThreshold(keys)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) guardian(name string, p Payload) Event {
	f.t.Helper()
	e, err := f.event(ids.DeviceID(f.guards[name]), p).SignGuardian(f.guards[name], f.gkeys[name])
	require.NoError(f.t, err)
	return e
}

func (f *fixture) self(author ids.DeviceID, key *crypto.DeviceKey, p Payload) Event {
	f.t.Helper()
	e, err := f.event(author, p).SignSelf(key)
	require.NoError(f.t, err)
	return e
}

func (f *fixture) append(e Event) (Event, canonical.Hash, error) {
	return f.ledger.Append(context.Background(), e)
}

func (f *fixture) mustAppend(e Event) Event {
	f.t.Helper()
	out, _, err := f.append(e)
	require.NoError(f.t, err)
	return out
}
