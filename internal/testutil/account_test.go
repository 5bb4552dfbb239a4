package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAccount_IsReproducible(t *testing.T) {
	a := NewAccount(t, "acct", 2, []string{"alice", "bob", "carol"})
	b := NewAccount(t, "acct", 2, []string{"alice", "bob", "carol"})

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.Devices, b.Devices)
	assert.Equal(t, a.Keys["alice"].Public(), b.Keys["alice"].Public())
	assert.Equal(t, a.Ledger.State().Digest(), b.Ledger.State().Digest())
}

func TestNewAccount_Genesis(t *testing.T) {
	a := NewAccount(t, "acct", 2, []string{"alice", "bob"})
	st := a.Ledger.State()
	assert.Equal(t, uint16(2), st.Threshold)
	assert.Len(t, st.ActiveDevices(), 2)
	assert.Len(t, st.Guardians, 3)
	assert.Len(t, a.DeviceIDs(), 2)
	assert.Len(t, a.KeysOf("alice", "bob"), 2)
}

func TestKeyShare(t *testing.T) {
	assert.Equal(t, byte(1), KeyShare(0)[0])
	assert.Equal(t, byte(16), KeyShare(0)[15])
	assert.Equal(t, byte(17), KeyShare(1)[0])
	assert.Equal(t, byte(48), KeyShare(2)[15])
}

func TestAccount_Stranger(t *testing.T) {
	a := BuildAccount("acct", 1, []string{"alice"})
	dave := a.Stranger("dave")
	assert.Same(t, a.Ledger, dave.Ledger)
	assert.False(t, a.Ledger.State().IsActiveDevice(dave.Device))
	assert.Equal(t, a.Stranger("dave").Key.Public(), dave.Key.Public())
}
