package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayIDIsSymmetric(t *testing.T) {
	a, b := NamedDevice("alice"), NamedDevice("bob")
	assert.Equal(t, NewRelayID(a, b), NewRelayID(b, a))
	assert.NotEqual(t, NewRelayID(a, b), NewRelayID(a, NamedDevice("carol")))
}

func TestGroupIDDependsOnThresholdNotOrder(t *testing.T) {
	m := []DeviceID{NamedDevice("a"), NamedDevice("b"), NamedDevice("c")}
	rev := []DeviceID{m[2], m[1], m[0]}
	assert.Equal(t, NewGroupID(2, m), NewGroupID(2, rev))
	assert.NotEqual(t, NewGroupID(2, m), NewGroupID(3, m))
}

func TestMessageContextCompatibility(t *testing.T) {
	a, b, c := NamedDevice("a"), NamedDevice("b"), NamedDevice("c")
	assert.True(t, RelayContext(a, b).Compatible(RelayContext(b, a)))
	assert.False(t, RelayContext(a, b).Compatible(RelayContext(a, c)))

	dkd := DkdContext(NewDkdContextID("app", []byte("x")))
	assert.True(t, dkd.Compatible(DkdContext(NewDkdContextID("app", []byte("x")))))
	assert.False(t, dkd.Compatible(DkdContext(NewDkdContextID("app", []byte("y")))))

	// Same 32 bytes under different tags are still different partitions.
	relay := RelayContext(a, b)
	var g GroupID
	copy(g[:], relay.Relay[:])
	assert.False(t, GroupContext(g).Compatible(RelayContext(a, b)))
}

func TestNamedIDsAreStable(t *testing.T) {
	assert.Equal(t, NamedDevice("alice"), NamedDevice("alice"))
	assert.NotEqual(t, NamedDevice("alice"), NamedDevice("bob"))
	assert.NotEqual(t, NamedDevice("alice").String(), NamedAccount("alice").String())
}

func TestIDTextEncoding(t *testing.T) {
	d := NamedDevice("alice")
	raw, err := json.Marshal(map[string]DeviceID{"d": d})
	require.NoError(t, err)
	var back map[string]DeviceID
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, d, back["d"])

	parsed, err := ParseDevice(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestPeerIDDeterministic(t *testing.T) {
	assert.Equal(t, NetworkAddress("ws://x").PeerID(), NetworkAddress("ws://x").PeerID())
	assert.NotEqual(t, NetworkAddress("ws://x").PeerID(), NetworkAddress("ws://y").PeerID())
}

func TestDeviceAddressRoundTrip(t *testing.T) {
	d := NamedDevice("alice")
	got, ok := DeviceAddress(d).DeviceOf()
	require.True(t, ok)
	assert.Equal(t, d, got)

	_, ok = NetworkAddress("ws://10.0.0.1:7000").DeviceOf()
	assert.False(t, ok)
	_, ok = NetworkAddress("device/not-a-uuid").DeviceOf()
	assert.False(t, ok)
}
