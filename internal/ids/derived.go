package ids

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/aura/internal/canonical"
)

const (
	relayDomain = "AURA_RELAY_ID"
	groupDomain = "AURA_GROUP_ID"
)

// RelayID identifies the pairwise channel between two devices.
type RelayID [32]byte

// GroupID identifies a threshold group by its threshold and members.
type GroupID [32]byte

// NewRelayID derives H("AURA_RELAY_ID" || sorted(a, b)). Argument order does
// not matter.
func NewRelayID(a, b DeviceID) RelayID {
	if CompareDevices(a, b) > 0 {
		a, b = b, a
	}
	return RelayID(canonical.Sum([]byte(relayDomain), a.Bytes(), b.Bytes()))
}

// NewGroupID derives H("AURA_GROUP_ID" || threshold || sorted(members)).
// The threshold is encoded as a little-endian u16.
func NewGroupID(threshold uint16, members []DeviceID) GroupID {
	sorted := slices.Clone(members)
	slices.SortFunc(sorted, CompareDevices)
	parts := make([][]byte, 0, len(sorted)+2)
	parts = append(parts, []byte(groupDomain), binary.LittleEndian.AppendUint16(nil, threshold))
	for _, m := range sorted {
		parts = append(parts, m.Bytes())
	}
	return GroupID(canonical.Sum(parts...))
}

func (r RelayID) String() string { return hex.EncodeToString(r[:]) }
func (g GroupID) String() string { return hex.EncodeToString(g[:]) }

func (r RelayID) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
func (g GroupID) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

func (r *RelayID) UnmarshalText(b []byte) error { return decodeHash32(r[:], b) }
func (g *GroupID) UnmarshalText(b []byte) error { return decodeHash32(g[:], b) }

func decodeHash32(dst, src []byte) error {
	if len(src) != 64 {
		return fmt.Errorf("want 64 hex chars, got %d", len(src))
	}
	_, err := hex.Decode(dst, src)
	return err
}

// DkdContextID binds a derived key to an application label and a caller
// supplied fingerprint.
type DkdContextID struct {
	AppLabel    string         `json:"app_label"`
	Fingerprint canonical.Hash `json:"fingerprint"`
}

// NewDkdContextID fingerprints the label and context bytes.
func NewDkdContextID(appLabel string, context []byte) DkdContextID {
	return DkdContextID{
		AppLabel:    appLabel,
		Fingerprint: canonical.Sum([]byte(appLabel), []byte{0x00}, context),
	}
}

func (d DkdContextID) String() string {
	return d.AppLabel + ":" + d.Fingerprint.Short()
}

// ContextKind tags a MessageContext.
type ContextKind uint8

const (
	ContextRelay ContextKind = iota + 1
	ContextGroup
	ContextDkd
)

func (k ContextKind) String() string {
	switch k {
	case ContextRelay:
		return "relay"
	case ContextGroup:
		return "group"
	case ContextDkd:
		return "dkd"
	}
	return fmt.Sprintf("context(%d)", k)
}

// MessageContext identifies a privacy partition. Exactly one of the payload
// fields is meaningful, selected by Kind.
type MessageContext struct {
	Kind  ContextKind   `json:"kind"`
	Relay RelayID       `json:"relay,omitzero"`
	Group GroupID       `json:"group,omitzero"`
	Dkd   *DkdContextID `json:"dkd,omitempty"`
}

func RelayContext(a, b DeviceID) MessageContext {
	return MessageContext{Kind: ContextRelay, Relay: NewRelayID(a, b)}
}

func GroupContext(g GroupID) MessageContext {
	return MessageContext{Kind: ContextGroup, Group: g}
}

func DkdContext(d DkdContextID) MessageContext {
	return MessageContext{Kind: ContextDkd, Dkd: &d}
}

// Compatible reports whether two contexts may exchange data. Contexts are
// compatible only when bit-identical.
func (m MessageContext) Compatible(other MessageContext) bool {
	if m.Kind != other.Kind {
		return false
	}
	switch m.Kind {
	case ContextRelay:
		return m.Relay == other.Relay
	case ContextGroup:
		return m.Group == other.Group
	case ContextDkd:
		if m.Dkd == nil || other.Dkd == nil {
			return m.Dkd == other.Dkd
		}
		return *m.Dkd == *other.Dkd
	}
	return false
}

// Key is a stable string form used to index per-context bookkeeping.
func (m MessageContext) Key() string {
	switch m.Kind {
	case ContextRelay:
		return "relay:" + m.Relay.String()
	case ContextGroup:
		return "group:" + m.Group.String()
	case ContextDkd:
		if m.Dkd != nil {
			return "dkd:" + m.Dkd.AppLabel + ":" + m.Dkd.Fingerprint.String()
		}
	}
	return "invalid"
}

func (m MessageContext) String() string {
	k := m.Key()
	if len(k) > 24 {
		return k[:24]
	}
	return k
}

// NetworkAddress is an opaque transport address.
type NetworkAddress string

// PeerID derives a stable identity from the address bytes (UUIDv5).
func (a NetworkAddress) PeerID() uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(a))
}

// DeviceAddress is the conventional address of a device on the in-process
// and simulated transports.
func DeviceAddress(d DeviceID) NetworkAddress {
	return NetworkAddress("device/" + d.String())
}

// DeviceOf resolves an address produced by DeviceAddress.
func (a NetworkAddress) DeviceOf() (DeviceID, bool) {
	rest, ok := strings.CutPrefix(string(a), "device/")
	if !ok {
		return DeviceID{}, false
	}
	d, err := ParseDevice(rest)
	return d, err == nil
}
