// Package ids defines Aura's strong identifier types.
//
// UUID-shaped ids (AccountID, DeviceID, ...) are distinct named types over
// uuid.UUID so the compiler keeps their namespaces apart. Hash-shaped ids
// (RelayID, GroupID) are derived deterministically from their members.
package ids

import (
	"github.com/google/uuid"
)

// namespace seeds deterministic (UUIDv5) identifiers.
var namespace = uuid.MustParse("6f1c2a7e-5b0d-4c1e-9a51-3e7d2b8f4a10")

type (
	AccountID   uuid.UUID
	DeviceID    uuid.UUID
	GuardianID  uuid.UUID
	SessionID   uuid.UUID
	ContextID   uuid.UUID
	OperationID uuid.UUID
	EventID     uuid.UUID
)

func NewAccountID() AccountID     { return AccountID(uuid.New()) }
func NewDeviceID() DeviceID       { return DeviceID(uuid.New()) }
func NewGuardianID() GuardianID   { return GuardianID(uuid.New()) }
func NewSessionID() SessionID     { return SessionID(uuid.New()) }
func NewContextID() ContextID     { return ContextID(uuid.New()) }
func NewOperationID() OperationID { return OperationID(uuid.New()) }
func NewEventID() EventID         { return EventID(uuid.New()) }

// Named ids are derived with UUIDv5 so fixtures and simulations get stable
// identities from readable names.
func NamedAccount(name string) AccountID {
	return AccountID(uuid.NewSHA1(namespace, []byte("account:"+name)))
}
func NamedDevice(name string) DeviceID {
	return DeviceID(uuid.NewSHA1(namespace, []byte("device:"+name)))
}
func NamedGuardian(name string) GuardianID {
	return GuardianID(uuid.NewSHA1(namespace, []byte("guardian:"+name)))
}
func NamedSession(name string) SessionID {
	return SessionID(uuid.NewSHA1(namespace, []byte("session:"+name)))
}
func NamedContext(name string) ContextID {
	return ContextID(uuid.NewSHA1(namespace, []byte("context:"+name)))
}

// SessionFromBytes builds a SessionID from 16 random bytes, as drawn from a
// RandomEffects handler.
func SessionFromBytes(b [16]byte) SessionID {
	u := uuid.UUID(b)
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return SessionID(u)
}

// EventFromBytes is SessionFromBytes for event ids.
func EventFromBytes(b [16]byte) EventID {
	return EventID(SessionFromBytes(b))
}

func (id AccountID) String() string   { return uuid.UUID(id).String() }
func (id DeviceID) String() string    { return uuid.UUID(id).String() }
func (id GuardianID) String() string  { return uuid.UUID(id).String() }
func (id SessionID) String() string   { return uuid.UUID(id).String() }
func (id ContextID) String() string   { return uuid.UUID(id).String() }
func (id OperationID) String() string { return uuid.UUID(id).String() }
func (id EventID) String() string     { return uuid.UUID(id).String() }

func (id DeviceID) Bytes() []byte  { b := uuid.UUID(id); return b[:] }
func (id SessionID) Bytes() []byte { b := uuid.UUID(id); return b[:] }
func (id AccountID) Bytes() []byte { b := uuid.UUID(id); return b[:] }

func (id DeviceID) IsZero() bool  { return id == DeviceID{} }
func (id SessionID) IsZero() bool { return id == SessionID{} }

// Short returns the first 8 characters, for logs.
func (id DeviceID) Short() string { return id.String()[:8] }

func (id AccountID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id DeviceID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id GuardianID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id SessionID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id ContextID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id OperationID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id EventID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }

func (id *AccountID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *DeviceID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *GuardianID) UnmarshalText(b []byte) error  { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *SessionID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ContextID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *OperationID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *EventID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(id).UnmarshalText(b) }

// ParseDevice parses the textual form of a DeviceID.
func ParseDevice(s string) (DeviceID, error) {
	u, err := uuid.Parse(s)
	return DeviceID(u), err
}

// ParseAccount parses the textual form of an AccountID.
func ParseAccount(s string) (AccountID, error) {
	u, err := uuid.Parse(s)
	return AccountID(u), err
}

// CompareDevices orders device ids bytewise.
func CompareDevices(a, b DeviceID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
