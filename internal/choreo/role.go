package choreo

import (
	"fmt"
	"time"

	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
)

// Role is a device's position in a protocol instance. Index 0 is the
// coordinator.
type Role = faults.Role

// Roles assigns indexes to devices in the order given.
func Roles(devices ...ids.DeviceID) []Role {
	out := make([]Role, len(devices))
	for i, d := range devices {
		out[i] = Role{Device: d, Index: i}
	}
	return out
}

// Config describes one protocol instance. Every participant must use the
// same Session, Participants and Epoch.
type Config struct {
	Session      ids.SessionID
	Participants []Role
	Epoch        uint64
	Timeout      time.Duration

	// Quorum is how many acceptances (coordinator included) a proposal
	// needs. Zero means every participant.
	Quorum int
}

// DefaultTimeout applies when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

func (c Config) validate(self ids.DeviceID) (Role, error) {
	if c.Session.IsZero() {
		return Role{}, faults.ProtocolViolation("missing session id")
	}
	if len(c.Participants) == 0 {
		return Role{}, faults.ProtocolViolation("no participants")
	}
	seen := map[ids.DeviceID]bool{}
	var (
		me    Role
		found bool
	)
	for i, r := range c.Participants {
		if r.Index != i {
			return Role{}, faults.ProtocolViolation(fmt.Sprintf("role %s out of order", r))
		}
		if seen[r.Device] {
			return Role{}, faults.ProtocolViolation(fmt.Sprintf("device %s listed twice", r.Device.Short()))
		}
		seen[r.Device] = true
		if r.Device == self {
			me, found = r, true
		}
	}
	if !found {
		return Role{}, faults.ProtocolViolation("device is not a participant")
	}
	if c.Quorum < 0 || c.Quorum > len(c.Participants) {
		return Role{}, faults.ProtocolViolation(fmt.Sprintf("quorum %d of %d", c.Quorum, len(c.Participants)))
	}
	return me, nil
}

func (c Config) quorum() int {
	if c.Quorum == 0 {
		return len(c.Participants)
	}
	return c.Quorum
}

// Coordinator is the role at index 0.
func (c Config) Coordinator() Role { return c.Participants[0] }
