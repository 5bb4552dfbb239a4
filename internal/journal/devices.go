package journal

import (
	"crypto/ed25519"
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/ids"
)

const (
	KindAddDevice      Kind = "add_device"
	KindRemoveDevice   Kind = "remove_device"
	KindAddGuardian    Kind = "add_guardian"
	KindRemoveGuardian Kind = "remove_guardian"
)

func init() {
	register[AddDevice](KindAddDevice)
	register[RemoveDevice](KindRemoveDevice)
	register[AddGuardian](KindAddGuardian)
	register[RemoveGuardian](KindRemoveGuardian)
}

// AddDevice enrolls a device. Adding a device that is already active is a
// no-op.
type AddDevice struct {
	Device DeviceInfo `json:"device"`
}

func (AddDevice) Kind() Kind { return KindAddDevice }

// A threshold of current devices may add one; a device that completed
// recovery may add itself.
func (AddDevice) policy() authPolicy { return allowThresholdOnly | allowSelf }

func (p AddDevice) selfKey(st *AccountState) []byte {
	return st.Recovered[p.Device.ID]
}

func (p AddDevice) apply(st *AccountState, ac applyContext) error {
	if len(p.Device.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("device %s: public key must be %d bytes", p.Device.ID.Short(), ed25519.PublicKeySize)
	}
	if cur, ok := st.Devices[p.Device.ID]; ok && cur.Active {
		return nil
	}
	if ac.event.Authorization.Kind == AuthSelf {
		if key := st.Recovered[p.Device.ID]; !slices.Equal(key, p.Device.PublicKey) {
			return fmt.Errorf("device %s: key differs from recovery record", p.Device.ID.Short())
		}
		delete(st.Recovered, p.Device.ID)
	}
	info := p.Device
	info.Active = true
	info.AddedAt = ac.event.Timestamp
	info.RemovedAt = 0
	st.Devices[info.ID] = info
	st.Tree.addLeaf(LeafNode{Device: info.ID, PublicKey: info.PublicKey})
	return nil
}

// RemoveDevice retires a device. The device must have been added before.
type RemoveDevice struct {
	Device ids.DeviceID `json:"device"`
	Reason string       `json:"reason,omitempty"`
}

func (RemoveDevice) Kind() Kind         { return KindRemoveDevice }
func (RemoveDevice) policy() authPolicy { return allowThresholdOnly }

func (p RemoveDevice) apply(st *AccountState, ac applyContext) error {
	cur, ok := st.Devices[p.Device]
	if !ok {
		return fmt.Errorf("device %s was never added", p.Device.Short())
	}
	if !cur.Active {
		return nil
	}
	if len(st.ActiveDevices())-1 < int(st.Threshold) {
		return fmt.Errorf("removing %s would leave fewer active devices than threshold %d", p.Device.Short(), st.Threshold)
	}
	cur.Active = false
	cur.RemovedAt = ac.event.Timestamp
	st.Devices[p.Device] = cur
	st.Tree.removeDevice(p.Device)
	return nil
}

// AddGuardian enrolls a recovery guardian.
type AddGuardian struct {
	Guardian GuardianInfo `json:"guardian"`
}

func (AddGuardian) Kind() Kind         { return KindAddGuardian }
func (AddGuardian) policy() authPolicy { return allowThresholdOnly }

func (p AddGuardian) apply(st *AccountState, ac applyContext) error {
	if len(p.Guardian.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("guardian public key must be %d bytes", ed25519.PublicKeySize)
	}
	if _, ok := st.Guardians[p.Guardian.ID]; ok {
		return nil
	}
	g := p.Guardian
	g.AddedAt = ac.event.Timestamp
	st.Guardians[g.ID] = g
	return nil
}

// RemoveGuardian retires a guardian.
type RemoveGuardian struct {
	Guardian ids.GuardianID `json:"guardian"`
}

func (RemoveGuardian) Kind() Kind         { return KindRemoveGuardian }
func (RemoveGuardian) policy() authPolicy { return allowThresholdOnly }

func (p RemoveGuardian) apply(st *AccountState, _ applyContext) error {
	if _, ok := st.Guardians[p.Guardian]; !ok {
		return fmt.Errorf("guardian %s was never added", p.Guardian)
	}
	if len(st.Guardians)-1 < int(st.GuardianThreshold) {
		return fmt.Errorf("removing guardian would leave fewer than %d guardians", st.GuardianThreshold)
	}
	delete(st.Guardians, p.Guardian)
	return nil
}
