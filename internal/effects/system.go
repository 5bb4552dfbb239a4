package effects

import (
	"errors"
	"fmt"
)

// System is the capability set a concrete effect system provides. Guard
// and protocol code take a System and use only the fields they need.
type System struct {
	Journal  JournalEffects
	Flow     FlowBudgetEffects
	Leakage  LeakageEffects
	Storage  StorageEffects
	Network  NetworkEffects
	Random   RandomEffects
	Time     PhysicalTimeEffects
	Session  SessionEffects
	Terminal TerminalEffects
}

// Capability names one member of the set.
type Capability string

const (
	CapJournal  Capability = "journal"
	CapFlow     Capability = "flow"
	CapLeakage  Capability = "leakage"
	CapStorage  Capability = "storage"
	CapNetwork  Capability = "network"
	CapRandom   Capability = "random"
	CapTime     Capability = "time"
	CapSession  Capability = "session"
	CapTerminal Capability = "terminal"
)

// GuardCapabilities is what the send-guard chain needs.
var GuardCapabilities = []Capability{CapJournal, CapFlow, CapLeakage, CapNetwork, CapRandom, CapTime}

func (s System) has(c Capability) bool {
	switch c {
	case CapJournal:
		return s.Journal != nil
	case CapFlow:
		return s.Flow != nil
	case CapLeakage:
		return s.Leakage != nil
	case CapStorage:
		return s.Storage != nil
	case CapNetwork:
		return s.Network != nil
	case CapRandom:
		return s.Random != nil
	case CapTime:
		return s.Time != nil
	case CapSession:
		return s.Session != nil
	case CapTerminal:
		return s.Terminal != nil
	}
	return false
}

// Require reports every missing capability.
func (s System) Require(caps ...Capability) error {
	var errs []error
	for _, c := range caps {
		if !s.has(c) {
			errs = append(errs, fmt.Errorf("effect system lacks %s", c))
		}
	}
	return errors.Join(errs...)
}
