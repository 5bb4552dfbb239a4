package harness

import (
	"sort"

	"github.com/roach88/aura/internal/protocol"
	"github.com/roach88/aura/internal/sim"
)

// defaultSlowMs is the answer delay of the "slow" fixture when the fault
// gives none.
const defaultSlowMs = 200

// Fixtures maps fault-injection fixture names to the protocol deviation
// they switch on.
var Fixtures = map[string]func(b *protocol.Behavior, f FaultSpec){
	"equivocate_dkd":   func(b *protocol.Behavior, _ FaultSpec) { b.EquivocateDkd = true },
	"diverge_result":   func(b *protocol.Behavior, _ FaultSpec) { b.DivergeResult = true },
	"withhold_acks":    func(b *protocol.Behavior, _ FaultSpec) { b.WithholdAcks = true },
	"reject_proposals": func(b *protocol.Behavior, _ FaultSpec) { b.RejectProposals = true },
	"slow": func(b *protocol.Behavior, f FaultSpec) {
		b.DelayMs = defaultSlowMs
		if f.DelayMs > 0 {
			b.DelayMs = f.DelayMs
		}
	},
}

// FixtureNames lists the fixtures in sorted order.
func FixtureNames() []string {
	names := make([]string, 0, len(Fixtures))
	for n := range Fixtures {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Behavior combines the fixtures of f. Unknown names are ignored; scenario
// validation rejects them earlier.
func (f FaultSpec) Behavior() protocol.Behavior {
	var b protocol.Behavior
	for _, name := range f.Fixtures {
		if apply, ok := Fixtures[name]; ok {
			apply(&b, f)
		}
	}
	return b
}

// faults converts the scenario's Byzantine list for the simulator. A
// participant listed twice takes the union of its fixtures.
func (s *Scenario) faults() []sim.Fault {
	merged := map[string]FaultSpec{}
	var order []string
	for _, f := range s.Byzantine {
		cur, seen := merged[f.Participant]
		if !seen {
			order = append(order, f.Participant)
			cur.Participant = f.Participant
		}
		cur.Fixtures = append(cur.Fixtures, f.Fixtures...)
		if f.DelayMs > 0 {
			cur.DelayMs = f.DelayMs
		}
		merged[f.Participant] = cur
	}
	out := make([]sim.Fault, 0, len(order))
	for _, name := range order {
		out = append(out, sim.Fault{Participant: name, Behavior: merged[name].Behavior()})
	}
	return out
}
