package sim

import (
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/protocol"
	"github.com/roach88/aura/internal/scheduler"
	"github.com/roach88/aura/internal/storage"
)

// Participant is a simulated device: its ledger, its effect handlers and
// the fault behavior the world's configuration assigns it.
type Participant struct {
	Name     string
	Device   ids.DeviceID
	Ledger   *journal.Ledger
	Behavior protocol.Behavior

	Leakage   *effects.LeakageLedger
	Storage   *storage.Memory
	Scheduler *scheduler.Scheduler
}

// Byzantine reports whether the participant deviates from the protocol.
func (p *Participant) Byzantine() bool { return !p.Behavior.Honest() }

// system assembles the participant's effect handlers for one task.
func (p *Participant) system(env *Env, random effects.RandomEffects) effects.System {
	return effects.System{
		Journal: p.Ledger,
		Flow:    effects.LedgerFlow{Ledger: p.Ledger, Time: env},
		Leakage: p.Leakage,
		Storage: p.Storage,
		Network: env,
		Random:  random,
		Time:    env,
	}
}
