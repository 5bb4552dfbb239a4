package sim

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/guard"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// Interpreter runs guard programs for one simulated task. Each command is
// executed by the production handlers over the participant's simulated
// effect system and then recorded in the trace, so the trace shows the
// exact order in which budgets were charged and envelopes left.
type Interpreter struct {
	task   string
	device ids.DeviceID
	state  *State
	inner  *guard.Production
	reader guard.SystemReader
}

var (
	_ guard.Interpreter = (*Interpreter)(nil)
	_ guard.StateReader = (*Interpreter)(nil)
)

func newInterpreter(task string, device ids.DeviceID, state *State, sys effects.System, logger *slog.Logger) (*Interpreter, error) {
	inner, err := guard.NewProduction(sys, logger)
	if err != nil {
		return nil, fmt.Errorf("simulated effects for %s: %w", task, err)
	}
	return &Interpreter{
		task:   task,
		device: device,
		state:  state,
		inner:  inner,
		reader: guard.SystemReader{Sys: sys},
	}, nil
}

func (i *Interpreter) Execute(ctx context.Context, cmd guard.EffectCommand) (guard.Outcome, error) {
	ev := Event{Kind: EventEffect, Task: i.task, Device: i.device, Command: cmd.Kind()}
	switch c := cmd.(type) {
	case guard.ChargeBudget:
		ev.Context, ev.Peer, ev.Amount = c.Context, c.Peer, c.Amount
	case guard.SendEnvelope:
		ev.Context = c.Context
		ev.Peer, _ = c.Peer()
		ev.Message = digestOf(c.Envelope)
	case guard.RecordLeakage:
		ev.Detail = c.Context + "/" + c.Operation
	case guard.StoreMetadata:
		ev.Detail = c.Key
	case guard.GenerateNonce:
		ev.Amount = uint32(c.Bytes)
	}
	out, err := i.inner.Execute(ctx, cmd)
	if err != nil {
		ev.Detail = err.Error()
	}
	i.state.record(ev)
	return out, err
}

func (i *Interpreter) GetFlowBudget(ctx context.Context, c ids.ContextID, peer ids.DeviceID) (journal.FlowBudget, error) {
	return i.reader.GetFlowBudget(ctx, c, peer)
}

func (i *Interpreter) GetLeakageBudget(ctx context.Context, contextID string) (effects.LeakageBudget, error) {
	return i.reader.GetLeakageBudget(ctx, contextID)
}

func (i *Interpreter) PhysicalTime(ctx context.Context) (effects.PhysicalTime, error) {
	return i.reader.PhysicalTime(ctx)
}
