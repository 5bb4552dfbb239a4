package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/journal"
)

// Interpreter executes EffectCommands. The production and simulation
// implementations share this signature.
type Interpreter interface {
	Execute(ctx context.Context, cmd EffectCommand) (Outcome, error)
}

// leakageConsumer is implemented by leakage handlers that can refuse an
// overdraft atomically.
type leakageConsumer interface {
	Consume(ctx context.Context, ev effects.LeakageEvent) (effects.LeakageBudget, error)
}

// deltaCommitter is implemented by journal handlers that can join a delta
// under their own lock. *journal.Ledger implements it.
type deltaCommitter interface {
	CommitDelta(ctx context.Context, delta journal.Journal) (journal.Journal, error)
}

// Production runs commands against live effect handlers.
type Production struct {
	sys    effects.System
	logger *slog.Logger
}

// NewProduction checks that sys carries what guard programs use.
func NewProduction(sys effects.System, logger *slog.Logger) (*Production, error) {
	if err := sys.Require(effects.GuardCapabilities...); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Production{sys: sys, logger: logger}, nil
}

func (p *Production) Execute(ctx context.Context, cmd EffectCommand) (Outcome, error) {
	out := Outcome{Kind: cmd.Kind()}
	switch c := cmd.(type) {
	case ChargeBudget:
		r, err := p.sys.Flow.ChargeFlow(ctx, c.Context, c.Peer, c.Amount)
		if err != nil {
			return out, err
		}
		out.Remaining = r.Remaining
		out.Receipt = &r

	case AppendJournal:
		if err := p.appendJournal(ctx, c.Entry); err != nil {
			return out, fmt.Errorf("journal rejected delta: %w", err)
		}

	case RecordLeakage:
		ev := effects.LeakageEvent{
			Context:   c.Context,
			Operation: c.Operation,
			Bits:      c.Bits,
			Timestamp: effects.NowMs(ctx, p.sys.Time),
		}
		if lc, ok := p.sys.Leakage.(leakageConsumer); ok {
			if _, err := lc.Consume(ctx, ev); err != nil {
				return out, err
			}
			break
		}
		if err := p.sys.Leakage.RecordLeakage(ctx, ev); err != nil {
			return out, err
		}

	case StoreMetadata:
		if p.sys.Storage == nil {
			return out, fmt.Errorf("store metadata %s: no storage handler", c.Key)
		}
		if err := p.sys.Storage.Store(ctx, c.Key, c.Value); err != nil {
			return out, fmt.Errorf("store metadata %s: %w", c.Key, err)
		}

	case SendEnvelope:
		peer, ok := c.Peer()
		if !ok {
			return out, faults.PeerUnreachable(string(c.To), fmt.Errorf("not a device address"))
		}
		if err := p.sys.Network.SendToPeer(ctx, peer, c.Envelope); err != nil {
			return out, err
		}

	case GenerateNonce:
		out.Nonce = p.sys.Random.RandomBytes(c.Bytes)

	default:
		return out, fmt.Errorf("unknown effect command %T", cmd)
	}
	p.logger.Debug("effect executed", "command", cmd.String())
	return out, nil
}

func (p *Production) appendJournal(ctx context.Context, delta journal.Journal) error {
	if dc, ok := p.sys.Journal.(deltaCommitter); ok {
		_, err := dc.CommitDelta(ctx, delta)
		return err
	}
	base, err := p.sys.Journal.GetJournal(ctx)
	if err != nil {
		return err
	}
	merged, err := p.sys.Journal.MergeFacts(ctx, base, delta)
	if err != nil {
		return err
	}
	return p.sys.Journal.PersistJournal(ctx, merged)
}
