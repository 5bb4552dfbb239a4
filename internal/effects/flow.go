package effects

import (
	"context"

	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// LedgerFlow charges flow budgets on a ledger and stamps receipts with
// physical time.
type LedgerFlow struct {
	Ledger *journal.Ledger
	Time   PhysicalTimeEffects
}

func (f LedgerFlow) ChargeFlow(ctx context.Context, c ids.ContextID, peer ids.DeviceID, cost uint32) (journal.Receipt, error) {
	return f.Ledger.ChargeFlow(ctx, c, peer, cost, NowMs(ctx, f.Time))
}
