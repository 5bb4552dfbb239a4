package journal

import (
	"context"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/crypto"
	"github.com/roach88/aura/internal/ids"
)

func buildEvent(l *Ledger, author ids.DeviceID, p Payload, now int64) Event {
	var epoch uint64
	l.View(func(st *AccountState) { epoch = st.SessionEpoch })
	return NewEvent(l.Account(), author, l.ReserveNonce(), epoch, now, p)
}

// Author appends events signed by one device.
type Author struct {
	Ledger *Ledger
	Device ids.DeviceID
	Key    *crypto.DeviceKey
}

// Emit signs p with the device key and appends it.
func (a Author) Emit(ctx context.Context, p Payload, now int64) (Event, canonical.Hash, error) {
	e, err := buildEvent(a.Ledger, a.Device, p, now).SignSingle(a.Key)
	if err != nil {
		return e, canonical.Hash{}, err
	}
	return a.Ledger.Append(ctx, e)
}

// EmitThreshold appends p authorized by every key in cosigners. The author's
// own key is included.
func (a Author) EmitThreshold(ctx context.Context, p Payload, now int64, cosigners map[ids.DeviceID]*crypto.DeviceKey) (Event, canonical.Hash, error) {
	keys := map[ids.DeviceID]*crypto.DeviceKey{a.Device: a.Key}
	for d, k := range cosigners {
		keys[d] = k
	}
	e, err := buildEvent(a.Ledger, a.Device, p, now).SignThreshold(keys)
	if err != nil {
		return e, canonical.Hash{}, err
	}
	return a.Ledger.Append(ctx, e)
}

// EmitSelf appends p self-signed with the author key, for a device that is
// recovering or was just recovered and is not an active member.
func (a Author) EmitSelf(ctx context.Context, p Payload, now int64) (Event, canonical.Hash, error) {
	e, err := buildEvent(a.Ledger, a.Device, p, now).SignSelf(a.Key)
	if err != nil {
		return e, canonical.Hash{}, err
	}
	return a.Ledger.Append(ctx, e)
}

// GuardianAuthor appends events signed by a recovery guardian. The
// guardian's id stands in as the event author.
type GuardianAuthor struct {
	Ledger   *Ledger
	Guardian ids.GuardianID
	Key      *crypto.DeviceKey
}

// Emit signs p with the guardian key and appends it.
func (g GuardianAuthor) Emit(ctx context.Context, p Payload, now int64) (Event, canonical.Hash, error) {
	e, err := buildEvent(g.Ledger, ids.DeviceID(g.Guardian), p, now).SignGuardian(g.Guardian, g.Key)
	if err != nil {
		return e, canonical.Hash{}, err
	}
	return g.Ledger.Append(ctx, e)
}
