package capability

import (
	"context"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/journal"
)

// JournalRecorder appends delegation and revocation events to the account
// journal as its author.
type JournalRecorder struct {
	Author journal.Author
}

func (r JournalRecorder) RecordDelegation(ctx context.Context, t Token, now int64) error {
	parent, _ := t.Parent()
	_, _, err := r.Author.Emit(ctx, journal.CapabilityDelegation{
		Capability:  t.ID(),
		Parent:      parent,
		Holder:      t.Device,
		Permissions: permissionStrings(t.Permissions),
	}, now)
	return err
}

func (r JournalRecorder) RecordRevocation(ctx context.Context, id canonical.Hash, reason string, now int64) error {
	_, _, err := r.Author.Emit(ctx, journal.CapabilityRevocation{Capability: id, Reason: reason}, now)
	return err
}
