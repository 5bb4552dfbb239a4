package sim

import (
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/protocol"
)

// Node builds the protocol endpoint of author on the task's runtime. The
// node draws its randomness from the world and takes the participant's
// configured behavior; opts are applied last.
func (e *Env) Node(author journal.Author, settings protocol.Settings, opts ...protocol.Option) *protocol.Node {
	return protocol.NewNode(author, e.rt, e, e, e.nodeOptions(author.Device, settings, opts)...)
}

// GuardianNode is Node for a recovery guardian.
func (e *Env) GuardianNode(g journal.GuardianAuthor, settings protocol.Settings, opts ...protocol.Option) *protocol.Node {
	return protocol.NewGuardianNode(g, e.rt, e, e, e.nodeOptions(ids.DeviceID(g.Guardian), settings, opts)...)
}

func (e *Env) nodeOptions(dev ids.DeviceID, settings protocol.Settings, opts []protocol.Option) []protocol.Option {
	base := []protocol.Option{
		protocol.WithRandom(e.Random()),
		protocol.WithSettings(settings),
		protocol.WithBehavior(e.p.Behavior),
		protocol.WithLogger(e.w.logger.With("task", e.t.name)),
		protocol.WithMetrics(e.w.metrics),
		protocol.WithSessions(e.w.sessions.For(dev)),
	}
	return append(base, opts...)
}
