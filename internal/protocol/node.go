package protocol

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/metrics"
	"github.com/roach88/aura/internal/scheduler"
)

// Waiter suspends until a scheduler condition holds. *scheduler.Scheduler
// implements it, and so does each simulated participant.
type Waiter interface {
	YieldUntil(ctx context.Context, cond scheduler.Condition) error
}

// Settings are the protocol timing parameters.
type Settings struct {
	// Timeout bounds one protocol run, lock wait included.
	Timeout time.Duration
	// LeaseS is the operation-lock lease in seconds. Zero never expires.
	LeaseS uint32
	// LotteryWindowMs is how long a lock request waits for competing
	// requests before the lowest ticket claims the lock.
	LotteryWindowMs int64
}

// DefaultSettings are used when a Node is built without WithSettings.
var DefaultSettings = Settings{
	Timeout:         30 * time.Second,
	LeaseS:          60,
	LotteryWindowMs: 50,
}

// Node is one device's protocol endpoint.
type Node struct {
	author   journal.Author
	guardian *journal.GuardianAuthor
	rt       *choreo.Runtime
	time     effects.PhysicalTimeEffects
	waiter   Waiter
	sessions effects.SessionEffects
	random   io.Reader
	settings Settings
	behavior Behavior
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Node.
type Option func(*Node)

// WithSessions opens and closes a session-effects session around each run.
func WithSessions(s effects.SessionEffects) Option { return func(n *Node) { n.sessions = s } }

// WithRandom sets the source of polynomial coefficients.
func WithRandom(r io.Reader) Option { return func(n *Node) { n.random = r } }

// WithSettings overrides DefaultSettings.
func WithSettings(s Settings) Option { return func(n *Node) { n.settings = s } }

// WithBehavior makes the node deviate from the protocol.
func WithBehavior(b Behavior) Option { return func(n *Node) { n.behavior = b } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(n *Node) { n.logger = l } }

// WithMetrics records protocol outcomes and accusations.
func WithMetrics(m *metrics.Metrics) Option { return func(n *Node) { n.metrics = m } }

// NewNode builds the endpoint of author's device.
func NewNode(author journal.Author, rt *choreo.Runtime, t effects.PhysicalTimeEffects, w Waiter, opts ...Option) *Node {
	n := &Node{
		author:   author,
		rt:       rt,
		time:     t,
		waiter:   w,
		random:   rand.Reader,
		settings: DefaultSettings,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NewGuardianNode builds the endpoint of a recovery guardian. The guardian
// id doubles as its device id on the transport.
func NewGuardianNode(g journal.GuardianAuthor, rt *choreo.Runtime, t effects.PhysicalTimeEffects, w Waiter, opts ...Option) *Node {
	n := NewNode(journal.Author{Ledger: g.Ledger, Device: ids.DeviceID(g.Guardian), Key: g.Key}, rt, t, w, opts...)
	n.guardian = &g
	return n
}

// Device is the node's device id.
func (n *Node) Device() ids.DeviceID { return n.author.Device }

// Ledger is the account ledger the node writes to.
func (n *Node) Ledger() *journal.Ledger { return n.author.Ledger }

func (n *Node) now(ctx context.Context) int64 { return effects.NowMs(ctx, n.time) }

func (n *Node) emit(ctx context.Context, p journal.Payload) error {
	var err error
	if n.guardian != nil {
		_, _, err = n.guardian.Emit(ctx, p, n.now(ctx))
	} else {
		_, _, err = n.author.Emit(ctx, p, n.now(ctx))
	}
	return err
}

// emitSelf appends p signed by the node's own key alone, for a device that
// is not yet a member.
func (n *Node) emitSelf(ctx context.Context, p journal.Payload) error {
	_, _, err := n.author.EmitSelf(ctx, p, n.now(ctx))
	return err
}

func (n *Node) state() *journal.AccountState { return n.author.Ledger.State() }

// join seats the node in a choreography over participants, in role order.
func (n *Node) join(session ids.SessionID, participants []ids.DeviceID, epoch uint64, quorum int) (*choreo.Instance, error) {
	return n.rt.Join(choreo.Config{
		Session:      session,
		Participants: choreo.Roles(participants...),
		Epoch:        epoch,
		Timeout:      n.settings.Timeout,
		Quorum:       quorum,
	})
}

// openSession registers the run with the session effects: the coordinator
// opens it and every other role joins.
func (n *Node) openSession(ctx context.Context, id ids.SessionID, kind journal.SessionKind, coordinator bool) {
	if n.sessions == nil {
		return
	}
	var err error
	if coordinator {
		_, err = n.sessions.OpenSession(ctx, id, effects.SessionType(kind))
	} else {
		_, err = n.sessions.JoinSession(ctx, id)
	}
	if err != nil {
		n.logger.Debug("session registration failed", "session", id, "coordinator", coordinator, "error", err)
	}
}

// closeSession ends the session when the node coordinated it and leaves it
// otherwise.
func (n *Node) closeSession(ctx context.Context, id ids.SessionID, coordinator bool, err error) {
	if n.sessions == nil {
		return
	}
	if !coordinator {
		if leaveErr := n.sessions.LeaveSession(ctx, id); leaveErr != nil {
			n.logger.Debug("session leave failed", "session", id, "error", leaveErr)
		}
		return
	}
	status := journal.StatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = journal.StatusAborted
	default:
		status = journal.StatusFailed
	}
	if endErr := n.sessions.EndSession(ctx, id, status); endErr != nil {
		n.logger.Debug("session end failed", "session", id, "status", status, "error", endErr)
	}
}

// record counts the outcome of a run and any accusation it carries.
func (n *Node) record(protocol string, err error) {
	outcome := "completed"
	if err != nil {
		outcome = string(faults.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
		if accused, ok := faults.IsByzantine(err); ok {
			n.metrics.Accused(protocol, len(accused))
		}
	}
	n.metrics.ProtocolOutcome(protocol, outcome)
	n.logger.Info("protocol finished",
		"protocol", protocol,
		"device", n.author.Device.Short(),
		"outcome", outcome,
		"error", err)
}

func accusedDevices(err error) []ids.DeviceID {
	roles, _ := faults.IsByzantine(err)
	out := make([]ids.DeviceID, len(roles))
	for i, r := range roles {
		out[i] = r.Device
	}
	return out
}
