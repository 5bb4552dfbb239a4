package choreo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/guard"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/metrics"
)

// Sender is the guarded outbound half. *guard.Executor implements it.
type Sender interface {
	Send(ctx context.Context, req guard.Request) (guard.Result, error)
	Nonce(ctx context.Context, n int) ([]byte, error)
}

// DefaultCost is the flow charge of one choreography message.
const DefaultCost uint32 = 1

// Runtime is one device's choreography endpoint.
type Runtime struct {
	self        ids.DeviceID
	out         Sender
	box         *Mailbox
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	cost        uint32
	requirement string
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithClock sets the clock that bounds instance deadlines.
func WithClock(c clock.Clock) Option { return func(r *Runtime) { r.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runtime) { r.logger = l } }

// WithMetrics counts dropped envelopes.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Runtime) { r.metrics = m } }

// WithCost sets the flow charge per message.
func WithCost(c uint32) Option { return func(r *Runtime) { r.cost = c } }

// WithRequirement attaches a permission every send must be authorized for.
func WithRequirement(p string) Option { return func(r *Runtime) { r.requirement = p } }

// NewRuntime builds the runtime of self, sending through out and reading
// from in.
func NewRuntime(self ids.DeviceID, out Sender, in Receiver, opts ...Option) *Runtime {
	r := &Runtime{
		self:   self,
		out:    out,
		clock:  clock.New(),
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/roach88/aura/internal/choreo"),
		cost:   DefaultCost,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.box = NewMailbox(self, in, r.logger, r.metrics)
	return r
}

// Self is the runtime's device.
func (r *Runtime) Self() ids.DeviceID { return r.self }

// Mailbox exposes the inbound queue.
func (r *Runtime) Mailbox() *Mailbox { return r.box }

// Nonce draws n bytes from the sender's random source.
func (r *Runtime) Nonce(ctx context.Context, n int) ([]byte, error) {
	return r.out.Nonce(ctx, n)
}

// Instance is a device's seat in one protocol run.
type Instance struct {
	rt       *Runtime
	cfg      Config
	self     Role
	flow     ids.ContextID
	deadline time.Time
}

// Join validates cfg and starts the instance clock.
func (r *Runtime) Join(cfg Config) (*Instance, error) {
	self, err := cfg.validate(r.self)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Instance{
		rt:       r,
		cfg:      cfg,
		self:     self,
		flow:     ids.ContextID(cfg.Session),
		deadline: r.clock.Now().Add(cfg.Timeout),
	}, nil
}

// Self is the local role.
func (i *Instance) Self() Role { return i.self }

// Config returns the instance configuration.
func (i *Instance) Config() Config { return i.cfg }

// Session is the instance's session id.
func (i *Instance) Session() ids.SessionID { return i.cfg.Session }

// FlowContext is the budget context sends are charged to.
func (i *Instance) FlowContext() ids.ContextID { return i.flow }

// IsCoordinator reports whether the local role has index 0.
func (i *Instance) IsCoordinator() bool { return i.self.Index == 0 }

// Others lists every role but the local one.
func (i *Instance) Others() []Role {
	out := make([]Role, 0, len(i.cfg.Participants)-1)
	for _, r := range i.cfg.Participants {
		if r != i.self {
			out = append(out, r)
		}
	}
	return out
}

func (i *Instance) role(d ids.DeviceID) (Role, bool) {
	for _, r := range i.cfg.Participants {
		if r.Device == d {
			return r, true
		}
	}
	return Role{}, false
}

// Send encodes v and sends it to role to in phase.
func (i *Instance) Send(ctx context.Context, to Role, phase Phase, v any) error {
	data, err := canonical.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode phase %d message: %w", phase, err)
	}
	env := Envelope{
		From:    i.self,
		To:      to,
		Session: i.cfg.Session,
		Phase:   phase,
		Epoch:   i.cfg.Epoch,
		Payload: Payload{Sender: i.self.Device, Data: data},
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := i.rt.clock.WithDeadline(ctx, i.deadline)
	defer cancel()
	_, err = i.rt.out.Send(ctx, guard.Request{
		Context:     i.flow,
		Authority:   i.self.Device,
		Peer:        to.Device,
		Envelope:    raw,
		Cost:        i.rt.cost,
		Requirement: i.rt.requirement,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return i.fault(phase, err)
		}
		return fmt.Errorf("send phase %d to %s: %w", phase, to, err)
	}
	return nil
}

// SendAll sends v to every other role.
func (i *Instance) SendAll(ctx context.Context, phase Phase, v any) error {
	for _, to := range i.Others() {
		if err := i.Send(ctx, to, phase, v); err != nil {
			return err
		}
	}
	return nil
}

// Receive waits for a phase message from role from and decodes it into v.
func (i *Instance) Receive(ctx context.Context, from Role, phase Phase, v any) error {
	_, err := i.receive(ctx, phase, func(e Envelope) bool { return e.From == from }, v)
	return err
}

// ReceiveAny waits for a phase message from any role in from, decoding it
// into v, and returns the sender.
func (i *Instance) ReceiveAny(ctx context.Context, from []Role, phase Phase, v any) (Role, error) {
	return i.receive(ctx, phase, func(e Envelope) bool {
		for _, r := range from {
			if e.From == r {
				return true
			}
		}
		return false
	}, v)
}

func (i *Instance) receive(ctx context.Context, phase Phase, match func(Envelope) bool, v any) (Role, error) {
	ctx, cancel := i.rt.clock.WithDeadline(ctx, i.deadline)
	defer cancel()
	env, err := i.rt.box.Next(ctx, i.cfg.Session, phase, func(e Envelope) bool {
		if e.Epoch != i.cfg.Epoch {
			return false
		}
		if r, ok := i.role(e.From.Device); !ok || r != e.From {
			return false
		}
		return match(e)
	})
	if err != nil {
		return Role{}, i.fault(phase, err)
	}
	if err := decodeData(env.Payload.Data, v); err != nil {
		return env.From, faults.Byzantine(env.From)
	}
	return env.From, nil
}

func (i *Instance) fault(phase Phase, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Timeout(fmt.Sprintf("session %s phase %d", i.cfg.Session, phase))
	}
	return err
}

// bound applies the instance deadline to ctx and opens a span for a
// primitive.
func (i *Instance) bound(ctx context.Context, primitive string, base Phase) (context.Context, func(error)) {
	ctx, cancel := i.rt.clock.WithDeadline(ctx, i.deadline)
	ctx, span := i.rt.tracer.Start(ctx, "choreo."+primitive, trace.WithAttributes(
		attribute.String("session", i.cfg.Session.String()),
		attribute.Int("role", i.self.Index),
		attribute.Int("phase", int(base)),
		attribute.Int("participants", len(i.cfg.Participants)),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, primitive+" failed")
			i.rt.logger.Debug("choreography phase failed",
				"primitive", primitive,
				"device", i.self.Device.Short(),
				"session", i.cfg.Session,
				"error", err)
		}
		span.End()
		cancel()
	}
}
