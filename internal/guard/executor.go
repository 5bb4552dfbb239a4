package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/journal"
	"github.com/roach88/aura/internal/metrics"
)

// Result is what a guarded send produced.
type Result struct {
	Decision Decision

	// Receipt is the flow charge paired with the send.
	Receipt *journal.Receipt

	// Outcomes holds one entry per executed command, in program order.
	Outcomes []Outcome
}

// Executor evaluates the chain and runs authorized programs.
type Executor struct {
	reader  StateReader
	interp  Interpreter
	auth    Authorizer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithAuthorizer sets the capability source for requirement checks.
func WithAuthorizer(a Authorizer) ExecutorOption {
	return func(e *Executor) { e.auth = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics records decisions and charges.
func WithMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor wires a state reader and an interpreter.
func NewExecutor(reader StateReader, interp Interpreter, opts ...ExecutorOption) *Executor {
	e := &Executor{reader: reader, interp: interp, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate snapshots state and runs the pure chain without executing
// anything.
func (e *Executor) Evaluate(ctx context.Context, req Request) (Decision, error) {
	snap, err := TakeSnapshot(ctx, e.reader, req)
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(req, snap, e.auth), nil
}

// Send guards and performs req. A denial executes nothing and returns the
// typed cause alongside the decision. If the transport fails, the delta
// and metadata are not committed; the charge stands.
func (e *Executor) Send(ctx context.Context, req Request) (Result, error) {
	d, err := e.Evaluate(ctx, req)
	if err != nil {
		return Result{}, err
	}
	res := Result{Decision: d}
	if !d.Authorized {
		e.metrics.GuardDecision(string(faults.CodeOf(d.Err)))
		e.logger.Info("send denied",
			"context", req.Context,
			"peer", req.Peer,
			"cost", req.Cost,
			"reason", d.DenialReason)
		return res, d.Err
	}
	e.metrics.GuardDecision("authorized")

	for _, cmd := range d.Program {
		out, err := e.interp.Execute(ctx, cmd)
		if err != nil {
			e.logger.Warn("guard program stopped",
				"command", cmd.String(),
				"error", err)
			return res, fmt.Errorf("%s: %w", cmd.Kind(), err)
		}
		res.Outcomes = append(res.Outcomes, out)
		switch cmd.Kind() {
		case KindChargeBudget:
			res.Receipt = out.Receipt
			e.metrics.Charged(req.Cost)
		case KindSendEnvelope:
			e.metrics.Sent()
		}
	}
	return res, nil
}

// Nonce draws n random bytes through the interpreter so simulated runs
// stay deterministic.
func (e *Executor) Nonce(ctx context.Context, n int) ([]byte, error) {
	out, err := e.interp.Execute(ctx, GenerateNonce{Bytes: n})
	if err != nil {
		return nil, err
	}
	return out.Nonce, nil
}
