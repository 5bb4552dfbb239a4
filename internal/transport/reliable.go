package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/faults"
	"github.com/roach88/aura/internal/ids"
)

// RetryPolicy bounds how hard Reliable tries before giving up on a send.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64

	// BreakerFailures consecutive failures open a peer's breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultRetryPolicy returns the policy used by the binary.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxRetries:      5,
		BreakerFailures: 5,
		BreakerCooldown: 10 * time.Second,
	}
}

// Reliable retries failed sends with capped exponential backoff behind a
// per-peer circuit breaker. Everything else passes through to the wrapped
// transport.
type Reliable struct {
	effects.NetworkEffects
	policy RetryPolicy
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[ids.DeviceID]*gobreaker.CircuitBreaker
}

// NewReliable wraps inner.
func NewReliable(inner effects.NetworkEffects, policy RetryPolicy, logger *slog.Logger) *Reliable {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reliable{
		NetworkEffects: inner,
		policy:         policy,
		logger:         logger,
		breakers:       map[ids.DeviceID]*gobreaker.CircuitBreaker{},
	}
}

func (r *Reliable) breaker(peer ids.DeviceID) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[peer]
	if !ok {
		failures := r.policy.BreakerFailures
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        peer.String(),
			MaxRequests: 1,
			Timeout:     r.policy.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return failures > 0 && c.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				r.logger.Info("peer breaker changed", "peer", name, "from", from.String(), "to", to.String())
			},
		})
		r.breakers[peer] = cb
	}
	return cb
}

// BreakerState reports the breaker state of peer.
func (r *Reliable) BreakerState(peer ids.DeviceID) gobreaker.State {
	return r.breaker(peer).State()
}

func (r *Reliable) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxRetries), ctx)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	case faults.Is(err, faults.CodeEndpointClosed):
		return false
	}
	return true
}

func (r *Reliable) SendToPeer(ctx context.Context, peer ids.DeviceID, msg []byte) error {
	cb := r.breaker(peer)
	attempts := 0
	op := func() error {
		attempts++
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, r.NetworkEffects.SendToPeer(ctx, peer, msg)
		})
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, r.backoff(ctx))
	if err == nil {
		return nil
	}
	if faults.Is(err, faults.CodeEndpointClosed) || ctx.Err() != nil {
		return err
	}
	r.logger.Warn("peer unreachable", "peer", peer, "attempts", attempts, "error", err)
	return faults.PeerUnreachable(peer.String(), err)
}

func (r *Reliable) Broadcast(ctx context.Context, msg []byte) error {
	var errs []error
	for _, p := range r.ConnectedPeers(ctx) {
		errs = append(errs, r.SendToPeer(ctx, p, msg))
	}
	return errors.Join(errs...)
}
