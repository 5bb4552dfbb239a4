package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtualClock_DeadlineExpiresOnExpire(t *testing.T) {
	c := newVirtualClock(DefaultStart)
	ctx, cancel := c.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	child, stop := context.WithCancel(ctx)
	defer stop()

	c.Add(20 * time.Millisecond)
	c.expire()
	require.NoError(t, ctx.Err())
	assert.Equal(t, 1, c.pending())

	c.Add(10 * time.Millisecond)
	assert.NoError(t, ctx.Err(), "only expire cancels")
	c.expire()
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	assert.ErrorIs(t, child.Err(), context.DeadlineExceeded)
	assert.Zero(t, c.pending())

	select {
	case <-ctx.Done():
	default:
		t.Fatal("done channel open after expiry")
	}
}

func TestVirtualClock_CancelForgetsDeadline(t *testing.T) {
	c := newVirtualClock(DefaultStart)
	ctx, cancel := c.WithDeadline(context.Background(), DefaultStart.Add(time.Second))
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Zero(t, c.pending())
}

func TestVirtualClock_PastDeadlineIsExpired(t *testing.T) {
	c := newVirtualClock(DefaultStart)
	ctx, cancel := c.WithDeadline(context.Background(), DefaultStart)
	defer cancel()
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestVirtualClock_ParentCancellationIsVisible(t *testing.T) {
	c := newVirtualClock(DefaultStart)
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := c.WithTimeout(parent, time.Minute)
	defer cancel()

	cancelParent()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestVirtualClock_EarlierParentDeadlineWins(t *testing.T) {
	c := newVirtualClock(DefaultStart)
	outer, cancelOuter := c.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelOuter()
	inner, cancelInner := c.WithTimeout(outer, time.Minute)
	defer cancelInner()

	d, ok := inner.Deadline()
	require.True(t, ok)
	assert.Equal(t, DefaultStart.Add(10*time.Millisecond), d)

	c.Add(10 * time.Millisecond)
	c.expire()
	assert.ErrorIs(t, inner.Err(), context.DeadlineExceeded)
}
