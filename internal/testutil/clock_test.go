package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicClock_StartsAtStart(t *testing.T) {
	clock := NewDeterministicClock(1_000)
	assert.Equal(t, int64(1_000), clock.Now())
}

func TestDeterministicClock_AdvanceAndReset(t *testing.T) {
	clock := NewDeterministicClock(0)
	assert.Equal(t, int64(5), clock.Advance(5))
	assert.Equal(t, int64(15), clock.Advance(10))

	clock.Reset()
	assert.Equal(t, int64(0), clock.Now())
}

func TestDeterministicClock_SleepAdvances(t *testing.T) {
	clock := NewDeterministicClock(100)
	require.NoError(t, clock.SleepMs(context.Background(), 250))

	pt, err := clock.PhysicalTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(350), pt.TsMs)
	assert.Nil(t, pt.UncertaintyMs)
}

func TestDeterministicClock_SleepHonoursCancel(t *testing.T) {
	clock := NewDeterministicClock(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, clock.SleepMs(ctx, 10), context.Canceled)
	assert.Equal(t, int64(0), clock.Now())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock(0)
	const goroutines, steps = 50, 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range steps {
				clock.Advance(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(goroutines*steps), clock.Now())
}
