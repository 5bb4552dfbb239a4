package testutil

import (
	"context"
	"sync"

	"github.com/roach88/aura/internal/effects"
)

// DeterministicClock is a manually driven millisecond clock for tests.
// It satisfies effects.PhysicalTimeEffects; SleepMs advances it instead of
// blocking, so protocol code that sleeps runs instantly and reproducibly.
//
// Unlike the simulator's virtual time it has no tick loop; tests move it
// with Advance or by sleeping.
type DeterministicClock struct {
	mu    sync.Mutex
	start int64
	now   int64
}

// NewDeterministicClock creates a clock reading start.
func NewDeterministicClock(start int64) *DeterministicClock {
	return &DeterministicClock{start: start, now: start}
}

// Now returns the current reading.
func (c *DeterministicClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by ms and returns the new reading.
func (c *DeterministicClock) Advance(ms int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
	return c.now
}

// Reset returns the clock to its start reading for test reuse.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}

func (c *DeterministicClock) PhysicalTime(context.Context) (effects.PhysicalTime, error) {
	return effects.PhysicalTime{TsMs: c.Now()}, nil
}

func (c *DeterministicClock) SleepMs(ctx context.Context, ms uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(int64(ms))
	return nil
}
