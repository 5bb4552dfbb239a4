package journal

import "sync/atomic"

// Clock is the ledger's Lamport counter. Reads are lock-free so observers
// can sample it while an append holds the ledger lock.
type Clock struct {
	t atomic.Uint64
}

// NewClockAt creates a clock whose next tick is start+1.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.t.Store(start)
	return c
}

// Peek returns the value the next tick would take.
func (c *Clock) Peek() uint64 { return c.t.Load() + 1 }

// Current returns the last issued tick.
func (c *Clock) Current() uint64 { return c.t.Load() }

// Advance moves the clock to t if t is ahead.
func (c *Clock) Advance(t uint64) {
	for {
		cur := c.t.Load()
		if t <= cur || c.t.CompareAndSwap(cur, t) {
			return
		}
	}
}
