package sim

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// virtualClock is the mock clock the runtimes see. The mock fires AfterFunc
// callbacks on fresh goroutines, so a context deadline taken from it could
// land a tick late. Deadlines taken here are cancelled by expire instead,
// on the world goroutine, in the order they were created.
type virtualClock struct {
	*clock.Mock

	mu        sync.Mutex
	deadlines []*deadlineCtx
}

func newVirtualClock(start time.Time) *virtualClock {
	m := clock.NewMock()
	m.Set(start)
	return &virtualClock{Mock: m}
}

func (c *virtualClock) WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return c.WithDeadline(parent, c.Now().Add(d))
}

func (c *virtualClock) WithDeadline(parent context.Context, d time.Time) (context.Context, context.CancelFunc) {
	if cur, ok := parent.Deadline(); ok && !cur.After(d) {
		return context.WithCancel(parent)
	}
	ctx := &deadlineCtx{Context: parent, deadline: d, done: make(chan struct{})}
	if !c.Now().Before(d) {
		ctx.cancel(context.DeadlineExceeded)
		return ctx, func() {}
	}
	stop := context.AfterFunc(parent, func() { ctx.cancel(parent.Err()) })
	c.mu.Lock()
	c.deadlines = append(c.deadlines, ctx)
	c.mu.Unlock()
	return ctx, func() {
		stop()
		ctx.cancel(context.Canceled)
		c.forget(ctx)
	}
}

func (c *virtualClock) forget(ctx *deadlineCtx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines = slices.DeleteFunc(c.deadlines, func(d *deadlineCtx) bool { return d == ctx })
}

// expire cancels every deadline at or before the current time.
func (c *virtualClock) expire() {
	now := c.Now()
	c.mu.Lock()
	var due []*deadlineCtx
	c.deadlines = slices.DeleteFunc(c.deadlines, func(d *deadlineCtx) bool {
		if d.deadline.After(now) {
			return false
		}
		due = append(due, d)
		return true
	})
	c.mu.Unlock()
	for _, d := range due {
		d.cancel(context.DeadlineExceeded)
	}
}

// pending counts live deadlines.
func (c *virtualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deadlines)
}

// deadlineCtx is a context cancelled by virtualClock.expire. It implements
// AfterFunc so children built with the context package are cancelled in
// the same call rather than by a propagation goroutine.
type deadlineCtx struct {
	context.Context
	deadline time.Time
	done     chan struct{}

	mu    sync.Mutex
	err   error
	after []func()
}

func (d *deadlineCtx) Deadline() (time.Time, bool) { return d.deadline, true }

func (d *deadlineCtx) Done() <-chan struct{} { return d.done }

func (d *deadlineCtx) Err() error {
	d.mu.Lock()
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return d.Context.Err()
}

func (d *deadlineCtx) AfterFunc(f func()) func() bool {
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		f()
		return func() bool { return false }
	}
	d.after = append(d.after, f)
	i := len(d.after) - 1
	d.mu.Unlock()
	return func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.err != nil || d.after[i] == nil {
			return false
		}
		d.after[i] = nil
		return true
	}
}

func (d *deadlineCtx) cancel(err error) {
	if err == nil {
		err = context.Canceled
	}
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return
	}
	d.err = err
	after := d.after
	d.after = nil
	close(d.done)
	d.mu.Unlock()
	for _, f := range after {
		if f != nil {
			f()
		}
	}
}
