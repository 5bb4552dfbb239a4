package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/roach88/aura/internal/choreo"
	"github.com/roach88/aura/internal/effects"
	"github.com/roach88/aura/internal/guard"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/scheduler"
)

// TaskFunc is the body of a simulated task.
type TaskFunc func(ctx context.Context, env *Env) (any, error)

// Task is one simulated protocol role. It runs only while the world has
// handed it the token and gives the token back whenever it would block.
type Task struct {
	name    string
	w       *World
	env     *Env
	fn      TaskFunc
	resume  chan struct{}
	started bool
	done    bool
	waiting string
	result  any
	err     error
}

// Name is the task's label in the trace.
func (t *Task) Name() string { return t.name }

// Device is the device the task runs as.
func (t *Task) Device() ids.DeviceID { return t.env.p.Device }

// Done reports whether the task has returned.
func (t *Task) Done() bool { return t.done }

// Result is what the task returned. It is meaningful once Done.
func (t *Task) Result() (any, error) { return t.result, t.err }

// Waiting describes what a parked task waits for.
func (t *Task) Waiting() string { return t.waiting }

func (t *Task) main(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
		t.done = true
		t.waiting = ""
		t.w.yielded <- struct{}{}
	}()
	t.result, t.err = t.fn(ctx, t.env)
}

// park hands the token back to the world and waits to be resumed.
func (t *Task) park(reason string) {
	t.waiting = reason
	t.w.yielded <- struct{}{}
	<-t.resume
	t.waiting = ""
}

// Env is a task's view of the world: a participant's effect handlers with
// the network bound to the task's session.
//
// It implements effects.NetworkEffects, effects.PhysicalTimeEffects,
// choreo.Receiver and the protocol Waiter.
type Env struct {
	w       *World
	t       *Task
	p       *Participant
	session ids.SessionID
	interp  *Interpreter
	exec    *guard.Executor
	rt      *choreo.Runtime
}

var (
	_ effects.NetworkEffects      = (*Env)(nil)
	_ effects.PhysicalTimeEffects = (*Env)(nil)
	_ choreo.Receiver             = (*Env)(nil)
)

// Participant is the simulated device the task runs as.
func (e *Env) Participant() *Participant { return e.p }

// Session is the session whose messages the task receives.
func (e *Env) Session() ids.SessionID { return e.session }

// Runtime is the task's choreography endpoint.
func (e *Env) Runtime() *choreo.Runtime { return e.rt }

// Executor is the task's guard executor.
func (e *Env) Executor() *guard.Executor { return e.exec }

// Random reads from the world's seeded stream.
func (e *Env) Random() io.Reader { return e.w.rng.Reader() }

// YieldUntil parks the task until cond holds on the participant's
// scheduler or ctx ends.
func (e *Env) YieldUntil(ctx context.Context, cond scheduler.Condition) error {
	sched := e.p.Scheduler
	y := sched.Begin(cond)
	for {
		done, err := sched.Poll(y)
		if done {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.t.park(cond.String())
	}
}

func (e *Env) PhysicalTime(context.Context) (effects.PhysicalTime, error) {
	return effects.PhysicalTime{TsMs: e.w.clock.Now().UnixMilli()}, nil
}

// SleepMs parks the task for ms of virtual time.
func (e *Env) SleepMs(ctx context.Context, ms uint64) error {
	return e.YieldUntil(ctx, scheduler.TimeoutAt(e.w.clock.Now().UnixMilli()+int64(ms)))
}

func (e *Env) SendToPeer(_ context.Context, peer ids.DeviceID, msg []byte) error {
	e.w.state.send(outbound{task: e.t.name, from: e.p.Device, to: peer, payload: slices.Clone(msg)})
	return nil
}

func (e *Env) Broadcast(ctx context.Context, msg []byte) error {
	for _, p := range e.w.participants {
		if p.Device != e.p.Device {
			if err := e.SendToPeer(ctx, p.Device, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Receive returns the next message delivered for the task's session,
// parking while there is none.
func (e *Env) Receive(ctx context.Context) (effects.Inbound, error) {
	return e.receive(ctx, "receive", func(effects.Inbound) bool { return true })
}

func (e *Env) ReceiveFrom(ctx context.Context, peer ids.DeviceID) ([]byte, error) {
	in, err := e.receive(ctx, "receive from "+peer.Short(), func(in effects.Inbound) bool { return in.From == peer })
	return in.Payload, err
}

func (e *Env) receive(ctx context.Context, reason string, match func(effects.Inbound) bool) (effects.Inbound, error) {
	key := route{e.p.Device, e.session}
	for {
		if in, ok := e.w.take(key, match); ok {
			return in, nil
		}
		if err := ctx.Err(); err != nil {
			return effects.Inbound{}, err
		}
		e.t.park(reason)
	}
}

// ConnectedPeers lists every other participant not partitioned from this
// one.
func (e *Env) ConnectedPeers(context.Context) []ids.DeviceID {
	var out []ids.DeviceID
	for _, p := range e.w.participants {
		if p.Device != e.p.Device && !e.w.net.partitioned(e.p.Device, p.Device) {
			out = append(out, p.Device)
		}
	}
	return out
}

func (e *Env) IsPeerConnected(ctx context.Context, peer ids.DeviceID) bool {
	return slices.Contains(e.ConnectedPeers(ctx), peer)
}

// SubscribeToPeerEvents is not simulated: peers never connect or
// disconnect, partitions only drop messages.
func (e *Env) SubscribeToPeerEvents(context.Context) (<-chan effects.PeerEvent, error) {
	return nil, fmt.Errorf("simulated network: %w", errors.ErrUnsupported)
}
