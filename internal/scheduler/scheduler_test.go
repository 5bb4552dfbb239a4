package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aura/internal/faults"
)

func newMock() (*Scheduler, *clock.Mock) {
	m := clock.NewMock()
	m.Set(time.UnixMilli(1_000_000))
	return New(m, WithPollInterval(0)), m
}

// yield runs YieldUntil in the background.
func yield(s *Scheduler, cond Condition) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.YieldUntil(context.Background(), cond) }()
	return done
}

// settle drives fn until the yield finishes.
func settle(t *testing.T, done <-chan error, fn func()) error {
	t.Helper()
	var got error
	require.Eventually(t, func() bool {
		fn()
		select {
		case got = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)
	return got
}

func TestYield_Immediate(t *testing.T) {
	s, _ := newMock()
	assert.NoError(t, s.YieldUntil(context.Background(), Immediate()))
}

func TestYield_NewEvents(t *testing.T) {
	s, _ := newMock()
	done := yield(s, NewEvents())
	assert.NoError(t, settle(t, done, func() { s.NotifyEventsAvailable() }))
}

func TestYield_EventMatching(t *testing.T) {
	s, _ := newMock()
	done := yield(s, EventMatching("dkd/*"))
	s.NotifyEventsAvailable("recovery/approve")
	select {
	case <-done:
		t.Fatal("matched an unrelated tag")
	case <-time.After(20 * time.Millisecond):
	}
	assert.NoError(t, settle(t, done, func() { s.NotifyEventsAvailable("dkd/reveal") }))
}

func TestYield_EpochReached(t *testing.T) {
	s, _ := newMock()
	s.AdvanceEpoch(3)
	assert.NoError(t, s.YieldUntil(context.Background(), EpochReached(2)))

	done := yield(s, EpochReached(5))
	s.AdvanceEpoch(4)
	assert.NoError(t, settle(t, done, func() { s.AdvanceEpoch(5) }))
}

func TestYield_TimeoutAt(t *testing.T) {
	s, m := newMock()
	at := m.Now().UnixMilli() + 500
	done := yield(s, TimeoutAt(at))
	assert.NoError(t, settle(t, done, func() { m.Add(100 * time.Millisecond); s.Wake() }))
	assert.GreaterOrEqual(t, m.Now().UnixMilli(), at)
}

func TestYield_ThresholdEvents(t *testing.T) {
	s, _ := newMock()
	done := yield(s, ThresholdEvents(3, 1_000))
	assert.NoError(t, settle(t, done, func() { s.NotifyEventsAvailable() }))
}

func TestYield_ThresholdEventsTimesOut(t *testing.T) {
	s, m := newMock()
	done := yield(s, ThresholdEvents(3, 1_000))
	err := settle(t, done, func() { m.Add(250 * time.Millisecond); s.Wake() })
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.CodeTimedOut))
	assert.True(t, faults.IsTimeout(err))
}

func TestTimeouts(t *testing.T) {
	s, m := newMock()
	h := s.SetTimeout(200)
	at, ok := s.Pending()
	require.True(t, ok)
	assert.Equal(t, m.Now().UnixMilli()+200, at)
	assert.False(t, s.Idle())

	done := yield(s, TimeoutExpired(h))
	assert.NoError(t, settle(t, done, func() { m.Add(50 * time.Millisecond) }))
	assert.True(t, s.Idle())

	h2 := s.SetTimeout(200)
	require.NoError(t, s.CancelTimeout(h2))
	err := s.CancelTimeout(h2)
	assert.True(t, faults.Is(err, faults.CodeHandleUnknown))
	err = s.YieldUntil(context.Background(), TimeoutExpired(h2))
	assert.True(t, faults.Is(err, faults.CodeHandleUnknown))
}

func TestContexts(t *testing.T) {
	s, _ := newMock()
	ch := s.RegisterContext("dkd")
	assert.Equal(t, ch, s.RegisterContext("dkd"))
	assert.False(t, s.Idle())

	s.NotifyEventsAvailable()
	s.NotifyEventsAvailable()
	select {
	case <-ch:
	default:
		t.Fatal("registered context not woken")
	}

	s.UnregisterContext("dkd")
	_, open := <-ch
	assert.False(t, open)
	assert.True(t, s.Idle())
}

func TestYield_Custom(t *testing.T) {
	s, _ := newMock()
	ready := make(chan struct{})
	cond := Custom("ready", func() bool {
		select {
		case <-ready:
			return true
		default:
			return false
		}
	})
	done := yield(s, cond)
	close(ready)
	assert.NoError(t, settle(t, done, s.Wake))
}

func TestYield_ContextCancelled(t *testing.T) {
	s, _ := newMock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.YieldUntil(ctx, NewEvents())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPhysicalTime_ReadsClock(t *testing.T) {
	s, m := newMock()
	pt, err := s.PhysicalTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), pt.TsMs)
	m.Add(time.Second)
	pt, err = s.PhysicalTime(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_001_000), pt.TsMs)
}

func TestConditionString(t *testing.T) {
	assert.Equal(t, "threshold_events(2, 100ms)", ThresholdEvents(2, 100).String())
	assert.Equal(t, "immediate", Immediate().String())
	assert.Equal(t, "custom(x)", Custom("x", nil).String())
}

func TestBeginPoll_NonBlocking(t *testing.T) {
	s, m := newMock()
	y := s.Begin(NewEvents())
	done, err := s.Poll(y)
	require.NoError(t, err)
	assert.False(t, done)

	s.NotifyEventsAvailable()
	done, err = s.Poll(y)
	require.NoError(t, err)
	assert.True(t, done)

	th := s.Begin(ThresholdEvents(5, 100))
	m.Add(200 * time.Millisecond)
	done, err = s.Poll(th)
	assert.True(t, done)
	assert.True(t, faults.Is(err, faults.CodeTimedOut))
	assert.Equal(t, CondThresholdEvents, th.Condition().Kind)
}
