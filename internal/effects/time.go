package effects

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// WallClock reads physical time from a clock.Clock. Tests pass clock.NewMock.
type WallClock struct {
	Clock       clock.Clock
	Uncertainty uint32
}

// NewWallClock wraps c, or the system clock when c is nil.
func NewWallClock(c clock.Clock) *WallClock {
	if c == nil {
		c = clock.New()
	}
	return &WallClock{Clock: c}
}

func (w *WallClock) PhysicalTime(context.Context) (PhysicalTime, error) {
	pt := PhysicalTime{TsMs: w.Clock.Now().UnixMilli()}
	if w.Uncertainty > 0 {
		u := w.Uncertainty
		pt.UncertaintyMs = &u
	}
	return pt, nil
}

func (w *WallClock) SleepMs(ctx context.Context, ms uint64) error {
	t := w.Clock.Timer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NowMs is a convenience for handlers that only need the timestamp.
func NowMs(ctx context.Context, t PhysicalTimeEffects) int64 {
	pt, err := t.PhysicalTime(ctx)
	if err != nil {
		return 0
	}
	return pt.TsMs
}
