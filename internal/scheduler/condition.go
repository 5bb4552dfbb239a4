// Package scheduler provides timeouts, context registration and the
// yield conditions protocol code suspends on. The same Scheduler serves
// live nodes over the system clock and the simulator over a mock clock
// that it advances one tick at a time.
package scheduler

import (
	"fmt"
	"strings"
)

// ConditionKind names a yield condition.
type ConditionKind string

const (
	CondImmediate       ConditionKind = "immediate"
	CondNewEvents       ConditionKind = "new_events"
	CondEpochReached    ConditionKind = "epoch_reached"
	CondTimeoutAt       ConditionKind = "timeout_at"
	CondEventMatching   ConditionKind = "event_matching"
	CondThresholdEvents ConditionKind = "threshold_events"
	CondTimeoutExpired  ConditionKind = "timeout_expired"
	CondCustom          ConditionKind = "custom"
)

// Handle identifies a timeout set with SetTimeout.
type Handle uint64

// Condition is what YieldUntil waits for.
type Condition struct {
	Kind ConditionKind

	// Epoch is the target of EpochReached.
	Epoch uint64
	// AtMs is the absolute Unix millisecond of TimeoutAt.
	AtMs int64
	// Criteria is the event tag EventMatching waits for. A trailing "*"
	// matches by prefix.
	Criteria string
	// Threshold and TimeoutMs configure ThresholdEvents.
	Threshold uint64
	TimeoutMs uint64
	// Handle is the timeout TimeoutExpired waits on.
	Handle Handle
	// Label describes a Custom condition in logs.
	Label string
	// Check is re-evaluated by Custom on every wake.
	Check func() bool
}

func Immediate() Condition { return Condition{Kind: CondImmediate} }
func NewEvents() Condition { return Condition{Kind: CondNewEvents} }

func EpochReached(target uint64) Condition {
	return Condition{Kind: CondEpochReached, Epoch: target}
}

func TimeoutAt(ms int64) Condition {
	return Condition{Kind: CondTimeoutAt, AtMs: ms}
}

func EventMatching(criteria string) Condition {
	return Condition{Kind: CondEventMatching, Criteria: criteria}
}

func ThresholdEvents(threshold, timeoutMs uint64) Condition {
	return Condition{Kind: CondThresholdEvents, Threshold: threshold, TimeoutMs: timeoutMs}
}

func TimeoutExpired(h Handle) Condition {
	return Condition{Kind: CondTimeoutExpired, Handle: h}
}

func Custom(label string, check func() bool) Condition {
	return Condition{Kind: CondCustom, Label: label, Check: check}
}

func (c Condition) String() string {
	switch c.Kind {
	case CondEpochReached:
		return fmt.Sprintf("epoch_reached(%d)", c.Epoch)
	case CondTimeoutAt:
		return fmt.Sprintf("timeout_at(%d)", c.AtMs)
	case CondEventMatching:
		return fmt.Sprintf("event_matching(%s)", c.Criteria)
	case CondThresholdEvents:
		return fmt.Sprintf("threshold_events(%d, %dms)", c.Threshold, c.TimeoutMs)
	case CondTimeoutExpired:
		return fmt.Sprintf("timeout_expired(%d)", c.Handle)
	case CondCustom:
		return fmt.Sprintf("custom(%s)", c.Label)
	}
	return string(c.Kind)
}

func matches(criteria, tag string) bool {
	if p, ok := strings.CutSuffix(criteria, "*"); ok {
		return strings.HasPrefix(tag, p)
	}
	return criteria == tag
}
