package sim

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/guard"
	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// EventKind classifies a trace entry.
type EventKind string

const (
	// EventEffect is one guard-program command executed by a task.
	EventEffect EventKind = "effect"
	// EventEnqueue is a message accepted by the network.
	EventEnqueue EventKind = "enqueue"
	// EventDeliver is a message handed to its recipient.
	EventDeliver EventKind = "deliver"
	// EventDrop is a message lost to the configured drop rate.
	EventDrop EventKind = "drop"
	// EventPartitioned is a message discarded because its endpoints are
	// partitioned at delivery time.
	EventPartitioned EventKind = "partitioned"
	// EventJournal is an event appended to a participant's ledger.
	EventJournal EventKind = "journal"
	// EventTaskStart and EventTaskDone bracket a task.
	EventTaskStart EventKind = "task_start"
	EventTaskDone  EventKind = "task_done"
	// EventFault is a change of the fault configuration.
	EventFault EventKind = "fault"
)

// JournalRecord summarizes an appended journal event.
type JournalRecord struct {
	Account   ids.AccountID  `json:"account"`
	Kind      journal.Kind   `json:"kind"`
	Author    ids.DeviceID   `json:"author"`
	Lamport   uint64         `json:"lamport"`
	Nonce     uint64         `json:"nonce"`
	Timestamp int64          `json:"timestamp"`
	Hash      canonical.Hash `json:"hash"`
	Parent    canonical.Hash `json:"parent"`
}

// Event is one entry of a simulation trace.
type Event struct {
	Seq    uint64    `json:"seq"`
	Tick   uint64    `json:"tick"`
	TimeMs int64     `json:"time_ms"`
	Kind   EventKind `json:"kind"`
	Task   string    `json:"task,omitempty"`

	Device ids.DeviceID `json:"device,omitzero"`
	Peer   ids.DeviceID `json:"peer,omitzero"`

	// Effect fields.
	Command guard.Kind    `json:"command,omitempty"`
	Context ids.ContextID `json:"context,omitzero"`
	Amount  uint32        `json:"amount,omitempty"`

	// Message is the digest of the envelope a network event carries.
	Message   canonical.Hash `json:"message,omitzero"`
	DeliverAt uint64         `json:"deliver_at,omitempty"`

	Journal *JournalRecord `json:"journal,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

// String renders e on one line. The rendering is stable, so golden files
// can hold it.
func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%06d t=%d %s", e.Seq, e.Tick, e.Kind)
	if e.Task != "" {
		fmt.Fprintf(&b, " task=%s", e.Task)
	}
	if !e.Device.IsZero() {
		fmt.Fprintf(&b, " dev=%s", e.Device.Short())
	}
	if !e.Peer.IsZero() {
		fmt.Fprintf(&b, " peer=%s", e.Peer.Short())
	}
	if e.Command != "" {
		fmt.Fprintf(&b, " cmd=%s", e.Command)
	}
	if e.Amount != 0 {
		fmt.Fprintf(&b, " amount=%d", e.Amount)
	}
	if !e.Message.IsZero() {
		fmt.Fprintf(&b, " msg=%s", e.Message.Short())
	}
	if e.DeliverAt != 0 {
		fmt.Fprintf(&b, " at=%d", e.DeliverAt)
	}
	if j := e.Journal; j != nil {
		fmt.Fprintf(&b, " %s lamport=%d nonce=%d hash=%s", j.Kind, j.Lamport, j.Nonce, j.Hash.Short())
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " %q", e.Detail)
	}
	return b.String()
}

// Trace is the ordered record of a run.
type Trace []Event

// Digest hashes the canonical encoding of every event.
func (t Trace) Digest() (canonical.Hash, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return canonical.Hash{}, fmt.Errorf("encode trace: %w", err)
	}
	return canonical.SumDomain("aura.sim.trace", raw), nil
}

// Divergence returns the index of the first event where t and other
// differ, or -1 when they are identical.
func (t Trace) Divergence(other Trace) int {
	n := min(len(t), len(other))
	for i := range n {
		a, _ := json.Marshal(t[i])
		b, _ := json.Marshal(other[i])
		if string(a) != string(b) {
			return i
		}
	}
	if len(t) != len(other) {
		return n
	}
	return -1
}

// Filter returns the events of the given kinds.
func (t Trace) Filter(kinds ...EventKind) Trace {
	var out Trace
	for _, e := range t {
		for _, k := range kinds {
			if e.Kind == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Effects returns the effect events of command kind c.
func (t Trace) Effects(c guard.Kind) Trace {
	var out Trace
	for _, e := range t {
		if e.Kind == EventEffect && e.Command == c {
			out = append(out, e)
		}
	}
	return out
}

// Lines renders every event with String.
func (t Trace) Lines() []string {
	out := make([]string, len(t))
	for i, e := range t {
		out[i] = e.String()
	}
	return out
}
