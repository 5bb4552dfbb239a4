package effects

import (
	"context"

	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// JournalEffects reads and updates an account's journal and flow budgets.
// *journal.Ledger implements it.
type JournalEffects interface {
	GetJournal(ctx context.Context) (journal.Journal, error)
	PersistJournal(ctx context.Context, j journal.Journal) error
	MergeFacts(ctx context.Context, base, delta journal.Journal) (journal.Journal, error)
	RefineCaps(ctx context.Context, base, restriction journal.Journal) (journal.Journal, error)
	GetFlowBudget(ctx context.Context, c ids.ContextID, peer ids.DeviceID) (journal.FlowBudget, error)
	UpdateFlowBudget(ctx context.Context, c ids.ContextID, peer ids.DeviceID, b journal.FlowBudget) (journal.FlowBudget, error)
	ChargeFlowBudget(ctx context.Context, c ids.ContextID, peer ids.DeviceID, cost uint32) (journal.FlowBudget, error)
}

// FlowBudgetEffects charges a send and returns the receipt.
type FlowBudgetEffects interface {
	ChargeFlow(ctx context.Context, c ids.ContextID, peer ids.DeviceID, cost uint32) (journal.Receipt, error)
}

// LeakageEvent is one metered metadata disclosure.
type LeakageEvent struct {
	Context   string `json:"context"`
	Operation string `json:"operation"`
	Bits      uint64 `json:"bits"`
	Observer  string `json:"observer,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// LeakageBudget is a context's disclosure allowance.
type LeakageBudget struct {
	Limit uint64 `json:"limit"`
	Used  uint64 `json:"used"`
}

// Remaining is the unspent allowance.
func (b LeakageBudget) Remaining() uint64 {
	if b.Used >= b.Limit {
		return 0
	}
	return b.Limit - b.Used
}

// LeakageEffects meters metadata leakage per context.
type LeakageEffects interface {
	RecordLeakage(ctx context.Context, ev LeakageEvent) error
	GetLeakageBudget(ctx context.Context, contextID string) (LeakageBudget, error)
	CheckLeakageBudget(ctx context.Context, contextID string, bits uint64) (bool, error)
	LeakageHistory(ctx context.Context, contextID string, since int64) ([]LeakageEvent, error)
}

// StorageStats summarizes a storage backend.
type StorageStats struct {
	Backend string `json:"backend"`
	Keys    int    `json:"keys"`
	Bytes   int64  `json:"bytes"`
}

// StorageEffects is a flat key/value store.
type StorageEffects interface {
	Store(ctx context.Context, key string, value []byte) error
	Retrieve(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	StoreBatch(ctx context.Context, values map[string][]byte) error
	RetrieveBatch(ctx context.Context, keys []string) (map[string][]byte, error)
	ClearAll(ctx context.Context) error
	Stats(ctx context.Context) (StorageStats, error)
}

// PeerEventKind distinguishes peer connectivity changes.
type PeerEventKind uint8

const (
	PeerConnected PeerEventKind = iota + 1
	PeerDisconnected
)

func (k PeerEventKind) String() string {
	if k == PeerConnected {
		return "connected"
	}
	return "disconnected"
}

// PeerEvent reports a connectivity change.
type PeerEvent struct {
	Peer ids.DeviceID
	Kind PeerEventKind
}

// Inbound is a received message and its sender.
type Inbound struct {
	From    ids.DeviceID
	Payload []byte
}

// NetworkEffects moves opaque bytes between devices.
type NetworkEffects interface {
	SendToPeer(ctx context.Context, peer ids.DeviceID, msg []byte) error
	Broadcast(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) (Inbound, error)
	ReceiveFrom(ctx context.Context, peer ids.DeviceID) ([]byte, error)
	ConnectedPeers(ctx context.Context) []ids.DeviceID
	IsPeerConnected(ctx context.Context, peer ids.DeviceID) bool
	SubscribeToPeerEvents(ctx context.Context) (<-chan PeerEvent, error)
}

// RandomEffects supplies randomness.
type RandomEffects interface {
	RandomBytes(n int) []byte
	RandomBytes32() [32]byte
	RandomU64() uint64
	// RandomRange returns a value in [lo, hi).
	RandomRange(lo, hi uint64) uint64
}

// PhysicalTime is a wall-clock reading in Unix milliseconds.
type PhysicalTime struct {
	TsMs          int64   `json:"ts_ms"`
	UncertaintyMs *uint32 `json:"uncertainty_ms,omitempty"`
}

// PhysicalTimeEffects reads and waits on physical time.
type PhysicalTimeEffects interface {
	PhysicalTime(ctx context.Context) (PhysicalTime, error)
	SleepMs(ctx context.Context, ms uint64) error
}

// SessionType names what a session runs.
type SessionType string

// SessionMessage is one message on a session channel.
type SessionMessage struct {
	Session ids.SessionID
	From    ids.DeviceID
	To      ids.DeviceID
	Payload []byte
}

// SessionHandle is a participant's membership in a session.
type SessionHandle struct {
	Session ids.SessionID
	Type    SessionType
	Device  ids.DeviceID
}

// SessionEffects manages protocol sessions and their message channels.
type SessionEffects interface {
	CreateSession(ctx context.Context, typ SessionType) (ids.SessionID, error)
	OpenSession(ctx context.Context, id ids.SessionID, typ SessionType) (SessionHandle, error)
	JoinSession(ctx context.Context, id ids.SessionID) (SessionHandle, error)
	LeaveSession(ctx context.Context, id ids.SessionID) error
	EndSession(ctx context.Context, id ids.SessionID, status journal.SessionStatus) error
	ListActive(ctx context.Context) []ids.SessionID
	GetStatus(ctx context.Context, id ids.SessionID) (journal.SessionStatus, error)
	SendSessionMessage(ctx context.Context, id ids.SessionID, to ids.DeviceID, payload []byte) error
	ReceiveSessionMessage(ctx context.Context, id ids.SessionID) (SessionMessage, error)
}

// TerminalEvent is a line or key read from the terminal.
type TerminalEvent struct {
	Key  string
	Line string
}

// Frame is one rendered screen.
type Frame struct {
	Lines []string
}

// TerminalEffects drives an interactive terminal.
type TerminalEffects interface {
	NextEvent(ctx context.Context) (TerminalEvent, error)
	PollEvent(ctx context.Context, ms uint64) (TerminalEvent, bool, error)
	Render(ctx context.Context, f Frame) error
	Size() (width, height int, err error)
	SetRawMode(on bool) error
	SetAlternateScreen(on bool) error
	SetCursorVisible(visible bool) error
}
