package guard

import (
	"fmt"

	"github.com/roach88/aura/internal/ids"
	"github.com/roach88/aura/internal/journal"
)

// Kind names an EffectCommand variant.
type Kind string

const (
	KindChargeBudget  Kind = "charge_budget"
	KindAppendJournal Kind = "append_journal"
	KindRecordLeakage Kind = "record_leakage"
	KindStoreMetadata Kind = "store_metadata"
	KindSendEnvelope  Kind = "send_envelope"
	KindGenerateNonce Kind = "generate_nonce"
)

// EffectCommand is one step of a guard program. The set of variants is
// closed.
type EffectCommand interface {
	Kind() Kind
	fmt.Stringer
	command()
}

// ChargeBudget spends Amount from the (Context, Peer) flow budget on behalf
// of Authority.
type ChargeBudget struct {
	Context   ids.ContextID `json:"context"`
	Authority ids.DeviceID  `json:"authority"`
	Peer      ids.DeviceID  `json:"peer"`
	Amount    uint32        `json:"amount"`
}

// AppendJournal joins Entry into the account journal.
type AppendJournal struct {
	Entry journal.Journal `json:"entry"`
}

// RecordLeakage books metadata disclosure against a leakage context.
type RecordLeakage struct {
	Context   string `json:"context"`
	Operation string `json:"operation"`
	Bits      uint64 `json:"bits"`
}

// StoreMetadata writes one key to the metadata store.
type StoreMetadata struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// SendEnvelope hands an encoded envelope to the transport. Context pairs it
// with the ChargeBudget that paid for it.
type SendEnvelope struct {
	Context  ids.ContextID      `json:"context"`
	To       ids.NetworkAddress `json:"to"`
	Envelope []byte             `json:"envelope"`
}

// GenerateNonce draws Bytes random bytes.
type GenerateNonce struct {
	Bytes int `json:"bytes"`
}

func (ChargeBudget) Kind() Kind  { return KindChargeBudget }
func (AppendJournal) Kind() Kind { return KindAppendJournal }
func (RecordLeakage) Kind() Kind { return KindRecordLeakage }
func (StoreMetadata) Kind() Kind { return KindStoreMetadata }
func (SendEnvelope) Kind() Kind  { return KindSendEnvelope }
func (GenerateNonce) Kind() Kind { return KindGenerateNonce }

func (ChargeBudget) command()  {}
func (AppendJournal) command() {}
func (RecordLeakage) command() {}
func (StoreMetadata) command() {}
func (SendEnvelope) command()  {}
func (GenerateNonce) command() {}

func (c ChargeBudget) String() string {
	return fmt.Sprintf("charge_budget(%s/%s, %d)", c.Context, c.Peer.Short(), c.Amount)
}

func (c AppendJournal) String() string {
	return fmt.Sprintf("append_journal(%d facts)", len(c.Entry.Facts))
}

func (c RecordLeakage) String() string {
	return fmt.Sprintf("record_leakage(%s, %s, %d bits)", c.Context, c.Operation, c.Bits)
}

func (c StoreMetadata) String() string {
	return fmt.Sprintf("store_metadata(%s, %d bytes)", c.Key, len(c.Value))
}

func (c SendEnvelope) String() string {
	return fmt.Sprintf("send_envelope(%s, %d bytes)", c.To, len(c.Envelope))
}

func (c GenerateNonce) String() string {
	return fmt.Sprintf("generate_nonce(%d)", c.Bytes)
}

// Peer is the device the envelope is addressed to, if To is a device
// address.
func (c SendEnvelope) Peer() (ids.DeviceID, bool) { return c.To.DeviceOf() }

// Outcome is what an interpreter reports for one command.
type Outcome struct {
	Kind Kind `json:"kind"`

	// Remaining is the flow headroom left after a ChargeBudget.
	Remaining uint32 `json:"remaining,omitempty"`

	// Receipt is set by ChargeBudget.
	Receipt *journal.Receipt `json:"receipt,omitempty"`

	// Nonce is set by GenerateNonce.
	Nonce []byte `json:"nonce,omitempty"`
}
