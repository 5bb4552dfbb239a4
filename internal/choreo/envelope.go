package choreo

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

// Phase tags a message with the step it belongs to. Primitives use their
// base phase and the next one or two.
type Phase uint8

// Payload is the body of an envelope. Sender must equal the device of the
// envelope's From role.
type Payload struct {
	Sender ids.DeviceID `json:"sender"`
	Data   []byte       `json:"data"`
}

// Envelope is the wire unit of a choreography.
type Envelope struct {
	From    Role          `json:"from"`
	To      Role          `json:"to"`
	Session ids.SessionID `json:"session"`
	Phase   Phase         `json:"phase"`
	Epoch   uint64        `json:"epoch"`
	Payload Payload       `json:"payload"`
}

// Encode returns the canonical encoding of e.
func (e Envelope) Encode() ([]byte, error) {
	return canonical.Marshal(e)
}

// Validate checks the structural rules a received envelope must meet.
func (e Envelope) Validate() error {
	if e.Session.IsZero() {
		return fmt.Errorf("envelope has no session")
	}
	if e.From.Device.IsZero() || e.To.Device.IsZero() {
		return fmt.Errorf("envelope has an empty role")
	}
	if e.Payload.Sender != e.From.Device {
		return fmt.Errorf("payload sender %s is not %s", e.Payload.Sender.Short(), e.From.Device.Short())
	}
	return nil
}

// DecodeEnvelope parses and validates raw. Unknown fields are rejected.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("decode envelope: trailing data")
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
