package protocol

// Behavior makes a node deviate from the protocol. The zero value is
// honest. Fault-injection fixtures set it on individual nodes.
type Behavior struct {
	// EquivocateDkd reveals a different DKD point than the one committed.
	EquivocateDkd bool
	// DivergeResult reports a corrupted result in the consistency check.
	DivergeResult bool
	// WithholdAcks stops a new resharing holder from acknowledging its
	// sub-shares.
	WithholdAcks bool
	// RejectProposals makes the node refuse every proposal.
	RejectProposals bool
	// DelayMs postpones the node's answer to a proposal.
	DelayMs int64
}

// Honest reports whether b is the zero Behavior.
func (b Behavior) Honest() bool { return b == Behavior{} }
