// Package choreo runs multi-party protocols as sequences of typed phases.
//
// A Runtime belongs to one device. It sends through the guard chain, so
// every choreography message is authorized and paid for, and it receives
// through a Mailbox that validates, deduplicates and demultiplexes
// envelopes by session and phase. An Instance is the device's seat in one
// protocol run: its session, ordered roles, epoch and deadline.
//
// Three primitives compose into protocols:
//
//   - ProposeAndAcknowledge: the coordinator proposes, the others validate
//     and acknowledge, the coordinator announces the decision.
//   - BroadcastAndGather: every role commits to a message, then reveals
//     it; a reveal that does not match its commitment accuses the sender.
//   - VerifyConsistentResult: roles exchange salted hashes of their local
//     results, then reveal them, and the majority result is returned with
//     the dissenting roles.
//
// A phase failure fails the instance. Errors are faults.ChoreographyError
// values: Timeout, ProtocolViolation or Byzantine with the accused roles.
package choreo
