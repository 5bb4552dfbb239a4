// Package guard implements the send-site guard chain.
//
// Evaluate is pure: given a Request, a Snapshot of the budgets it reads and
// an Authorizer, it either denies the send with a reason or returns the
// program of EffectCommands that performs it. Programs are run by an
// Interpreter. Production delegates to live effect handlers; the simulator
// supplies its own implementation over an in-memory state. Executor ties
// the two together and captures the flow Receipt.
//
// Chain order is fixed: authorization, leakage, flow. The journal coupler
// runs only after the transport accepted the envelope, so a failed send
// never commits its delta, and every send is preceded by its charge.
package guard
