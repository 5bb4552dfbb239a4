// Package journal implements the per-account, append-only event log and the
// state projection reduced from it.
//
// A Ledger is the single owner of one account's log. Appends are serialized
// under a write lock and either fully succeed (Lamport clock bumped, nonce
// recorded, hash chain extended, state projection updated, event persisted)
// or leave everything untouched. Every event payload carries its own apply
// logic; an apply error rejects the append.
//
// Alongside the log the package provides the Journal value (facts and
// capabilities) with its pure merge and refine operations, flow-budget
// bookkeeping per (context, peer), and the ratchet tree processor used by
// group-key operations.
package journal
