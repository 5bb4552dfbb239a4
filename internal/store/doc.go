// Package store provides SQLite-backed durable storage for one account.
//
// The store holds:
//   - Events: the append-only journal log, one row per Lamport time, with
//     the event's canonical JSON and its hash
//   - Checkpoints: sealed AccountState snapshots written every N events
//   - Journal: the current fact and capability journal value
//   - Capabilities: tokens in grant order and the revocation set
//   - Metadata: an opaque key/value table exposed as StorageEffects
//
// # Ordering
//
// All reads order by lamport (events, checkpoints) or grant sequence
// (capabilities), never by timestamps, so replays are identical across
// devices.
//
// # Recovery
//
// Recover rebuilds a ledger from the newest checkpoint that is intact and
// followed by a contiguous tail, falling back to older checkpoints and
// finally to genesis. Rows whose stored hash no longer matches their body
// end the usable log; what follows them must be re-imported from a peer.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
