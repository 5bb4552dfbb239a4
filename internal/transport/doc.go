// Package transport provides the NetworkEffects handlers.
//
// Hub connects endpoints inside one process and is what tests and local
// multi-device runs use. WebSocket carries the same traffic between
// processes. Reliable wraps either one with capped exponential retries
// and a per-peer circuit breaker; once retries are spent the send fails
// with PeerUnreachable.
package transport
