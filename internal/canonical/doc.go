// Package canonical provides the single serialization used for
// content-addressed identity in Aura, and the Blake3 hashing helpers built on
// top of it.
//
// Every hash that another device must be able to recompute (event hashes,
// commitments, capability ids, salted verification hashes) goes through
// Marshal. Plain encoding/json output is not stable enough for this: map key
// order, HTML escaping and Unicode normalization all vary.
package canonical
