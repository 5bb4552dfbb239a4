// Package lattice implements the two join-semilattices the journal is built
// on: Fact (monotone key/value knowledge) and Cap (permissions, resource
// scopes and a validity window, with a meet for restriction).
//
// All operations are pure and return fresh values; inputs are never mutated.
package lattice

import (
	"bytes"
	"maps"
	"slices"
)

// ValueKind orders FactValue variants. When two values of different kinds
// meet under one key, the higher kind wins.
type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindInt
	KindSet
	KindBytes
)

// FactValue is a single mergeable value.
type FactValue struct {
	Kind  ValueKind `json:"kind"`
	Str   string    `json:"str,omitempty"`
	Int   int64     `json:"int,omitempty"`
	Set   []string  `json:"set,omitempty"`
	Bytes []byte    `json:"bytes,omitempty"`
}

func String(s string) FactValue { return FactValue{Kind: KindString, Str: s} }
func Int(n int64) FactValue     { return FactValue{Kind: KindInt, Int: n} }
func Bytes(b []byte) FactValue  { return FactValue{Kind: KindBytes, Bytes: slices.Clone(b)} }

// Set builds a set value; duplicates are dropped and members sorted.
func Set(items ...string) FactValue {
	return FactValue{Kind: KindSet, Set: normalize(items)}
}

// Join merges two values deterministically: strings and byte strings take
// the lexicographic maximum, integers the numeric maximum, sets the union.
func (v FactValue) Join(o FactValue) FactValue {
	if v.Kind != o.Kind {
		if v.Kind > o.Kind {
			return v.clone()
		}
		return o.clone()
	}
	switch v.Kind {
	case KindString:
		if o.Str > v.Str {
			return o
		}
		return v
	case KindInt:
		if o.Int > v.Int {
			return o
		}
		return v
	case KindSet:
		return FactValue{Kind: KindSet, Set: normalize(append(slices.Clone(v.Set), o.Set...))}
	case KindBytes:
		if bytes.Compare(o.Bytes, v.Bytes) > 0 {
			return o.clone()
		}
		return v.clone()
	}
	return v
}

func (v FactValue) Equal(o FactValue) bool {
	return v.Kind == o.Kind && v.Str == o.Str && v.Int == o.Int &&
		slices.Equal(v.Set, o.Set) && bytes.Equal(v.Bytes, o.Bytes)
}

func (v FactValue) clone() FactValue {
	v.Set = slices.Clone(v.Set)
	v.Bytes = slices.Clone(v.Bytes)
	return v
}

// Fact maps keys to mergeable values.
type Fact map[string]FactValue

// Join is the pointwise join. It is commutative, associative and idempotent.
func (f Fact) Join(o Fact) Fact {
	out := make(Fact, len(f)+len(o))
	for k, v := range f {
		out[k] = v.clone()
	}
	for k, v := range o {
		if cur, ok := out[k]; ok {
			out[k] = cur.Join(v)
		} else {
			out[k] = v.clone()
		}
	}
	return out
}

// Leq reports f ⊑ o.
func (f Fact) Leq(o Fact) bool {
	for k, v := range f {
		ov, ok := o[k]
		if !ok || !v.Join(ov).Equal(ov) {
			return false
		}
	}
	return true
}

func (f Fact) Equal(o Fact) bool {
	return maps.EqualFunc(f, o, FactValue.Equal)
}

func (f Fact) Clone() Fact {
	return f.Join(nil)
}

// Keys returns the sorted keys.
func (f Fact) Keys() []string {
	return slices.Sorted(maps.Keys(f))
}

func normalize(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := slices.Clone(items)
	slices.Sort(out)
	return slices.Compact(out)
}
