package crypto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

// Scalar wraps an Ed25519 group scalar with JSON encoding.
type Scalar struct {
	s *edwards25519.Scalar
}

// Point wraps an Ed25519 group element with JSON encoding.
type Point struct {
	p *edwards25519.Point
}

func wrapScalar(s *edwards25519.Scalar) Scalar { return Scalar{s: s} }
func wrapPoint(p *edwards25519.Point) Point    { return Point{p: p} }

// ScalarFromUint builds a small scalar, used for share indices.
func ScalarFromUint(v uint64) Scalar {
	var b [32]byte
	binary.LittleEndian.PutUint64(b[:8], v)
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	if err != nil {
		panic(err) // unreachable: any u64 is below the group order
	}
	return wrapScalar(s)
}

// ScalarFromUniform reduces 64 bytes modulo the group order.
func ScalarFromUniform(b []byte) (Scalar, error) {
	s, err := edwards25519.NewScalar().SetUniformBytes(b)
	if err != nil {
		return Scalar{}, fmt.Errorf("scalar from uniform bytes: %w", err)
	}
	return wrapScalar(s), nil
}

// RandomScalar draws a uniform scalar from r.
func RandomScalar(r io.Reader) (Scalar, error) {
	var buf [64]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Scalar{}, fmt.Errorf("random scalar: %w", err)
	}
	return ScalarFromUniform(buf[:])
}

// ScalarFromBytes decodes a canonical 32-byte scalar.
func ScalarFromBytes(b []byte) (Scalar, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return Scalar{}, fmt.Errorf("decode scalar: %w", err)
	}
	return wrapScalar(s), nil
}

func (a Scalar) ok() *edwards25519.Scalar {
	if a.s == nil {
		return edwards25519.NewScalar()
	}
	return a.s
}

func (a Scalar) Add(b Scalar) Scalar {
	return wrapScalar(edwards25519.NewScalar().Add(a.ok(), b.ok()))
}

func (a Scalar) Sub(b Scalar) Scalar {
	return wrapScalar(edwards25519.NewScalar().Subtract(a.ok(), b.ok()))
}

func (a Scalar) Mul(b Scalar) Scalar {
	return wrapScalar(edwards25519.NewScalar().Multiply(a.ok(), b.ok()))
}

func (a Scalar) Invert() Scalar {
	return wrapScalar(edwards25519.NewScalar().Invert(a.ok()))
}

func (a Scalar) Equal(b Scalar) bool { return a.ok().Equal(b.ok()) == 1 }

func (a Scalar) IsZero() bool { return a.Equal(Scalar{}) }

func (a Scalar) Bytes() []byte { return a.ok().Bytes() }

// Public returns a·G.
func (a Scalar) Public() Point {
	return wrapPoint(new(edwards25519.Point).ScalarBaseMult(a.ok()))
}

func (a Scalar) MarshalJSON() ([]byte, error) { return json.Marshal(a.Bytes()) }

func (a *Scalar) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	s, err := ScalarFromBytes(b)
	if err != nil {
		return err
	}
	*a = s
	return nil
}

// IdentityPoint is the group identity.
func IdentityPoint() Point { return wrapPoint(edwards25519.NewIdentityPoint()) }

// PointFromBytes decodes a compressed point.
func PointFromBytes(b []byte) (Point, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return Point{}, fmt.Errorf("decode point: %w", err)
	}
	return wrapPoint(p), nil
}

func (p Point) ok() *edwards25519.Point {
	if p.p == nil {
		return edwards25519.NewIdentityPoint()
	}
	return p.p
}

func (p Point) Add(q Point) Point {
	return wrapPoint(new(edwards25519.Point).Add(p.ok(), q.ok()))
}

func (p Point) Mul(s Scalar) Point {
	return wrapPoint(new(edwards25519.Point).ScalarMult(s.ok(), p.ok()))
}

func (p Point) Equal(q Point) bool { return p.ok().Equal(q.ok()) == 1 }

// Bytes returns the 32-byte compressed encoding.
func (p Point) Bytes() []byte { return p.ok().Bytes() }

// Compressed returns the encoding as a fixed array.
func (p Point) Compressed() [32]byte {
	var out [32]byte
	copy(out[:], p.Bytes())
	return out
}

func (p Point) MarshalJSON() ([]byte, error) { return json.Marshal(p.Bytes()) }

func (p *Point) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	q, err := PointFromBytes(b)
	if err != nil {
		return err
	}
	*p = q
	return nil
}
