package crypto

import (
	"fmt"
	"io"
	"slices"

	"github.com/roach88/aura/internal/faults"
)

// Share is one evaluation of a sharing polynomial. Index is the 1-based x
// coordinate.
type Share struct {
	Index uint32 `json:"index"`
	Value Scalar `json:"value"`
}

// Polynomial holds coefficients a_0..a_{t-1}; a_0 is the shared secret.
type Polynomial struct {
	coeffs []Scalar
}

// NewPolynomial builds a degree threshold-1 polynomial with the given
// constant term and random higher coefficients.
func NewPolynomial(secret Scalar, threshold int, r io.Reader) (*Polynomial, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("threshold must be at least 1, got %d", threshold)
	}
	coeffs := make([]Scalar, threshold)
	coeffs[0] = secret
	for i := 1; i < threshold; i++ {
		c, err := RandomScalar(r)
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}
	return &Polynomial{coeffs: coeffs}, nil
}

// Eval evaluates the polynomial at x with Horner's rule.
func (p *Polynomial) Eval(x uint32) Scalar {
	xs := ScalarFromUint(uint64(x))
	acc := Scalar{}
	for i := len(p.coeffs) - 1; i >= 0; i-- {
		acc = acc.Mul(xs).Add(p.coeffs[i])
	}
	return acc
}

// Commitments returns the Feldman commitments a_k·G.
func (p *Polynomial) Commitments() []Point {
	out := make([]Point, len(p.coeffs))
	for i, c := range p.coeffs {
		out[i] = c.Public()
	}
	return out
}

// Split shares secret among indices 1..n with the given threshold.
func Split(secret Scalar, threshold, n int, r io.Reader) ([]Share, []Point, error) {
	if threshold > n {
		return nil, nil, fmt.Errorf("threshold %d exceeds participants %d", threshold, n)
	}
	poly, err := NewPolynomial(secret, threshold, r)
	if err != nil {
		return nil, nil, err
	}
	shares := make([]Share, n)
	for i := range shares {
		idx := uint32(i + 1)
		shares[i] = Share{Index: idx, Value: poly.Eval(idx)}
	}
	return shares, poly.Commitments(), nil
}

// VerifyShare checks share·G against the Feldman commitments.
func VerifyShare(share Share, commitments []Point) error {
	if len(commitments) == 0 {
		return faults.CommitmentMismatch("no commitments")
	}
	x := ScalarFromUint(uint64(share.Index))
	xPow := ScalarFromUint(1)
	expected := IdentityPoint()
	for _, c := range commitments {
		expected = expected.Add(c.Mul(xPow))
		xPow = xPow.Mul(x)
	}
	if !share.Value.Public().Equal(expected) {
		return faults.CommitmentMismatch(fmt.Sprintf("share %d does not match commitments", share.Index))
	}
	return nil
}

// LagrangeAtZero returns the coefficient of index i when interpolating the
// set indices at x = 0.
func LagrangeAtZero(i uint32, indices []uint32) (Scalar, error) {
	if !slices.Contains(indices, i) {
		return Scalar{}, fmt.Errorf("index %d not in interpolation set", i)
	}
	num := ScalarFromUint(1)
	den := ScalarFromUint(1)
	xi := ScalarFromUint(uint64(i))
	for _, j := range indices {
		if j == i {
			continue
		}
		xj := ScalarFromUint(uint64(j))
		num = num.Mul(xj)
		den = den.Mul(xj.Sub(xi))
	}
	if den.IsZero() {
		return Scalar{}, fmt.Errorf("duplicate index in interpolation set")
	}
	return num.Mul(den.Invert()), nil
}

// Combine reconstructs the secret from at least threshold shares.
func Combine(shares []Share) (Scalar, error) {
	if len(shares) == 0 {
		return Scalar{}, faults.AggregationFailed("no shares")
	}
	indices := make([]uint32, len(shares))
	for i, s := range shares {
		indices[i] = s.Index
	}
	secret := Scalar{}
	for _, s := range shares {
		l, err := LagrangeAtZero(s.Index, indices)
		if err != nil {
			return Scalar{}, faults.AggregationFailed(err.Error())
		}
		secret = secret.Add(s.Value.Mul(l))
	}
	return secret, nil
}

// Reshare is one old holder's contribution to a resharing: a fresh
// polynomial whose constant term is λ_i·s_i, evaluated at every new index.
type Reshare struct {
	From        uint32            `json:"from"`
	SubShares   map[uint32]Scalar `json:"sub_shares"`
	Commitments []Point           `json:"commitments"`
}

// NewReshare computes sub-shares of share for newIndices under newThreshold.
// oldIndices is the set of old holders taking part.
func NewReshare(share Share, oldIndices []uint32, newThreshold int, newIndices []uint32, r io.Reader) (*Reshare, error) {
	l, err := LagrangeAtZero(share.Index, oldIndices)
	if err != nil {
		return nil, err
	}
	poly, err := NewPolynomial(share.Value.Mul(l), newThreshold, r)
	if err != nil {
		return nil, err
	}
	out := &Reshare{From: share.Index, SubShares: make(map[uint32]Scalar, len(newIndices)), Commitments: poly.Commitments()}
	for _, j := range newIndices {
		out.SubShares[j] = poly.Eval(j)
	}
	return out, nil
}

// CombineSubShares sums the sub-shares a new holder received.
func CombineSubShares(index uint32, subs []Scalar) Share {
	acc := Scalar{}
	for _, s := range subs {
		acc = acc.Add(s)
	}
	return Share{Index: index, Value: acc}
}

// GroupKeyFromReshares sums the constant-term commitments, yielding the
// group public key s·G that every resharing must preserve.
func GroupKeyFromReshares(reshares []*Reshare) Point {
	acc := IdentityPoint()
	for _, r := range reshares {
		if len(r.Commitments) > 0 {
			acc = acc.Add(r.Commitments[0])
		}
	}
	return acc
}
