package choreo

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/faults"
)

// VerificationResult is the outcome of comparing local results.
type VerificationResult[R any] struct {
	IsConsistent bool `json:"is_consistent"`

	// Verified is the result a strict majority agreed on.
	Verified R `json:"verified_result"`

	// Byzantine lists the roles whose result differs from the majority or
	// whose reveal broke its salted commitment.
	Byzantine []Role `json:"byzantine_participants"`
}

type saltedResult[R any] struct {
	Result R      `json:"result"`
	Nonce  []byte `json:"nonce"`
}

func saltedHash[R any](s saltedResult[R]) (canonical.Hash, error) {
	body, err := canonical.Marshal(s.Result)
	if err != nil {
		return canonical.Hash{}, err
	}
	return canonical.Sum([]byte("aura.choreo.verify"), body, s.Nonce), nil
}

// VerifyConsistentResult checks that every role computed the same result,
// in phases base and base+1. Roles commit to hash(result, nonce) with a
// fresh nonce, then reveal both. equal compares results; nil compares
// canonical encodings. The error is non-nil only when the exchange itself
// failed or no strict majority exists.
func VerifyConsistentResult[R any](ctx context.Context, inst *Instance, base Phase, local R, equal func(a, b R) bool) (VerificationResult[R], error) {
	var res VerificationResult[R]
	if equal == nil {
		equal = equalCanonical[R]
	}
	nonce, err := inst.rt.Nonce(ctx, 32)
	if err != nil {
		return res, fmt.Errorf("verify nonce: %w", err)
	}

	contribs, err := BroadcastAndGather(ctx, inst, base, saltedResult[R]{Result: local, Nonce: nonce},
		WithCommitment(saltedHash[R]))
	if err != nil {
		if accused, ok := faults.IsByzantine(err); ok {
			res.Byzantine = accused
			return res, nil
		}
		return res, err
	}

	// Partition into classes of equal results; classes keep role order.
	var classes [][]Contribution[saltedResult[R]]
	for _, c := range contribs {
		placed := false
		for k, cl := range classes {
			if equal(cl[0].Message.Result, c.Message.Result) {
				classes[k] = append(cl, c)
				placed = true
				break
			}
		}
		if !placed {
			classes = append(classes, []Contribution[saltedResult[R]]{c})
		}
	}
	major := slices.MaxFunc(classes, func(a, b []Contribution[saltedResult[R]]) int {
		return len(a) - len(b)
	})
	if 2*len(major) <= len(contribs) {
		return res, faults.ProtocolViolation(fmt.Sprintf("no majority among %d results", len(contribs)))
	}
	res.Verified = major[0].Message.Result
	for _, c := range contribs {
		if !equal(res.Verified, c.Message.Result) {
			res.Byzantine = append(res.Byzantine, c.From)
		}
	}
	res.IsConsistent = len(res.Byzantine) == 0
	return res, nil
}
