package crypto

import (
	"fmt"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/faults"
)

const dkdInfo = "aura/dkd/v1"

// ParticipantDKD derives this participant's point for contextID from its key
// share. The commitment is H(compressed(point)).
func ParticipantDKD(keyShare []byte, contextID canonical.Hash) (point [32]byte, commitment canonical.Hash, err error) {
	if len(keyShare) == 0 {
		return point, commitment, fmt.Errorf("participant dkd: empty key share")
	}
	wide, err := Expand(keyShare, contextID[:], dkdInfo, 64)
	if err != nil {
		return point, commitment, err
	}
	s, err := ScalarFromUniform(wide)
	if err != nil {
		return point, commitment, err
	}
	point = s.Public().Compressed()
	return point, PointCommitment(point), nil
}

// PointCommitment is the DKD commitment to a revealed point.
func PointCommitment(point [32]byte) canonical.Hash {
	return canonical.Sum(point[:])
}

// AggregatePoints sums compressed points on the curve.
func AggregatePoints(points [][32]byte) ([32]byte, error) {
	if len(points) == 0 {
		return [32]byte{}, faults.AggregationFailed("no points")
	}
	acc := IdentityPoint()
	for i, raw := range points {
		p, err := PointFromBytes(raw[:])
		if err != nil {
			return [32]byte{}, faults.AggregationFailed(fmt.Sprintf("point %d: %v", i, err))
		}
		acc = acc.Add(p)
	}
	return acc.Compressed(), nil
}

// TranscriptHash is H(point_0 || ... || point_{n-1}) in role order.
func TranscriptHash(points [][32]byte) canonical.Hash {
	parts := make([][]byte, len(points))
	for i := range points {
		parts[i] = points[i][:]
	}
	return canonical.Sum(parts...)
}

// DeriveRootKey turns a reconstructed account secret into the 32-byte root
// key a recovered device installs.
func DeriveRootKey(secret Scalar, accountID []byte) ([32]byte, error) {
	var out [32]byte
	b, err := Expand(secret.Bytes(), accountID, "aura/recovery-root/v1", 32)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
