package choreo

import (
	"bytes"
	"encoding/json"

	"github.com/roach88/aura/internal/canonical"
)

func decodeData(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// equalCanonical compares two values by their canonical encoding.
func equalCanonical[T any](a, b T) bool {
	ea, err := canonical.Marshal(a)
	if err != nil {
		return false
	}
	eb, err := canonical.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}
