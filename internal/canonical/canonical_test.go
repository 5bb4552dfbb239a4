package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	got, err := Marshal(map[string]any{"b": 1, "a": "x", "c": []int{3, 1}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":[3,1]}`, string(got))
}

func TestMarshalStructFieldsAreSorted(t *testing.T) {
	type rec struct {
		Zeta  string `json:"zeta"`
		Alpha int64  `json:"alpha"`
	}
	got, err := Marshal(rec{Zeta: "z", Alpha: 7})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":7,"zeta":"z"}`, string(got))
}

func TestMarshalRejectsFloats(t *testing.T) {
	_, err := Marshal(map[string]any{"x": 1.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")
}

func TestMarshalNoHTMLEscape(t *testing.T) {
	got, err := Marshal("<a&b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(got))
}

func TestMarshalNFC(t *testing.T) {
	// e + combining acute vs precomposed.
	decomposed, err := Marshal("e\u0301")
	require.NoError(t, err)
	composed, err := Marshal("\u00e9")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestMarshalLineSeparatorsLiteral(t *testing.T) {
	got, err := Marshal("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(got))

	escaped, err := Marshal(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(escaped))
}

func TestSumDomainSeparates(t *testing.T) {
	a := SumDomain("aura/a", []byte("xy"))
	b := SumDomain("aura/ax", []byte("y"))
	assert.NotEqual(t, a, b)
}

func TestHashTextRoundTrip(t *testing.T) {
	h := Sum([]byte("hello"))
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
	assert.Len(t, h.Short(), 8)
}

func TestHashLess(t *testing.T) {
	var lo, hi Hash
	hi[0] = 1
	assert.True(t, lo.Less(hi))
	assert.False(t, hi.Less(lo))
	assert.False(t, lo.Less(lo))
}
