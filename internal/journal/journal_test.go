package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/aura/internal/lattice"
)

func sampleJournals() (Journal, Journal) {
	a := NewJournal(lattice.NewCap([]string{"send", "read"}, []string{"*"}), "send")
	a.Facts["devices"] = lattice.Set("alice")
	a.Facts["epoch"] = lattice.Int(1)
	b := NewJournal(lattice.NewCap([]string{"write"}, []string{"inbox"}))
	b.Facts["devices"] = lattice.Set("bob")
	b.Facts["epoch"] = lattice.Int(3)
	b.Facts["label"] = lattice.String("home")
	return a, b
}

func TestMergeFactsLaws(t *testing.T) {
	a, b := sampleJournals()
	ab := MergeFacts(a, b)

	assert.True(t, MergeFacts(a, ab).Equal(ab), "idempotent")
	assert.True(t, MergeFacts(b, a).Equal(ab), "commutative")
	assert.True(t, a.Facts.Leq(ab.Facts), "monotone")
	assert.True(t, b.Facts.Leq(ab.Facts), "monotone")
	assert.Equal(t, lattice.Set("alice", "bob"), ab.Facts["devices"])
	assert.Equal(t, lattice.Int(3), ab.Facts["epoch"])
}

func TestMergeFactsDoesNotAliasInputs(t *testing.T) {
	a, b := sampleJournals()
	ab := MergeFacts(a, b)
	ab.Facts["new"] = lattice.Int(9)
	assert.NotContains(t, a.Facts, "new")
}

func TestRefineCapsIdempotent(t *testing.T) {
	a, _ := sampleJournals()
	r := NewJournal(lattice.NewCap([]string{"send"}, []string{"*"}))

	once := RefineCaps(a, r)
	twice := RefineCaps(once, r)
	assert.True(t, once.Equal(twice))
	assert.Equal(t, []string{"send"}, once.Caps.Permissions)
	assert.Empty(t, once.Rejections)
}

func TestRefineCapsRejectsDroppingRequired(t *testing.T) {
	a, _ := sampleJournals()
	r := NewJournal(lattice.NewCap([]string{"read"}, []string{"*"}))

	once := RefineCaps(a, r)
	assert.True(t, once.Caps.Equal(a.Caps), "base returned unchanged")
	if assert.Len(t, once.Rejections, 1) {
		assert.Equal(t, []string{"send"}, once.Rejections[0].Missing)
	}

	twice := RefineCaps(once, r)
	assert.True(t, once.Equal(twice))
	assert.Len(t, twice.Rejections, 1)
}
