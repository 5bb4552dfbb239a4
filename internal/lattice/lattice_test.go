package lattice

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleFacts() (Fact, Fact, Fact) {
	a := Fact{"name": String("alice"), "count": Int(3), "tags": Set("x", "y")}
	b := Fact{"name": String("bob"), "count": Int(1), "tags": Set("z"), "blob": Bytes([]byte{1})}
	c := Fact{"count": String("seven"), "extra": Int(9)}
	return a, b, c
}

func TestFactJoinLaws(t *testing.T) {
	a, b, c := sampleFacts()

	assert.True(t, a.Join(b).Equal(b.Join(a)), "commutative")
	assert.True(t, a.Join(b).Join(c).Equal(a.Join(b.Join(c))), "associative")
	assert.True(t, a.Join(a).Equal(a), "idempotent")
	assert.True(t, a.Join(a.Join(b)).Equal(a.Join(b)))
}

func TestFactJoinIsMonotone(t *testing.T) {
	a, b, _ := sampleFacts()
	joined := a.Join(b)
	assert.True(t, a.Leq(joined))
	assert.True(t, b.Leq(joined))
	assert.False(t, joined.Leq(a))
}

func TestFactConflictResolution(t *testing.T) {
	a, b, c := sampleFacts()
	j := a.Join(b).Join(c)
	assert.Equal(t, "bob", j["name"].Str)
	assert.Equal(t, []string{"x", "y", "z"}, j["tags"].Set)
	// Int beats String by kind order.
	assert.Equal(t, KindInt, j["count"].Kind)
	assert.Equal(t, int64(3), j["count"].Int)
}

func TestFactJoinDoesNotMutate(t *testing.T) {
	a, b, _ := sampleFacts()
	_ = a.Join(b)
	assert.Equal(t, []string{"x", "y"}, a["tags"].Set)
	assert.Len(t, a, 3)
}

func TestCapJoinMeet(t *testing.T) {
	rw := NewCap([]string{"read", "write"}, []string{"docs", "photos"})
	r := NewCap([]string{"read"}, []string{"docs"})

	assert.True(t, rw.Join(r).Equal(rw))
	assert.True(t, rw.Meet(r).Equal(r))
	assert.True(t, rw.Covers(r))
	assert.False(t, r.Covers(rw))
}

func TestCapWildcard(t *testing.T) {
	top := TopCap()
	need := NewCap([]string{"send"}, []string{"relationship-1"})
	assert.True(t, top.Covers(need))
	assert.True(t, top.Meet(need).Equal(need))
	assert.True(t, top.Allows("anything", "anywhere"))
	assert.True(t, need.Join(top).Equal(top))
}

func TestCapMeetIdempotent(t *testing.T) {
	c := NewCap([]string{"a", "b", "c"}, []string{"*"})
	r := NewCap([]string{"b", "c", "d"}, []string{"x"})
	once := c.Meet(r)
	assert.True(t, once.Meet(r).Equal(once))
	assert.Equal(t, []string{"b", "c"}, once.Permissions)
	assert.Equal(t, []string{"x"}, once.Resources)
}

func TestCapWindows(t *testing.T) {
	a := Cap{Permissions: []string{"p"}, Window: Window{NotBefore: 10, NotAfter: 100}}
	b := Cap{Permissions: []string{"p"}, Window: Window{NotBefore: 50, NotAfter: 0}}

	m := a.Meet(b)
	assert.Equal(t, Window{NotBefore: 50, NotAfter: 100}, m.Window)
	assert.False(t, m.ValidAt(20))
	assert.True(t, m.ValidAt(60))

	j := a.Join(b)
	assert.Equal(t, Window{NotBefore: 10, NotAfter: 0}, j.Window)
	assert.True(t, j.ValidAt(1000))
}
