package sim

import (
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

// message is an envelope in flight.
type message struct {
	seq       uint64
	task      string
	from      ids.DeviceID
	to        ids.DeviceID
	payload   []byte
	digest    canonical.Hash
	deliverAt uint64
}

// link is an unordered device pair.
type link struct{ a, b ids.DeviceID }

func linkOf(a, b ids.DeviceID) link {
	if ids.CompareDevices(b, a) < 0 {
		a, b = b, a
	}
	return link{a, b}
}

// network holds the in-flight messages ordered by (deliverAt, seq) and the
// partitioned links.
type network struct {
	next     uint64
	inflight []message
	cut      map[link]struct{}
}

func newNetwork() *network {
	return &network{cut: map[link]struct{}{}}
}

func digestOf(payload []byte) canonical.Hash {
	return canonical.SumDomain("aura.sim.message", payload)
}

func (n *network) push(m message) message {
	n.next++
	m.seq = n.next
	i, _ := slices.BinarySearchFunc(n.inflight, m, func(a, b message) int {
		switch {
		case a.deliverAt != b.deliverAt:
			if a.deliverAt < b.deliverAt {
				return -1
			}
			return 1
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	n.inflight = slices.Insert(n.inflight, i, m)
	return m
}

// due removes and returns the messages deliverable at tick, oldest first.
func (n *network) due(tick uint64) []message {
	i := 0
	for i < len(n.inflight) && n.inflight[i].deliverAt <= tick {
		i++
	}
	out := slices.Clone(n.inflight[:i])
	n.inflight = slices.Delete(n.inflight, 0, i)
	return out
}

func (n *network) partition(a, b ids.DeviceID) { n.cut[linkOf(a, b)] = struct{}{} }

func (n *network) heal(a, b ids.DeviceID) { delete(n.cut, linkOf(a, b)) }

func (n *network) healAll() { clear(n.cut) }

func (n *network) partitioned(a, b ids.DeviceID) bool {
	_, ok := n.cut[linkOf(a, b)]
	return ok
}
