package journal

import (
	"fmt"
	"slices"

	"github.com/roach88/aura/internal/canonical"
	"github.com/roach88/aura/internal/ids"
)

// TreeOpVersion is the only tree operation encoding this build applies.
const TreeOpVersion uint16 = 1

// TreeOpKind names a ratchet tree mutation.
type TreeOpKind string

const (
	TreeAddLeaf      TreeOpKind = "add_leaf"
	TreeRemoveLeaf   TreeOpKind = "remove_leaf"
	TreeChangePolicy TreeOpKind = "change_policy"
	TreeRotateEpoch  TreeOpKind = "rotate_epoch"
)

// LeafNode holds one member's key material.
type LeafNode struct {
	Device    ids.DeviceID `json:"device"`
	PublicKey []byte       `json:"public_key"`
}

// BranchNode is an interior node. Its hash commits to both children.
type BranchNode struct {
	Left  canonical.Hash `json:"left"`
	Right canonical.Hash `json:"right"`
}

// Hash is the branch commitment.
func (b BranchNode) Hash() canonical.Hash {
	return canonical.Sum([]byte{1}, b.Left[:], b.Right[:])
}

func (l LeafNode) hash() canonical.Hash {
	return canonical.Sum([]byte{0}, l.Device.Bytes(), l.PublicKey)
}

// TreeOp mutates the ratchet tree. ParentEpoch and ParentCommitment pin the
// state the operation was built against.
type TreeOp struct {
	Kind             TreeOpKind     `json:"kind"`
	ParentEpoch      uint64         `json:"parent_epoch"`
	ParentCommitment canonical.Hash `json:"parent_commitment"`
	Version          uint16         `json:"version"`
	Leaf             *LeafNode      `json:"leaf,omitempty"`
	Device           ids.DeviceID   `json:"device,omitzero"`
	Policy           uint16         `json:"policy,omitempty"`
}

// ContentHash identifies the operation body for deduplication.
func (op TreeOp) ContentHash() (canonical.Hash, error) {
	return canonical.Of(canonical.DomainTreeOp, op)
}

// AttestedOp is a TreeOp with the group's aggregate signature.
type AttestedOp struct {
	Op                 TreeOp `json:"op"`
	AggregateSignature []byte `json:"aggregate_signature"`
	SignerCount        uint16 `json:"signer_count"`
}

// RatchetTree is the group-key tree. Leaves are kept in device order so
// every replica builds the same branches.
type RatchetTree struct {
	Epoch   uint64           `json:"epoch"`
	Policy  uint16           `json:"policy"`
	Leaves  []LeafNode       `json:"leaves"`
	Applied []canonical.Hash `json:"applied,omitempty"`
}

func newRatchetTree(policy uint16) RatchetTree {
	return RatchetTree{Policy: policy, Leaves: []LeafNode{}}
}

func (t *RatchetTree) ensure() {
	if t.Leaves == nil {
		t.Leaves = []LeafNode{}
	}
}

func (t *RatchetTree) leafIndex(d ids.DeviceID) (int, bool) {
	return slices.BinarySearchFunc(t.Leaves, d, func(l LeafNode, d ids.DeviceID) int {
		return ids.CompareDevices(l.Device, d)
	})
}

func (t *RatchetTree) addLeaf(l LeafNode) bool {
	i, found := t.leafIndex(l.Device)
	if found {
		return false
	}
	l.PublicKey = slices.Clone(l.PublicKey)
	t.Leaves = slices.Insert(t.Leaves, i, l)
	return true
}

func (t *RatchetTree) removeDevice(d ids.DeviceID) bool {
	i, found := t.leafIndex(d)
	if !found {
		return false
	}
	t.Leaves = slices.Delete(t.Leaves, i, i+1)
	return true
}

// Commitment is the root hash over epoch, policy and the leaf level.
// Odd nodes are promoted unchanged to the next level.
func (t RatchetTree) Commitment() canonical.Hash {
	level := make([]canonical.Hash, len(t.Leaves))
	for i, l := range t.Leaves {
		level[i] = l.hash()
	}
	for len(level) > 1 {
		next := make([]canonical.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, BranchNode{Left: level[i], Right: level[i+1]}.Hash())
		}
		level = next
	}
	root := canonical.ZeroHash
	if len(level) == 1 {
		root = level[0]
	}
	return canonical.Sum(uint64Bytes(t.Epoch), []byte{byte(t.Policy), byte(t.Policy >> 8)}, root[:])
}

// Members lists the devices holding leaves.
func (t RatchetTree) Members() []ids.DeviceID {
	out := make([]ids.DeviceID, len(t.Leaves))
	for i, l := range t.Leaves {
		out[i] = l.Device
	}
	return out
}

// Apply runs an attested operation. An operation already applied is a
// no-op; every other accepted operation advances the epoch by one.
func (t *RatchetTree) Apply(a AttestedOp) error {
	op := a.Op
	h, err := op.ContentHash()
	if err != nil {
		return fmt.Errorf("tree op: %w", err)
	}
	i, seen := slices.BinarySearchFunc(t.Applied, h, compareHash)
	if seen {
		return nil
	}
	if op.Version != TreeOpVersion {
		return fmt.Errorf("tree op version %d unsupported", op.Version)
	}
	if op.ParentEpoch != t.Epoch {
		return fmt.Errorf("tree op built on epoch %d, tree is at %d", op.ParentEpoch, t.Epoch)
	}
	if got := t.Commitment(); op.ParentCommitment != got {
		return fmt.Errorf("tree op parent commitment %s, tree is %s", op.ParentCommitment.Short(), got.Short())
	}
	if len(a.AggregateSignature) == 0 {
		return fmt.Errorf("tree op %s carries no aggregate signature", op.Kind)
	}
	if a.SignerCount < t.Policy {
		return fmt.Errorf("tree op signed by %d, policy needs %d", a.SignerCount, t.Policy)
	}

	next := *t
	next.Leaves = slices.Clone(t.Leaves)
	switch op.Kind {
	case TreeAddLeaf:
		if op.Leaf == nil {
			return fmt.Errorf("add_leaf without a leaf")
		}
		if !next.addLeaf(*op.Leaf) {
			return fmt.Errorf("leaf %s already present", op.Leaf.Device.Short())
		}
	case TreeRemoveLeaf:
		if !next.removeDevice(op.Device) {
			return fmt.Errorf("leaf %s not present", op.Device.Short())
		}
		if int(next.Policy) > len(next.Leaves) {
			return fmt.Errorf("removing %s leaves %d leaves under policy %d", op.Device.Short(), len(next.Leaves), next.Policy)
		}
	case TreeChangePolicy:
		if op.Policy == 0 || int(op.Policy) > len(next.Leaves) {
			return fmt.Errorf("policy %d invalid for %d leaves", op.Policy, len(next.Leaves))
		}
		next.Policy = op.Policy
	case TreeRotateEpoch:
	default:
		return fmt.Errorf("unknown tree op %q", op.Kind)
	}
	next.Epoch++
	next.Applied = slices.Insert(slices.Clone(t.Applied), i, h)
	*t = next
	return nil
}

func (s *AccountState) applyTreeOp(a AttestedOp) error {
	return s.Tree.Apply(a)
}

func compareHash(a, b canonical.Hash) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}
