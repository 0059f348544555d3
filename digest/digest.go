package digest

import (
	"crypto/md5"
	"sort"
	"strings"

	"github.com/pixperk/deisync/types"
)

// Node is one node of a slot merkle tree. Leaves cover exactly one slot.
type Node struct {
	Hash  [16]byte
	Left  *Node
	Right *Node
	Slot  types.SlotIndex // only meaningful on leaves
	Leaf  bool
}

// Build makes a merkle tree over all capacity slots. Every tree built for
// the same capacity has the same shape, so two trees can be diffed leaf
// by leaf. Empty slots hash to zero.
func Build(capacity int, rings []types.Ring) *Node {
	if capacity <= 0 {
		return nil
	}

	bySlot := make(map[types.SlotIndex][]string)
	for _, r := range rings {
		if r.SlotIndex < 0 || int(r.SlotIndex) >= capacity {
			continue
		}
		bySlot[r.SlotIndex] = append(bySlot[r.SlotIndex], r.ID+"|"+r.OwnerUser)
	}

	// one leaf per slot
	leaves := make([]*Node, capacity)
	for i := range leaves {
		slot := types.SlotIndex(i)
		leaf := &Node{Slot: slot, Leaf: true}
		if ids := bySlot[slot]; len(ids) > 0 {
			sort.Strings(ids)
			leaf.Hash = md5.Sum([]byte(strings.Join(ids, ",")))
		}
		leaves[i] = leaf
	}

	// pad to next power of 2
	for len(leaves)&(len(leaves)-1) != 0 {
		leaves = append(leaves, &Node{Slot: -1, Leaf: true})
	}

	// merge bottom-up
	layer := leaves
	for len(layer) > 1 {
		next := make([]*Node, 0, len(layer)/2)
		for i := 0; i < len(layer); i += 2 {
			parent := &Node{
				Left:  layer[i],
				Right: layer[i+1],
			}
			var combined [32]byte
			copy(combined[:16], layer[i].Hash[:])
			copy(combined[16:], layer[i+1].Hash[:])
			parent.Hash = md5.Sum(combined[:])
			next = append(next, parent)
		}
		layer = next
	}
	return layer[0]
}

// Diff walks two trees of the same capacity top-down and returns the slots
// whose rings differ, in slot order.
func Diff(a, b *Node) []types.SlotIndex {
	if a == nil || b == nil {
		return nil
	}
	// hashes match, subtree is in sync
	if a.Hash == b.Hash {
		return nil
	}
	if a.Leaf || b.Leaf {
		if a.Slot < 0 {
			return nil
		}
		return []types.SlotIndex{a.Slot}
	}
	left := Diff(a.Left, b.Left)
	right := Diff(a.Right, b.Right)
	return append(left, right...)
}

// Divergent compares a local ring sequence against an authoritative one.
func Divergent(capacity int, local, remote []types.Ring) []types.SlotIndex {
	return Diff(Build(capacity, local), Build(capacity, remote))
}
