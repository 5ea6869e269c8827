package bptree

import (
	"github.com/sushant-115/bptdb/core/storage/page"
	"go.uber.org/zap"
)

// Delete removes key. Deleting an absent key succeeds without touching any
// page.
func (t *Tree) Delete(key int64) error {
	off, err := t.FindLeaf(key)
	if err != nil {
		return err
	}
	leaf, err := t.readLeaf(off)
	if err != nil {
		return err
	}
	if leaf.Search(key) < 0 {
		return nil
	}
	return t.deleteEntry(off, key, page.HeaderOffset)
}

// node is a decoded tree page of either kind.
type node struct {
	off  page.Offset
	leaf *page.Leaf
	in   *page.Internal
}

func (n *node) numKeys() int {
	if n.leaf != nil {
		return len(n.leaf.Records)
	}
	return len(n.in.Keys)
}

func (n *node) parent() page.Offset {
	if n.leaf != nil {
		return n.leaf.Parent
	}
	return n.in.Parent
}

func (t *Tree) readNode(off page.Offset) (*node, error) {
	isLeaf, err := t.isLeafPage(off)
	if err != nil {
		return nil, err
	}
	n := &node{off: off}
	if isLeaf {
		n.leaf, err = t.readLeaf(off)
	} else {
		n.in, err = t.readInternal(off)
	}
	return n, err
}

func (t *Tree) writeNode(n *node) error {
	if n.leaf != nil {
		return t.writeLeaf(n.off, n.leaf)
	}
	return t.writeInternal(n.off, n.in)
}

// deleteEntry removes key from the page at off; on internal pages child is
// the pointer to the right of key, which goes with it. Underflow is repaired
// by coalescing with or borrowing from a neighbour.
func (t *Tree) deleteEntry(off page.Offset, key int64, child page.Offset) error {
	n, err := t.readNode(off)
	if err != nil {
		return err
	}
	if err := t.removeEntryFromNode(n, key, child); err != nil {
		return err
	}
	if err := t.writeNode(n); err != nil {
		return err
	}

	if n.parent() == page.HeaderOffset {
		return t.adjustRoot(n)
	}

	minKeys := t.minInternalKeys()
	capacity := t.internalOrder - 1
	if n.leaf != nil {
		minKeys = t.minLeafKeys()
		capacity = t.leafOrder
	}
	if n.numKeys() >= minKeys {
		return nil
	}

	parentOff := n.parent()
	parent, err := t.readInternal(parentOff)
	if err != nil {
		return err
	}
	idx := parent.ChildIndex(off)
	if idx < 0 {
		return corruptf("page %d not among children of its parent %d", off, parentOff)
	}
	// The leftmost child borrows from or merges with its right neighbour;
	// every other child uses its left neighbour.
	leftmost := idx == 0
	kPrimeIndex, neighborOff := idx-1, page.HeaderOffset
	if leftmost {
		kPrimeIndex, neighborOff = 0, parent.Children[1]
	} else {
		neighborOff = parent.Children[idx-1]
	}
	kPrime := parent.Keys[kPrimeIndex]

	neighbor, err := t.readNode(neighborOff)
	if err != nil {
		return err
	}
	if neighbor.numKeys()+n.numKeys() < capacity {
		return t.coalesceNodes(n, neighbor, parentOff, leftmost, kPrime)
	}
	return t.redistributeNodes(n, neighbor, parentOff, parent, leftmost, kPrimeIndex, kPrime)
}

func (t *Tree) removeEntryFromNode(n *node, key int64, child page.Offset) error {
	if n.leaf != nil {
		i := n.leaf.Search(key)
		if i < 0 {
			return corruptf("key %d missing from leaf %d", key, n.off)
		}
		n.leaf.Records = append(n.leaf.Records[:i], n.leaf.Records[i+1:]...)
		return nil
	}
	ki := -1
	for i, k := range n.in.Keys {
		if k == key {
			ki = i
			break
		}
	}
	ci := n.in.ChildIndex(child)
	if ki < 0 || ci < 1 {
		return corruptf("separator %d or child %d missing from page %d", key, child, n.off)
	}
	n.in.Keys = append(n.in.Keys[:ki], n.in.Keys[ki+1:]...)
	n.in.Children = append(n.in.Children[:ci], n.in.Children[ci+1:]...)
	return nil
}

// adjustRoot shrinks the tree after a deletion emptied an internal root. An
// empty leaf root stays in place.
func (t *Tree) adjustRoot(root *node) error {
	if root.numKeys() > 0 || root.leaf != nil {
		return nil
	}
	newRoot := root.in.Children[0]
	if err := t.setParent(newRoot, page.HeaderOffset); err != nil {
		return err
	}
	if err := t.setRoot(newRoot); err != nil {
		return err
	}
	t.logger.Debug("root collapsed", zap.Int64("old_root", int64(root.off)), zap.Int64("new_root", int64(newRoot)))
	return t.bpm.FreePage(t.table, root.off)
}

// coalesceNodes merges the right page of the pair into the left one, frees
// the right page and removes its separator from the parent.
func (t *Tree) coalesceNodes(n, neighbor *node, parentOff page.Offset, leftmost bool, kPrime int64) error {
	left, right := neighbor, n
	if leftmost {
		left, right = n, neighbor
	}

	if left.leaf != nil {
		left.leaf.Records = append(left.leaf.Records, right.leaf.Records...)
		left.leaf.RightSibling = right.leaf.RightSibling
	} else {
		left.in.Keys = append(append(left.in.Keys, kPrime), right.in.Keys...)
		left.in.Children = append(left.in.Children, right.in.Children...)
		for _, c := range right.in.Children {
			if err := t.setParent(c, left.off); err != nil {
				return err
			}
		}
	}
	if err := t.writeNode(left); err != nil {
		return err
	}
	if err := t.bpm.FreePage(t.table, right.off); err != nil {
		return err
	}
	t.logger.Debug("pages coalesced", zap.Int64("left", int64(left.off)), zap.Int64("freed", int64(right.off)))
	return t.deleteEntry(parentOff, kPrime, right.off)
}

// redistributeNodes moves one entry from neighbor into n and fixes the
// separator between them.
func (t *Tree) redistributeNodes(n, neighbor *node, parentOff page.Offset, parent *page.Internal, leftmost bool, kPrimeIndex int, kPrime int64) error {
	if n.leaf != nil {
		if leftmost {
			// Borrow the neighbour's first record.
			n.leaf.Records = append(n.leaf.Records, neighbor.leaf.Records[0])
			neighbor.leaf.Records = neighbor.leaf.Records[1:]
			parent.Keys[kPrimeIndex] = neighbor.leaf.Records[0].Key
		} else {
			last := len(neighbor.leaf.Records) - 1
			n.leaf.Records = insertRecord(n.leaf.Records, 0, neighbor.leaf.Records[last])
			neighbor.leaf.Records = neighbor.leaf.Records[:last]
			parent.Keys[kPrimeIndex] = n.leaf.Records[0].Key
		}
	} else {
		var moved page.Offset
		if leftmost {
			// The separator comes down to the end of n and the neighbour's
			// first key goes up.
			moved = neighbor.in.Children[0]
			n.in.Keys = append(n.in.Keys, kPrime)
			n.in.Children = append(n.in.Children, moved)
			parent.Keys[kPrimeIndex] = neighbor.in.Keys[0]
			neighbor.in.Keys = neighbor.in.Keys[1:]
			neighbor.in.Children = neighbor.in.Children[1:]
		} else {
			last := len(neighbor.in.Keys) - 1
			moved = neighbor.in.Children[last+1]
			n.in.Keys = insertAt(n.in.Keys, 0, kPrime)
			n.in.Children = insertAt(n.in.Children, 0, moved)
			parent.Keys[kPrimeIndex] = neighbor.in.Keys[last]
			neighbor.in.Keys = neighbor.in.Keys[:last]
			neighbor.in.Children = neighbor.in.Children[:last+1]
		}
		if err := t.setParent(moved, n.off); err != nil {
			return err
		}
	}
	if err := t.writeNode(n); err != nil {
		return err
	}
	if err := t.writeNode(neighbor); err != nil {
		return err
	}
	return t.writeInternal(parentOff, parent)
}
