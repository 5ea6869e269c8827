package bptree

import (
	"fmt"
	"math"

	"github.com/sushant-115/bptdb/core/storage/page"
)

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrCorruptTree}, args...)...)
}

// VerifyReport describes a structurally sound tree.
type VerifyReport struct {
	Height        int
	Keys          int
	LeafPages     int
	InternalPages int
}

type verifier struct {
	t         *Tree
	report    VerifyReport
	leafDepth int
	leaves    []page.Offset
	prevKey   int64
	seenKey   bool
}

// Verify walks the whole tree and checks its invariants: keys sorted and
// within their separators, every leaf at the same depth, parent links
// pointing back up, the leaf chain matching the in-order leaves, minimum
// occupancy outside the root, and the header page count.
func (t *Tree) Verify() (VerifyReport, error) {
	h, err := t.header()
	if err != nil {
		return VerifyReport{}, err
	}
	v := &verifier{t: t, leafDepth: -1}
	if err := v.walk(h.Root, page.HeaderOffset, 0, math.MinInt64, 0, false); err != nil {
		return v.report, err
	}
	v.report.Height = v.leafDepth + 1

	// The chain starting at the leftmost leaf must visit the same leaves.
	off := v.leaves[0]
	for i := 0; ; i++ {
		if i >= len(v.leaves) || off != v.leaves[i] {
			return v.report, corruptf("leaf chain diverges from tree order at position %d (page %d)", i, off)
		}
		leaf, err := t.readLeaf(off)
		if err != nil {
			return v.report, err
		}
		if leaf.RightSibling == page.HeaderOffset {
			if i != len(v.leaves)-1 {
				return v.report, corruptf("leaf chain ends after %d of %d leaves", i+1, len(v.leaves))
			}
			break
		}
		off = leaf.RightSibling
	}

	pages := int64(1 + v.report.LeafPages + v.report.InternalPages)
	if h.NumPages != pages {
		return v.report, corruptf("header counts %d pages, tree has %d", h.NumPages, pages)
	}
	return v.report, nil
}

// walk checks the subtree at off whose keys must be >= lo and, when hasHi
// is set, < hi.
func (v *verifier) walk(off, parent page.Offset, depth int, lo, hi int64, hasHi bool) error {
	if !off.Valid() || off == page.HeaderOffset {
		return corruptf("child pointer %d is not a page offset", off)
	}
	n, err := v.t.readNode(off)
	if err != nil {
		return err
	}
	if n.parent() != parent {
		return corruptf("page %d points to parent %d, expected %d", off, n.parent(), parent)
	}
	isRoot := parent == page.HeaderOffset

	if n.leaf != nil {
		if v.leafDepth < 0 {
			v.leafDepth = depth
		} else if v.leafDepth != depth {
			return corruptf("leaf %d at depth %d, others at %d", off, depth, v.leafDepth)
		}
		if !isRoot && len(n.leaf.Records) < v.t.minLeafKeys() {
			return corruptf("leaf %d holds %d keys, minimum %d", off, len(n.leaf.Records), v.t.minLeafKeys())
		}
		if len(n.leaf.Records) > v.t.leafOrder-1 {
			return corruptf("leaf %d holds %d keys, maximum %d", off, len(n.leaf.Records), v.t.leafOrder-1)
		}
		for _, r := range n.leaf.Records {
			if v.seenKey && r.Key <= v.prevKey {
				return corruptf("key %d after %d in leaf %d", r.Key, v.prevKey, off)
			}
			if r.Key < lo || (hasHi && r.Key >= hi) {
				return corruptf("key %d in leaf %d outside [%d, %d)", r.Key, off, lo, hi)
			}
			v.prevKey, v.seenKey = r.Key, true
		}
		v.leaves = append(v.leaves, off)
		v.report.LeafPages++
		v.report.Keys += len(n.leaf.Records)
		return nil
	}

	in := n.in
	if len(in.Keys) == 0 {
		return corruptf("internal page %d has no keys", off)
	}
	if !isRoot && len(in.Keys) < v.t.minInternalKeys() {
		return corruptf("internal page %d holds %d keys, minimum %d", off, len(in.Keys), v.t.minInternalKeys())
	}
	if len(in.Keys) > v.t.internalOrder-1 {
		return corruptf("internal page %d holds %d keys, maximum %d", off, len(in.Keys), v.t.internalOrder-1)
	}
	v.report.InternalPages++
	for i, child := range in.Children {
		clo, chi, cHasHi := lo, hi, hasHi
		if i > 0 {
			clo = in.Keys[i-1]
		}
		if i < len(in.Keys) {
			chi, cHasHi = in.Keys[i], true
		}
		if cHasHi && clo >= chi {
			return corruptf("separators out of order in page %d", off)
		}
		if err := v.walk(child, off, depth+1, clo, chi, cHasHi); err != nil {
			return err
		}
	}
	return nil
}
