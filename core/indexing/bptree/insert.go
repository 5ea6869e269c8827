package bptree

import (
	"github.com/sushant-115/bptdb/core/storage/page"
	"go.uber.org/zap"
)

// Insert adds key with value. Values are truncated or zero padded to 120
// bytes. A duplicate key fails with ErrKeyAlreadyExists and changes nothing.
func (t *Tree) Insert(key int64, value []byte) error {
	rec := page.Record{Key: key, Value: page.NewValue(value)}

	off, err := t.FindLeaf(key)
	if err != nil {
		return err
	}
	leaf, err := t.readLeaf(off)
	if err != nil {
		return err
	}
	if leaf.Search(key) >= 0 {
		return ErrKeyAlreadyExists
	}
	if len(leaf.Records) < t.leafOrder-1 {
		leaf.Records = insertRecord(leaf.Records, leaf.InsertionPoint(key), rec)
		return t.writeLeaf(off, leaf)
	}
	return t.insertIntoLeafAfterSplitting(off, leaf, rec)
}

func insertRecord(recs []page.Record, at int, rec page.Record) []page.Record {
	recs = append(recs, page.Record{})
	copy(recs[at+1:], recs[at:])
	recs[at] = rec
	return recs
}

func insertAt[T any](s []T, at int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[at+1:], s[at:])
	s[at] = v
	return s
}

// insertIntoLeafAfterSplitting splits a full leaf around the new record and
// pushes the first key of the new right leaf into the parent.
func (t *Tree) insertIntoLeafAfterSplitting(off page.Offset, leaf *page.Leaf, rec page.Record) error {
	g, err := t.bpm.NewPage(t.table)
	if err != nil {
		return err
	}
	newOff := g.Offset()
	g.Release()

	all := insertRecord(append([]page.Record(nil), leaf.Records...), leaf.InsertionPoint(rec.Key), rec)
	split := cut(t.leafOrder)

	right := &page.Leaf{
		Parent:       leaf.Parent,
		RightSibling: leaf.RightSibling,
		Records:      append([]page.Record(nil), all[split:]...),
	}
	leaf.Records = all[:split]
	leaf.RightSibling = newOff

	if err := t.writeLeaf(off, leaf); err != nil {
		return err
	}
	if err := t.writeLeaf(newOff, right); err != nil {
		return err
	}
	t.logger.Debug("leaf split",
		zap.Int64("left", int64(off)), zap.Int64("right", int64(newOff)), zap.Int64("separator", right.Records[0].Key))
	return t.insertIntoParent(off, right.Records[0].Key, newOff)
}

// insertIntoParent links right next to left under key.
func (t *Tree) insertIntoParent(left page.Offset, key int64, right page.Offset) error {
	parent, err := t.parentOf(left)
	if err != nil {
		return err
	}
	if parent == page.HeaderOffset {
		return t.insertIntoNewRoot(left, key, right)
	}

	in, err := t.readInternal(parent)
	if err != nil {
		return err
	}
	leftIndex := in.ChildIndex(left)
	if leftIndex < 0 {
		return corruptf("page %d not among children of its parent %d", left, parent)
	}
	if len(in.Keys) < t.internalOrder-1 {
		in.Keys = insertAt(in.Keys, leftIndex, key)
		in.Children = insertAt(in.Children, leftIndex+1, right)
		return t.writeInternal(parent, in)
	}
	return t.insertIntoInternalAfterSplitting(parent, in, leftIndex, key, right)
}

// insertIntoNewRoot grows the tree by one level.
func (t *Tree) insertIntoNewRoot(left page.Offset, key int64, right page.Offset) error {
	g, err := t.bpm.NewPage(t.table)
	if err != nil {
		return err
	}
	rootOff := g.Offset()
	root := &page.Internal{Keys: []int64{key}, Children: []page.Offset{left, right}}
	err = root.EncodeTo(g.Data())
	g.MarkDirty()
	g.Release()
	if err != nil {
		return err
	}
	if err := t.setParent(left, rootOff); err != nil {
		return err
	}
	if err := t.setParent(right, rootOff); err != nil {
		return err
	}
	t.logger.Debug("new root", zap.Int64("root", int64(rootOff)))
	return t.setRoot(rootOff)
}

// insertIntoInternalAfterSplitting splits a full internal page. The middle
// key moves up to the parent and every child that moved to the new page is
// re-parented.
func (t *Tree) insertIntoInternalAfterSplitting(off page.Offset, in *page.Internal, leftIndex int, key int64, right page.Offset) error {
	g, err := t.bpm.NewPage(t.table)
	if err != nil {
		return err
	}
	newOff := g.Offset()
	g.Release()

	keys := insertAt(append([]int64(nil), in.Keys...), leftIndex, key)
	children := insertAt(append([]page.Offset(nil), in.Children...), leftIndex+1, right)
	split := cut(t.internalOrder)

	kPrime := keys[split-1]
	sibling := &page.Internal{
		Parent:   in.Parent,
		Keys:     append([]int64(nil), keys[split:]...),
		Children: append([]page.Offset(nil), children[split:]...),
	}
	in.Keys = keys[:split-1]
	in.Children = children[:split]

	if err := t.writeInternal(off, in); err != nil {
		return err
	}
	if err := t.writeInternal(newOff, sibling); err != nil {
		return err
	}
	for _, child := range sibling.Children {
		if err := t.setParent(child, newOff); err != nil {
			return err
		}
	}
	t.logger.Debug("internal split",
		zap.Int64("left", int64(off)), zap.Int64("right", int64(newOff)), zap.Int64("separator", kPrime))
	return t.insertIntoParent(off, kPrime, newOff)
}
