package bptree

import (
	"github.com/sushant-115/bptdb/core/storage/page"
)

// Cursor walks the leaf chain in key order. It holds a copy of the current
// leaf and no pins between calls, so it must not be used across mutations of
// the same tree.
type Cursor struct {
	t    *Tree
	recs []page.Record
	pos  int
	next page.Offset
	err  error
}

// Seek positions a cursor just before the first key >= from. Call Next to
// move onto it.
func (t *Tree) Seek(from int64) (*Cursor, error) {
	off, err := t.FindLeaf(from)
	if err != nil {
		return nil, err
	}
	leaf, err := t.readLeaf(off)
	if err != nil {
		return nil, err
	}
	return &Cursor{
		t:    t,
		recs: leaf.Records,
		pos:  leaf.InsertionPoint(from) - 1,
		next: leaf.RightSibling,
	}, nil
}

// Next advances to the next record and reports whether there is one.
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	c.pos++
	for c.pos >= len(c.recs) {
		if c.next == page.HeaderOffset {
			return false
		}
		leaf, err := c.t.readLeaf(c.next)
		if err != nil {
			c.err = err
			return false
		}
		c.recs, c.pos, c.next = leaf.Records, 0, leaf.RightSibling
	}
	return true
}

// Key returns the current key.
func (c *Cursor) Key() int64 { return c.recs[c.pos].Key }

// Value returns a copy of the current value.
func (c *Cursor) Value() []byte {
	v := c.recs[c.pos].Value
	return v[:]
}

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error { return c.err }

// Scan calls fn for every record with key >= from in key order until fn
// returns false.
func (t *Tree) Scan(from int64, fn func(key int64, value []byte) bool) error {
	c, err := t.Seek(from)
	if err != nil {
		return err
	}
	for c.Next() {
		if !fn(c.Key(), c.Value()) {
			break
		}
	}
	return c.Err()
}
