// Package bptree implements a disk-resident B+ tree over int64 keys and
// fixed 120-byte values. Pages are reached only through the buffer pool and
// link to each other by file offset.
package bptree

import (
	"errors"
	"fmt"

	"github.com/sushant-115/bptdb/core/storage/buffer"
	"github.com/sushant-115/bptdb/core/storage/page"
	"go.uber.org/zap"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrCorruptTree      = errors.New("tree structure is corrupt")
	ErrInvalidOrder     = errors.New("invalid tree order")
)

// Option configures a Tree.
type Option func(*Tree)

// WithOrders sets the leaf and internal orders for a table that has none
// recorded yet. Small orders make deep trees with few keys, which tests
// rely on.
func WithOrders(leaf, internal int) Option {
	return func(t *Tree) {
		t.leafOrder = leaf
		t.internalOrder = internal
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tree) { t.logger = logger }
}

// Tree is the index of one table.
type Tree struct {
	bpm           *buffer.BufferPoolManager
	table         page.TableID
	leafOrder     int
	internalOrder int
	logger        *zap.Logger
}

// New returns the tree stored in table. The table must already be
// registered and bootstrapped in bpm. A table keeps the orders recorded in
// its header; the requested orders are only recorded when the header has
// none.
func New(bpm *buffer.BufferPoolManager, table page.TableID, opts ...Option) (*Tree, error) {
	t := &Tree{
		bpm:           bpm,
		table:         table,
		leafOrder:     page.DefaultLeafOrder,
		internalOrder: page.DefaultInternalOrder,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := checkOrders(t.Orders()); err != nil {
		return nil, err
	}

	g, err := bpm.FetchPage(table, page.HeaderOffset)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	recorded := page.DecodeOrders(g.Data())
	if recorded.IsZero() {
		t.Orders().EncodeTo(g.Data())
		g.MarkDirty()
		return t, nil
	}
	if err := checkOrders(recorded); err != nil {
		return nil, fmt.Errorf("%w: header of table %d: %w", ErrCorruptTree, table, err)
	}
	if recorded != t.Orders() {
		t.logger.Debug("using recorded tree orders",
			zap.Int("leaf_order", recorded.Leaf), zap.Int("internal_order", recorded.Internal))
	}
	t.leafOrder, t.internalOrder = recorded.Leaf, recorded.Internal
	return t, nil
}

func checkOrders(o page.Orders) error {
	if o.Leaf < 3 || o.Leaf > page.DefaultLeafOrder {
		return fmt.Errorf("%w: leaf order %d not in [3, %d]", ErrInvalidOrder, o.Leaf, page.DefaultLeafOrder)
	}
	if o.Internal < 4 || o.Internal > page.DefaultInternalOrder {
		return fmt.Errorf("%w: internal order %d not in [4, %d]", ErrInvalidOrder, o.Internal, page.DefaultInternalOrder)
	}
	return nil
}

// Orders returns the orders the tree splits and merges around.
func (t *Tree) Orders() page.Orders {
	return page.Orders{Leaf: t.leafOrder, Internal: t.internalOrder}
}

// Table returns the table the tree lives in.
func (t *Tree) Table() page.TableID { return t.table }

// cut is the split point for a page holding n entries.
func cut(n int) int {
	if n%2 == 0 {
		return n / 2
	}
	return n/2 + 1
}

func (t *Tree) minLeafKeys() int     { return cut(t.leafOrder - 1) }
func (t *Tree) minInternalKeys() int { return cut(t.internalOrder-1) - 1 }

func (t *Tree) header() (page.Header, error) {
	g, err := t.bpm.FetchPage(t.table, page.HeaderOffset)
	if err != nil {
		return page.Header{}, err
	}
	defer g.Release()
	return page.DecodeHeader(g.Data()), nil
}

func (t *Tree) setRoot(root page.Offset) error {
	g, err := t.bpm.FetchPage(t.table, page.HeaderOffset)
	if err != nil {
		return err
	}
	defer g.Release()
	h := page.DecodeHeader(g.Data())
	h.Root = root
	h.EncodeTo(g.Data())
	g.MarkDirty()
	return nil
}

func (t *Tree) readLeaf(off page.Offset) (*page.Leaf, error) {
	g, err := t.bpm.FetchPage(t.table, off)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	leaf, err := page.DecodeLeaf(g.Data())
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %w", ErrCorruptTree, off, err)
	}
	return leaf, nil
}

func (t *Tree) readInternal(off page.Offset) (*page.Internal, error) {
	g, err := t.bpm.FetchPage(t.table, off)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	in, err := page.DecodeInternal(g.Data())
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %w", ErrCorruptTree, off, err)
	}
	return in, nil
}

// isLeafPage peeks at a page kind.
func (t *Tree) isLeafPage(off page.Offset) (bool, error) {
	g, err := t.bpm.FetchPage(t.table, off)
	if err != nil {
		return false, err
	}
	defer g.Release()
	return page.IsLeaf(g.Data()), nil
}

// writeLeaf encodes leaf into the page at off.
func (t *Tree) writeLeaf(off page.Offset, leaf *page.Leaf) error {
	g, err := t.bpm.FetchPage(t.table, off)
	if err != nil {
		return err
	}
	defer g.Release()
	if err := leaf.EncodeTo(g.Data()); err != nil {
		return err
	}
	g.MarkDirty()
	return nil
}

func (t *Tree) writeInternal(off page.Offset, in *page.Internal) error {
	g, err := t.bpm.FetchPage(t.table, off)
	if err != nil {
		return err
	}
	defer g.Release()
	if err := in.EncodeTo(g.Data()); err != nil {
		return err
	}
	g.MarkDirty()
	return nil
}

func (t *Tree) setParent(child, parent page.Offset) error {
	g, err := t.bpm.FetchPage(t.table, child)
	if err != nil {
		return err
	}
	defer g.Release()
	page.SetParent(g.Data(), parent)
	g.MarkDirty()
	return nil
}

func (t *Tree) parentOf(off page.Offset) (page.Offset, error) {
	g, err := t.bpm.FetchPage(t.table, off)
	if err != nil {
		return page.HeaderOffset, err
	}
	defer g.Release()
	return page.ParentOf(g.Data()), nil
}

// FindLeaf descends from the root to the leaf that owns key. Only one page
// is pinned at a time.
func (t *Tree) FindLeaf(key int64) (page.Offset, error) {
	h, err := t.header()
	if err != nil {
		return page.HeaderOffset, err
	}
	off := h.Root
	for {
		g, err := t.bpm.FetchPage(t.table, off)
		if err != nil {
			return page.HeaderOffset, err
		}
		if page.IsLeaf(g.Data()) {
			g.Release()
			return off, nil
		}
		in, err := page.DecodeInternal(g.Data())
		g.Release()
		if err != nil {
			return page.HeaderOffset, fmt.Errorf("%w: page %d: %w", ErrCorruptTree, off, err)
		}
		off = in.ChildFor(key)
	}
}

// Find returns a copy of the value stored under key.
func (t *Tree) Find(key int64) ([]byte, error) {
	off, err := t.FindLeaf(key)
	if err != nil {
		return nil, err
	}
	leaf, err := t.readLeaf(off)
	if err != nil {
		return nil, err
	}
	i := leaf.Search(key)
	if i < 0 {
		return nil, ErrKeyNotFound
	}
	v := leaf.Records[i].Value
	return v[:], nil
}

// Update overwrites the value of an existing key in place.
func (t *Tree) Update(key int64, value []byte) error {
	off, err := t.FindLeaf(key)
	if err != nil {
		return err
	}
	g, err := t.bpm.FetchPage(t.table, off)
	if err != nil {
		return err
	}
	defer g.Release()
	leaf, err := page.DecodeLeaf(g.Data())
	if err != nil {
		return fmt.Errorf("%w: page %d: %w", ErrCorruptTree, off, err)
	}
	i := leaf.Search(key)
	if i < 0 {
		return ErrKeyNotFound
	}
	leaf.Records[i].Value = page.NewValue(value)
	if err := leaf.EncodeTo(g.Data()); err != nil {
		return err
	}
	g.MarkDirty()
	return nil
}
