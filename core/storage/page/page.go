// Package page defines the on-disk layout of table pages.
//
// Every table file is a sequence of 4096-byte pages addressed by byte
// offset. Offset 0 always holds the header page. All integers are stored
// little-endian at fixed offsets so files are portable between builds.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Size is the size in bytes of every page.
	Size = 4096
	// ValueSize is the fixed width of a leaf record value.
	ValueSize = 120

	// LeafCapacity is the number of leaf record slots in a page.
	LeafCapacity = 31
	// InternalCapacity is the number of internal (key, child) slots in a page.
	InternalCapacity = 248

	// DefaultLeafOrder and DefaultInternalOrder are the tree orders implied by
	// the physical capacities.
	DefaultLeafOrder     = LeafCapacity + 1
	DefaultInternalOrder = InternalCapacity + 1
)

// Field offsets shared by leaf and internal pages.
const (
	parentOff    = 0
	isLeafOff    = 8
	numKeysOff   = 12
	lsnOff       = 24 // inside the reserved area of every page kind
	siblingOff   = 120
	recordsOff   = 128
	leafRecSize  = 8 + ValueSize
	internalSize = 16
)

// Offset is the byte position of a page inside its table file. The zero
// offset is the header page, so it doubles as "no page" in parent, sibling
// and free-chain links.
type Offset int64

// HeaderOffset is where the header page lives.
const HeaderOffset Offset = 0

// Valid reports whether o is a page-aligned, non-negative offset.
func (o Offset) Valid() bool { return o >= 0 && o%Size == 0 }

// TableID identifies an open table file.
type TableID uint32

// LSN is a log sequence number. Pages remember the LSN of the last logged
// change applied to them.
type LSN uint64

// InvalidLSN marks a page that was never touched by a logged change.
const InvalidLSN LSN = 0

var (
	ErrShortPage     = errors.New("page buffer is not page sized")
	ErrPageOverflow  = errors.New("too many entries for page")
	ErrNotLeafPage   = errors.New("page is not a leaf page")
	ErrNotInternal   = errors.New("page is not an internal page")
	ErrInvalidOffset = errors.New("invalid page offset")
)

func getI64(b []byte, off int) int64    { return int64(binary.LittleEndian.Uint64(b[off:])) }
func putI64(b []byte, off int, v int64) { binary.LittleEndian.PutUint64(b[off:], uint64(v)) }
func getI32(b []byte, off int) int32    { return int32(binary.LittleEndian.Uint32(b[off:])) }
func putI32(b []byte, off int, v int32) { binary.LittleEndian.PutUint32(b[off:], uint32(v)) }

func checkSize(b []byte) error {
	if len(b) != Size {
		return fmt.Errorf("%w: got %d bytes", ErrShortPage, len(b))
	}
	return nil
}

// PageLSN returns the LSN stamped on a page image.
func PageLSN(b []byte) LSN { return LSN(binary.LittleEndian.Uint64(b[lsnOff:])) }

// SetPageLSN stamps lsn on a page image.
func SetPageLSN(b []byte, lsn LSN) { binary.LittleEndian.PutUint64(b[lsnOff:], uint64(lsn)) }

// IsLeaf reports whether a tree page image is a leaf.
func IsLeaf(b []byte) bool { return getI32(b, isLeafOff) == 1 }

// NumKeys returns the key count of a tree page image.
func NumKeys(b []byte) int { return int(getI32(b, numKeysOff)) }

// ParentOf returns the parent link of a tree page image.
func ParentOf(b []byte) Offset { return Offset(getI64(b, parentOff)) }

// SetParent rewrites the parent link of a tree page image in place.
func SetParent(b []byte, parent Offset) { putI64(b, parentOff, int64(parent)) }

// Reset zeroes a page image but keeps its LSN, so a reused page never
// appears older than changes already logged against it.
func Reset(b []byte) {
	lsn := PageLSN(b)
	clear(b)
	SetPageLSN(b, lsn)
}

// Header is the page at offset 0 of every table file.
type Header struct {
	Free     Offset // head of the free-page chain
	Root     Offset // root of the B+ tree
	NumPages int64  // live pages including the header
}

// DecodeHeader reads a header page image.
func DecodeHeader(b []byte) Header {
	return Header{
		Free:     Offset(getI64(b, 0)),
		Root:     Offset(getI64(b, 8)),
		NumPages: getI64(b, 16),
	}
}

// EncodeTo writes h into a header page image.
func (h Header) EncodeTo(b []byte) {
	putI64(b, 0, int64(h.Free))
	putI64(b, 8, int64(h.Root))
	putI64(b, 16, h.NumPages)
}

// Header field offsets past the fixed header fields. 24..31 hold the page
// LSN like every other page kind.
const (
	leafOrderOff     = 32
	internalOrderOff = 36
)

// Orders are the tree orders a table was created with. They are part of the
// file format: pages split and merge around them.
type Orders struct {
	Leaf     int
	Internal int
}

// DefaultOrders fill every page to its physical capacity.
var DefaultOrders = Orders{Leaf: DefaultLeafOrder, Internal: DefaultInternalOrder}

// IsZero reports whether no orders were recorded.
func (o Orders) IsZero() bool { return o.Leaf == 0 && o.Internal == 0 }

// DecodeOrders reads the tree orders from a header page image.
func DecodeOrders(b []byte) Orders {
	return Orders{
		Leaf:     int(getI32(b, leafOrderOff)),
		Internal: int(getI32(b, internalOrderOff)),
	}
}

// EncodeTo records o in a header page image.
func (o Orders) EncodeTo(b []byte) {
	putI32(b, leafOrderOff, int32(o.Leaf))
	putI32(b, internalOrderOff, int32(o.Internal))
}

// Free is a page sitting on the free chain.
type Free struct {
	Next Offset
}

// DecodeFree reads the next link of a free page image.
func DecodeFree(b []byte) Free { return Free{Next: Offset(getI64(b, 0))} }

// EncodeTo turns b into a free page pointing at f.Next.
func (f Free) EncodeTo(b []byte) {
	Reset(b)
	putI64(b, 0, int64(f.Next))
}

// Record is one leaf entry.
type Record struct {
	Key   int64
	Value [ValueSize]byte
}

// NewValue copies v into a fixed-width value, truncating or zero padding.
func NewValue(v []byte) [ValueSize]byte {
	var out [ValueSize]byte
	copy(out[:], v)
	return out
}

// Leaf is the decoded form of a leaf page.
type Leaf struct {
	Parent       Offset
	RightSibling Offset
	Records      []Record
}

// DecodeLeaf reads a leaf page image.
func DecodeLeaf(b []byte) (*Leaf, error) {
	if err := checkSize(b); err != nil {
		return nil, err
	}
	if !IsLeaf(b) {
		return nil, ErrNotLeafPage
	}
	n := NumKeys(b)
	if n < 0 || n > LeafCapacity {
		return nil, fmt.Errorf("%w: leaf claims %d keys", ErrPageOverflow, n)
	}
	l := &Leaf{
		Parent:       ParentOf(b),
		RightSibling: Offset(getI64(b, siblingOff)),
		Records:      make([]Record, n),
	}
	for i := range l.Records {
		at := recordsOff + i*leafRecSize
		l.Records[i].Key = getI64(b, at)
		copy(l.Records[i].Value[:], b[at+8:at+leafRecSize])
	}
	return l, nil
}

// EncodeTo writes l into a page image. Unused record slots are zeroed and
// the LSN is left untouched.
func (l *Leaf) EncodeTo(b []byte) error {
	if err := checkSize(b); err != nil {
		return err
	}
	if len(l.Records) > LeafCapacity {
		return fmt.Errorf("%w: %d leaf records", ErrPageOverflow, len(l.Records))
	}
	putI64(b, parentOff, int64(l.Parent))
	putI32(b, isLeafOff, 1)
	putI32(b, numKeysOff, int32(len(l.Records)))
	putI64(b, siblingOff, int64(l.RightSibling))
	for i, r := range l.Records {
		at := recordsOff + i*leafRecSize
		putI64(b, at, r.Key)
		copy(b[at+8:at+leafRecSize], r.Value[:])
	}
	clear(b[recordsOff+len(l.Records)*leafRecSize:])
	return nil
}

// Search returns the index of key, or -1.
func (l *Leaf) Search(key int64) int {
	lo, hi := 0, len(l.Records)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.Records[mid].Key < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(l.Records) && l.Records[lo].Key == key {
		return lo
	}
	return -1
}

// InsertionPoint returns the index of the first record with a key >= key.
func (l *Leaf) InsertionPoint(key int64) int {
	i := 0
	for i < len(l.Records) && l.Records[i].Key < key {
		i++
	}
	return i
}

// Internal is the decoded form of an internal page. Children[0] is the
// leftmost child; Children[i+1] holds keys >= Keys[i].
type Internal struct {
	Parent   Offset
	Keys     []int64
	Children []Offset
}

// DecodeInternal reads an internal page image.
func DecodeInternal(b []byte) (*Internal, error) {
	if err := checkSize(b); err != nil {
		return nil, err
	}
	if IsLeaf(b) {
		return nil, ErrNotInternal
	}
	n := NumKeys(b)
	if n < 0 || n > InternalCapacity {
		return nil, fmt.Errorf("%w: internal page claims %d keys", ErrPageOverflow, n)
	}
	in := &Internal{
		Parent:   ParentOf(b),
		Keys:     make([]int64, n),
		Children: make([]Offset, n+1),
	}
	in.Children[0] = Offset(getI64(b, siblingOff))
	for i := 0; i < n; i++ {
		at := recordsOff + i*internalSize
		in.Keys[i] = getI64(b, at)
		in.Children[i+1] = Offset(getI64(b, at+8))
	}
	return in, nil
}

// EncodeTo writes in into a page image.
func (in *Internal) EncodeTo(b []byte) error {
	if err := checkSize(b); err != nil {
		return err
	}
	if len(in.Keys) > InternalCapacity {
		return fmt.Errorf("%w: %d internal keys", ErrPageOverflow, len(in.Keys))
	}
	if len(in.Children) != len(in.Keys)+1 {
		return fmt.Errorf("%w: %d keys with %d children", ErrPageOverflow, len(in.Keys), len(in.Children))
	}
	putI64(b, parentOff, int64(in.Parent))
	putI32(b, isLeafOff, 0)
	putI32(b, numKeysOff, int32(len(in.Keys)))
	putI64(b, siblingOff, int64(in.Children[0]))
	for i, k := range in.Keys {
		at := recordsOff + i*internalSize
		putI64(b, at, k)
		putI64(b, at+8, int64(in.Children[i+1]))
	}
	clear(b[recordsOff+len(in.Keys)*internalSize:])
	return nil
}

// ChildFor returns the child subtree that may hold key.
func (in *Internal) ChildFor(key int64) Offset {
	i := 0
	for i < len(in.Keys) && key >= in.Keys[i] {
		i++
	}
	return in.Children[i]
}

// ChildIndex returns the position of child in Children, or -1.
func (in *Internal) ChildIndex(child Offset) int {
	for i, c := range in.Children {
		if c == child {
			return i
		}
	}
	return -1
}
