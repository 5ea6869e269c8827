package buffer

import (
	"container/list"

	"github.com/sushant-115/bptdb/core/storage/page"
)

// frameKey addresses a page across all open tables.
type frameKey struct {
	table  page.TableID
	offset page.Offset
}

// frame is one slot of the pool arena.
type frame struct {
	key      frameKey
	bound    bool
	data     []byte
	pinCount int
	dirty    bool
	lruElem  *list.Element // nil while unbound
}

func newFrame() *frame {
	return &frame{data: make([]byte, page.Size)}
}

func (f *frame) reset() {
	f.key = frameKey{}
	f.bound = false
	f.pinCount = 0
	f.dirty = false
	f.lruElem = nil
	clear(f.data)
}

func (f *frame) lsn() page.LSN { return page.PageLSN(f.data) }
