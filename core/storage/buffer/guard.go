package buffer

import "github.com/sushant-115/bptdb/core/storage/page"

// PageGuard is a pinned page. The frame stays bound until Release, which is
// safe to call more than once; callers normally defer it.
type PageGuard struct {
	bpm      *BufferPoolManager
	idx      int
	key      frameKey
	released bool
}

// Data returns the page image. It must not be used after Release.
func (g *PageGuard) Data() []byte { return g.bpm.frames[g.idx].data }

// Offset returns the page offset within its table.
func (g *PageGuard) Offset() page.Offset { return g.key.offset }

// Table returns the owning table.
func (g *PageGuard) Table() page.TableID { return g.key.table }

// MarkDirty flags the page for write-back.
func (g *PageGuard) MarkDirty() {
	g.bpm.mu.Lock()
	g.bpm.frames[g.idx].dirty = true
	g.bpm.mu.Unlock()
}

// Release drops the pin taken by the fetch.
func (g *PageGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.bpm.unpin(g.idx)
}
