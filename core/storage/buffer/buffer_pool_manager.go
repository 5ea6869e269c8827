// Package buffer caches table pages in a fixed arena of frames shared by
// every open table, with LRU replacement and pin counting.
package buffer

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/sushant-115/bptdb/core/storage/disk"
	"github.com/sushant-115/bptdb/core/storage/page"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Stats is a snapshot of pool occupancy and counters.
type Stats struct {
	Capacity  int
	Bound     int
	Pinned    int
	Dirty     int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Writes    uint64
}

// Option configures a BufferPoolManager.
type Option func(*BufferPoolManager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(bpm *BufferPoolManager) { bpm.logger = logger }
}

// WithMeter sets the meter used for pool counters.
func WithMeter(meter metric.Meter) Option {
	return func(bpm *BufferPoolManager) { bpm.meter = meter }
}

// WithLogFlusher installs the write-ahead gate at construction time.
func WithLogFlusher(f LogFlusher) Option {
	return func(bpm *BufferPoolManager) { bpm.flusher = f }
}

// BufferPoolManager maps (table, offset) pairs onto frames. The LRU list
// keeps the most recently used frame at the front; only bound frames are in it.
type BufferPoolManager struct {
	mu        sync.Mutex
	frames    []*frame
	pageTable map[frameKey]int
	lru       *list.List
	free      []int
	tables    map[page.TableID]*disk.DiskManager
	flusher   LogFlusher
	capture   *captureSet
	logger    *zap.Logger
	meter     metric.Meter
	metrics   *poolMetrics
	stats     Stats
}

// New creates a pool with capacity frames.
func New(capacity int, opts ...Option) (*BufferPoolManager, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	bpm := &BufferPoolManager{
		frames:    make([]*frame, capacity),
		pageTable: make(map[frameKey]int, capacity),
		lru:       list.New(),
		free:      make([]int, 0, capacity),
		tables:    make(map[page.TableID]*disk.DiskManager),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(bpm)
	}
	m, err := newPoolMetrics(bpm.meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer pool metrics: %w", err)
	}
	bpm.metrics = m
	// Hand out low frame indices first.
	for i := capacity - 1; i >= 0; i-- {
		bpm.frames[i] = newFrame()
		bpm.free = append(bpm.free, i)
	}
	bpm.stats.Capacity = capacity
	bpm.logger.Info("buffer pool initialized", zap.Int("capacity", capacity), zap.Int("page_size", page.Size))
	return bpm, nil
}

// SetLogFlusher installs the write-ahead gate.
func (bpm *BufferPoolManager) SetLogFlusher(f LogFlusher) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bpm.flusher = f
}

// RegisterTable makes a table file addressable through the pool.
func (bpm *BufferPoolManager) RegisterTable(id page.TableID, dm *disk.DiskManager) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if _, ok := bpm.tables[id]; ok {
		return fmt.Errorf("%w: %d", ErrTableOpen, id)
	}
	bpm.tables[id] = dm
	return nil
}

// InitTable bootstraps an empty table file: a header recording the tree
// orders, whose tree is a single empty leaf root at the first page after
// the header.
func (bpm *BufferPoolManager) InitTable(id page.TableID, orders page.Orders) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	hidx, err := bpm.fetchLocked(frameKey{id, page.HeaderOffset}, false)
	if err != nil {
		return err
	}
	hf := bpm.frames[hidx]
	defer bpm.unpinLocked(hidx)
	page.Header{Free: page.Size, Root: page.HeaderOffset, NumPages: 1}.EncodeTo(hf.data)
	orders.EncodeTo(hf.data)
	hf.dirty = true

	ridx, err := bpm.fetchLocked(frameKey{id, page.Size}, true)
	if err != nil {
		return err
	}
	rf := bpm.frames[ridx]
	defer bpm.unpinLocked(ridx)
	if err := (&page.Leaf{}).EncodeTo(rf.data); err != nil {
		return err
	}
	rf.dirty = true

	h := page.DecodeHeader(hf.data)
	h.Root = page.Size
	h.EncodeTo(hf.data)

	if err := bpm.writeLocked(hf); err != nil {
		return err
	}
	if err := bpm.writeLocked(rf); err != nil {
		return err
	}
	bpm.logger.Debug("table bootstrapped", zap.Uint32("table", uint32(id)), zap.Int64("free", int64(h.Free)))
	return nil
}

// FetchPage pins the page at off. If off is the table's free-page head the
// page is allocated: the free chain advances, the live page count grows and
// the returned image is blank apart from its LSN.
func (bpm *BufferPoolManager) FetchPage(table page.TableID, off page.Offset) (*PageGuard, error) {
	return bpm.fetch(frameKey{table, off}, true)
}

// FetchRaw pins the page at off without allocation semantics. Recovery uses
// it to rewrite page images in place.
func (bpm *BufferPoolManager) FetchRaw(table page.TableID, off page.Offset) (*PageGuard, error) {
	return bpm.fetch(frameKey{table, off}, false)
}

// NewPage allocates the page at the head of the table's free chain.
func (bpm *BufferPoolManager) NewPage(table page.TableID) (*PageGuard, error) {
	bpm.mu.Lock()
	hidx, err := bpm.fetchLocked(frameKey{table, page.HeaderOffset}, false)
	if err != nil {
		bpm.mu.Unlock()
		return nil, err
	}
	free := page.DecodeHeader(bpm.frames[hidx].data).Free
	bpm.unpinLocked(hidx)
	bpm.mu.Unlock()
	return bpm.fetch(frameKey{table, free}, true)
}

func (bpm *BufferPoolManager) fetch(key frameKey, allocate bool) (*PageGuard, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	idx, err := bpm.fetchLocked(key, allocate)
	if err != nil {
		return nil, err
	}
	return &PageGuard{bpm: bpm, idx: idx, key: key}, nil
}

func (bpm *BufferPoolManager) fetchLocked(key frameKey, allocate bool) (int, error) {
	dm, ok := bpm.tables[key.table]
	if !ok {
		return -1, fmt.Errorf("%w: %d", ErrTableNotOpen, key.table)
	}
	if !key.offset.Valid() {
		return -1, fmt.Errorf("%w: %d", page.ErrInvalidOffset, key.offset)
	}

	idx, hit := bpm.pageTable[key]
	if hit {
		f := bpm.frames[idx]
		f.pinCount++
		bpm.lru.MoveToFront(f.lruElem)
		bpm.stats.Hits++
		bpm.metrics.add(bpm.metrics.hits)
	} else {
		var err error
		if idx, err = bpm.victimLocked(); err != nil {
			bpm.logger.Error("no frame available",
				zap.Uint32("table", uint32(key.table)), zap.Int64("offset", int64(key.offset)), zap.Error(err))
			return -1, err
		}
		f := bpm.frames[idx]
		if err := dm.ReadPage(key.offset, f.data); err != nil {
			f.reset()
			bpm.free = append(bpm.free, idx)
			return -1, err
		}
		f.key = key
		f.bound = true
		f.pinCount = 1
		f.dirty = false
		f.lruElem = bpm.lru.PushFront(idx)
		bpm.pageTable[key] = idx
		bpm.stats.Misses++
		bpm.metrics.add(bpm.metrics.misses)
		bpm.logger.Debug("page read into frame",
			zap.Uint32("table", uint32(key.table)), zap.Int64("offset", int64(key.offset)), zap.Int("frame", idx))
	}

	f := bpm.frames[idx]
	bpm.snapshotLocked(f)
	if allocate && key.offset != page.HeaderOffset {
		if err := bpm.allocateIfFreeLocked(dm, f); err != nil {
			f.pinCount--
			return -1, err
		}
	}
	return idx, nil
}

// victimLocked returns an unbound frame, evicting the least recently used
// unpinned page if necessary. Pinned candidates at the tail are moved to the
// front so the scan visits each bound frame once.
func (bpm *BufferPoolManager) victimLocked() (int, error) {
	if n := len(bpm.free); n > 0 {
		idx := bpm.free[n-1]
		bpm.free = bpm.free[:n-1]
		return idx, nil
	}
	for scanned, total := 0, bpm.lru.Len(); scanned < total; scanned++ {
		e := bpm.lru.Back()
		idx := e.Value.(int)
		f := bpm.frames[idx]
		if f.pinCount > 0 {
			bpm.lru.MoveToFront(e)
			continue
		}
		if err := bpm.evictLocked(f); err != nil {
			return -1, err
		}
		return idx, nil
	}
	return -1, ErrBufferPoolFull
}

func (bpm *BufferPoolManager) evictLocked(f *frame) error {
	if err := bpm.logCapturedLocked(f); err != nil {
		return err
	}
	if f.dirty {
		if err := bpm.writeLocked(f); err != nil {
			return err
		}
	}
	bpm.logger.Debug("evicting page",
		zap.Uint32("table", uint32(f.key.table)), zap.Int64("offset", int64(f.key.offset)))
	bpm.lru.Remove(f.lruElem)
	delete(bpm.pageTable, f.key)
	f.reset()
	bpm.stats.Evictions++
	bpm.metrics.add(bpm.metrics.evictions)
	return nil
}

// writeLocked writes f back, first forcing the log past the page LSN.
func (bpm *BufferPoolManager) writeLocked(f *frame) error {
	if lsn := f.lsn(); lsn != page.InvalidLSN && bpm.flusher != nil {
		if err := bpm.flusher.FlushUntil(lsn); err != nil {
			return fmt.Errorf("failed to flush log to %d before writing page %d: %w", lsn, f.key.offset, err)
		}
	}
	dm, ok := bpm.tables[f.key.table]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTableNotOpen, f.key.table)
	}
	if err := dm.WritePage(f.key.offset, f.data); err != nil {
		return err
	}
	f.dirty = false
	bpm.stats.Writes++
	bpm.metrics.add(bpm.metrics.writes)
	return nil
}

// allocateIfFreeLocked turns f into a fresh page when it is the free head.
func (bpm *BufferPoolManager) allocateIfFreeLocked(dm *disk.DiskManager, f *frame) error {
	hidx, err := bpm.fetchLocked(frameKey{f.key.table, page.HeaderOffset}, false)
	if err != nil {
		return err
	}
	defer bpm.unpinLocked(hidx)
	hf := bpm.frames[hidx]

	h := page.DecodeHeader(hf.data)
	if h.Free != f.key.offset {
		return nil
	}
	next := page.DecodeFree(f.data).Next
	if next == page.HeaderOffset {
		if next, err = bpm.scanFreeLocked(dm, f.key.table, f.key.offset, h.Root); err != nil {
			return err
		}
	}
	h.Free = next
	h.NumPages++
	h.EncodeTo(hf.data)
	hf.dirty = true

	page.Reset(f.data)
	f.dirty = true
	bpm.logger.Debug("page allocated",
		zap.Uint32("table", uint32(f.key.table)), zap.Int64("offset", int64(f.key.offset)), zap.Int64("next_free", int64(next)))
	return nil
}

// scanFreeLocked finds the next unused offset past from when the free chain
// is exhausted: not the root, not resident, and with a zero first word on disk.
func (bpm *BufferPoolManager) scanFreeLocked(dm *disk.DiskManager, table page.TableID, from, root page.Offset) (page.Offset, error) {
	scratch := make([]byte, page.Size)
	for cand := from + page.Size; ; cand += page.Size {
		if cand == root {
			continue
		}
		if _, resident := bpm.pageTable[frameKey{table, cand}]; resident {
			continue
		}
		if err := dm.ReadPage(cand, scratch); err != nil {
			return page.HeaderOffset, err
		}
		if page.DecodeFree(scratch).Next == page.HeaderOffset {
			return cand, nil
		}
	}
}

// FreePage pushes off onto the table's free chain.
func (bpm *BufferPoolManager) FreePage(table page.TableID, off page.Offset) error {
	if off == page.HeaderOffset {
		return fmt.Errorf("%w: cannot free the header page", page.ErrInvalidOffset)
	}
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	hidx, err := bpm.fetchLocked(frameKey{table, page.HeaderOffset}, false)
	if err != nil {
		return err
	}
	defer bpm.unpinLocked(hidx)
	pidx, err := bpm.fetchLocked(frameKey{table, off}, false)
	if err != nil {
		return err
	}
	defer bpm.unpinLocked(pidx)

	hf, pf := bpm.frames[hidx], bpm.frames[pidx]
	h := page.DecodeHeader(hf.data)
	page.Free{Next: h.Free}.EncodeTo(pf.data)
	pf.dirty = true
	h.Free = off
	h.NumPages--
	h.EncodeTo(hf.data)
	hf.dirty = true
	bpm.logger.Debug("page freed", zap.Uint32("table", uint32(table)), zap.Int64("offset", int64(off)))
	return nil
}

func (bpm *BufferPoolManager) unpin(idx int) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bpm.unpinLocked(idx)
}

func (bpm *BufferPoolManager) unpinLocked(idx int) {
	f := bpm.frames[idx]
	if f.pinCount == 0 {
		bpm.logger.Warn("unpin of unpinned frame", zap.Int("frame", idx), zap.Int64("offset", int64(f.key.offset)))
		return
	}
	f.pinCount--
}

// FlushTable writes back every dirty frame of table and unbinds all of its
// frames. It fails without unbinding anything if one of them is pinned.
func (bpm *BufferPoolManager) FlushTable(table page.TableID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.flushTableLocked(table)
}

func (bpm *BufferPoolManager) flushTableLocked(table page.TableID) error {
	var owned []int
	for key, idx := range bpm.pageTable {
		if key.table != table {
			continue
		}
		if bpm.frames[idx].pinCount > 0 {
			return fmt.Errorf("%w: table %d offset %d", ErrPagePinned, table, key.offset)
		}
		owned = append(owned, idx)
	}
	for _, idx := range owned {
		f := bpm.frames[idx]
		if f.dirty {
			if err := bpm.writeLocked(f); err != nil {
				return err
			}
		}
		bpm.lru.Remove(f.lruElem)
		delete(bpm.pageTable, f.key)
		f.reset()
		bpm.free = append(bpm.free, idx)
	}
	bpm.logger.Debug("table flushed", zap.Uint32("table", uint32(table)), zap.Int("frames", len(owned)))
	return nil
}

// ReleaseTable flushes the table and forgets its file.
func (bpm *BufferPoolManager) ReleaseTable(table page.TableID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if _, ok := bpm.tables[table]; !ok {
		return fmt.Errorf("%w: %d", ErrTableNotOpen, table)
	}
	if err := bpm.flushTableLocked(table); err != nil {
		return err
	}
	delete(bpm.tables, table)
	return nil
}

// FlushAll writes back every dirty frame. Frames stay resident.
func (bpm *BufferPoolManager) FlushAll() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	for _, f := range bpm.frames {
		if f.bound && f.dirty {
			if err := bpm.writeLocked(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats returns a snapshot of pool state.
func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	s := bpm.stats
	for _, f := range bpm.frames {
		if !f.bound {
			continue
		}
		s.Bound++
		if f.pinCount > 0 {
			s.Pinned++
		}
		if f.dirty {
			s.Dirty++
		}
	}
	return s
}
