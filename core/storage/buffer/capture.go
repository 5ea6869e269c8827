package buffer

import (
	"bytes"

	"github.com/sushant-115/bptdb/core/storage/page"
	"go.uber.org/zap"
)

// LogFlusher makes the log durable up to and including lsn. The pool calls
// it before writing back any page stamped with a non-zero LSN.
type LogFlusher interface {
	FlushUntil(lsn page.LSN) error
}

// ChangedPage is a page that differs from the image it had when first
// fetched inside a capture.
type ChangedPage struct {
	Table  page.TableID
	Offset page.Offset
	Before []byte
	After  []byte
}

// CaptureSink logs a changed page and returns the LSN to stamp on it.
type CaptureSink func(p ChangedPage) (page.LSN, error)

type captureSet struct {
	sink   CaptureSink
	order  []frameKey
	before map[frameKey][]byte
}

// BeginCapture starts recording the first-touch image of every page fetched
// until EndCapture. Pages that change are handed to sink, either at
// EndCapture or when they are evicted first.
func (bpm *BufferPoolManager) BeginCapture(sink CaptureSink) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.capture != nil {
		return ErrCaptureActive
	}
	bpm.capture = &captureSet{sink: sink, before: make(map[frameKey][]byte)}
	return nil
}

// EndCapture logs every captured page that changed, stamps its LSN and
// stops capturing. Capture ends even when logging fails.
func (bpm *BufferPoolManager) EndCapture() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	cs := bpm.capture
	if cs == nil {
		return nil
	}
	var firstErr error
	for _, key := range cs.order {
		idx, ok := bpm.pageTable[key]
		if !ok {
			continue
		}
		if err := bpm.logCapturedLocked(bpm.frames[idx]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	bpm.capture = nil
	return firstErr
}

// snapshotLocked records f's current image if this is its first touch.
func (bpm *BufferPoolManager) snapshotLocked(f *frame) {
	cs := bpm.capture
	if cs == nil {
		return
	}
	if _, seen := cs.before[f.key]; seen {
		return
	}
	cs.before[f.key] = bytes.Clone(f.data)
	cs.order = append(cs.order, f.key)
}

// logCapturedLocked hands f to the sink if it changed since its snapshot.
func (bpm *BufferPoolManager) logCapturedLocked(f *frame) error {
	cs := bpm.capture
	if cs == nil {
		return nil
	}
	before, ok := cs.before[f.key]
	if !ok {
		return nil
	}
	delete(cs.before, f.key)
	if bytes.Equal(before, f.data) {
		return nil
	}
	lsn, err := cs.sink(ChangedPage{
		Table:  f.key.table,
		Offset: f.key.offset,
		Before: before,
		After:  bytes.Clone(f.data),
	})
	if err != nil {
		bpm.logger.Error("failed to log captured page",
			zap.Uint32("table", uint32(f.key.table)), zap.Int64("offset", int64(f.key.offset)), zap.Error(err))
		return err
	}
	page.SetPageLSN(f.data, lsn)
	f.dirty = true
	return nil
}
