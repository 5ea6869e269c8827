// Package disk reads and writes whole pages of a table file.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sushant-115/bptdb/core/storage/page"
	"go.uber.org/zap"
)

var (
	ErrIO         = errors.New("i/o error")
	ErrFileClosed = errors.New("table file is closed")
)

// DiskManager owns the file handle of one table. Reads past the end of the
// file return a zero page, so freshly allocated offsets need no extension.
type DiskManager struct {
	path   string
	file   *os.File
	mu     sync.Mutex
	logger *zap.Logger
}

// Open opens path for read/write, creating it if needed. created reports
// whether the file was empty, in which case the caller must bootstrap it.
func Open(path string, logger *zap.Logger) (dm *DiskManager, created bool, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, false, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	logger.Debug("table file opened", zap.String("path", path), zap.Int64("size", info.Size()))
	return &DiskManager{path: path, file: file, logger: logger}, info.Size() == 0, nil
}

// Path returns the file path.
func (dm *DiskManager) Path() string { return dm.path }

// ReadPage reads the page at off into buf.
func (dm *DiskManager) ReadPage(off page.Offset, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.check(off, buf); err != nil {
		return err
	}
	n, err := dm.file.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: reading page at %d of %s: %v", ErrIO, off, dm.path, err)
	}
	// Short reads happen only at EOF; the rest of the page has never been written.
	clear(buf[n:])
	return nil
}

// WritePage writes buf at off. It does not sync.
func (dm *DiskManager) WritePage(off page.Offset, buf []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.check(off, buf); err != nil {
		return err
	}
	if _, err := dm.file.WriteAt(buf, int64(off)); err != nil {
		return fmt.Errorf("%w: writing page at %d of %s: %v", ErrIO, off, dm.path, err)
	}
	return nil
}

func (dm *DiskManager) check(off page.Offset, buf []byte) error {
	if dm.file == nil {
		return ErrFileClosed
	}
	if !off.Valid() {
		return fmt.Errorf("%w: %d", page.ErrInvalidOffset, off)
	}
	if len(buf) != page.Size {
		return fmt.Errorf("%w: got %d bytes", page.ErrShortPage, len(buf))
	}
	return nil
}

// Size returns the current file size in bytes.
func (dm *DiskManager) Size() (int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return 0, ErrFileClosed
	}
	info, err := dm.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrIO, dm.path, err)
	}
	return info.Size(), nil
}

// Sync flushes the file to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileClosed
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.path, err)
	}
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	syncErr := dm.file.Sync()
	closeErr := dm.file.Close()
	dm.file = nil
	if syncErr != nil {
		return fmt.Errorf("%w: syncing %s on close: %v", ErrIO, dm.path, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, dm.path, closeErr)
	}
	return nil
}
