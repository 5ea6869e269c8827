// Package wal implements the write-ahead log, single-transaction management
// and crash recovery for bptdb tables.
package wal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

// Log file header: magic, version, database id, zero padding.
const (
	fileHeaderSize        = 64
	logMagic       uint32 = 0x4c575042 // "BPWL"
	logVersion     uint32 = 1

	// defaultBufferSize is how many bytes may sit in memory before they are
	// handed to the OS. Durability still needs an explicit flush.
	defaultBufferSize = 64 * 1024
)

// Option configures a LogManager.
type Option func(*LogManager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(lm *LogManager) { lm.logger = logger }
}

// WithMeter sets the meter for log counters.
func WithMeter(meter metric.Meter) Option {
	return func(lm *LogManager) { lm.meter = meter }
}

// WithBufferSize overrides the in-memory buffer threshold.
func WithBufferSize(n int) Option {
	return func(lm *LogManager) {
		if n > 0 {
			lm.bufferSize = n
		}
	}
}

// LogManager appends records to a single log file. Records are buffered in
// memory; FlushUntil makes them durable.
type LogManager struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	dbID       uuid.UUID
	buffer     *bytes.Buffer
	bufferSize int
	nextLSN    LSN // where the next record starts
	writtenLSN LSN // end of the bytes handed to the OS
	flushedLSN LSN // end of the bytes known to be on stable storage
	logger     *zap.Logger
	meter      metric.Meter

	appended metric.Int64Counter
	syncs    metric.Int64Counter
}

// Open opens or creates the log at path for database dbID. A torn tail left
// by a crash is truncated. A log written for another database is rejected.
func Open(path string, dbID uuid.UUID, opts ...Option) (*LogManager, error) {
	lm := &LogManager{
		path:       path,
		dbID:       dbID,
		bufferSize: defaultBufferSize,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(lm)
	}
	lm.buffer = bytes.NewBuffer(make([]byte, 0, lm.bufferSize))
	if err := lm.initMetrics(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	lm.file = file

	end, err := lm.validate()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	lm.nextLSN, lm.writtenLSN, lm.flushedLSN = end, end, end
	lm.logger.Info("log opened", zap.String("path", path), zap.String("database_id", dbID.String()), zap.Uint64("end_lsn", uint64(end)))
	return lm, nil
}

func (lm *LogManager) initMetrics() error {
	meter := lm.meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}
	var err error
	if lm.appended, err = meter.Int64Counter("bptdb.wal.records",
		metric.WithDescription("Log records appended."),
		metric.WithUnit("{record}")); err != nil {
		return err
	}
	if lm.syncs, err = meter.Int64Counter("bptdb.wal.syncs",
		metric.WithDescription("fsync calls on the log file."),
		metric.WithUnit("{call}")); err != nil {
		return err
	}
	return nil
}

// validate writes or checks the file header and returns the end of the last
// intact record, truncating anything after it.
func (lm *LogManager) validate() (LSN, error) {
	info, err := lm.file.Stat()
	if err != nil {
		return InvalidLSN, fmt.Errorf("failed to stat log file: %w", err)
	}
	if info.Size() < fileHeaderSize {
		// New file, or a crash before the header reached the disk.
		head := make([]byte, fileHeaderSize)
		binary.LittleEndian.PutUint32(head[0:], logMagic)
		binary.LittleEndian.PutUint32(head[4:], logVersion)
		copy(head[8:24], lm.dbID[:])
		if err := lm.file.Truncate(0); err != nil {
			return InvalidLSN, fmt.Errorf("failed to reset log file: %w", err)
		}
		if _, err := lm.file.WriteAt(head, 0); err != nil {
			return InvalidLSN, fmt.Errorf("failed to write log header: %w", err)
		}
		if err := lm.file.Sync(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to sync log header: %w", err)
		}
		return fileHeaderSize, nil
	}

	head := make([]byte, fileHeaderSize)
	if _, err := lm.file.ReadAt(head, 0); err != nil {
		return InvalidLSN, fmt.Errorf("failed to read log header: %w", err)
	}
	if binary.LittleEndian.Uint32(head[0:]) != logMagic || binary.LittleEndian.Uint32(head[4:]) != logVersion {
		return InvalidLSN, fmt.Errorf("%w: bad log header in %s", ErrCorruptLog, lm.path)
	}
	var id uuid.UUID
	copy(id[:], head[8:24])
	if id != lm.dbID {
		return InvalidLSN, fmt.Errorf("%w: %w: log %s, catalog %s", ErrRecoveryInconsistent, ErrDatabaseMismatch, id, lm.dbID)
	}

	end := LSN(fileHeaderSize)
	r := bufio.NewReader(io.NewSectionReader(lm.file, fileHeaderSize, info.Size()-fileHeaderSize))
	for {
		lr, err := readRecord(r, end)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				lm.logger.Warn("discarding torn log tail", zap.Uint64("at", uint64(end)), zap.Error(err))
			}
			break
		}
		end += LSN(lr.Size())
	}
	if int64(end) < info.Size() {
		if err := lm.file.Truncate(int64(end)); err != nil {
			return InvalidLSN, fmt.Errorf("failed to truncate torn log tail: %w", err)
		}
	}
	return end, nil
}

// Append assigns the next LSN to record and buffers it.
func (lm *LogManager) Append(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return InvalidLSN, ErrLogClosed
	}

	record.LSN = lm.nextLSN
	data, err := record.Encode()
	if err != nil {
		return InvalidLSN, fmt.Errorf("failed to serialize log record: %w", err)
	}
	lm.buffer.Write(data)
	lm.nextLSN += LSN(len(data))
	lm.appended.Add(context.Background(), 1)

	if lm.buffer.Len() >= lm.bufferSize {
		if err := lm.writeBufferLocked(); err != nil {
			return InvalidLSN, err
		}
	}
	lm.logger.Debug("appended log record",
		zap.Uint64("lsn", uint64(record.LSN)), zap.Stringer("type", record.Type),
		zap.Uint64("trx", record.TrxID), zap.Int64("page", int64(record.PageOffset)))
	return record.LSN, nil
}

// writeBufferLocked hands buffered records to the OS without syncing.
func (lm *LogManager) writeBufferLocked() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	n, err := lm.file.WriteAt(lm.buffer.Bytes(), int64(lm.writtenLSN))
	if err != nil {
		return fmt.Errorf("failed to write log buffer to file: %w", err)
	}
	lm.writtenLSN += LSN(n)
	lm.buffer.Reset()
	return nil
}

// FlushUntil makes every record up to and including the one at lsn durable.
func (lm *LogManager) FlushUntil(lsn LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lsn < lm.flushedLSN {
		return nil
	}
	return lm.flushLocked()
}

// Flush makes every appended record durable.
func (lm *LogManager) Flush() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushLocked()
}

func (lm *LogManager) flushLocked() error {
	if lm.file == nil {
		return ErrLogClosed
	}
	if err := lm.writeBufferLocked(); err != nil {
		return err
	}
	if lm.flushedLSN == lm.writtenLSN {
		return nil
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	lm.flushedLSN = lm.writtenLSN
	lm.syncs.Add(context.Background(), 1)
	lm.logger.Debug("log flushed", zap.Uint64("flushed_lsn", uint64(lm.flushedLSN)))
	return nil
}

// ReadAt returns the record starting at lsn.
func (lm *LogManager) ReadAt(lsn LSN) (*LogRecord, error) {
	lm.mu.Lock()
	if lm.file == nil {
		lm.mu.Unlock()
		return nil, ErrLogClosed
	}
	if lsn < fileHeaderSize || lsn >= lm.nextLSN {
		lm.mu.Unlock()
		return nil, fmt.Errorf("%w: LSN %d outside log", ErrCorruptLog, lsn)
	}
	if lsn >= lm.writtenLSN {
		if err := lm.writeBufferLocked(); err != nil {
			lm.mu.Unlock()
			return nil, err
		}
	}
	file, end := lm.file, lm.writtenLSN
	lm.mu.Unlock()

	return readRecord(io.NewSectionReader(file, int64(lsn), int64(end-lsn)), lsn)
}

// Scan calls fn for every record in log order. Records appended by fn are
// not visited.
func (lm *LogManager) Scan(fn func(*LogRecord) error) error {
	lm.mu.Lock()
	if lm.file == nil {
		lm.mu.Unlock()
		return ErrLogClosed
	}
	if err := lm.writeBufferLocked(); err != nil {
		lm.mu.Unlock()
		return err
	}
	file, end := lm.file, lm.writtenLSN
	lm.mu.Unlock()

	r := bufio.NewReader(io.NewSectionReader(file, fileHeaderSize, int64(end)-fileHeaderSize))
	for at := LSN(fileHeaderSize); at < end; {
		lr, err := readRecord(r, at)
		if err != nil {
			return fmt.Errorf("failed to read log record at %d: %w", at, err)
		}
		if err := fn(lr); err != nil {
			return err
		}
		at += LSN(lr.Size())
	}
	return nil
}

// NextLSN returns the LSN the next appended record will get.
func (lm *LogManager) NextLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

// FlushedLSN returns the end of the durable prefix of the log.
func (lm *LogManager) FlushedLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushedLSN
}

// DatabaseID returns the id stamped in the log header.
func (lm *LogManager) DatabaseID() uuid.UUID { return lm.dbID }

// Close flushes and closes the log file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	flushErr := lm.flushLocked()
	closeErr := lm.file.Close()
	lm.file = nil
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close log file: %w", closeErr)
	}
	lm.logger.Info("log closed", zap.String("path", lm.path))
	return nil
}
