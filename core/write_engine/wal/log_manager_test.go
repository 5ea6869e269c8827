package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupLogManager creates a LogManager in a temporary directory for isolated testing.
func setupLogManager(t *testing.T) (*LogManager, string, uuid.UUID) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bptdb.wal")
	id := uuid.New()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm, err := Open(path, id, WithLogger(logger))
	require.NoError(t, err)
	return lm, path, id
}

func collect(t *testing.T, lm *LogManager) []*LogRecord {
	t.Helper()
	var out []*LogRecord
	require.NoError(t, lm.Scan(func(lr *LogRecord) error {
		out = append(out, lr)
		return nil
	}))
	return out
}

// --- Test Cases ---

// TestAppendAssignsByteOffsets verifies that LSNs are file offsets that
// start right after the log header.
func TestAppendAssignsByteOffsets(t *testing.T) {
	lm, _, _ := setupLogManager(t)
	defer lm.Close()

	begin, err := lm.Append(&LogRecord{TrxID: 1, Type: RecordBegin})
	require.NoError(t, err)
	require.Equal(t, LSN(fileHeaderSize), begin)

	update, err := lm.Append(&LogRecord{PrevLSN: begin, TrxID: 1, Type: RecordUpdate, Before: pageImage(0), After: pageImage(1)})
	require.NoError(t, err)
	require.Equal(t, begin+recordHeaderSize, update)

	commit, err := lm.Append(&LogRecord{PrevLSN: update, TrxID: 1, Type: RecordCommit})
	require.NoError(t, err)
	require.Equal(t, update+updateRecordSize, commit)

	lr, err := lm.ReadAt(update)
	require.NoError(t, err)
	require.Equal(t, RecordUpdate, lr.Type)
	require.Equal(t, begin, lr.PrevLSN)
	require.Equal(t, pageImage(1), lr.After)

	_, err = lm.ReadAt(commit + 1)
	require.ErrorIs(t, err, ErrCorruptLog)
}

func TestFlushUntilAdvancesDurablePrefix(t *testing.T) {
	lm, _, _ := setupLogManager(t)
	defer lm.Close()

	lsn, err := lm.Append(&LogRecord{TrxID: 1, Type: RecordBegin})
	require.NoError(t, err)
	require.Equal(t, LSN(fileHeaderSize), lm.FlushedLSN())

	require.NoError(t, lm.FlushUntil(lsn))
	require.Equal(t, lsn+recordHeaderSize, lm.FlushedLSN())
	require.Equal(t, lm.NextLSN(), lm.FlushedLSN())

	// Already durable: no-op.
	require.NoError(t, lm.FlushUntil(lsn))
}

// TestReopenKeepsRecords simulates a restart: records flushed before the
// restart are scanned back and new appends continue after them.
func TestReopenKeepsRecords(t *testing.T) {
	lm, path, id := setupLogManager(t)
	_, err := lm.Append(&LogRecord{TrxID: 1, Type: RecordBegin})
	require.NoError(t, err)
	_, err = lm.Append(&LogRecord{TrxID: 1, Type: RecordCommit, PrevLSN: fileHeaderSize})
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	lm2, err := Open(path, id)
	require.NoError(t, err)
	defer lm2.Close()
	records := collect(t, lm2)
	require.Len(t, records, 2)
	require.Equal(t, RecordCommit, records[1].Type)
	require.Equal(t, LSN(fileHeaderSize+2*recordHeaderSize), lm2.NextLSN())
}

// TestTornTailIsTruncated appends half a record behind the last good one,
// as a crash in the middle of a write would.
func TestTornTailIsTruncated(t *testing.T) {
	lm, path, id := setupLogManager(t)
	_, err := lm.Append(&LogRecord{TrxID: 1, Type: RecordBegin})
	require.NoError(t, err)
	require.NoError(t, lm.Close())

	torn, err := (&LogRecord{LSN: fileHeaderSize + recordHeaderSize, TrxID: 1, Type: RecordUpdate, Before: pageImage(0), After: pageImage(1)}).Encode()
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write(torn[:1000])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lm2, err := Open(path, id)
	require.NoError(t, err)
	defer lm2.Close()
	require.Len(t, collect(t, lm2), 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(fileHeaderSize+recordHeaderSize), info.Size())
}

func TestOpenRejectsForeignLog(t *testing.T) {
	lm, path, _ := setupLogManager(t)
	require.NoError(t, lm.Close())

	_, err := Open(path, uuid.New())
	require.ErrorIs(t, err, ErrDatabaseMismatch)
	require.ErrorIs(t, err, ErrRecoveryInconsistent)
}

func TestOpenRejectsGarbageHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bptdb.wal")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0644))
	_, err := Open(path, uuid.New())
	require.ErrorIs(t, err, ErrCorruptLog)
}

func TestClosedLogRejectsAppends(t *testing.T) {
	lm, _, _ := setupLogManager(t)
	require.NoError(t, lm.Close())
	require.NoError(t, lm.Close())
	_, err := lm.Append(&LogRecord{TrxID: 1, Type: RecordBegin})
	require.ErrorIs(t, err, ErrLogClosed)
}
