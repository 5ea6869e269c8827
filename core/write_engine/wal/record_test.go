package wal

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/bptdb/core/storage/page"
)

func pageImage(fill byte) []byte {
	b := make([]byte, page.Size)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestRecordEncodeDecode(t *testing.T) {
	in := &LogRecord{
		LSN:        4096,
		PrevLSN:    64,
		TrxID:      7,
		Type:       RecordUpdate,
		TableID:    3,
		PageOffset: 2 * page.Size,
		Before:     pageImage('b'),
		After:      pageImage('a'),
	}
	buf, err := in.Encode()
	require.NoError(t, err)
	require.Len(t, buf, updateRecordSize)
	require.Equal(t, uint64(2), binary.LittleEndian.Uint64(buf[offPageNum:]))

	out, err := DecodeLogRecord(buf)
	require.NoError(t, err)
	require.Equal(t, in, out)

	commit := &LogRecord{LSN: 99, PrevLSN: 4096, TrxID: 7, Type: RecordCommit}
	buf, err = commit.Encode()
	require.NoError(t, err)
	require.Len(t, buf, recordHeaderSize)
	out, err = DecodeLogRecord(buf)
	require.NoError(t, err)
	require.Equal(t, RecordCommit, out.Type)
	require.Nil(t, out.Before)
}

// TestRecordChecksumDetectsDamage flips one byte of an after-image.
func TestRecordChecksumDetectsDamage(t *testing.T) {
	in := &LogRecord{LSN: 64, TrxID: 1, Type: RecordUpdate, Before: pageImage(0), After: pageImage(1)}
	buf, err := in.Encode()
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xff
	_, err = DecodeLogRecord(buf)
	require.ErrorIs(t, err, ErrCorruptLog)
}

func TestRecordRejectsMalformed(t *testing.T) {
	_, err := (&LogRecord{Type: 0}).Encode()
	require.ErrorIs(t, err, ErrCorruptLog)

	_, err = (&LogRecord{Type: RecordUpdate, Before: []byte("short")}).Encode()
	require.ErrorIs(t, err, ErrCorruptLog)

	_, err = (&LogRecord{Type: RecordUpdate, PageOffset: page.Size + 1, Before: pageImage(0), After: pageImage(0)}).Encode()
	require.ErrorIs(t, err, ErrCorruptLog)

	_, err = DecodeLogRecord(make([]byte, 10))
	require.ErrorIs(t, err, ErrCorruptLog)
}

func TestRecordTypeString(t *testing.T) {
	require.Equal(t, "ROLLBACK", RecordRollback.String())
	require.Equal(t, "RecordType(42)", RecordType(42).String())
}
