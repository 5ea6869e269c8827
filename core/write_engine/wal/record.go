package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/sushant-115/bptdb/core/storage/page"
)

// LSN is the byte offset of a record in the log file. The file header
// occupies the first bytes, so no record ever has LSN 0.
type LSN = page.LSN

// InvalidLSN terminates prev-LSN chains.
const InvalidLSN = page.InvalidLSN

// RecordType defines the kind of a log record.
type RecordType uint32

const (
	RecordBegin    RecordType = iota + 1 // transaction start
	RecordUpdate                         // full before/after page images
	RecordCommit                         // durability boundary
	RecordAbort                          // rollback requested
	RecordRollback                       // rollback finished
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordUpdate:
		return "UPDATE"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordRollback:
		return "ROLLBACK"
	default:
		return fmt.Sprintf("RecordType(%d)", uint32(t))
	}
}

// Record header layout. Update records carry two page images after it.
const (
	recordHeaderSize = 48
	updateRecordSize = recordHeaderSize + 2*page.Size

	offLSN      = 0
	offPrevLSN  = 8
	offTrxID    = 16
	offType     = 24
	offTableID  = 28
	offPageNum  = 32 // page number, offset / page.Size
	offChecksum = 40
	offLength   = 44
)

// LogRecord is a single entry of the write-ahead log.
type LogRecord struct {
	LSN     LSN
	PrevLSN LSN // previous record of the same transaction
	TrxID   uint64
	Type    RecordType

	// Update records only.
	TableID    page.TableID
	PageOffset page.Offset
	Before     []byte
	After      []byte
}

// Size returns the encoded length of the record.
func (lr *LogRecord) Size() int {
	if lr.Type == RecordUpdate {
		return updateRecordSize
	}
	return recordHeaderSize
}

// Encode serializes the record, including its checksum.
func (lr *LogRecord) Encode() ([]byte, error) {
	if lr.Type < RecordBegin || lr.Type > RecordRollback {
		return nil, fmt.Errorf("%w: unknown record type %d", ErrCorruptLog, lr.Type)
	}
	if lr.Type == RecordUpdate && (len(lr.Before) != page.Size || len(lr.After) != page.Size) {
		return nil, fmt.Errorf("%w: update images must be %d bytes, got %d and %d",
			ErrCorruptLog, page.Size, len(lr.Before), len(lr.After))
	}
	if !lr.PageOffset.Valid() {
		return nil, fmt.Errorf("%w: page offset %d is not page aligned", ErrCorruptLog, lr.PageOffset)
	}
	buf := make([]byte, lr.Size())
	le := binary.LittleEndian
	le.PutUint64(buf[offLSN:], uint64(lr.LSN))
	le.PutUint64(buf[offPrevLSN:], uint64(lr.PrevLSN))
	le.PutUint64(buf[offTrxID:], lr.TrxID)
	le.PutUint32(buf[offType:], uint32(lr.Type))
	le.PutUint32(buf[offTableID:], uint32(lr.TableID))
	le.PutUint64(buf[offPageNum:], uint64(lr.PageOffset/page.Size))
	le.PutUint32(buf[offLength:], uint32(len(buf)))
	if lr.Type == RecordUpdate {
		copy(buf[recordHeaderSize:], lr.Before)
		copy(buf[recordHeaderSize+page.Size:], lr.After)
	}
	le.PutUint32(buf[offChecksum:], crc32.ChecksumIEEE(buf))
	return buf, nil
}

// DecodeLogRecord parses one complete encoded record.
func DecodeLogRecord(buf []byte) (*LogRecord, error) {
	if len(buf) < recordHeaderSize {
		return nil, fmt.Errorf("%w: record of %d bytes", ErrCorruptLog, len(buf))
	}
	le := binary.LittleEndian
	if n := le.Uint32(buf[offLength:]); int(n) != len(buf) {
		return nil, fmt.Errorf("%w: length field %d, buffer %d", ErrCorruptLog, n, len(buf))
	}
	want := le.Uint32(buf[offChecksum:])
	le.PutUint32(buf[offChecksum:], 0)
	got := crc32.ChecksumIEEE(buf)
	le.PutUint32(buf[offChecksum:], want)
	if got != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptLog)
	}

	lr := &LogRecord{
		LSN:        LSN(le.Uint64(buf[offLSN:])),
		PrevLSN:    LSN(le.Uint64(buf[offPrevLSN:])),
		TrxID:      le.Uint64(buf[offTrxID:]),
		Type:       RecordType(le.Uint32(buf[offType:])),
		TableID:    page.TableID(le.Uint32(buf[offTableID:])),
		PageOffset: page.Offset(le.Uint64(buf[offPageNum:])) * page.Size,
	}
	if lr.Type < RecordBegin || lr.Type > RecordRollback {
		return nil, fmt.Errorf("%w: unknown record type %d", ErrCorruptLog, lr.Type)
	}
	if len(buf) != lr.Size() {
		return nil, fmt.Errorf("%w: %s record of %d bytes", ErrCorruptLog, lr.Type, len(buf))
	}
	if lr.Type == RecordUpdate {
		lr.Before = append([]byte(nil), buf[recordHeaderSize:recordHeaderSize+page.Size]...)
		lr.After = append([]byte(nil), buf[recordHeaderSize+page.Size:]...)
	}
	return lr, nil
}

// readRecord reads the record that starts at lsn from r.
func readRecord(r io.Reader, lsn LSN) (*LogRecord, error) {
	head := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(head[offLength:])
	if n != recordHeaderSize && n != updateRecordSize {
		return nil, fmt.Errorf("%w: bad record length %d at %d", ErrCorruptLog, n, lsn)
	}
	buf := make([]byte, n)
	copy(buf, head)
	if _, err := io.ReadFull(r, buf[recordHeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	lr, err := DecodeLogRecord(buf)
	if err != nil {
		return nil, err
	}
	if lr.LSN != lsn {
		return nil, fmt.Errorf("%w: record at %d claims LSN %d", ErrCorruptLog, lsn, lr.LSN)
	}
	return lr, nil
}
