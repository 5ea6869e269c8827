package wal

import (
	"bytes"
	"fmt"

	"github.com/sushant-115/bptdb/core/storage/buffer"
	"github.com/sushant-115/bptdb/core/storage/page"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TxnState is the state of the single global transaction slot.
type TxnState int

const (
	TxnIdle TxnState = iota
	TxnActive
)

func (s TxnState) String() string {
	if s == TxnActive {
		return "active"
	}
	return "idle"
}

// TxnManager owns the transaction slot. While a transaction is active every
// page changed by a RunLogged call is logged with full before and after
// images. It is not safe for concurrent use; the engine serializes calls.
type TxnManager struct {
	lm     *LogManager
	bpm    *buffer.BufferPoolManager
	logger *zap.Logger

	state     TxnState
	trxID     uint64
	lastLSN   LSN
	nextTrxID uint64
}

// NewTxnManager wires the transaction slot to a log and a buffer pool.
func NewTxnManager(lm *LogManager, bpm *buffer.BufferPoolManager, logger *zap.Logger) *TxnManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TxnManager{lm: lm, bpm: bpm, logger: logger, nextTrxID: 1}
}

// State returns the current slot state.
func (tm *TxnManager) State() TxnState { return tm.state }

// Active reports whether a transaction is open.
func (tm *TxnManager) Active() bool { return tm.state == TxnActive }

// TrxID returns the id of the open transaction, or 0.
func (tm *TxnManager) TrxID() uint64 {
	if tm.state != TxnActive {
		return 0
	}
	return tm.trxID
}

func (tm *TxnManager) appendLocked(t RecordType) (LSN, error) {
	lsn, err := tm.lm.Append(&LogRecord{PrevLSN: tm.lastLSN, TrxID: tm.trxID, Type: t})
	if err != nil {
		return InvalidLSN, err
	}
	tm.lastLSN = lsn
	return lsn, nil
}

// Begin opens a transaction and logs BEGIN.
func (tm *TxnManager) Begin() (uint64, error) {
	if tm.state == TxnActive {
		return 0, fmt.Errorf("%w: transaction %d", ErrTxnAlreadyActive, tm.trxID)
	}
	tm.trxID = tm.nextTrxID
	tm.lastLSN = InvalidLSN
	if _, err := tm.appendLocked(RecordBegin); err != nil {
		return 0, err
	}
	tm.nextTrxID++
	tm.state = TxnActive
	tm.logger.Info("transaction started", zap.Uint64("trx", tm.trxID))
	return tm.trxID, nil
}

// Commit logs COMMIT and forces the log up to it.
func (tm *TxnManager) Commit() error {
	if tm.state != TxnActive {
		return ErrNoActiveTxn
	}
	lsn, err := tm.appendLocked(RecordCommit)
	if err != nil {
		return err
	}
	if err := tm.lm.FlushUntil(lsn); err != nil {
		return fmt.Errorf("failed to make commit of transaction %d durable: %w", tm.trxID, err)
	}
	tm.logger.Info("transaction committed", zap.Uint64("trx", tm.trxID), zap.Uint64("lsn", uint64(lsn)))
	tm.state = TxnIdle
	return nil
}

// Abort logs ABORT, restores every page the transaction touched in reverse
// order and logs ROLLBACK. Each restoration is itself logged so that redo
// can repeat it.
func (tm *TxnManager) Abort() error {
	if tm.state != TxnActive {
		return ErrNoActiveTxn
	}
	abortLSN, err := tm.appendLocked(RecordAbort)
	if err != nil {
		return err
	}
	undone, err := tm.undo(abortLSN)
	if err != nil {
		return err
	}
	if err := tm.finishRollback(); err != nil {
		return err
	}
	tm.logger.Info("transaction aborted", zap.Uint64("trx", tm.trxID), zap.Int("pages_restored", undone))
	return nil
}

func (tm *TxnManager) finishRollback() error {
	lsn, err := tm.appendLocked(RecordRollback)
	if err != nil {
		return err
	}
	if err := tm.lm.FlushUntil(lsn); err != nil {
		return err
	}
	tm.state = TxnIdle
	return nil
}

// undo walks the prev-LSN chain from lsn back to BEGIN, restoring the
// before-image of every update record.
func (tm *TxnManager) undo(lsn LSN) (int, error) {
	undone := 0
	for cur := lsn; cur != InvalidLSN; {
		lr, err := tm.lm.ReadAt(cur)
		if err != nil {
			return undone, fmt.Errorf("%w: reading undo chain at %d: %w", ErrRecoveryInconsistent, cur, err)
		}
		if lr.TrxID != tm.trxID {
			return undone, fmt.Errorf("%w: record %d belongs to transaction %d, expected %d",
				ErrRecoveryInconsistent, cur, lr.TrxID, tm.trxID)
		}
		switch lr.Type {
		case RecordBegin:
			return undone, nil
		case RecordUpdate:
			if err := tm.restore(lr); err != nil {
				return undone, err
			}
			undone++
		}
		cur = lr.PrevLSN
	}
	return undone, fmt.Errorf("%w: undo chain of transaction %d has no BEGIN", ErrRecoveryInconsistent, tm.trxID)
}

// restore puts lr's before-image back and logs the change.
func (tm *TxnManager) restore(lr *LogRecord) error {
	g, err := tm.bpm.FetchRaw(lr.TableID, lr.PageOffset)
	if err != nil {
		return fmt.Errorf("%w: fetching page %d of table %d for undo: %w",
			ErrRecoveryInconsistent, lr.PageOffset, lr.TableID, err)
	}
	defer g.Release()

	current := bytes.Clone(g.Data())
	lsn, err := tm.lm.Append(&LogRecord{
		PrevLSN:    tm.lastLSN,
		TrxID:      tm.trxID,
		Type:       RecordUpdate,
		TableID:    lr.TableID,
		PageOffset: lr.PageOffset,
		Before:     current,
		After:      lr.Before,
	})
	if err != nil {
		return err
	}
	tm.lastLSN = lsn
	copy(g.Data(), lr.Before)
	page.SetPageLSN(g.Data(), lsn)
	g.MarkDirty()
	return nil
}

// RunLogged runs a mutating operation. Outside a transaction fn runs as is;
// inside one, every page it changes is logged when it returns, even if it
// fails part way, so that abort can undo partial work.
func (tm *TxnManager) RunLogged(fn func() error) error {
	if tm.state != TxnActive {
		return fn()
	}
	if err := tm.bpm.BeginCapture(tm.logPage); err != nil {
		return err
	}
	opErr := fn()
	return multierr.Append(opErr, tm.bpm.EndCapture())
}

// logPage is the capture sink: one UPDATE record per changed page.
func (tm *TxnManager) logPage(p buffer.ChangedPage) (LSN, error) {
	lsn, err := tm.lm.Append(&LogRecord{
		PrevLSN:    tm.lastLSN,
		TrxID:      tm.trxID,
		Type:       RecordUpdate,
		TableID:    p.Table,
		PageOffset: p.Offset,
		Before:     p.Before,
		After:      p.After,
	})
	if err != nil {
		return InvalidLSN, err
	}
	tm.lastLSN = lsn
	return lsn, nil
}
