package wal

import (
	"fmt"

	"github.com/sushant-115/bptdb/core/storage/page"
	"go.uber.org/zap"
)

// TableOpener makes a table referenced by the log addressable through the
// buffer pool. It is called at most once per table during recovery.
type TableOpener func(id page.TableID) error

// RecoveryStats summarises a recovery run.
type RecoveryStats struct {
	Records    int
	Redone     int
	Skipped    int
	Undone     int
	RolledBack uint64 // id of the transaction rolled back, 0 if none
}

// Recover repeats history and then rolls back the transaction that was open
// at the crash, if any. Redo applies the after-image of every update record
// whose page is older than the record. Undo walks the open transaction's
// chain back to its BEGIN and finishes with a ROLLBACK record.
func (tm *TxnManager) Recover(open TableOpener) (RecoveryStats, error) {
	var (
		stats   RecoveryStats
		opened  = make(map[page.TableID]bool)
		active  bool
		trxID   uint64
		lastLSN LSN
		maxTrx  uint64
	)
	if tm.state == TxnActive {
		return stats, ErrTxnAlreadyActive
	}
	tm.logger.Info("starting recovery")

	err := tm.lm.Scan(func(lr *LogRecord) error {
		stats.Records++
		if lr.TrxID > maxTrx {
			maxTrx = lr.TrxID
		}
		if active && lr.TrxID != trxID {
			return fmt.Errorf("%w: record %d of transaction %d inside transaction %d",
				ErrRecoveryInconsistent, lr.LSN, lr.TrxID, trxID)
		}
		switch lr.Type {
		case RecordBegin:
			if active {
				return fmt.Errorf("%w: BEGIN at %d while transaction %d is open", ErrRecoveryInconsistent, lr.LSN, trxID)
			}
			active, trxID = true, lr.TrxID
		case RecordUpdate:
			if !opened[lr.TableID] {
				if err := open(lr.TableID); err != nil {
					return fmt.Errorf("%w: log references table %d: %w", ErrRecoveryInconsistent, lr.TableID, err)
				}
				opened[lr.TableID] = true
			}
			applied, err := tm.redo(lr)
			if err != nil {
				return err
			}
			if applied {
				stats.Redone++
			} else {
				stats.Skipped++
			}
		case RecordCommit, RecordRollback:
			active = false
		}
		if active {
			lastLSN = lr.LSN
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	tm.nextTrxID = maxTrx + 1

	if active {
		tm.logger.Info("rolling back transaction open at crash", zap.Uint64("trx", trxID))
		tm.state, tm.trxID, tm.lastLSN = TxnActive, trxID, lastLSN
		undone, err := tm.undo(lastLSN)
		stats.Undone = undone
		if err != nil {
			return stats, err
		}
		if err := tm.finishRollback(); err != nil {
			return stats, err
		}
		stats.RolledBack = trxID
	}
	tm.logger.Info("recovery finished",
		zap.Int("records", stats.Records), zap.Int("redone", stats.Redone),
		zap.Int("skipped", stats.Skipped), zap.Int("undone", stats.Undone))
	return stats, nil
}

// redo installs lr's after-image if the page has not seen lr yet.
func (tm *TxnManager) redo(lr *LogRecord) (bool, error) {
	g, err := tm.bpm.FetchRaw(lr.TableID, lr.PageOffset)
	if err != nil {
		return false, fmt.Errorf("%w: fetching page %d of table %d for redo: %w",
			ErrRecoveryInconsistent, lr.PageOffset, lr.TableID, err)
	}
	defer g.Release()
	if page.PageLSN(g.Data()) >= lr.LSN {
		return false, nil
	}
	copy(g.Data(), lr.After)
	page.SetPageLSN(g.Data(), lr.LSN)
	g.MarkDirty()
	return true, nil
}
