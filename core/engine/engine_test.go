package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/bptdb/config"
	"github.com/sushant-115/bptdb/core/catalog"
	"github.com/sushant-115/bptdb/core/indexing/bptree"
	"github.com/sushant-115/bptdb/core/storage/page"
	"github.com/sushant-115/bptdb/core/write_engine/wal"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.BufferPoolSize = 8
	cfg.LeafOrder = 4
	cfg.InternalOrder = 4
	return cfg
}

func openEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	e, err := Open(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	return e
}

// crash abandons e the way a killed process would: cached pages and
// unflushed log bytes are lost, files are merely closed.
func crash(t *testing.T, e *Engine) {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tbl := range e.tables {
		_ = tbl.dm.Close()
	}
	e.closed = true
}

func requireValue(t *testing.T, e *Engine, id TableID, key int64, want string) {
	t.Helper()
	got, err := e.Find(context.Background(), id, key)
	require.NoError(t, err)
	require.Equal(t, want, string(got[:len(want)]))
}

// --- Test Cases ---

func TestRoundTripAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)

	id, err := e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	require.Equal(t, TableID(1), id)
	for k := int64(0); k < 100; k++ {
		require.NoError(t, e.Insert(ctx, id, k, []byte("v")))
	}
	require.NoError(t, e.Update(ctx, id, 42, []byte("forty-two")))
	require.NoError(t, e.Delete(ctx, id, 7))
	require.NoError(t, e.Delete(ctx, id, 1000))
	require.ErrorIs(t, e.Insert(ctx, id, 42, []byte("dup")), bptree.ErrKeyAlreadyExists)
	require.NoError(t, e.Shutdown(ctx))
	require.ErrorIs(t, e.Shutdown(ctx), ErrEngineClosed)

	e = openEngine(t, cfg)
	defer e.Shutdown(ctx)
	again, err := e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	require.Equal(t, id, again)
	requireValue(t, e, id, 42, "forty-two")
	requireValue(t, e, id, 8, "v")
	_, err = e.Find(ctx, id, 7)
	require.ErrorIs(t, err, bptree.ErrKeyNotFound)

	report, err := e.Verify(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 99, report.Keys)
}

func TestTablesAreIndependent(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t.TempDir()))
	defer e.Shutdown(ctx)

	a, err := e.OpenTable(ctx, "a")
	require.NoError(t, err)
	b, err := e.OpenTable(ctx, "b")
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, e.Insert(ctx, a, 1, []byte("in a")))
	_, err = e.Find(ctx, b, 1)
	require.ErrorIs(t, err, bptree.ErrKeyNotFound)

	same, err := e.OpenTable(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, a, same)
	require.Len(t, e.Tables(), 2)
}

func TestUnknownAndClosedTables(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t.TempDir()))
	defer e.Shutdown(ctx)

	_, err := e.Find(ctx, 9, 1)
	require.ErrorIs(t, err, ErrTableNotOpen)

	id, err := e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	require.NoError(t, e.Insert(ctx, id, 1, []byte("one")))
	require.NoError(t, e.CloseTable(ctx, id))
	require.ErrorIs(t, e.Insert(ctx, id, 2, []byte("two")), ErrTableNotOpen)

	// Reopening reads back what close wrote.
	id, err = e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	requireValue(t, e, id, 1, "one")
}

func TestTableLimit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	cfg.MaxTables = 1
	e := openEngine(t, cfg)
	defer e.Shutdown(ctx)

	_, err := e.OpenTable(ctx, "a")
	require.NoError(t, err)
	_, err = e.OpenTable(ctx, "b")
	require.ErrorIs(t, err, catalog.ErrTooManyTables)
}

func TestTransactionMisuse(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t.TempDir()))
	defer e.Shutdown(ctx)
	id, err := e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)

	require.ErrorIs(t, e.CommitTransaction(ctx), wal.ErrNoActiveTxn)
	require.ErrorIs(t, e.AbortTransaction(ctx), wal.ErrNoActiveTxn)

	_, err = e.BeginTransaction(ctx)
	require.NoError(t, err)
	_, err = e.BeginTransaction(ctx)
	require.ErrorIs(t, err, wal.ErrTxnAlreadyActive)
	require.ErrorIs(t, e.CloseTable(ctx, id), ErrTxnActive)
	require.True(t, e.InTransaction())
	require.NoError(t, e.CommitTransaction(ctx))
	require.False(t, e.InTransaction())
}

// TestAbortUndoesStructuralChanges aborts a transaction whose inserts split
// leaves and grew the tree, and checks the tree is back to its old shape.
func TestAbortUndoesStructuralChanges(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, testConfig(t.TempDir()))
	defer e.Shutdown(ctx)
	id, err := e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	require.NoError(t, e.Insert(ctx, id, 1, []byte("old")))
	before, err := e.Verify(ctx, id)
	require.NoError(t, err)

	_, err = e.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Update(ctx, id, 1, []byte("new")))
	for k := int64(2); k < 60; k++ {
		require.NoError(t, e.Insert(ctx, id, k, []byte("tmp")))
	}
	require.NoError(t, e.Delete(ctx, id, 30))
	require.NoError(t, e.AbortTransaction(ctx))

	after, err := e.Verify(ctx, id)
	require.NoError(t, err)
	require.Equal(t, before, after)
	requireValue(t, e, id, 1, "old")
	_, err = e.Find(ctx, id, 2)
	require.ErrorIs(t, err, bptree.ErrKeyNotFound)
}

// TestRecoveryRollsBackUncommittedUpdate crashes with an update in flight
// whose page already reached the table file.
func TestRecoveryRollsBackUncommittedUpdate(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	id, err := e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	require.NoError(t, e.Insert(ctx, id, 1, []byte("old")))

	_, err = e.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Update(ctx, id, 1, []byte("new")))
	require.NoError(t, e.bpm.FlushAll())
	crash(t, e)

	e = openEngine(t, cfg)
	defer e.Shutdown(ctx)
	require.False(t, e.InTransaction())
	require.Empty(t, e.Tables())
	id, err = e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	requireValue(t, e, id, 1, "old")
}

// TestRecoveryRedoesCommittedWork crashes after commit but before any page
// was written back.
func TestRecoveryRedoesCommittedWork(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	id, err := e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)

	_, err = e.BeginTransaction(ctx)
	require.NoError(t, err)
	for k := int64(0); k < 40; k++ {
		require.NoError(t, e.Insert(ctx, id, k, []byte("committed")))
	}
	require.NoError(t, e.Update(ctx, id, 5, []byte("five")))
	require.NoError(t, e.CommitTransaction(ctx))
	crash(t, e)

	e = openEngine(t, cfg)
	defer e.Shutdown(ctx)
	id, err = e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	requireValue(t, e, id, 5, "five")
	requireValue(t, e, id, 39, "committed")
	report, err := e.Verify(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 40, report.Keys)
}

func TestShutdownAbortsOpenTransaction(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	id, err := e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	require.NoError(t, e.Insert(ctx, id, 1, []byte("old")))

	_, err = e.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Update(ctx, id, 1, []byte("new")))
	require.NoError(t, e.Shutdown(ctx))

	e = openEngine(t, cfg)
	defer e.Shutdown(ctx)
	id, err = e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	requireValue(t, e, id, 1, "old")
}

func TestOpenRejectsForeignLog(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	e := openEngine(t, cfg)
	require.NoError(t, e.Shutdown(ctx))

	other := testConfig(t.TempDir())
	other.LogFile = filepath.Join(cfg.DataDir, cfg.LogFile)
	_, err := Open(other, zap.NewNop(), nil)
	require.ErrorIs(t, err, wal.ErrRecoveryInconsistent)
}

// TestReopenKeepsRecordedOrders fills a table with the default orders and
// reopens it under a configuration asking for tiny ones.
func TestReopenKeepsRecordedOrders(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	cfg.LeafOrder, cfg.InternalOrder = page.DefaultLeafOrder, page.DefaultInternalOrder
	e := openEngine(t, cfg)
	id, err := e.OpenTable(ctx, "T")
	require.NoError(t, err)
	for k := int64(0); k < 100; k++ {
		require.NoError(t, e.Insert(ctx, id, k, []byte("v")))
	}
	require.NoError(t, e.Shutdown(ctx))

	cfg.LeafOrder, cfg.InternalOrder = 4, 4
	e = openEngine(t, cfg)
	defer e.Shutdown(ctx)
	id, err = e.OpenTable(ctx, "T")
	require.NoError(t, err)
	require.Equal(t, page.DefaultOrders, e.tables[id].tree.Orders())
	require.NoError(t, e.Insert(ctx, id, 1000, []byte("v")))

	report, err := e.Verify(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 101, report.Keys)
	require.Equal(t, 2, report.Height)

	// New tables still take the configured orders.
	small, err := e.OpenTable(ctx, "U")
	require.NoError(t, err)
	require.Equal(t, page.Orders{Leaf: 4, Internal: 4}, e.tables[small].tree.Orders())
}

// TestRecoveryFinishesInterruptedAbort crashes after an abort restored
// every page but before its ROLLBACK record reached the log.
func TestRecoveryFinishesInterruptedAbort(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	cfg.BufferPoolSize = 4
	e := openEngine(t, cfg)
	id, err := e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	for k := int64(0); k < 30; k++ {
		require.NoError(t, e.Insert(ctx, id, k, []byte("before")))
	}
	require.NoError(t, e.bpm.FlushAll())

	_, err = e.BeginTransaction(ctx)
	require.NoError(t, err)
	for k := int64(30); k < 80; k++ {
		require.NoError(t, e.Insert(ctx, id, k, []byte("during")))
	}
	for k := int64(0); k < 10; k++ {
		require.NoError(t, e.Delete(ctx, id, k))
	}
	require.NoError(t, e.Update(ctx, id, 15, []byte("during")))
	require.NoError(t, e.AbortTransaction(ctx))

	var rollback wal.LSN
	require.NoError(t, e.lm.Scan(func(lr *wal.LogRecord) error {
		if lr.Type == wal.RecordRollback {
			rollback = lr.LSN
		}
		return nil
	}))
	require.NotZero(t, rollback)
	crash(t, e)
	require.NoError(t, os.Truncate(filepath.Join(cfg.DataDir, cfg.LogFile), int64(rollback)))

	e = openEngine(t, cfg)
	defer e.Shutdown(ctx)
	require.False(t, e.InTransaction())
	require.Empty(t, e.Tables())
	id, err = e.OpenTable(ctx, "DATA1")
	require.NoError(t, err)
	for k := int64(0); k < 30; k++ {
		requireValue(t, e, id, k, "before")
	}
	_, err = e.Find(ctx, id, 50)
	require.ErrorIs(t, err, bptree.ErrKeyNotFound)
	report, err := e.Verify(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 30, report.Keys)
}
