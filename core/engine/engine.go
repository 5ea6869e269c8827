// Package engine is the public surface of bptdb. It owns the buffer pool,
// the write-ahead log, the catalog and one B+ tree per open table, and runs
// one call at a time.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sushant-115/bptdb/config"
	"github.com/sushant-115/bptdb/core/catalog"
	"github.com/sushant-115/bptdb/core/indexing/bptree"
	"github.com/sushant-115/bptdb/core/storage/buffer"
	"github.com/sushant-115/bptdb/core/storage/disk"
	"github.com/sushant-115/bptdb/core/storage/page"
	"github.com/sushant-115/bptdb/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/bptdb/internal/telemetry"
	"github.com/sushant-115/bptdb/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TableID identifies an open table.
type TableID = page.TableID

type table struct {
	entry catalog.Entry
	dm    *disk.DiskManager
	tree  *bptree.Tree
}

// Engine is an embedded key-value store of B+ tree tables.
type Engine struct {
	mu      sync.Mutex
	cfg     config.Config
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.EngineMetrics
	catalog *catalog.Catalog
	bpm     *buffer.BufferPoolManager
	lm      *wal.LogManager
	txn     *wal.TxnManager
	tables  map[TableID]*table
	closed  bool
}

// Open prepares the data directory, opens the log and recovers the state
// left by the previous run before returning.
func Open(cfg config.Config, logger *zap.Logger, tel *telemetry.Telemetry) (_ *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger.Named("engine"),
		tracer: tel.Tracer,
		tables: make(map[TableID]*table),
	}
	if e.metrics, err = internaltelemetry.NewEngineMetrics(tel.Meter); err != nil {
		return nil, err
	}

	if e.catalog, err = catalog.Load(cfg.DataDir, cfg.MaxTables, logger.Named("catalog")); err != nil {
		return nil, err
	}
	if e.bpm, err = buffer.New(cfg.BufferPoolSize,
		buffer.WithLogger(logger.Named("buffer")), buffer.WithMeter(tel.Meter)); err != nil {
		return nil, err
	}

	logPath := cfg.LogFile
	if !filepath.IsAbs(logPath) {
		logPath = filepath.Join(cfg.DataDir, logPath)
	}
	if e.lm, err = wal.Open(logPath, e.catalog.DatabaseID(),
		wal.WithLogger(logger.Named("wal")), wal.WithMeter(tel.Meter)); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, e.closeFiles())
		}
	}()
	e.bpm.SetLogFlusher(e.lm)
	e.txn = wal.NewTxnManager(e.lm, e.bpm, logger.Named("wal"))

	stats, err := e.txn.Recover(func(id page.TableID) error {
		entry, err := e.catalog.Lookup(id)
		if err != nil {
			return err
		}
		return e.openTableLocked(entry)
	})
	if err != nil {
		return nil, fmt.Errorf("recovery failed: %w", err)
	}
	// Tables the log referenced were opened only to recover them. They are
	// written back and closed so that callers see just what they open.
	for _, t := range e.tables {
		if err := e.closeTableLocked(t); err != nil {
			return nil, err
		}
	}
	e.logger.Info("engine opened",
		zap.String("data_dir", cfg.DataDir), zap.Int("buffer_pool_size", cfg.BufferPoolSize),
		zap.Int("log_records", stats.Records), zap.Int("redone", stats.Redone),
		zap.Uint64("rolled_back", stats.RolledBack))
	return e, nil
}

// start opens a span for op and records it as started. The returned func
// ends the span and records the outcome and latency.
func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) func(err *error) {
	startTime := time.Now()
	opAttr := metric.WithAttributes(attribute.String("op", op))
	e.metrics.OpsStartedCounter.Add(ctx, 1, opAttr)
	e.metrics.ActiveOpsUpDownCounter.Add(ctx, 1, opAttr)
	ctx, span := e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))

	return func(err *error) {
		outcome := "ok"
		if *err != nil {
			outcome = "error"
			span.RecordError(*err)
			span.SetStatus(codes.Error, (*err).Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()

		e.metrics.ActiveOpsUpDownCounter.Add(ctx, -1, opAttr)
		done := metric.WithAttributeSet(attribute.NewSet(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
		e.metrics.OpLatencyHistogram.Record(ctx, float64(time.Since(startTime).Microseconds())/1000, done)
		e.metrics.OpsHandledCounter.Add(ctx, 1, done)
	}
}

func (e *Engine) countTxn(ctx context.Context, outcome string) {
	e.metrics.TxnOutcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func tableAttr(id TableID) attribute.KeyValue { return attribute.Int64("table", int64(id)) }

func (e *Engine) openTableLocked(entry catalog.Entry) error {
	if _, ok := e.tables[entry.ID]; ok {
		return nil
	}
	dm, created, err := disk.Open(e.catalog.Path(entry), e.logger.Named("disk"))
	if err != nil {
		return err
	}
	if err := e.bpm.RegisterTable(entry.ID, dm); err != nil {
		_ = dm.Close()
		return err
	}
	if created {
		if err := e.bpm.InitTable(entry.ID, e.orders()); err != nil {
			_ = e.bpm.ReleaseTable(entry.ID)
			_ = dm.Close()
			return err
		}
	}
	tree, err := bptree.New(e.bpm, entry.ID,
		bptree.WithOrders(e.cfg.LeafOrder, e.cfg.InternalOrder), bptree.WithLogger(e.logger.Named("bptree")))
	if err != nil {
		_ = e.bpm.ReleaseTable(entry.ID)
		_ = dm.Close()
		return err
	}
	if tree.Orders() != e.orders() {
		e.logger.Warn("table keeps the tree orders it was created with",
			zap.String("name", entry.Name),
			zap.Int("leaf_order", tree.Orders().Leaf), zap.Int("internal_order", tree.Orders().Internal))
	}
	e.tables[entry.ID] = &table{entry: entry, dm: dm, tree: tree}
	e.logger.Info("table opened",
		zap.String("name", entry.Name), zap.Uint32("table", uint32(entry.ID)),
		zap.String("path", dm.Path()), zap.Bool("created", created))
	return nil
}

func (e *Engine) orders() page.Orders {
	return page.Orders{Leaf: e.cfg.LeafOrder, Internal: e.cfg.InternalOrder}
}

func (e *Engine) tableLocked(id TableID) (*table, error) {
	if e.closed {
		return nil, ErrEngineClosed
	}
	t, ok := e.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTableNotOpen, id)
	}
	return t, nil
}

// OpenTable opens or creates the table called name and returns its id.
// Opening an open table returns the same id.
func (e *Engine) OpenTable(ctx context.Context, name string) (id TableID, err error) {
	defer e.start(ctx, "OpenTable", attribute.String("name", name))(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrEngineClosed
	}
	entry, err := e.catalog.Resolve(name)
	if err != nil {
		return 0, err
	}
	if err := e.openTableLocked(entry); err != nil {
		return 0, err
	}
	return entry.ID, nil
}

// CloseTable writes back every cached page of the table and closes its
// file. It is refused while a transaction is active.
func (e *Engine) CloseTable(ctx context.Context, id TableID) (err error) {
	defer e.start(ctx, "CloseTable", tableAttr(id))(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.tableLocked(id)
	if err != nil {
		return err
	}
	if e.txn.Active() {
		return ErrTxnActive
	}
	return e.closeTableLocked(t)
}

func (e *Engine) closeTableLocked(t *table) error {
	if err := e.bpm.ReleaseTable(t.entry.ID); err != nil {
		return err
	}
	delete(e.tables, t.entry.ID)
	e.logger.Info("table closed", zap.String("name", t.entry.Name), zap.Uint32("table", uint32(t.entry.ID)))
	return t.dm.Close()
}

// Find returns the 120-byte value stored under key.
func (e *Engine) Find(ctx context.Context, id TableID, key int64) (value []byte, err error) {
	defer e.start(ctx, "Find", tableAttr(id), attribute.Int64("key", key))(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.tableLocked(id)
	if err != nil {
		return nil, err
	}
	return t.tree.Find(key)
}

// Insert adds key with value, truncated or zero padded to 120 bytes.
func (e *Engine) Insert(ctx context.Context, id TableID, key int64, value []byte) (err error) {
	defer e.start(ctx, "Insert", tableAttr(id), attribute.Int64("key", key))(&err)
	return e.mutate(id, func(tree *bptree.Tree) error { return tree.Insert(key, value) })
}

// Delete removes key. Deleting an absent key is not an error.
func (e *Engine) Delete(ctx context.Context, id TableID, key int64) (err error) {
	defer e.start(ctx, "Delete", tableAttr(id), attribute.Int64("key", key))(&err)
	return e.mutate(id, func(tree *bptree.Tree) error { return tree.Delete(key) })
}

// Update overwrites the value of an existing key.
func (e *Engine) Update(ctx context.Context, id TableID, key int64, value []byte) (err error) {
	defer e.start(ctx, "Update", tableAttr(id), attribute.Int64("key", key))(&err)
	return e.mutate(id, func(tree *bptree.Tree) error { return tree.Update(key, value) })
}

// mutate runs fn against the table's tree. Inside a transaction every page
// it changes is logged.
func (e *Engine) mutate(id TableID, fn func(*bptree.Tree) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.tableLocked(id)
	if err != nil {
		return err
	}
	return e.txn.RunLogged(func() error { return fn(t.tree) })
}

// Scan calls fn for every record with key >= from, in key order, until fn
// returns false. fn must not call back into the engine.
func (e *Engine) Scan(ctx context.Context, id TableID, from int64, fn func(key int64, value []byte) bool) (err error) {
	defer e.start(ctx, "Scan", tableAttr(id), attribute.Int64("from", from))(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.tableLocked(id)
	if err != nil {
		return err
	}
	return t.tree.Scan(from, fn)
}

// Seek returns a cursor over the table starting at the first key >= from.
// The cursor must not be used across mutations of the table.
func (e *Engine) Seek(ctx context.Context, id TableID, from int64) (c *bptree.Cursor, err error) {
	defer e.start(ctx, "Seek", tableAttr(id), attribute.Int64("from", from))(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.tableLocked(id)
	if err != nil {
		return nil, err
	}
	return t.tree.Seek(from)
}

// Verify checks the structural invariants of the table's tree.
func (e *Engine) Verify(ctx context.Context, id TableID) (report bptree.VerifyReport, err error) {
	defer e.start(ctx, "Verify", tableAttr(id))(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.tableLocked(id)
	if err != nil {
		return bptree.VerifyReport{}, err
	}
	return t.tree.Verify()
}

// BeginTransaction opens the single global transaction.
func (e *Engine) BeginTransaction(ctx context.Context) (trxID uint64, err error) {
	defer e.start(ctx, "BeginTransaction")(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrEngineClosed
	}
	return e.txn.Begin()
}

// CommitTransaction makes the open transaction durable.
func (e *Engine) CommitTransaction(ctx context.Context) (err error) {
	defer e.start(ctx, "CommitTransaction")(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if err := e.txn.Commit(); err != nil {
		return err
	}
	e.countTxn(ctx, "committed")
	return nil
}

// AbortTransaction undoes every change of the open transaction.
func (e *Engine) AbortTransaction(ctx context.Context) (err error) {
	defer e.start(ctx, "AbortTransaction")(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if err := e.txn.Abort(); err != nil {
		return err
	}
	e.countTxn(ctx, "aborted")
	return nil
}

// InTransaction reports whether a transaction is open.
func (e *Engine) InTransaction() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txn.Active()
}

// Tables returns the catalog entries of the open tables.
func (e *Engine) Tables() []catalog.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []catalog.Entry
	for _, entry := range e.catalog.Entries() {
		if _, ok := e.tables[entry.ID]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// Stats returns buffer pool statistics.
func (e *Engine) Stats() buffer.Stats {
	return e.bpm.Stats()
}

// Shutdown aborts an open transaction, writes every cached page back and
// closes all files. Later calls return ErrEngineClosed.
func (e *Engine) Shutdown(ctx context.Context) (err error) {
	defer e.start(ctx, "Shutdown")(&err)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.txn.Active() {
		e.logger.Warn("aborting open transaction at shutdown", zap.Uint64("trx", e.txn.TrxID()))
		if err := e.txn.Abort(); err != nil {
			return err
		}
		e.countTxn(ctx, "aborted")
	}
	if err := e.bpm.FlushAll(); err != nil {
		return err
	}
	for id := range e.tables {
		err = multierr.Append(err, e.bpm.ReleaseTable(id))
	}
	err = multierr.Append(err, e.closeFiles())
	e.closed = true
	e.logger.Info("engine shut down")
	return err
}

// closeFiles closes every table file and the log without writing cached
// pages back.
func (e *Engine) closeFiles() error {
	var err error
	for id, t := range e.tables {
		err = multierr.Append(err, t.dm.Close())
		delete(e.tables, id)
	}
	if e.lm != nil {
		err = multierr.Append(err, e.lm.Close())
	}
	return err
}
