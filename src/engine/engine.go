package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/bufferpool"
	"github.com/Blackdeer1524/HeapDB/src/config"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/recovery"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/catalog"
	"github.com/Blackdeer1524/HeapDB/src/storage/disk"
	"github.com/Blackdeer1524/HeapDB/src/txns"
)

var (
	// ErrRollback makes Execute abort the transaction without reporting
	// an error.
	ErrRollback = errors.New("rollback")

	ErrClosed = errors.New("engine is closed")
)

// Engine owns one data directory: its catalog, its write-ahead log and
// the buffer pool sitting on top of them.
type Engine struct {
	cfg    config.Config
	closed atomic.Bool

	catalog *catalog.Manager
	wal     *recovery.TxnLogger
	locks   *txns.LockManager
	pool    *bufferpool.Manager
	ids     *txns.IDSource

	logger src.Logger
}

// Open builds the engine for cfg.DataDir, creating the directory when
// needed. Transaction ids continue after the largest id found in the log.
func Open(fs afero.Fs, cfg config.Config, logger src.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = src.NopLogger()
	}

	if err := fs.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.DataDir, err)
	}

	dm := disk.New(fs, cfg.PageSize, nil)
	cat := catalog.New(fs, cfg.DataDir, dm)
	if err := cat.Load(); err != nil {
		return nil, err
	}

	wal, err := recovery.Open(fs, filepath.Join(cfg.DataDir, cfg.LogFile), cfg.Compression())
	if err != nil {
		return nil, err
	}
	wal.SetLogger(logger)

	lastTxn, err := lastLoggedTxn(wal)
	if err != nil {
		return nil, errors.Join(err, wal.Close())
	}

	locks := txns.NewLockManager()
	locks.SetLogger(logger)
	locks.SetRecheckInterval(cfg.LockRecheck)

	pool := bufferpool.New(
		bufferpool.Config{
			Capacity:    cfg.PoolCapacity,
			LockTimeout: cfg.LockTimeout,
		},
		bufferpool.NewLRU(),
		cat,
		locks,
		wal,
	)
	pool.SetLogger(logger)
	cat.SetPager(pool)

	logger.Infow(
		"engine opened",
		"data_dir", cfg.DataDir,
		"tables", len(cat.Tables()),
		"page_size", cfg.PageSize,
		"pool_capacity", cfg.PoolCapacity,
		"last_txn_id", lastTxn,
	)

	return &Engine{
		cfg:     cfg,
		catalog: cat,
		wal:     wal,
		locks:   locks,
		pool:    pool,
		ids:     txns.NewIDSource(lastTxn),
		logger:  logger,
	}, nil
}

func lastLoggedTxn(wal *recovery.TxnLogger) (common.TxnID, error) {
	last := common.NilTxnID
	for rec, err := range wal.Records() {
		if err != nil {
			return common.NilTxnID, fmt.Errorf("failed to read log %s: %w", wal.Path(), err)
		}
		last = max(last, rec.TxnID)
	}
	return last, nil
}

func (e *Engine) Config() config.Config {
	return e.cfg
}

func (e *Engine) Pool() *bufferpool.Manager {
	return e.pool
}

func (e *Engine) Catalog() *catalog.Manager {
	return e.catalog
}

func (e *Engine) Log() *recovery.TxnLogger {
	return e.wal
}

func (e *Engine) Begin() common.TxnID {
	txnID := e.ids.Next()
	e.logger.Debugw("transaction started", "txn_id", txnID)
	return txnID
}

func (e *Engine) Commit(txnID common.TxnID) error {
	return e.pool.TransactionComplete(txnID, true)
}

func (e *Engine) Abort(txnID common.TxnID) error {
	return e.pool.TransactionComplete(txnID, false)
}

// Execute runs fn inside a fresh transaction. The transaction commits if
// fn succeeds and aborts otherwise; returning ErrRollback aborts it
// silently.
func (e *Engine) Execute(
	ctx context.Context,
	fn func(ctx context.Context, txnID common.TxnID) error,
) (err error) {
	if e.closed.Load() {
		return ErrClosed
	}

	txnID := e.Begin()
	defer func() {
		if err == nil {
			err = e.Commit(txnID)
			return
		}

		abortErr := e.Abort(txnID)
		if errors.Is(err, ErrRollback) {
			err = abortErr
			return
		}
		err = errors.Join(err, abortErr)
	}()

	return fn(ctx, txnID)
}

// CreateTable registers a table stored in <data dir>/<name>.dat and
// persists the catalog.
func (e *Engine) CreateTable(name string, desc *storage.TupleDesc) (common.FileID, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}

	id, err := e.catalog.AddTable(name, "", desc)
	if err != nil {
		return 0, err
	}
	if err := e.catalog.Save(); err != nil {
		return 0, err
	}

	e.logger.Infow("table created", "table", name, "file_id", id, "schema", desc.String())
	return id, nil
}

func (e *Engine) Tables() []catalog.Table {
	return e.catalog.Tables()
}

func (e *Engine) Table(name string) (catalog.Table, error) {
	for _, t := range e.catalog.Tables() {
		if t.Name == name {
			return t, nil
		}
	}
	return catalog.Table{}, fmt.Errorf("%w: table %q", catalog.ErrEntityNotFound, name)
}

// Insert builds a tuple of the table's schema from values and stores it.
// The returned tuple carries its record id.
func (e *Engine) Insert(
	ctx context.Context,
	txnID common.TxnID,
	table string,
	values ...storage.Value,
) (*storage.Tuple, error) {
	id, err := e.catalog.TableID(table)
	if err != nil {
		return nil, err
	}
	desc, err := e.catalog.TupleDesc(id)
	if err != nil {
		return nil, err
	}

	t, err := storage.NewTuple(desc, values...)
	if err != nil {
		return nil, err
	}
	if err := e.pool.InsertTuple(ctx, txnID, id, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Engine) Delete(ctx context.Context, txnID common.TxnID, t *storage.Tuple) error {
	return e.pool.DeleteTuple(ctx, txnID, t)
}

// Scan yields the tuples of a table in page and slot order.
func (e *Engine) Scan(
	ctx context.Context,
	txnID common.TxnID,
	table string,
) iter.Seq2[*storage.Tuple, error] {
	return func(yield func(*storage.Tuple, error) bool) {
		id, err := e.catalog.TableID(table)
		if err != nil {
			yield(nil, err)
			return
		}
		hf, err := e.catalog.HeapFile(id)
		if err != nil {
			yield(nil, err)
			return
		}

		for t, err := range hf.Scan(ctx, txnID) {
			if !yield(t, err) {
				return
			}
		}
	}
}

// Collect reads a whole table inside its own read transaction.
func (e *Engine) Collect(ctx context.Context, table string) ([]*storage.Tuple, error) {
	var res []*storage.Tuple
	err := e.Execute(ctx, func(ctx context.Context, txnID common.TxnID) error {
		for t, err := range e.Scan(ctx, txnID, table) {
			if err != nil {
				return err
			}
			res = append(res, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) Stats() bufferpool.Stats {
	return e.pool.Stats()
}

// Close aborts whatever transactions are still running, saves the catalog
// and closes the log. Uncommitted pages are never written.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	for _, txnID := range e.locks.ActiveTransactions() {
		e.logger.Warnw("aborting unfinished transaction", "txn_id", txnID)
		err = errors.Join(err, e.Abort(txnID))
	}

	err = errors.Join(err, e.catalog.Save(), e.wal.Close())
	if err != nil {
		e.logger.Errorw("failed to close engine", "error", err)
		return err
	}

	e.logger.Infow("engine closed", "data_dir", e.cfg.DataDir)
	return nil
}
