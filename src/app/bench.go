package app

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants"

	"github.com/Blackdeer1524/HeapDB/src/bufferpool"
	"github.com/Blackdeer1524/HeapDB/src/engine"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/catalog"
)

type BenchOptions struct {
	Table      string
	Workers    int
	Txns       int
	RowsPerTxn int
	Retries    int
}

type BenchResult struct {
	Committed int64         `json:"committed"`
	Retried   int64         `json:"retried"`
	Failed    int64         `json:"failed"`
	Rows      int64         `json:"rows"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (r BenchResult) String() string {
	return fmt.Sprintf(
		"committed=%d retried=%d failed=%d rows=%d elapsed=%v",
		r.Committed,
		r.Retried,
		r.Failed,
		r.Rows,
		r.Elapsed,
	)
}

// benchSchema is the layout of the table the benchmark writes into.
func benchSchema() *storage.TupleDesc {
	desc, err := storage.NewTupleDesc(
		storage.Column{Name: "id", Type: storage.ColumnTypeInt64},
		storage.Column{Name: "tag", Type: storage.ColumnTypeUUID},
	)
	if err != nil {
		panic(err)
	}
	return desc
}

func retryable(err error) bool {
	return errors.Is(err, bufferpool.ErrTxnAborted) || errors.Is(err, bufferpool.ErrNoSpaceLeft)
}

// RunBench submits opts.Txns insert transactions to a pool of opts.Workers
// goroutines. Transactions killed by lock conflicts or a full buffer pool
// are retried up to opts.Retries times.
func RunBench(ctx context.Context, e *engine.Engine, opts BenchOptions) (BenchResult, error) {
	if opts.Workers <= 0 || opts.Txns <= 0 || opts.RowsPerTxn <= 0 {
		return BenchResult{}, errors.New("workers, txns and rows must be positive")
	}

	if _, err := e.Table(opts.Table); errors.Is(err, catalog.ErrEntityNotFound) {
		if _, err := e.CreateTable(opts.Table, benchSchema()); err != nil {
			return BenchResult{}, err
		}
	} else if err != nil {
		return BenchResult{}, err
	}

	workerPool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return BenchResult{}, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer workerPool.Release()

	var (
		nextID    atomic.Int64
		committed atomic.Int64
		retried   atomic.Int64
		failed    atomic.Int64

		errMu    sync.Mutex
		firstErr error
	)

	task := func(ctx context.Context, txnID common.TxnID) error {
		for range opts.RowsPerTxn {
			_, err := e.Insert(
				ctx,
				txnID,
				opts.Table,
				storage.Int64Value(nextID.Add(1)),
				storage.UUIDValue(uuid.New()),
			)
			if err != nil {
				return err
			}
		}
		return nil
	}

	wg := sync.WaitGroup{}
	retryingTask := func() {
		defer wg.Done()

		var err error
		for attempt := 0; attempt <= opts.Retries; attempt++ {
			if err = e.Execute(ctx, task); err == nil {
				committed.Add(1)
				return
			}
			if !retryable(err) || ctx.Err() != nil {
				break
			}
			retried.Add(1)
			runtime.Gosched()
		}

		failed.Add(1)
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
	}

	start := time.Now()
	for range opts.Txns {
		wg.Add(1)
		if err := workerPool.Submit(retryingTask); err != nil {
			wg.Done()
			wg.Wait()
			return BenchResult{}, fmt.Errorf("failed to submit task: %w", err)
		}
	}
	wg.Wait()

	res := BenchResult{
		Committed: committed.Load(),
		Retried:   retried.Load(),
		Failed:    failed.Load(),
		Rows:      committed.Load() * int64(opts.RowsPerTxn),
		Elapsed:   time.Since(start),
	}
	if firstErr != nil && res.Committed == 0 {
		return res, firstErr
	}
	return res, nil
}
