package delivery

import (
	"context"
	"iter"

	"github.com/Blackdeer1524/HeapDB/src/bufferpool"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/catalog"
)

type Engine interface {
	Execute(ctx context.Context, fn func(ctx context.Context, txnID common.TxnID) error) error
	CreateTable(name string, desc *storage.TupleDesc) (common.FileID, error)
	Table(name string) (catalog.Table, error)
	Tables() []catalog.Table
	Insert(
		ctx context.Context,
		txnID common.TxnID,
		table string,
		values ...storage.Value,
	) (*storage.Tuple, error)
	Scan(ctx context.Context, txnID common.TxnID, table string) iter.Seq2[*storage.Tuple, error]
	Stats() bufferpool.Stats
}
