package heapfile

import (
	"context"
	"fmt"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
)

// Iterator walks a heap file page by page. The number of pages is fixed
// when the iterator is opened; pages appended later are not visited.
type Iterator struct {
	file  *HeapFile
	ctx   context.Context
	txnID common.TxnID

	open     bool
	numPages int
	nextPage int
	buf      []*storage.Tuple
	pos      int
}

func (f *HeapFile) Iterator(ctx context.Context, txnID common.TxnID) *Iterator {
	return &Iterator{
		file:  f,
		ctx:   ctx,
		txnID: txnID,
	}
}

func (it *Iterator) Open() error {
	numPages, err := it.file.NumPages()
	if err != nil {
		return err
	}

	it.open = true
	it.numPages = numPages
	it.nextPage = 0
	it.buf = nil
	it.pos = 0
	return nil
}

func (it *Iterator) HasNext() (bool, error) {
	if !it.open {
		return false, ErrIteratorClosed
	}

	for it.pos >= len(it.buf) {
		if it.nextPage >= it.numPages {
			return false, nil
		}

		p, err := it.file.getPage(
			it.ctx,
			it.txnID,
			common.PageID(it.nextPage), //nolint:gosec
			common.ReadOnly,
		)
		if err != nil {
			return false, err
		}

		it.nextPage++
		it.buf = p.Tuples()
		it.pos = 0
	}
	return true, nil
}

func (it *Iterator) Next() (*storage.Tuple, error) {
	ok, err := it.HasNext()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: scanned %d pages of file %d", ErrNoSuchElement, it.numPages, it.file.id)
	}

	t := it.buf[it.pos]
	it.pos++
	return t, nil
}

// Rewind restarts the scan from the first page.
func (it *Iterator) Rewind() error {
	it.Close()
	return it.Open()
}

func (it *Iterator) Close() {
	it.open = false
	it.buf = nil
	it.pos = 0
}
