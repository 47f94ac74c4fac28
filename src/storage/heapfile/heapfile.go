package heapfile

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/disk"
	"github.com/Blackdeer1524/HeapDB/src/storage/page"
)

var (
	ErrForeignTuple   = errors.New("tuple does not belong to this file")
	ErrNoSuchElement  = errors.New("no more elements")
	ErrIteratorClosed = errors.New("iterator is closed")
)

// Pager hands out locked, cached pages. The buffer pool implements it.
type Pager interface {
	GetPage(
		ctx context.Context,
		txnID common.TxnID,
		pIdent common.PageIdentity,
		perm common.Permission,
	) (*page.HeapPage, error)
}

// HeapFile stores the tuples of one table as an unordered sequence of
// pages. Tuple access goes through the pager so that every page touch
// is lock-checked; only raw page I/O talks to the disk directly.
type HeapFile struct {
	id   common.FileID
	desc *storage.TupleDesc
	disk *disk.Manager

	// serializes appending pages
	extendMu sync.Mutex

	pagerMu sync.RWMutex
	pager   Pager
}

func New(
	id common.FileID,
	path string,
	desc *storage.TupleDesc,
	dm *disk.Manager,
	pager Pager,
) *HeapFile {
	dm.InsertToFileMap(id, path)
	return &HeapFile{
		id:    id,
		desc:  desc,
		disk:  dm,
		pager: pager,
	}
}

func (f *HeapFile) SetPager(pager Pager) {
	f.pagerMu.Lock()
	defer f.pagerMu.Unlock()

	f.pager = pager
}

func (f *HeapFile) getPage(
	ctx context.Context,
	txnID common.TxnID,
	pageID common.PageID,
	perm common.Permission,
) (*page.HeapPage, error) {
	f.pagerMu.RLock()
	pager := f.pager
	f.pagerMu.RUnlock()

	assert.Assert(pager != nil, "heap file %d has no pager", f.id)
	return pager.GetPage(ctx, txnID, common.PageIdentity{FileID: f.id, PageID: pageID}, perm)
}

func (f *HeapFile) ID() common.FileID {
	return f.id
}

func (f *HeapFile) Desc() *storage.TupleDesc {
	return f.desc
}

func (f *HeapFile) PageSize() int {
	return f.disk.PageSize()
}

func (f *HeapFile) ReadPage(pIdent common.PageIdentity) (*page.HeapPage, error) {
	if pIdent.FileID != f.id {
		return nil, fmt.Errorf("%w: %v requested from file %d", ErrForeignTuple, pIdent, f.id)
	}

	data, err := f.disk.ReadPage(pIdent)
	if err != nil {
		return nil, err
	}
	return page.NewHeapPage(pIdent, f.desc, f.disk.PageSize(), data)
}

func (f *HeapFile) WritePage(p *page.HeapPage) error {
	assert.Assert(p.ID().FileID == f.id, "page %v written to file %d", p.ID(), f.id)
	return f.disk.WritePage(p.ID(), p.Data())
}

func (f *HeapFile) NumPages() (int, error) {
	return f.disk.NumPages(f.id)
}

// FileLength is the size of the backing file in bytes.
func (f *HeapFile) FileLength() (int64, error) {
	return f.disk.FileLength(f.id)
}

func (f *HeapFile) checkDesc(t *storage.Tuple) error {
	if !f.desc.Equal(t.Desc()) {
		return fmt.Errorf(
			"%w: file %d stores %s, tuple has %s",
			storage.ErrSchemaMismatch,
			f.id,
			f.desc,
			t.Desc(),
		)
	}
	return nil
}

// InsertTuple puts t on the first page with a free slot, appending a new
// page if every existing one is full. It returns the mutated pages.
func (f *HeapFile) InsertTuple(
	ctx context.Context,
	txnID common.TxnID,
	t *storage.Tuple,
) ([]*page.HeapPage, error) {
	if err := f.checkDesc(t); err != nil {
		return nil, err
	}

	start := 0
	for {
		numPages, err := f.NumPages()
		if err != nil {
			return nil, err
		}

		for pageNo := start; pageNo < numPages; pageNo++ {
			p, err := f.getPage(ctx, txnID, common.PageID(pageNo), common.ReadWrite) //nolint:gosec
			if err != nil {
				return nil, err
			}
			if p.NumEmptySlots() == 0 {
				continue
			}

			err = p.InsertTuple(t)
			if errors.Is(err, page.ErrPageFull) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return []*page.HeapPage{p}, nil
		}

		start = numPages
		if err := f.appendPage(numPages); err != nil {
			return nil, err
		}
	}
}

// appendPage writes an empty page at pageNo unless someone already
// extended the file past it.
func (f *HeapFile) appendPage(pageNo int) error {
	f.extendMu.Lock()
	defer f.extendMu.Unlock()

	numPages, err := f.NumPages()
	if err != nil {
		return err
	}
	if numPages > pageNo {
		return nil
	}

	pIdent := common.PageIdentity{FileID: f.id, PageID: common.PageID(numPages)} //nolint:gosec
	return f.disk.WritePage(pIdent, page.EmptyPageData(f.disk.PageSize()))
}

// DeleteTuple removes t from the page its record id points to.
func (f *HeapFile) DeleteTuple(
	ctx context.Context,
	txnID common.TxnID,
	t *storage.Tuple,
) ([]*page.HeapPage, error) {
	rid, ok := t.RecordID()
	if !ok {
		return nil, fmt.Errorf("%w: tuple has no record id", ErrForeignTuple)
	}
	if rid.FileID != f.id {
		return nil, fmt.Errorf("%w: %v is not in file %d", ErrForeignTuple, rid, f.id)
	}

	p, err := f.getPage(ctx, txnID, rid.PageID, common.ReadWrite)
	if err != nil {
		return nil, err
	}
	if err := p.DeleteTuple(t); err != nil {
		return nil, err
	}
	return []*page.HeapPage{p}, nil
}

// Scan yields every tuple visible to txnID. It stops at the first error.
func (f *HeapFile) Scan(ctx context.Context, txnID common.TxnID) iter.Seq2[*storage.Tuple, error] {
	return func(yield func(*storage.Tuple, error) bool) {
		it := f.Iterator(ctx, txnID)
		if err := it.Open(); err != nil {
			yield(nil, err)
			return
		}
		defer it.Close()

		for {
			ok, err := it.HasNext()
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}

			t, err := it.Next()
			if !yield(t, err) || err != nil {
				return
			}
		}
	}
}
