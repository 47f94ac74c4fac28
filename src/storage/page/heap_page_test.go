package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
)

const testPageSize = 256

func intDesc(t *testing.T, n int) *storage.TupleDesc {
	t.Helper()

	types := make([]storage.ColumnType, n)
	for i := range types {
		types[i] = storage.ColumnTypeInt64
	}
	desc, err := storage.NewTupleDescFromTypes(types...)
	require.NoError(t, err)
	return desc
}

func intTuple(t *testing.T, desc *storage.TupleDesc, vals ...int64) *storage.Tuple {
	t.Helper()

	values := make([]storage.Value, len(vals))
	for i, v := range vals {
		values[i] = storage.Int64Value(v)
	}
	tup, err := storage.NewTuple(desc, values...)
	require.NoError(t, err)
	return tup
}

func TestNumSlots(t *testing.T) {
	// two int64 columns: 16 bytes per tuple plus a header bit
	assert.Equal(t, 15, NumSlots(testPageSize, 16))
	assert.Equal(t, 2, headerSize(15))
	assert.Equal(t, 0, NumSlots(8, 16))
}

func TestPageSizeBeyondSlotRange(t *testing.T) {
	desc := intDesc(t, 1)
	require.Equal(t, 129055, NumSlots(1<<20, desc.Size()))

	_, err := NewEmptyHeapPage(common.PageIdentity{FileID: 1}, desc, 1<<20)
	assert.ErrorIs(t, err, ErrBadPageSize)

	// the largest page whose slots all fit into a uint16 slot number
	pageSize := MaxSlots * (desc.Size()*8 + 1) / 8
	require.Equal(t, MaxSlots, NumSlots(pageSize, desc.Size()))
	p, err := NewEmptyHeapPage(common.PageIdentity{FileID: 1}, desc, pageSize)
	require.NoError(t, err)
	assert.Equal(t, MaxSlots, p.NumSlots())

	_, err = NewEmptyHeapPage(common.PageIdentity{FileID: 1}, desc, pageSize+desc.Size()+1)
	assert.ErrorIs(t, err, ErrBadPageSize)
}

func TestEmptyPage(t *testing.T) {
	desc := intDesc(t, 2)
	pIdent := common.PageIdentity{FileID: 1, PageID: 0}

	p, err := NewEmptyHeapPage(pIdent, desc, testPageSize)
	require.NoError(t, err)

	assert.Equal(t, pIdent, p.ID())
	assert.Equal(t, 15, p.NumSlots())
	assert.Equal(t, 15, p.NumEmptySlots())
	assert.Empty(t, p.Tuples())
	assert.Equal(t, EmptyPageData(testPageSize), p.Data())
}

func TestInsertDeleteTuple(t *testing.T) {
	desc := intDesc(t, 2)
	pIdent := common.PageIdentity{FileID: 1, PageID: 3}
	p, err := NewEmptyHeapPage(pIdent, desc, testPageSize)
	require.NoError(t, err)

	first := intTuple(t, desc, 1, 2)
	second := intTuple(t, desc, 3, 4)
	require.NoError(t, p.InsertTuple(first))
	require.NoError(t, p.InsertTuple(second))

	rid, ok := second.RecordID()
	require.True(t, ok)
	assert.Equal(t, common.RecordID{FileID: 1, PageID: 3, SlotNum: 1}, rid)
	assert.Equal(t, 13, p.NumEmptySlots())
	assert.True(t, p.IsSlotUsed(1))

	require.NoError(t, p.DeleteTuple(first))
	_, ok = first.RecordID()
	assert.False(t, ok)
	assert.False(t, p.IsSlotUsed(0))

	third := intTuple(t, desc, 5, 6)
	require.NoError(t, p.InsertTuple(third))
	rid, _ = third.RecordID()
	assert.Equal(t, uint16(0), rid.SlotNum, "freed slot is reused first")
}

func TestInsertSameTupleTwice(t *testing.T) {
	desc := intDesc(t, 2)
	p, err := NewEmptyHeapPage(common.PageIdentity{FileID: 1, PageID: 0}, desc, testPageSize)
	require.NoError(t, err)

	tup := intTuple(t, desc, 7, 7)
	require.NoError(t, p.InsertTuple(tup))
	require.NoError(t, p.InsertTuple(tup))

	stored := p.Tuples()
	require.Len(t, stored, 2)
	firstRID, ok := stored[0].RecordID()
	require.True(t, ok)
	secondRID, ok := stored[1].RecordID()
	require.True(t, ok)
	assert.Equal(t, uint16(0), firstRID.SlotNum)
	assert.Equal(t, uint16(1), secondRID.SlotNum)

	callerRID, _ := tup.RecordID()
	assert.Equal(t, secondRID, callerRID)

	require.NoError(t, p.DeleteTuple(stored[0]))
	require.NoError(t, p.DeleteTuple(stored[1]))
	assert.Equal(t, p.NumSlots(), p.NumEmptySlots())
	assert.Empty(t, p.Tuples())
}

func TestDeleteTupleErrors(t *testing.T) {
	desc := intDesc(t, 2)
	p, err := NewEmptyHeapPage(common.PageIdentity{FileID: 1, PageID: 0}, desc, testPageSize)
	require.NoError(t, err)

	unsaved := intTuple(t, desc, 1, 1)
	assert.ErrorIs(t, p.DeleteTuple(unsaved), ErrWrongPage)

	foreign := intTuple(t, desc, 1, 1)
	foreign.SetRecordID(common.RecordID{FileID: 2, PageID: 0, SlotNum: 0})
	assert.ErrorIs(t, p.DeleteTuple(foreign), ErrWrongPage)

	ghost := intTuple(t, desc, 1, 1)
	ghost.SetRecordID(common.RecordID{FileID: 1, PageID: 0, SlotNum: 4})
	assert.ErrorIs(t, p.DeleteTuple(ghost), ErrSlotEmpty)
}

func TestPageFull(t *testing.T) {
	desc := intDesc(t, 2)
	p, err := NewEmptyHeapPage(common.PageIdentity{FileID: 1, PageID: 0}, desc, testPageSize)
	require.NoError(t, err)

	for i := range p.NumSlots() {
		require.NoError(t, p.InsertTuple(intTuple(t, desc, int64(i), 0)))
	}
	assert.Equal(t, 0, p.NumEmptySlots())
	assert.ErrorIs(t, p.InsertTuple(intTuple(t, desc, 0, 0)), ErrPageFull)
}

func TestInsertRejectsOtherSchema(t *testing.T) {
	p, err := NewEmptyHeapPage(common.PageIdentity{}, intDesc(t, 2), testPageSize)
	require.NoError(t, err)

	other := intDesc(t, 3)
	assert.ErrorIs(t, p.InsertTuple(intTuple(t, other, 1, 2, 3)), ErrDescMismatch)
}

func TestDataRoundTrip(t *testing.T) {
	desc := intDesc(t, 2)
	pIdent := common.PageIdentity{FileID: 7, PageID: 2}
	p, err := NewEmptyHeapPage(pIdent, desc, testPageSize)
	require.NoError(t, err)

	for i := range 9 {
		require.NoError(t, p.InsertTuple(intTuple(t, desc, int64(i), int64(i*i))))
	}
	require.NoError(t, p.DeleteTuple(p.Tuples()[4]))

	data := p.Data()
	require.Len(t, data, testPageSize)

	parsed, err := NewHeapPage(pIdent, desc, testPageSize, data)
	require.NoError(t, err)
	assert.Equal(t, data, parsed.Data())
	assert.Equal(t, data, parsed.BeforeImage())

	got := parsed.Tuples()
	want := p.Tuples()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]))
		wantRID, _ := want[i].RecordID()
		gotRID, _ := got[i].RecordID()
		assert.Equal(t, wantRID, gotRID)
	}
}

func TestNewHeapPageRejectsWrongSize(t *testing.T) {
	desc := intDesc(t, 2)
	_, err := NewHeapPage(common.PageIdentity{}, desc, testPageSize, make([]byte, testPageSize-1))
	assert.ErrorIs(t, err, ErrBadPageSize)

	_, err = NewEmptyHeapPage(common.PageIdentity{}, desc, 8)
	assert.ErrorIs(t, err, ErrBadPageSize)
}

func TestDirtyAndBeforeImage(t *testing.T) {
	desc := intDesc(t, 2)
	p, err := NewEmptyHeapPage(common.PageIdentity{FileID: 1}, desc, testPageSize)
	require.NoError(t, err)

	_, dirty := p.IsDirty()
	assert.False(t, dirty)

	require.NoError(t, p.InsertTuple(intTuple(t, desc, 1, 2)))
	p.MarkDirty(true, 11)
	txnID, dirty := p.IsDirty()
	assert.True(t, dirty)
	assert.Equal(t, common.TxnID(11), txnID)

	assert.Equal(t, EmptyPageData(testPageSize), p.BeforeImage())
	p.SetBeforeImage()
	assert.Equal(t, p.Data(), p.BeforeImage())

	p.MarkDirty(false, 11)
	txnID, dirty = p.IsDirty()
	assert.False(t, dirty)
	assert.Equal(t, common.NilTxnID, txnID)

	p.Touch(42)
	assert.Equal(t, uint64(42), p.LastAccess())
}

func TestAllStopsEarly(t *testing.T) {
	desc := intDesc(t, 2)
	p, err := NewEmptyHeapPage(common.PageIdentity{}, desc, testPageSize)
	require.NoError(t, err)
	for i := range 5 {
		require.NoError(t, p.InsertTuple(intTuple(t, desc, int64(i), 0)))
	}

	seen := 0
	for range p.All() {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}
