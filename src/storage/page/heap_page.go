package page

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"

	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
)

var (
	ErrPageFull     = errors.New("no empty slots on page")
	ErrSlotEmpty    = errors.New("slot is empty")
	ErrWrongPage    = errors.New("tuple does not belong to this page")
	ErrBadPageSize  = errors.New("invalid page size")
	ErrDescMismatch = errors.New("tuple desc mismatch")
)

// MaxSlots bounds the slots of a page by the range of RecordID.SlotNum.
const MaxSlots = math.MaxUint16 + 1

// NumSlots is the number of tuples of tupleSize bytes that fit on a page:
// each slot costs its tuple bytes plus one header bit.
func NumSlots(pageSize, tupleSize int) int {
	return (pageSize * 8) / (tupleSize*8 + 1)
}

func headerSize(numSlots int) int {
	return (numSlots + 7) / 8
}

// HeapPage stores fixed-width tuples of a single schema.
//
// Layout: a header bitmap with one bit per slot (bit i%8 of byte i/8 marks
// slot i as used), followed by numSlots tuple slots of desc.Size() bytes.
// Unused slots and the tail of the page are zero bytes.
type HeapPage struct {
	latch sync.RWMutex

	pageIdent common.PageIdentity
	desc      *storage.TupleDesc
	pageSize  int
	numSlots  int

	header []byte
	tuples []*storage.Tuple

	dirty      bool
	dirtier    common.TxnID
	lastAccess uint64

	beforeImage []byte
}

// NewHeapPage parses a page of exactly pageSize bytes.
func NewHeapPage(
	pageIdent common.PageIdentity,
	desc *storage.TupleDesc,
	pageSize int,
	data []byte,
) (*HeapPage, error) {
	if len(data) != pageSize {
		return nil, fmt.Errorf(
			"%w: page %v has %d bytes, expected %d",
			ErrBadPageSize,
			pageIdent,
			len(data),
			pageSize,
		)
	}

	numSlots := NumSlots(pageSize, desc.Size())
	if numSlots < 1 {
		return nil, fmt.Errorf(
			"%w: %d bytes can't hold a tuple of %d bytes",
			ErrBadPageSize,
			pageSize,
			desc.Size(),
		)
	}
	if numSlots > MaxSlots {
		return nil, fmt.Errorf(
			"%w: %d bytes hold %d tuples of %d bytes, at most %d are addressable",
			ErrBadPageSize,
			pageSize,
			numSlots,
			desc.Size(),
			MaxSlots,
		)
	}

	hdrSize := headerSize(numSlots)
	p := &HeapPage{
		pageIdent: pageIdent,
		desc:      desc,
		pageSize:  pageSize,
		numSlots:  numSlots,
		header:    make([]byte, hdrSize),
		tuples:    make([]*storage.Tuple, numSlots),
	}
	copy(p.header, data[:hdrSize])

	tupleSize := desc.Size()
	for slot := range numSlots {
		if !p.isSlotUsed(slot) {
			continue
		}

		off := hdrSize + slot*tupleSize
		t, err := storage.DecodeTuple(desc, data[off:off+tupleSize])
		if err != nil {
			return nil, fmt.Errorf("failed to decode slot %d of %v: %w", slot, pageIdent, err)
		}
		t.SetRecordID(p.recordID(slot))
		p.tuples[slot] = t
	}

	p.beforeImage = make([]byte, pageSize)
	copy(p.beforeImage, data)
	return p, nil
}

// NewEmptyHeapPage returns a page with every slot free.
func NewEmptyHeapPage(
	pageIdent common.PageIdentity,
	desc *storage.TupleDesc,
	pageSize int,
) (*HeapPage, error) {
	return NewHeapPage(pageIdent, desc, pageSize, EmptyPageData(pageSize))
}

func EmptyPageData(pageSize int) []byte {
	return make([]byte, pageSize)
}

func (p *HeapPage) ID() common.PageIdentity {
	return p.pageIdent
}

func (p *HeapPage) Desc() *storage.TupleDesc {
	return p.desc
}

func (p *HeapPage) NumSlots() int {
	return p.numSlots
}

func (p *HeapPage) recordID(slot int) common.RecordID {
	return common.RecordID{
		FileID:  p.pageIdent.FileID,
		PageID:  p.pageIdent.PageID,
		SlotNum: uint16(slot), //nolint:gosec
	}
}

func (p *HeapPage) isSlotUsed(slot int) bool {
	return p.header[slot/8]&(1<<(slot%8)) != 0
}

func (p *HeapPage) markSlot(slot int, used bool) {
	if used {
		p.header[slot/8] |= 1 << (slot % 8)
	} else {
		p.header[slot/8] &^= 1 << (slot % 8)
	}
}

func (p *HeapPage) IsSlotUsed(slot int) bool {
	p.latch.RLock()
	defer p.latch.RUnlock()

	if slot < 0 || slot >= p.numSlots {
		return false
	}
	return p.isSlotUsed(slot)
}

func (p *HeapPage) NumEmptySlots() int {
	p.latch.RLock()
	defer p.latch.RUnlock()

	return p.numEmptySlots()
}

func (p *HeapPage) numEmptySlots() int {
	empty := 0
	for slot := range p.numSlots {
		if !p.isSlotUsed(slot) {
			empty++
		}
	}
	return empty
}

// InsertTuple places a copy of t into the first free slot and assigns the
// record id to both the copy and t.
func (p *HeapPage) InsertTuple(t *storage.Tuple) error {
	if !p.desc.Equal(t.Desc()) {
		return fmt.Errorf("%w: page %v stores %s", ErrDescMismatch, p.pageIdent, p.desc)
	}

	p.latch.Lock()
	defer p.latch.Unlock()

	for slot := range p.numSlots {
		if p.isSlotUsed(slot) {
			continue
		}

		rid := p.recordID(slot)
		stored := t.Clone()
		stored.SetRecordID(rid)
		t.SetRecordID(rid)

		p.markSlot(slot, true)
		p.tuples[slot] = stored
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPageFull, p.pageIdent)
}

// DeleteTuple frees the slot t's record id points to.
func (p *HeapPage) DeleteTuple(t *storage.Tuple) error {
	rid, ok := t.RecordID()
	if !ok || rid.PageIdentity() != p.pageIdent {
		return fmt.Errorf("%w: %v", ErrWrongPage, p.pageIdent)
	}

	p.latch.Lock()
	defer p.latch.Unlock()

	slot := int(rid.SlotNum)
	if slot >= p.numSlots || !p.isSlotUsed(slot) {
		return fmt.Errorf("%w: %v", ErrSlotEmpty, rid)
	}

	stored := p.tuples[slot]
	p.markSlot(slot, false)
	p.tuples[slot] = nil

	stored.ClearRecordID()
	t.ClearRecordID()
	return nil
}

// Tuples returns the stored tuples in slot order. The snapshot is taken
// under the page latch; later page mutations don't affect it.
func (p *HeapPage) Tuples() []*storage.Tuple {
	p.latch.RLock()
	defer p.latch.RUnlock()

	res := make([]*storage.Tuple, 0, p.numSlots-p.numEmptySlots())
	for _, t := range p.tuples {
		if t != nil {
			res = append(res, t)
		}
	}
	return res
}

func (p *HeapPage) All() iter.Seq[*storage.Tuple] {
	return func(yield func(*storage.Tuple) bool) {
		for _, t := range p.Tuples() {
			if !yield(t) {
				return
			}
		}
	}
}

// Data serializes the page into exactly pageSize bytes.
func (p *HeapPage) Data() []byte {
	p.latch.RLock()
	defer p.latch.RUnlock()

	return p.data()
}

func (p *HeapPage) data() []byte {
	data := make([]byte, p.pageSize)
	hdrSize := copy(data, p.header)
	assert.Assert(hdrSize == len(p.header), "page %v is too small for its header", p.pageIdent)

	tupleSize := p.desc.Size()
	for slot, t := range p.tuples {
		if t == nil {
			continue
		}
		off := hdrSize + slot*tupleSize
		t.Encode(data[off : off+tupleSize])
	}
	return data
}

// MarkDirty tags the page with the transaction that modified it last.
// Clearing the flag drops the tag.
func (p *HeapPage) MarkDirty(dirty bool, txnID common.TxnID) {
	p.latch.Lock()
	defer p.latch.Unlock()

	p.dirty = dirty
	if dirty {
		p.dirtier = txnID
	} else {
		p.dirtier = common.NilTxnID
	}
}

// IsDirty reports the dirtying transaction, if any.
func (p *HeapPage) IsDirty() (common.TxnID, bool) {
	p.latch.RLock()
	defer p.latch.RUnlock()

	return p.dirtier, p.dirty
}

func (p *HeapPage) LastAccess() uint64 {
	p.latch.RLock()
	defer p.latch.RUnlock()

	return p.lastAccess
}

func (p *HeapPage) Touch(ts uint64) {
	p.latch.Lock()
	defer p.latch.Unlock()

	p.lastAccess = ts
}

// BeforeImage is the page content as of the last load or commit.
func (p *HeapPage) BeforeImage() []byte {
	p.latch.RLock()
	defer p.latch.RUnlock()

	img := make([]byte, len(p.beforeImage))
	copy(img, p.beforeImage)
	return img
}

// SetBeforeImage snapshots the current content as the new before-image.
func (p *HeapPage) SetBeforeImage() {
	p.latch.Lock()
	defer p.latch.Unlock()

	p.beforeImage = p.data()
}
