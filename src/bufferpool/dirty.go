package bufferpool

import (
	"github.com/tidwall/btree"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

type dirtyEntry struct {
	txnID  common.TxnID
	pIdent common.PageIdentity
}

func dirtyLess(a, b dirtyEntry) bool {
	if a.txnID != b.txnID {
		return a.txnID < b.txnID
	}
	return a.pIdent.Compare(b.pIdent) < 0
}

// dirtyIndex tracks which transaction dirtied which page, ordered so that
// a transaction's pages are adjacent.
type dirtyIndex struct {
	tree *btree.BTreeG[dirtyEntry]
}

func newDirtyIndex() *dirtyIndex {
	return &dirtyIndex{
		tree: btree.NewBTreeGOptions(dirtyLess, btree.Options{NoLocks: true}),
	}
}

func (d *dirtyIndex) add(txnID common.TxnID, pIdent common.PageIdentity) {
	d.tree.Set(dirtyEntry{txnID: txnID, pIdent: pIdent})
}

func (d *dirtyIndex) remove(txnID common.TxnID, pIdent common.PageIdentity) {
	d.tree.Delete(dirtyEntry{txnID: txnID, pIdent: pIdent})
}

func (d *dirtyIndex) pagesOf(txnID common.TxnID) []common.PageIdentity {
	var res []common.PageIdentity
	d.tree.Ascend(dirtyEntry{txnID: txnID}, func(e dirtyEntry) bool {
		if e.txnID != txnID {
			return false
		}
		res = append(res, e.pIdent)
		return true
	})
	return res
}

func (d *dirtyIndex) all() []dirtyEntry {
	res := make([]dirtyEntry, 0, d.tree.Len())
	d.tree.Scan(func(e dirtyEntry) bool {
		res = append(res, e)
		return true
	})
	return res
}

func (d *dirtyIndex) len() int {
	return d.tree.Len()
}
