package common

import (
	"cmp"
	"fmt"
	"math"
)

type FileID uint64
type PageID uint64
type TxnID uint64
type LSN uint64

// NilTxnID tags a page that is not dirtied by any transaction.
const NilTxnID = TxnID(0)

const NilLSN = LSN(math.MaxUint64)

// PageIdentity addresses a page by the file (table) it lives in and its
// page number inside that file. It's the key of both the page cache and
// the lock table.
type PageIdentity struct {
	FileID FileID `json:"file_id"`
	PageID PageID `json:"page_id"`
}

func (p PageIdentity) String() string {
	return fmt.Sprintf("page(%d:%d)", p.FileID, p.PageID)
}

// Compare orders identities by file and then by page number.
func (p PageIdentity) Compare(other PageIdentity) int {
	if c := cmp.Compare(p.FileID, other.FileID); c != 0 {
		return c
	}
	return cmp.Compare(p.PageID, other.PageID)
}

type RecordID struct {
	FileID  FileID `json:"file_id"`
	PageID  PageID `json:"page_id"`
	SlotNum uint16 `json:"slot_num"`
}

func (r RecordID) PageIdentity() PageIdentity {
	return PageIdentity{
		FileID: r.FileID,
		PageID: r.PageID,
	}
}

func (r RecordID) String() string {
	return fmt.Sprintf("record(%d:%d:%d)", r.FileID, r.PageID, r.SlotNum)
}

// Permission is what an operator asks for when it fetches a page.
type Permission uint8

const (
	ReadOnly Permission = iota
	ReadWrite
)

func (p Permission) String() string {
	switch p {
	case ReadOnly:
		return "READ_ONLY"
	case ReadWrite:
		return "READ_WRITE"
	default:
		return fmt.Sprintf("Permission(%d)", uint8(p))
	}
}
