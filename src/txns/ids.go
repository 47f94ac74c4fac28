package txns

import (
	"sync/atomic"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

// IDSource hands out transaction ids. Ids start at 1; common.NilTxnID is
// never issued.
type IDSource struct {
	last atomic.Uint64
}

func NewIDSource(last common.TxnID) *IDSource {
	s := &IDSource{}
	s.last.Store(uint64(last))
	return s
}

func (s *IDSource) Next() common.TxnID {
	return common.TxnID(s.last.Add(1))
}

func (s *IDSource) Last() common.TxnID {
	return common.TxnID(s.last.Load())
}
