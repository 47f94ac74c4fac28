package txns

import (
	"errors"
	"fmt"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

var (
	// ErrDeadlock is returned when a shared holder asks for an exclusive
	// lock while other transactions share the page. The requester has to
	// abort; retrying can't succeed.
	ErrDeadlock = errors.New("lock upgrade conflicts with other shared holders")

	ErrLockTimeout = errors.New("lock wait timed out")
)

type TaggedType[T any] struct{ v T } // this trick forbids casting one lock mode to another

type LockMode TaggedType[uint8]

var (
	LockShared    LockMode = LockMode{0}
	LockExclusive LockMode = LockMode{1}
)

// ModeFor maps an access permission onto the page lock it requires.
func ModeFor(perm common.Permission) LockMode {
	if perm == common.ReadWrite {
		return LockExclusive
	}
	return LockShared
}

func (m LockMode) String() string {
	switch m {
	case LockShared:
		return "SHARED"
	case LockExclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("LockMode(%d)", m.v)
	}
}

// Compatible reports whether m can be granted next to a holder of other.
func (m LockMode) Compatible(other LockMode) bool {
	return m == LockShared && other == LockShared
}

// WeakerOrEqual reports whether holding other already covers m.
func (m LockMode) WeakerOrEqual(other LockMode) bool {
	return m == LockShared || other == LockExclusive
}
