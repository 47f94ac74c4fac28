package txns

import (
	"context"
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

const numShards = 64

type pageLocks struct {
	exclusive common.TxnID
	shared    map[common.TxnID]struct{}
}

func (l *pageLocks) isEmpty() bool {
	return l.exclusive == common.NilTxnID && len(l.shared) == 0
}

func (l *pageLocks) modeOf(txnID common.TxnID) (LockMode, bool) {
	if l.exclusive == txnID {
		return LockExclusive, true
	}
	if _, ok := l.shared[txnID]; ok {
		return LockShared, true
	}
	return LockShared, false
}

// held is the strongest mode granted on a non-empty lock.
func (l *pageLocks) held() LockMode {
	if l.exclusive != common.NilTxnID {
		return LockExclusive
	}
	return LockShared
}

type shard struct {
	mu    sync.Mutex
	locks map[common.PageIdentity]*pageLocks

	// released is closed (and replaced) whenever a lock in this shard goes
	// away. Waiters grab it under mu together with their failed attempt.
	released chan struct{}
}

func (s *shard) notify() {
	close(s.released)
	s.released = make(chan struct{})
}

// LockManager keeps page-level shared/exclusive locks under strict
// two-phase locking. The table is split into shards by page identity;
// each shard has its own mutex.
type LockManager struct {
	shards [numShards]shard

	// txn -> pages it holds. Values are replaced, never mutated in place.
	held *xsync.MapOf[common.TxnID, map[common.PageIdentity]struct{}]

	recheck time.Duration
	logger  src.Logger
}

func NewLockManager() *LockManager {
	m := &LockManager{
		held:   xsync.NewMapOf[common.TxnID, map[common.PageIdentity]struct{}](),
		logger: src.NopLogger(),
	}
	for i := range m.shards {
		m.shards[i].locks = map[common.PageIdentity]*pageLocks{}
		m.shards[i].released = make(chan struct{})
	}
	return m
}

func (m *LockManager) SetLogger(logger src.Logger) {
	m.logger = logger
}

// SetRecheckInterval bounds the time a waiter sleeps between attempts even
// if no release wakes it up. Zero means waiters only wake on releases.
func (m *LockManager) SetRecheckInterval(d time.Duration) {
	m.recheck = d
}

func (m *LockManager) shardOf(pIdent common.PageIdentity) *shard {
	var key [16]byte
	binary.BigEndian.PutUint64(key[:8], uint64(pIdent.FileID))
	binary.BigEndian.PutUint64(key[8:], uint64(pIdent.PageID))
	return &m.shards[xxhash.Sum64(key[:])%numShards]
}

// TryLock makes a single non-blocking attempt. It returns false when the
// lock is held by others in an incompatible way and ErrDeadlock when the
// request is an upgrade that can never be granted.
//
// Rules, in order:
//  1. an unlocked page is granted in any mode;
//  2. an exclusive holder gets whatever it asks for;
//  3. a shared holder asking for shared is a no-op;
//  4. a shared holder asking for exclusive is upgraded only if it is the
//     sole holder, otherwise ErrDeadlock;
//  5. a newcomer asking for shared joins the shared set;
//  6. a newcomer asking for exclusive on a shared page is denied;
//  7. any request against another transaction's exclusive lock is denied.
func (m *LockManager) TryLock(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	mode LockMode,
) (bool, error) {
	assert.Assert(txnID != common.NilTxnID, "locking %v with a nil transaction", pIdent)

	s := m.shardOf(pIdent)
	s.mu.Lock()
	defer s.mu.Unlock()

	return m.tryLock(s, txnID, pIdent, mode)
}

func (m *LockManager) tryLock(
	s *shard,
	txnID common.TxnID,
	pIdent common.PageIdentity,
	mode LockMode,
) (bool, error) {
	l, ok := s.locks[pIdent]
	if !ok || l.isEmpty() {
		l = &pageLocks{shared: map[common.TxnID]struct{}{}}
		if mode == LockExclusive {
			l.exclusive = txnID
		} else {
			l.shared[txnID] = struct{}{}
		}
		s.locks[pIdent] = l
		m.remember(txnID, pIdent)
		return true, nil
	}

	if heldMode, holds := l.modeOf(txnID); holds {
		if mode.WeakerOrEqual(heldMode) {
			return true, nil
		}

		if len(l.shared) > 1 {
			return false, fmt.Errorf(
				"%w: txn %d on %v shared with %d others",
				ErrDeadlock,
				txnID,
				pIdent,
				len(l.shared)-1,
			)
		}
		delete(l.shared, txnID)
		l.exclusive = txnID
		return true, nil
	}

	if !mode.Compatible(l.held()) {
		return false, nil
	}

	l.shared[txnID] = struct{}{}
	m.remember(txnID, pIdent)
	return true, nil
}

// Lock waits until the lock is granted, ctx is done or the request turns
// out to be a doomed upgrade. A wait that runs out of ctx fails with
// ErrLockTimeout.
func (m *LockManager) Lock(
	ctx context.Context,
	txnID common.TxnID,
	pIdent common.PageIdentity,
	mode LockMode,
) error {
	assert.Assert(txnID != common.NilTxnID, "locking %v with a nil transaction", pIdent)

	s := m.shardOf(pIdent)
	for {
		s.mu.Lock()
		granted, err := m.tryLock(s, txnID, pIdent, mode)
		released := s.released
		s.mu.Unlock()

		if err != nil {
			return err
		}
		if granted {
			return nil
		}

		var (
			timer   *time.Timer
			recheck <-chan time.Time
		)
		if m.recheck > 0 {
			timer = time.NewTimer(m.recheck)
			recheck = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			m.logger.Warnw(
				"lock wait expired",
				"txn_id", txnID,
				"file_id", pIdent.FileID,
				"page_id", pIdent.PageID,
				"mode", mode,
			)
			return fmt.Errorf(
				"%w: txn %d waiting for %v on %v: %w",
				ErrLockTimeout,
				txnID,
				mode,
				pIdent,
				ctx.Err(),
			)
		case <-released:
		case <-recheck:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Unlock drops whatever lock txnID holds on pIdent. Releasing a lock that
// isn't held is a no-op.
func (m *LockManager) Unlock(txnID common.TxnID, pIdent common.PageIdentity) {
	m.release(txnID, pIdent)
	m.forget(txnID, pIdent)
}

// UnlockAll releases every lock of the transaction and returns how many
// pages it held.
func (m *LockManager) UnlockAll(txnID common.TxnID) int {
	pages, ok := m.held.LoadAndDelete(txnID)
	if !ok {
		return 0
	}

	for pIdent := range pages {
		m.release(txnID, pIdent)
	}
	return len(pages)
}

func (m *LockManager) release(txnID common.TxnID, pIdent common.PageIdentity) {
	s := m.shardOf(pIdent)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[pIdent]
	if !ok {
		return
	}

	switch {
	case l.exclusive == txnID:
		l.exclusive = common.NilTxnID
	default:
		if _, ok := l.shared[txnID]; !ok {
			return
		}
		delete(l.shared, txnID)
	}

	if l.isEmpty() {
		delete(s.locks, pIdent)
	}
	s.notify()
}

func (m *LockManager) remember(txnID common.TxnID, pIdent common.PageIdentity) {
	m.held.Compute(
		txnID,
		func(old map[common.PageIdentity]struct{}, loaded bool) (map[common.PageIdentity]struct{}, bool) {
			if _, ok := old[pIdent]; ok {
				return old, false
			}

			pages := make(map[common.PageIdentity]struct{}, len(old)+1)
			maps.Copy(pages, old)
			pages[pIdent] = struct{}{}
			return pages, false
		},
	)
}

func (m *LockManager) forget(txnID common.TxnID, pIdent common.PageIdentity) {
	m.held.Compute(
		txnID,
		func(old map[common.PageIdentity]struct{}, loaded bool) (map[common.PageIdentity]struct{}, bool) {
			if !loaded {
				return nil, true
			}
			if _, ok := old[pIdent]; !ok {
				return old, false
			}

			pages := maps.Clone(old)
			delete(pages, pIdent)
			return pages, len(pages) == 0
		},
	)
}

// HoldsLock reports whether txnID holds any lock on pIdent.
func (m *LockManager) HoldsLock(txnID common.TxnID, pIdent common.PageIdentity) bool {
	_, ok := m.HeldMode(txnID, pIdent)
	return ok
}

func (m *LockManager) HeldMode(
	txnID common.TxnID,
	pIdent common.PageIdentity,
) (LockMode, bool) {
	s := m.shardOf(pIdent)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[pIdent]
	if !ok {
		return LockShared, false
	}
	return l.modeOf(txnID)
}

// Holders returns a snapshot of the lock holders of a page.
func (m *LockManager) Holders(pIdent common.PageIdentity) map[common.TxnID]LockMode {
	s := m.shardOf(pIdent)
	s.mu.Lock()
	defer s.mu.Unlock()

	res := map[common.TxnID]LockMode{}
	l, ok := s.locks[pIdent]
	if !ok {
		return res
	}

	if l.exclusive != common.NilTxnID {
		res[l.exclusive] = LockExclusive
	}
	for txnID := range l.shared {
		res[txnID] = LockShared
	}
	return res
}

// HeldPages lists the pages locked by txnID in ascending order.
func (m *LockManager) HeldPages(txnID common.TxnID) []common.PageIdentity {
	pages, _ := m.held.Load(txnID)
	return slices.SortedFunc(maps.Keys(pages), common.PageIdentity.Compare)
}

func (m *LockManager) ActiveTransactions() []common.TxnID {
	res := make([]common.TxnID, 0, m.held.Size())
	m.held.Range(func(txnID common.TxnID, _ map[common.PageIdentity]struct{}) bool {
		res = append(res, txnID)
		return true
	})
	slices.Sort(res)
	return res
}
