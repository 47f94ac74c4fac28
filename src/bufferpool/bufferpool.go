package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/page"
	"github.com/Blackdeer1524/HeapDB/src/txns"
)

var (
	ErrNoSpaceLeft = errors.New("no space left in the buffer pool")

	// ErrTxnAborted means the caller has to roll its transaction back
	// with TransactionComplete(txnID, false).
	ErrTxnAborted = errors.New("transaction aborted")
)

const (
	DefaultCapacity    = 50
	DefaultLockTimeout = time.Second
)

// DBFile is the storage of a single table.
type DBFile interface {
	ID() common.FileID
	Desc() *storage.TupleDesc
	ReadPage(pIdent common.PageIdentity) (*page.HeapPage, error)
	WritePage(p *page.HeapPage) error
	InsertTuple(ctx context.Context, txnID common.TxnID, t *storage.Tuple) ([]*page.HeapPage, error)
	DeleteTuple(ctx context.Context, txnID common.TxnID, t *storage.Tuple) ([]*page.HeapPage, error)
}

type Catalog interface {
	ResolveFile(fileID common.FileID) (DBFile, error)
}

type Config struct {
	Capacity    int
	LockTimeout time.Duration
}

type Stats struct {
	Capacity  int    `json:"capacity"`
	Cached    int    `json:"cached"`
	Dirty     int    `json:"dirty"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Manager is the page cache. Every page access goes through GetPage, which
// takes the matching page lock first; locks are held until
// TransactionComplete. Dirty pages stay in memory until their transaction
// commits (no-steal), so an abort only has to re-read them from disk.
type Manager struct {
	capacity    int
	lockTimeout time.Duration

	mu    sync.Mutex
	pages map[common.PageIdentity]*page.HeapPage
	dirty *dirtyIndex
	clock uint64

	hits      uint64
	misses    uint64
	evictions uint64

	locks     *txns.LockManager
	strategy  EvictionStrategy
	catalog   Catalog
	logWriter common.LogWriter
	logger    src.Logger
}

func New(
	cfg Config,
	strategy EvictionStrategy,
	catalog Catalog,
	locks *txns.LockManager,
	logWriter common.LogWriter,
) *Manager {
	assert.Assert(cfg.Capacity > 0, "pool capacity must be greater than zero")

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if strategy == nil {
		strategy = NewLRU()
	}
	if locks == nil {
		locks = txns.NewLockManager()
	}
	if logWriter == nil {
		logWriter = common.NoLogs()
	}

	return &Manager{
		capacity:    cfg.Capacity,
		lockTimeout: cfg.LockTimeout,
		mu:          sync.Mutex{},
		pages:       map[common.PageIdentity]*page.HeapPage{},
		dirty:       newDirtyIndex(),
		locks:       locks,
		strategy:    strategy,
		catalog:     catalog,
		logWriter:   logWriter,
		logger:      src.NopLogger(),
	}
}

func (m *Manager) SetLogger(logger src.Logger) {
	m.logger = logger
}

func (m *Manager) Locks() *txns.LockManager {
	return m.locks
}

func (m *Manager) touchLocked(p *page.HeapPage) {
	m.clock++
	p.Touch(m.clock)
}

// GetPage locks the page for txnID and returns the cached instance,
// loading it on a miss. Running out of lock wait time, or asking for an
// upgrade other readers make impossible, fails with ErrTxnAborted.
func (m *Manager) GetPage(
	ctx context.Context,
	txnID common.TxnID,
	pIdent common.PageIdentity,
	perm common.Permission,
) (*page.HeapPage, error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	err := m.locks.Lock(lockCtx, txnID, pIdent, txns.ModeFor(perm))
	cancel()
	if err != nil {
		if errors.Is(err, txns.ErrDeadlock) || errors.Is(err, txns.ErrLockTimeout) {
			return nil, fmt.Errorf("%w: %w", ErrTxnAborted, err)
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pages[pIdent]; ok {
		m.hits++
		m.touchLocked(p)
		return p, nil
	}
	m.misses++

	if len(m.pages) >= m.capacity {
		if err := m.evictLocked(); err != nil {
			return nil, err
		}
	}

	file, err := m.catalog.ResolveFile(pIdent.FileID)
	if err != nil {
		return nil, err
	}

	p, err := file.ReadPage(pIdent)
	if err != nil {
		m.logger.Errorw(
			"failed to load page",
			"file_id", pIdent.FileID,
			"page_id", pIdent.PageID,
			"error", err,
		)
		return nil, err
	}

	m.pages[pIdent] = p
	m.touchLocked(p)
	return p, nil
}

// InsertTuple adds t to the table fileID on behalf of txnID.
func (m *Manager) InsertTuple(
	ctx context.Context,
	txnID common.TxnID,
	fileID common.FileID,
	t *storage.Tuple,
) error {
	file, err := m.catalog.ResolveFile(fileID)
	if err != nil {
		return err
	}

	pages, err := file.InsertTuple(ctx, txnID, t)
	if err != nil {
		return err
	}
	return m.markDirty(txnID, pages)
}

// DeleteTuple removes t from the table it was read from.
func (m *Manager) DeleteTuple(
	ctx context.Context,
	txnID common.TxnID,
	t *storage.Tuple,
) error {
	rid, ok := t.RecordID()
	if !ok {
		return fmt.Errorf("%w: tuple has no record id", storage.ErrSchemaMismatch)
	}

	file, err := m.catalog.ResolveFile(rid.FileID)
	if err != nil {
		return err
	}

	pages, err := file.DeleteTuple(ctx, txnID, t)
	if err != nil {
		return err
	}
	return m.markDirty(txnID, pages)
}

// markDirty tags the mutated pages. A page that fell out of the cache
// between its fetch and the mutation is admitted again.
func (m *Manager) markDirty(txnID common.TxnID, pages []*page.HeapPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range pages {
		pIdent := p.ID()
		if cached, ok := m.pages[pIdent]; !ok {
			if len(m.pages) >= m.capacity {
				if err := m.evictLocked(); err != nil {
					return err
				}
			}
			m.pages[pIdent] = p
		} else {
			assert.Assert(
				cached == p,
				"txn %d mutated a stale instance of %v",
				txnID,
				pIdent,
			)
		}

		p.MarkDirty(true, txnID)
		m.dirty.add(txnID, pIdent)
		m.touchLocked(p)
	}
	return nil
}

// TransactionComplete commits or aborts txnID. On commit the pages the
// transaction dirtied are logged and written out; on abort they're
// re-read from disk. The transaction's locks are released in both cases.
func (m *Manager) TransactionComplete(txnID common.TxnID, commit bool) error {
	defer func() {
		released := m.locks.UnlockAll(txnID)
		m.logger.Debugw("released locks", "txn_id", txnID, "pages", released)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	pIdents := m.dirty.pagesOf(txnID)
	if commit {
		err := m.flushLocked(pIdents)
		if err != nil {
			m.logger.Errorw("commit failed", "txn_id", txnID, "error", err)
			return err
		}
		m.logger.Infow("committed", "txn_id", txnID, "dirty_pages", len(pIdents))
		return nil
	}

	var err error
	for _, pIdent := range pIdents {
		err = errors.Join(err, m.revertLocked(txnID, pIdent))
	}
	m.logger.Infow("aborted", "txn_id", txnID, "dirty_pages", len(pIdents))
	return err
}

func (m *Manager) revertLocked(txnID common.TxnID, pIdent common.PageIdentity) error {
	m.dirty.remove(txnID, pIdent)

	p, ok := m.pages[pIdent]
	if !ok {
		return nil
	}
	p.MarkDirty(false, common.NilTxnID)
	delete(m.pages, pIdent)

	file, err := m.catalog.ResolveFile(pIdent.FileID)
	if err != nil {
		return err
	}
	fresh, err := file.ReadPage(pIdent)
	if err != nil {
		return fmt.Errorf("failed to reload %v: %w", pIdent, err)
	}

	fresh.Touch(p.LastAccess())
	m.pages[pIdent] = fresh
	return nil
}

// flushLocked writes out the given cached pages that are dirty: their
// images are logged and the log forced first, then the pages are written
// with one goroutine per file.
func (m *Manager) flushLocked(pIdents []common.PageIdentity) error {
	type dirtyPage struct {
		p     *page.HeapPage
		txnID common.TxnID
	}

	byFile := map[common.FileID][]dirtyPage{}
	for _, pIdent := range pIdents {
		p, ok := m.pages[pIdent]
		if !ok {
			continue
		}
		txnID, dirty := p.IsDirty()
		if !dirty {
			continue
		}

		if _, err := m.logWriter.LogWrite(txnID, pIdent, p.BeforeImage(), p.Data()); err != nil {
			return fmt.Errorf("failed to log %v: %w", pIdent, err)
		}
		byFile[pIdent.FileID] = append(byFile[pIdent.FileID], dirtyPage{p: p, txnID: txnID})
	}
	if len(byFile) == 0 {
		return nil
	}

	if err := m.logWriter.Force(); err != nil {
		return fmt.Errorf("failed to force the log: %w", err)
	}

	files := make(map[common.FileID]DBFile, len(byFile))
	for fileID := range byFile {
		file, err := m.catalog.ResolveFile(fileID)
		if err != nil {
			return err
		}
		files[fileID] = file
	}

	var g errgroup.Group
	for fileID, pages := range byFile {
		file := files[fileID]
		g.Go(func() error {
			for _, dp := range pages {
				if err := file.WritePage(dp.p); err != nil {
					return fmt.Errorf("failed to write %v: %w", dp.p.ID(), err)
				}
				dp.p.MarkDirty(false, common.NilTxnID)
				dp.p.SetBeforeImage()
			}
			return nil
		})
	}
	err := g.Wait()

	for _, pages := range byFile {
		for _, dp := range pages {
			if _, dirty := dp.p.IsDirty(); !dirty {
				m.dirty.remove(dp.txnID, dp.p.ID())
			}
		}
	}
	return err
}

// FlushPage writes one page out if it is cached and dirty.
func (m *Manager) FlushPage(pIdent common.PageIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.flushLocked([]common.PageIdentity{pIdent})
}

// FlushPages writes out every page dirtied by txnID.
func (m *Manager) FlushPages(txnID common.TxnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.flushLocked(m.dirty.pagesOf(txnID))
}

// FlushAllPages writes out every dirty page. Pages of running
// transactions hit the disk too, which breaks rollback; only call it when
// no transaction is live.
func (m *Manager) FlushAllPages() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.dirty.all()
	pIdents := make([]common.PageIdentity, 0, len(entries))
	for _, e := range entries {
		pIdents = append(pIdents, e.pIdent)
	}

	m.logger.Debugw("flushing all pages", "dirty_pages", len(pIdents))
	return m.flushLocked(pIdents)
}

// DiscardPage drops a page from the cache without writing it.
func (m *Manager) DiscardPage(pIdent common.PageIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.discardLocked(pIdent)
}

func (m *Manager) discardLocked(pIdent common.PageIdentity) {
	p, ok := m.pages[pIdent]
	if !ok {
		return
	}
	if txnID, dirty := p.IsDirty(); dirty {
		m.dirty.remove(txnID, pIdent)
	}
	delete(m.pages, pIdent)
}

// EvictPage frees one cache slot.
func (m *Manager) EvictPage() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.evictLocked()
}

func (m *Manager) evictLocked() error {
	candidates := make([]*page.HeapPage, 0, len(m.pages))
	for _, p := range m.pages {
		candidates = append(candidates, p)
	}

	victim, err := m.strategy.ChooseVictim(candidates)
	if err != nil {
		if errors.Is(err, ErrNoVictimAvailable) {
			return fmt.Errorf("%w: %w", ErrNoSpaceLeft, err)
		}
		return err
	}

	p, ok := m.pages[victim]
	assert.Assert(ok, "victim page %v is not cached", victim)
	if txnID, dirty := p.IsDirty(); dirty {
		return fmt.Errorf(
			"%w: victim %v holds uncommitted changes of txn %d",
			ErrNoSpaceLeft,
			victim,
			txnID,
		)
	}

	m.logger.Debugw(
		"evicting page",
		"victim", victim,
		"last_access", p.LastAccess(),
	)
	delete(m.pages, victim)
	m.evictions++
	return nil
}

func (m *Manager) HoldsLock(txnID common.TxnID, pIdent common.PageIdentity) bool {
	return m.locks.HoldsLock(txnID, pIdent)
}

// UnsafeReleasePage drops txnID's lock on a page before the transaction
// ends. It breaks two-phase locking and is meant for scans over pages the
// transaction didn't modify.
func (m *Manager) UnsafeReleasePage(txnID common.TxnID, pIdent common.PageIdentity) {
	m.locks.Unlock(txnID, pIdent)
}

func (m *Manager) IsCached(pIdent common.PageIdentity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.pages[pIdent]
	return ok
}

// CachedPages lists the cached page identities in ascending order.
func (m *Manager) CachedPages() []common.PageIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]common.PageIdentity, 0, len(m.pages))
	for pIdent := range m.pages {
		res = append(res, pIdent)
	}
	slices.SortFunc(res, common.PageIdentity.Compare)
	return res
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Capacity:  m.capacity,
		Cached:    len(m.pages),
		Dirty:     m.dirty.len(),
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
	}
}
