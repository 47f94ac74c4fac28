package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/HeapDB/src/bufferpool"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/disk"
	"github.com/Blackdeer1524/HeapDB/src/storage/heapfile"
	"github.com/Blackdeer1524/HeapDB/src/storage/page"
)

const catalogFile = "catalog.json"

var (
	ErrEntityNotFound = errors.New("entity not found")
	ErrEntityExists   = errors.New("entity already exists")
)

type Table struct {
	ID         common.FileID      `json:"id"`
	Name       string             `json:"name"`
	PathToFile string             `json:"path_to_file"`
	Schema     *storage.TupleDesc `json:"schema"`
}

type data struct {
	Tables []Table `json:"tables"`
}

type entry struct {
	table Table
	file  *heapfile.HeapFile
}

// Manager maps table names and file ids to heap files and keeps the
// schema list in <basePath>/catalog.json.
type Manager struct {
	fs       afero.Fs
	basePath string
	disk     *disk.Manager

	// serializes AddTable and Save/Load
	mu sync.Mutex

	byName *xsync.MapOf[string, *entry]
	byID   *xsync.MapOf[common.FileID, *entry]

	pagerMu sync.RWMutex
	pager   heapfile.Pager
}

var (
	_ bufferpool.Catalog = &Manager{}
	_ bufferpool.DBFile  = &heapfile.HeapFile{}
)

func New(fs afero.Fs, basePath string, dm *disk.Manager) *Manager {
	return &Manager{
		fs:       fs,
		basePath: basePath,
		disk:     dm,
		byName:   xsync.NewMapOf[string, *entry](),
		byID:     xsync.NewMapOf[common.FileID, *entry](),
	}
}

// FileIDFor derives the file id of a table from its file path.
func FileIDFor(path string) common.FileID {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return common.FileID(xxhash.Sum64String(filepath.Clean(path)))
}

func (m *Manager) BasePath() string {
	return m.basePath
}

// SetPager makes every current and future heap file fetch its pages
// through pager.
func (m *Manager) SetPager(pager heapfile.Pager) {
	m.pagerMu.Lock()
	m.pager = pager
	m.pagerMu.Unlock()

	m.byID.Range(func(_ common.FileID, e *entry) bool {
		e.file.SetPager(pager)
		return true
	})
}

func (m *Manager) currentPager() heapfile.Pager {
	m.pagerMu.RLock()
	defer m.pagerMu.RUnlock()

	return m.pager
}

func (m *Manager) tablePath(name string) string {
	return filepath.Join(m.basePath, name+".dat")
}

// AddTable registers a table. An empty path puts the file into the
// catalog directory. The schema must fit at least one tuple on a page.
func (m *Manager) AddTable(name, path string, desc *storage.TupleDesc) (common.FileID, error) {
	if strings.TrimSpace(name) == "" {
		return 0, errors.New("table name is empty")
	}
	if page.NumSlots(m.disk.PageSize(), desc.Size()) < 1 {
		return 0, fmt.Errorf(
			"%w: table %q has %d byte tuples, a page holds %d bytes",
			page.ErrBadPageSize,
			name,
			desc.Size(),
			m.disk.PageSize(),
		)
	}
	if path == "" {
		path = m.tablePath(name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addTableLocked(Table{
		ID:         FileIDFor(path),
		Name:       name,
		PathToFile: path,
		Schema:     desc,
	})
}

func (m *Manager) addTableLocked(t Table) (common.FileID, error) {
	if _, ok := m.byName.Load(t.Name); ok {
		return 0, fmt.Errorf("%w: table %q", ErrEntityExists, t.Name)
	}
	if other, ok := m.byID.Load(t.ID); ok {
		return 0, fmt.Errorf(
			"%w: file %s is already used by table %q",
			ErrEntityExists,
			t.PathToFile,
			other.table.Name,
		)
	}

	if err := m.touch(t.PathToFile); err != nil {
		return 0, err
	}

	e := &entry{
		table: t,
		file:  heapfile.New(t.ID, t.PathToFile, t.Schema, m.disk, m.currentPager()),
	}
	m.byName.Store(t.Name, e)
	m.byID.Store(t.ID, e)
	return t.ID, nil
}

func (m *Manager) touch(path string) error {
	if err := m.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f, err := m.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to create table file %s: %w", path, err)
	}
	return f.Close()
}

func (m *Manager) TableID(name string) (common.FileID, error) {
	e, ok := m.byName.Load(name)
	if !ok {
		return 0, fmt.Errorf("%w: table %q", ErrEntityNotFound, name)
	}
	return e.table.ID, nil
}

func (m *Manager) lookup(id common.FileID) (*entry, error) {
	e, ok := m.byID.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: table with id %d", ErrEntityNotFound, id)
	}
	return e, nil
}

func (m *Manager) TableName(id common.FileID) (string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return e.table.Name, nil
}

func (m *Manager) TupleDesc(id common.FileID) (*storage.TupleDesc, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.table.Schema, nil
}

func (m *Manager) HeapFile(id common.FileID) (*heapfile.HeapFile, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.file, nil
}

func (m *Manager) ResolveFile(id common.FileID) (bufferpool.DBFile, error) {
	f, err := m.HeapFile(id)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Tables lists registered tables ordered by name.
func (m *Manager) Tables() []Table {
	res := make([]Table, 0, m.byName.Size())
	m.byName.Range(func(_ string, e *entry) bool {
		res = append(res, e.table)
		return true
	})
	slices.SortFunc(res, func(a, b Table) int {
		return strings.Compare(a.Name, b.Name)
	})
	return res
}

func (m *Manager) catalogPath() string {
	return filepath.Join(m.basePath, catalogFile)
}

// Save writes the schema list to a temporary file and renames it over
// the catalog file.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, err := json.MarshalIndent(data{Tables: m.Tables()}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize catalog: %w", err)
	}

	if err := m.fs.MkdirAll(m.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create catalog directory: %w", err)
	}

	tmpPath := m.catalogPath() + ".tmp"
	if err := afero.WriteFile(m.fs, tmpPath, payload, 0644); err != nil {
		return fmt.Errorf("failed to write temp catalog file: %w", err)
	}
	if err := m.fs.Rename(tmpPath, m.catalogPath()); err != nil {
		return fmt.Errorf("failed to rename temp catalog file: %w", err)
	}
	return nil
}

// Load registers the tables listed in the catalog file. A missing file
// means an empty catalog.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, err := afero.ReadFile(m.fs, m.catalogPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}

	var d data
	if err := json.Unmarshal(payload, &d); err != nil {
		return fmt.Errorf("failed to parse catalog %s: %w", m.catalogPath(), err)
	}

	for _, t := range d.Tables {
		if t.Schema == nil {
			return fmt.Errorf("table %q has no schema", t.Name)
		}
		if existing, ok := m.byName.Load(t.Name); ok && existing.table.ID == t.ID {
			continue
		}
		if _, err := m.addTableLocked(t); err != nil {
			return err
		}
	}
	return nil
}
