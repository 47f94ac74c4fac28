package disk

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/pkg/utils"
)

var (
	ErrNoSuchPage  = errors.New("no such page")
	ErrShortRead   = errors.New("short page read")
	ErrUnknownFile = errors.New("unknown file")
)

// DefaultPageSize is used when the configuration doesn't say otherwise.
const DefaultPageSize = 4096

// Manager does page-granular I/O on table files. A file is a raw
// concatenation of pageSize-byte pages without any file header; page n
// starts at byte n*pageSize.
type Manager struct {
	fs       afero.Fs
	pageSize int

	mu           sync.RWMutex
	fileIDToPath map[common.FileID]string
}

func New(fs afero.Fs, pageSize int, fileIDToPath map[common.FileID]string) *Manager {
	if fileIDToPath == nil {
		fileIDToPath = map[common.FileID]string{}
	}

	return &Manager{
		fs:           fs,
		pageSize:     pageSize,
		fileIDToPath: fileIDToPath,
		mu:           sync.RWMutex{},
	}
}

func (m *Manager) PageSize() int {
	return m.pageSize
}

func (m *Manager) InsertToFileMap(id common.FileID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fileIDToPath[id] = path
}

func (m *Manager) Path(fileID common.FileID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	path, ok := m.fileIDToPath[fileID]
	if !ok {
		return "", fmt.Errorf("%w: fileID %d not found in path map", ErrUnknownFile, fileID)
	}
	return path, nil
}

func (m *Manager) offset(pageID common.PageID) int64 {
	return int64(pageID) * int64(m.pageSize) //nolint:gosec
}

// ReadPage reads exactly one page. Reading past the end of the file fails
// with ErrNoSuchPage, a truncated trailing page with ErrShortRead.
func (m *Manager) ReadPage(pageIdent common.PageIdentity) ([]byte, error) {
	path, err := m.Path(pageIdent.FileID)
	if err != nil {
		return nil, err
	}

	file, err := m.fs.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	data := make([]byte, m.pageSize)
	n, err := file.ReadAt(data, m.offset(pageIdent.PageID))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read %v from %s: %w", pageIdent, path, err)
	}

	switch {
	case n == 0:
		return nil, fmt.Errorf("%w: %v", ErrNoSuchPage, pageIdent)
	case n < m.pageSize:
		return nil, fmt.Errorf(
			"%w: %v: got %d of %d bytes",
			ErrShortRead,
			pageIdent,
			n,
			m.pageSize,
		)
	}
	return data, nil
}

// WritePage overwrites one page in place, extending the file if the page
// lies at its end.
func (m *Manager) WritePage(pageIdent common.PageIdentity, data []byte) error {
	if len(data) != m.pageSize {
		return fmt.Errorf(
			"page %v has %d bytes, expected %d",
			pageIdent,
			len(data),
			m.pageSize,
		)
	}

	path, err := m.Path(pageIdent.FileID)
	if err != nil {
		return err
	}

	file, err := m.fs.OpenFile(
		filepath.Clean(path),
		os.O_WRONLY|os.O_CREATE,
		0600,
	)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	_, err = file.WriteAt(data, m.offset(pageIdent.PageID))
	if err != nil {
		return fmt.Errorf("failed to write at file %s: %w", path, err)
	}

	return nil
}

// FileLength is the size of the file in bytes; a missing file is empty.
func (m *Manager) FileLength(fileID common.FileID) (int64, error) {
	path, err := m.Path(fileID)
	if err != nil {
		return 0, err
	}

	info, err := m.fs.Stat(filepath.Clean(path))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat file %s: %w", path, err)
	}
	return info.Size(), nil
}

// NumPages counts pages as ceil(fileLength / pageSize), so a trailing
// partial page is counted too.
func (m *Manager) NumPages(fileID common.FileID) (int, error) {
	length, err := m.FileLength(fileID)
	if err != nil {
		return 0, err
	}
	return int(utils.CeilDiv(length, int64(m.pageSize))), nil
}
