package envelopefs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/absfs/absfs"
)

// Store is the random-access storage an envelope wraps. ReadAt must fail
// when the range extends past Size; WriteAt may extend the store.
type Store interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the current size of the store in bytes
	Size() (int64, error)

	// Close releases the handle. Close is idempotent.
	Close() error

	// Free releases and wipes the storage. A read-only store is released
	// without wiping. Free is idempotent.
	Free() error
}

// memBlob is byte storage shared by memory stores and buckets
type memBlob struct {
	mu   sync.RWMutex
	data []byte
}

func (b *memBlob) size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

func (b *memBlob) readAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off >= int64(len(b.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *memBlob) writeAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if off < 0 {
		return 0, ErrNegativeOffset
	}
	end := off + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	return copy(b.data[off:], p), nil
}

func (b *memBlob) snapshot() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]byte(nil), b.data...)
}

func (b *memBlob) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	wipe(b.data)
	b.data = nil
}

// MemoryStore is an in-memory Store
type MemoryStore struct {
	blob     *memBlob
	mu       sync.Mutex
	readOnly bool // refuses writes; Free releases without wiping
	closed   bool
	freed    bool
}

// NewMemoryStore creates a zero-filled in-memory store of the given size
func NewMemoryStore(size int) *MemoryStore {
	return &MemoryStore{blob: &memBlob{data: make([]byte, size)}}
}

// NewMemoryStoreFrom creates an in-memory store holding a copy of data
func NewMemoryStoreFrom(data []byte) *MemoryStore {
	return &MemoryStore{blob: &memBlob{data: append([]byte(nil), data...)}}
}

func (m *MemoryStore) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Size returns the size of the store
func (m *MemoryStore) Size() (int64, error) {
	if m.isClosed() {
		return 0, os.ErrClosed
	}
	return m.blob.size(), nil
}

// ReadAt reads len(p) bytes at off
func (m *MemoryStore) ReadAt(p []byte, off int64) (int, error) {
	if m.isClosed() {
		return 0, os.ErrClosed
	}
	return m.blob.readAt(p, off)
}

// WriteAt writes p at off, growing the store if needed
func (m *MemoryStore) WriteAt(p []byte, off int64) (int, error) {
	if m.isClosed() {
		return 0, os.ErrClosed
	}
	if m.readOnly {
		return 0, ErrReadOnly
	}
	return m.blob.writeAt(p, off)
}

// Bytes returns a copy of the stored bytes
func (m *MemoryStore) Bytes() []byte {
	return m.blob.snapshot()
}

// Close closes the store
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Free closes the store and wipes its contents. A read-only store only
// closes, since its contents belong to someone else.
func (m *MemoryStore) Free() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return nil
	}
	m.closed = true
	m.freed = true
	if !m.readOnly {
		m.blob.reset()
	}
	return nil
}

// FileStore is a Store backed by an absfs.File
type FileStore struct {
	file     absfs.File
	fs       absfs.FileSystem // nil when the file cannot be removed on Free
	name     string
	readOnly bool // refuses writes; Free only closes
	mu       sync.Mutex
	closed   bool
	freed    bool
}

// NewFileStore wraps an open file. Free truncates the file instead of
// removing it; once the store is closed the handle is gone, so Free after
// Close leaves the contents in place.
func NewFileStore(f absfs.File) *FileStore {
	return &FileStore{file: f, name: f.Name()}
}

// OpenFileStore opens name in fsys. Free removes the file from fsys.
func OpenFileStore(fsys absfs.FileSystem, name string, flag int, perm os.FileMode) (*FileStore, error) {
	if err := ValidateFilePath(name); err != nil {
		return nil, err
	}
	f, err := fsys.OpenFile(name, flag, perm)
	if err != nil {
		return nil, NewIOError("open", name, -1, err)
	}
	return &FileStore{file: f, fs: fsys, name: name}, nil
}

// CreateFileStore creates (or truncates) name in fsys and zero-fills it to
// size bytes
func CreateFileStore(fsys absfs.FileSystem, name string, size int64) (*FileStore, error) {
	if err := ValidateOffset(size, "size"); err != nil {
		return nil, err
	}
	s, err := OpenFileStore(fsys, name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	if err := s.file.Truncate(size); err != nil {
		s.file.Close()
		return nil, NewIOError("truncate", name, size, err)
	}
	return s, nil
}

// Name returns the file name
func (s *FileStore) Name() string {
	return s.name
}

func (s *FileStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Size returns the file size. It seeks to the end instead of calling
// Stat, which some filesystems only refresh on Sync or Close.
func (s *FileStore) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, os.ErrClosed
	}
	return s.file.Seek(0, io.SeekEnd)
}

// ReadAt reads len(p) bytes at off
func (s *FileStore) ReadAt(p []byte, off int64) (int, error) {
	if s.isClosed() {
		return 0, os.ErrClosed
	}
	return s.file.ReadAt(p, off)
}

// WriteAt writes p at off
func (s *FileStore) WriteAt(p []byte, off int64) (int, error) {
	if s.isClosed() {
		return 0, os.ErrClosed
	}
	if s.readOnly {
		return 0, ErrReadOnly
	}
	return s.file.WriteAt(p, off)
}

// Sync commits the file to stable storage
func (s *FileStore) Sync() error {
	if s.isClosed() {
		return os.ErrClosed
	}
	return s.file.Sync()
}

// Close closes the file
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

// Free wipes the file and removes it when the store owns a filesystem. A
// read-only store only closes the file.
func (s *FileStore) Free() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return nil
	}
	s.freed = true

	if s.readOnly {
		if s.closed {
			return nil
		}
		s.closed = true
		return s.file.Close()
	}

	var errs []error
	if !s.closed {
		if err := s.file.Truncate(0); err != nil {
			errs = append(errs, fmt.Errorf("truncate: %w", err))
		}
		if err := s.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		s.closed = true
	}
	if s.fs != nil {
		if err := s.fs.Remove(s.name); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove: %w", err))
		}
	}
	return errors.Join(errs...)
}
