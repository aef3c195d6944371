package envelopefs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// Bucket is a stream-shaped store. Each stream is single-pass; opening an
// output stream replaces the previous contents.
type Bucket interface {
	// Size returns the stored size in bytes
	Size() (int64, error)

	// OutputStream returns a sink that replaces the bucket contents
	OutputStream() (io.WriteCloser, error)

	// InputStream returns a source over the bucket contents
	InputStream() (io.ReadCloser, error)

	// ReadOnly reports whether OutputStream is refused
	ReadOnly() bool

	// SetReadOnly makes the bucket permanently read-only
	SetReadOnly()

	// CreateShadow returns a read-only view of the same contents
	CreateShadow() (Bucket, error)

	// Free releases the storage. Free is idempotent.
	Free() error
}

// RandomAccessBucket is a Bucket whose contents can also be addressed as a
// Store
type RandomAccessBucket interface {
	Bucket

	// ToStore returns a Store over the bucket contents
	ToStore() (Store, error)
}

// MemoryBucket is an in-memory RandomAccessBucket. Shadows share the
// contents of the bucket they were created from.
type MemoryBucket struct {
	blob     *memBlob
	mu       sync.Mutex
	readOnly bool
	shadow   bool
	freed    bool
}

// NewMemoryBucket creates an empty in-memory bucket
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{blob: &memBlob{}}
}

// Size returns the stored size
func (b *MemoryBucket) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return 0, os.ErrClosed
	}
	return b.blob.size(), nil
}

// OutputStream truncates the bucket and returns a sink appending to it
func (b *MemoryBucket) OutputStream() (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, os.ErrClosed
	}
	if b.readOnly {
		return nil, ErrReadOnly
	}
	b.blob.mu.Lock()
	b.blob.data = b.blob.data[:0]
	b.blob.mu.Unlock()
	return &memBucketWriter{blob: b.blob}, nil
}

// InputStream returns a reader over a snapshot of the contents
func (b *MemoryBucket) InputStream() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, os.ErrClosed
	}
	return io.NopCloser(bytes.NewReader(b.blob.snapshot())), nil
}

// ReadOnly reports whether the bucket refuses writes
func (b *MemoryBucket) ReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOnly
}

// SetReadOnly makes the bucket read-only
func (b *MemoryBucket) SetReadOnly() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readOnly = true
}

// CreateShadow returns a read-only bucket sharing the same contents
func (b *MemoryBucket) CreateShadow() (Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, os.ErrClosed
	}
	return &MemoryBucket{blob: b.blob, readOnly: true, shadow: true}, nil
}

// ToStore returns a Store sharing the bucket contents. The store of a
// read-only bucket refuses writes and does not wipe the contents on Free.
func (b *MemoryBucket) ToStore() (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, os.ErrClosed
	}
	return &MemoryStore{blob: b.blob, readOnly: b.readOnly}, nil
}

// Free releases the bucket. Freeing a shadow leaves the shared contents
// intact.
func (b *MemoryBucket) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil
	}
	b.freed = true
	if !b.shadow {
		b.blob.reset()
	}
	return nil
}

type memBucketWriter struct {
	blob   *memBlob
	closed bool
}

func (w *memBucketWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	w.blob.mu.Lock()
	defer w.blob.mu.Unlock()
	w.blob.data = append(w.blob.data, p...)
	return len(p), nil
}

func (w *memBucketWriter) Close() error {
	w.closed = true
	return nil
}

// FileBucket is a RandomAccessBucket stored as one file of an
// absfs.FileSystem
type FileBucket struct {
	fs       absfs.FileSystem
	name     string
	mu       sync.Mutex
	readOnly bool
	shadow   bool
	freed    bool
}

// NewFileBucket returns a bucket stored at name in fsys. The file is
// created by the first OutputStream.
func NewFileBucket(fsys absfs.FileSystem, name string) (*FileBucket, error) {
	if fsys == nil {
		return nil, NewValidationError("fs", nil, "filesystem cannot be nil")
	}
	if err := ValidateFilePath(name); err != nil {
		return nil, err
	}
	return &FileBucket{fs: fsys, name: name}, nil
}

// NewTempFileBucket returns a bucket with a unique name under dir
func NewTempFileBucket(fsys absfs.FileSystem, dir string) (*FileBucket, error) {
	if fsys == nil {
		return nil, NewValidationError("fs", nil, "filesystem cannot be nil")
	}
	if dir == "" {
		dir = fsys.TempDir()
	}
	if err := fsys.MkdirAll(dir, 0700); err != nil {
		return nil, NewIOError("mkdir", dir, -1, err)
	}
	return NewFileBucket(fsys, path.Join(dir, "envelope-"+uuid.NewString()+".tmp"))
}

// Name returns the file name
func (b *FileBucket) Name() string {
	return b.name
}

// Size returns the file size. A bucket that was never written is empty.
func (b *FileBucket) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return 0, os.ErrClosed
	}
	info, err := b.fs.Stat(b.name)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// OutputStream truncates the file and returns it for writing
func (b *FileBucket) OutputStream() (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, os.ErrClosed
	}
	if b.readOnly {
		return nil, ErrReadOnly
	}
	f, err := b.fs.OpenFile(b.name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// InputStream opens the file for reading. A bucket that was never written
// yields an empty stream.
func (b *FileBucket) InputStream() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, os.ErrClosed
	}
	f, err := b.fs.OpenFile(b.name, os.O_RDONLY, 0)
	if errors.Is(err, os.ErrNotExist) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ReadOnly reports whether the bucket refuses writes
func (b *FileBucket) ReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOnly
}

// SetReadOnly makes the bucket read-only
func (b *FileBucket) SetReadOnly() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readOnly = true
}

// CreateShadow returns a read-only bucket over the same file
func (b *FileBucket) CreateShadow() (Bucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, os.ErrClosed
	}
	return &FileBucket{fs: b.fs, name: b.name, readOnly: true, shadow: true}, nil
}

// ToStore opens the file as a Store. Freeing the store removes the file,
// unless the bucket is read-only: then the store refuses writes and Free
// leaves the file in place.
func (b *FileBucket) ToStore() (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, os.ErrClosed
	}
	if !b.readOnly {
		return OpenFileStore(b.fs, b.name, os.O_RDWR|os.O_CREATE, 0600)
	}
	f, err := b.fs.OpenFile(b.name, os.O_RDONLY, 0)
	if err != nil {
		return nil, NewIOError("open", b.name, -1, err)
	}
	return &FileStore{file: f, name: b.name, readOnly: true}, nil
}

// Free removes the file. Freeing a shadow leaves the file in place.
func (b *FileBucket) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil
	}
	b.freed = true
	if b.shadow {
		return nil
	}
	if err := b.fs.Remove(b.name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove bucket %s: %w", b.name, err)
	}
	return nil
}
