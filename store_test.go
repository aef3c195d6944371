package envelopefs

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/absfs/memfs"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(10)

	if n, err := s.Size(); err != nil || n != 10 {
		t.Fatalf("Size() = %d, %v, want 10", n, err)
	}
	if _, err := s.WriteAt([]byte("abc"), 8); err != nil {
		t.Fatalf("WriteAt() failed: %v", err)
	}
	if n, _ := s.Size(); n != 11 {
		t.Errorf("WriteAt() past the end left size %d, want 11", n)
	}

	p := make([]byte, 3)
	if n, err := s.ReadAt(p, 8); err != nil || n != 3 || string(p) != "abc" {
		t.Errorf("ReadAt() = %d, %v, %q", n, err, p)
	}
	if n, err := s.ReadAt(make([]byte, 5), 9); n != 2 || err != io.EOF {
		t.Errorf("short ReadAt() = %d, %v, want 2, EOF", n, err)
	}
	if _, err := s.ReadAt(p, -1); !errors.Is(err, ErrNegativeOffset) {
		t.Errorf("ReadAt(-1) error = %v", err)
	}
	if _, err := s.WriteAt(p, -1); !errors.Is(err, ErrNegativeOffset) {
		t.Errorf("WriteAt(-1) error = %v", err)
	}

	// Bytes returns a copy
	b := s.Bytes()
	b[8] = 'x'
	if s.Bytes()[8] != 'a' {
		t.Error("Bytes() exposes the internal buffer")
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadAt(p, 0); !errors.Is(err, os.ErrClosed) {
		t.Errorf("ReadAt() after Close error = %v, want os.ErrClosed", err)
	}
	if err := s.Free(); err != nil {
		t.Fatal(err)
	}
	if err := s.Free(); err != nil {
		t.Errorf("second Free() failed: %v", err)
	}
	if len(s.Bytes()) != 0 {
		t.Error("Free() left data behind")
	}
}

func TestMemoryStoreFromCopies(t *testing.T) {
	data := []byte("original")
	s := NewMemoryStoreFrom(data)
	data[0] = 'X'
	if !bytes.Equal(s.Bytes(), []byte("original")) {
		t.Error("NewMemoryStoreFrom() aliases its argument")
	}
}

func TestFileStore(t *testing.T) {
	fsys, err := memfs.NewFS()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := CreateFileStore(fsys, "/neg", -1); !IsValidationError(err) {
		t.Errorf("CreateFileStore(-1) error = %v, want ValidationError", err)
	}
	if _, err := OpenFileStore(fsys, "", os.O_RDONLY, 0); !IsValidationError(err) {
		t.Errorf("OpenFileStore(\"\") error = %v, want ValidationError", err)
	}
	if _, err := OpenFileStore(fsys, "/missing", os.O_RDONLY, 0); !IsIOError(err) {
		t.Errorf("OpenFileStore(missing) error = %v, want IOError", err)
	}

	s, err := CreateFileStore(fsys, "/store.bin", 64)
	if err != nil {
		t.Fatalf("CreateFileStore() failed: %v", err)
	}
	if s.Name() != "/store.bin" {
		t.Errorf("Name() = %q", s.Name())
	}
	if n, err := s.Size(); err != nil || n != 64 {
		t.Errorf("Size() = %d, %v, want 64", n, err)
	}
	if _, err := s.WriteAt([]byte("file data"), 10); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(); err != nil {
		t.Errorf("Sync() failed: %v", err)
	}
	p := make([]byte, 9)
	if _, err := s.ReadAt(p, 10); err != nil || string(p) != "file data" {
		t.Errorf("ReadAt() = %q, %v", p, err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
	if _, err := s.Size(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Size() after Close error = %v, want os.ErrClosed", err)
	}

	if err := s.Free(); err != nil {
		t.Fatalf("Free() failed: %v", err)
	}
	if _, err := fsys.Stat("/store.bin"); err == nil {
		t.Error("Free() left the file in place")
	}
}

func TestMemoryBucket(t *testing.T) {
	b := NewMemoryBucket()

	if n, _ := b.Size(); n != 0 {
		t.Errorf("fresh Size() = %d", n)
	}
	writeBucket(t, b, []byte("first"))
	writeBucket(t, b, []byte("second"))
	if got := readAllBucket(t, b); string(got) != "second" {
		t.Errorf("OutputStream() did not replace contents: %q", got)
	}

	shadow, err := b.CreateShadow()
	if err != nil {
		t.Fatal(err)
	}
	if !shadow.ReadOnly() {
		t.Error("shadow is writable")
	}
	if _, err := shadow.OutputStream(); !errors.Is(err, ErrReadOnly) {
		t.Errorf("shadow OutputStream() error = %v", err)
	}

	store, err := b.ToStore()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.WriteAt([]byte("S"), 0); err != nil {
		t.Fatal(err)
	}
	if got := readAllBucket(t, shadow); string(got) != "Second" {
		t.Errorf("store writes not visible through shadow: %q", got)
	}

	shadow.Free()
	if got := readAllBucket(t, b); string(got) != "Second" {
		t.Errorf("freeing the shadow changed the contents: %q", got)
	}

	if err := b.Free(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.InputStream(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("InputStream() after Free error = %v", err)
	}
	if _, err := b.CreateShadow(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("CreateShadow() after Free error = %v", err)
	}
}

func TestFileBucket(t *testing.T) {
	fsys, err := memfs.NewFS()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewFileBucket(nil, "/x"); !IsValidationError(err) {
		t.Errorf("NewFileBucket(nil fs) error = %v", err)
	}
	if _, err := NewFileBucket(fsys, ""); !IsValidationError(err) {
		t.Errorf("NewFileBucket(\"\") error = %v", err)
	}

	b, err := NewTempFileBucket(fsys, "/spool")
	if err != nil {
		t.Fatalf("NewTempFileBucket() failed: %v", err)
	}
	other, _ := NewTempFileBucket(fsys, "/spool")
	if b.Name() == other.Name() {
		t.Error("temp buckets share a name")
	}

	writeBucket(t, b, []byte("on disk"))
	if n, err := b.Size(); err != nil || n != 7 {
		t.Errorf("Size() = %d, %v, want 7", n, err)
	}
	if got := readAllBucket(t, b); string(got) != "on disk" {
		t.Errorf("InputStream() read %q", got)
	}

	shadow, err := b.CreateShadow()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := shadow.OutputStream(); !errors.Is(err, ErrReadOnly) {
		t.Errorf("shadow OutputStream() error = %v", err)
	}
	if err := shadow.Free(); err != nil {
		t.Fatal(err)
	}
	if _, err := fsys.Stat(b.Name()); err != nil {
		t.Errorf("freeing the shadow removed the file: %v", err)
	}

	store, err := b.ToStore()
	if err != nil {
		t.Fatalf("ToStore() failed: %v", err)
	}
	p := make([]byte, 4)
	if _, err := store.ReadAt(p, 3); err != nil || string(p) != "disk" {
		t.Errorf("store ReadAt() = %q, %v", p, err)
	}
	store.Close()

	b.SetReadOnly()
	if _, err := b.OutputStream(); !errors.Is(err, ErrReadOnly) {
		t.Errorf("OutputStream() after SetReadOnly error = %v", err)
	}

	if err := b.Free(); err != nil {
		t.Fatal(err)
	}
	if err := b.Free(); err != nil {
		t.Errorf("second Free() failed: %v", err)
	}
	if _, err := fsys.Stat(b.Name()); err == nil {
		t.Error("Free() left the file in place")
	}
}

func TestFileStoreSizeBeforeSync(t *testing.T) {
	fsys, err := memfs.NewFS()
	if err != nil {
		t.Fatal(err)
	}

	s, err := CreateFileStore(fsys, "/unsynced.bin", 64)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Free()

	tests := []struct {
		name string
		off  int64
		want int64
	}{
		{"created", -1, 64},
		{"write inside", 10, 64},
		{"write at end", 64, 68},
		{"write past end", 100, 104},
	}
	for _, tt := range tests {
		if tt.off >= 0 {
			if _, err := s.WriteAt([]byte("data"), tt.off); err != nil {
				t.Fatalf("%s: WriteAt() failed: %v", tt.name, err)
			}
		}
		if n, err := s.Size(); err != nil || n != tt.want {
			t.Errorf("%s: Size() = %d, %v, want %d", tt.name, n, err, tt.want)
		}
	}

	// Size does not move the offset seen by positioned reads
	p := make([]byte, 4)
	if _, err := s.ReadAt(p, 10); err != nil || string(p) != "data" {
		t.Errorf("ReadAt() after Size() = %q, %v", p, err)
	}
}

func TestNewFileStoreFreeAfterClose(t *testing.T) {
	fsys, err := memfs.NewFS()
	if err != nil {
		t.Fatal(err)
	}

	f, err := fsys.OpenFile("/wrapped.bin", os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		t.Fatal(err)
	}
	s := NewFileStore(f)
	if _, err := s.WriteAt([]byte("kept"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Free(); err != nil {
		t.Fatalf("Free() after Close failed: %v", err)
	}

	reopened, err := OpenFileStore(fsys, "/wrapped.bin", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Free() after Close removed the file: %v", err)
	}
	defer reopened.Close()
	p := make([]byte, 4)
	if _, err := reopened.ReadAt(p, 0); err != nil || string(p) != "kept" {
		t.Errorf("ReadAt() = %q, %v, want contents left in place", p, err)
	}

	// Free on an open wrapped file truncates it
	g, err := fsys.OpenFile("/wiped.bin", os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		t.Fatal(err)
	}
	w := NewFileStore(g)
	if _, err := w.WriteAt([]byte("secret"), 0); err != nil {
		t.Fatal(err)
	}
	if err := w.Free(); err != nil {
		t.Fatalf("Free() failed: %v", err)
	}
	info, err := fsys.Stat("/wiped.bin")
	if err != nil {
		t.Fatalf("Free() removed a file it does not own: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("Free() left %d bytes behind", info.Size())
	}
}

func TestShadowStoresAreReadOnly(t *testing.T) {
	fsys, err := memfs.NewFS()
	if err != nil {
		t.Fatal(err)
	}
	fileBucket, err := NewTempFileBucket(fsys, "/spool")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		bucket RandomAccessBucket
	}{
		{"memory", NewMemoryBucket()},
		{"file", fileBucket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeBucket(t, tt.bucket, []byte("shared"))

			shadow, err := tt.bucket.CreateShadow()
			if err != nil {
				t.Fatal(err)
			}
			store, err := shadow.(RandomAccessBucket).ToStore()
			if err != nil {
				t.Fatalf("ToStore() failed: %v", err)
			}
			if _, err := store.WriteAt([]byte("S"), 0); !errors.Is(err, ErrReadOnly) {
				t.Errorf("shadow store WriteAt() error = %v, want ErrReadOnly", err)
			}
			p := make([]byte, 6)
			if _, err := store.ReadAt(p, 0); err != nil || string(p) != "shared" {
				t.Errorf("shadow store ReadAt() = %q, %v", p, err)
			}
			if err := store.Free(); err != nil {
				t.Fatalf("Free() failed: %v", err)
			}
			if got := readAllBucket(t, tt.bucket); string(got) != "shared" {
				t.Errorf("original read %q after freeing the shadow store", got)
			}

			if err := tt.bucket.Free(); err != nil {
				t.Fatal(err)
			}
		})
	}
}
