package envelopefs

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
)

// newTestSecret returns a master secret destroyed at the end of the test
func newTestSecret(t testing.TB) *MasterSecret {
	t.Helper()

	secret, err := NewMasterSecret()
	if err != nil {
		t.Fatalf("NewMasterSecret() failed: %v", err)
	}
	t.Cleanup(secret.Destroy)
	return secret
}

// pattern returns n bytes of a recognizable non-zero pattern
func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 13)
	}
	return p
}

// countingStore records how often the wrapped store is touched
type countingStore struct {
	Store
	reads  atomic.Int64
	writes atomic.Int64
}

func (c *countingStore) ReadAt(p []byte, off int64) (int, error) {
	c.reads.Add(1)
	return c.Store.ReadAt(p, off)
}

func (c *countingStore) WriteAt(p []byte, off int64) (int, error) {
	c.writes.Add(1)
	return c.Store.WriteAt(p, off)
}

var errInjected = errors.New("injected failure")

// failingStore fails selected operations of the wrapped store
type failingStore struct {
	Store
	failRead  bool
	failWrite bool
	failSize  bool
	failClose bool
}

func (f *failingStore) ReadAt(p []byte, off int64) (int, error) {
	if f.failRead {
		return 0, errInjected
	}
	return f.Store.ReadAt(p, off)
}

func (f *failingStore) WriteAt(p []byte, off int64) (int, error) {
	if f.failWrite {
		return 0, errInjected
	}
	return f.Store.WriteAt(p, off)
}

func (f *failingStore) Size() (int64, error) {
	if f.failSize {
		return 0, errInjected
	}
	return f.Store.Size()
}

func (f *failingStore) Close() error {
	if f.failClose {
		return errInjected
	}
	return f.Store.Close()
}

// streamOnlyBucket hides the RandomAccessBucket methods of a bucket
type streamOnlyBucket struct {
	Bucket
}

// noShadowBucket refuses to create shadows
type noShadowBucket struct {
	Bucket
}

func (noShadowBucket) CreateShadow() (Bucket, error) {
	return nil, ErrShadowUnsupported
}

// zeroReader is an endless source of zero bytes
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// withRandSource swaps the random source for the duration of the test
func withRandSource(t *testing.T, data []byte) {
	t.Helper()

	old := randomSource
	SetRandSource(bytes.NewReader(data))
	t.Cleanup(func() { SetRandSource(old) })
}
