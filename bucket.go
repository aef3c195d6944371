package envelopefs

import (
	"bytes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EncryptedBucket wraps a stream-shaped Bucket. Every output stream writes
// a fresh authenticated block with a new instance key followed by data
// encrypted with a forward-only keystream; input streams verify the block
// and decrypt on the fly.
type EncryptedBucket struct {
	id      uuid.UUID
	under   Bucket
	typ     EnvelopeType
	secret  *MasterSecret
	cfg     *Config
	logger  *zap.Logger
	metrics *Metrics

	mu       sync.Mutex
	readOnly bool
	shadow   bool
	freed    bool
}

// NewEncryptedBucket wraps under in an envelope of the header-placed type
// typ
func NewEncryptedBucket(under Bucket, typ EnvelopeType, secret *MasterSecret, cfg *Config) (*EncryptedBucket, error) {
	if under == nil {
		return nil, ErrNilStore
	}
	if secret == nil {
		return nil, ErrNilSecret
	}
	if err := validateType(typ); err != nil {
		return nil, err
	}
	if typ.Placement != PlacementHeader {
		return nil, &ValidationError{
			Field:   "type",
			Value:   typ.Name,
			Message: "buckets require a header-placed envelope type",
		}
	}
	cfg, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	return newEncryptedBucket(under, typ, secret, cfg, under.ReadOnly(), false), nil
}

func newEncryptedBucket(under Bucket, typ EnvelopeType, secret *MasterSecret, cfg *Config, readOnly, shadow bool) *EncryptedBucket {
	b := &EncryptedBucket{
		id:       uuid.New(),
		under:    under,
		typ:      typ,
		secret:   secret,
		cfg:      cfg,
		metrics:  cfg.Metrics,
		readOnly: readOnly,
		shadow:   shadow,
	}
	b.logger = cfg.Logger.With(
		zap.String("envelope_id", b.id.String()),
		zap.String("type", typ.Name),
		zap.String("layout", layoutBucket),
	)
	return b
}

// ID returns the identifier used to correlate log entries
func (b *EncryptedBucket) ID() uuid.UUID {
	return b.id
}

// Type returns the envelope type
func (b *EncryptedBucket) Type() EnvelopeType {
	return b.typ
}

// underlyingSize returns the size of the wrapped bucket and rejects sizes
// that cannot hold an authenticated block
func (b *EncryptedBucket) underlyingSize() (int64, error) {
	total, err := b.under.Size()
	if err != nil {
		return 0, NewIOError("size", b.cfg.Name, -1, err)
	}
	hl := int64(b.typ.HeaderLength())
	if total != 0 && total < hl {
		return 0, NewCorruptionError(b.cfg.Name, fmt.Sprintf("bucket of %d bytes is shorter than the %d byte header", total, hl))
	}
	return total, nil
}

// Size returns the size of the data region. A bucket that was never
// written is empty.
func (b *EncryptedBucket) Size() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return 0, ErrClosed
	}
	total, err := b.underlyingSize()
	if err != nil || total == 0 {
		return 0, err
	}
	return total - int64(b.typ.HeaderLength()), nil
}

// ReadOnly reports whether OutputStream is refused
func (b *EncryptedBucket) ReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOnly || b.under.ReadOnly()
}

// SetReadOnly makes the bucket and the wrapped bucket read-only
func (b *EncryptedBucket) SetReadOnly() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readOnly = true
	b.under.SetReadOnly()
}

// OutputStream replaces the bucket contents. It writes a fresh
// authenticated block immediately and returns a sink that encrypts every
// byte written after it.
func (b *EncryptedBucket) OutputStream() (io.WriteCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil, ErrClosed
	}
	if b.readOnly || b.under.ReadOnly() {
		return nil, ErrReadOnly
	}

	header, key, err := WriteHeader(b.typ, b.secret)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	stream, limit, err := b.dataStream(key)
	if err != nil {
		return nil, err
	}

	w, err := b.under.OutputStream()
	if err != nil {
		return nil, NewIOError("open", b.cfg.Name, -1, err)
	}
	if _, err := w.Write(header); err != nil {
		w.Close()
		return nil, NewIOError("write", b.cfg.Name, 0, err)
	}

	b.metrics.observeOpen(layoutBucket, nil, true)
	b.logger.Debug("bucket output stream opened")

	return &encryptingWriter{w: w, stream: stream, limit: limit, name: b.cfg.Name, metrics: b.metrics}, nil
}

// InputStream verifies the authenticated block and returns a source that
// decrypts the data region. An empty data region yields an empty stream
// without verification.
func (b *EncryptedBucket) InputStream() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil, ErrClosed
	}
	total, err := b.underlyingSize()
	if err != nil {
		b.metrics.observeOpen(layoutBucket, err, false)
		return nil, err
	}
	if total <= int64(b.typ.HeaderLength()) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	r, err := b.under.InputStream()
	if err != nil {
		return nil, NewIOError("open", b.cfg.Name, -1, err)
	}

	header := make([]byte, b.typ.HeaderLength())
	if _, err := io.ReadFull(r, header); err != nil {
		r.Close()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = NewCorruptionError(b.cfg.Name, "bucket ended inside the header")
		} else {
			err = NewIOError("read", b.cfg.Name, 0, err)
		}
		b.metrics.observeOpen(layoutBucket, err, false)
		return nil, err
	}

	key, err := ReadAndVerifyHeader(header, b.typ, b.secret)
	b.metrics.observeOpen(layoutBucket, err, false)
	if err != nil {
		r.Close()
		b.logger.Warn("bucket verification failed", zap.Error(err))
		return nil, err
	}
	defer wipe(key)

	stream, _, err := b.dataStream(key)
	if err != nil {
		r.Close()
		return nil, err
	}

	b.logger.Debug("bucket input stream opened", zap.Int64("size", total-int64(b.typ.HeaderLength())))

	return &decryptingReader{r: r, stream: stream, metrics: b.metrics}, nil
}

// dataStream returns a keystream at position 0 of the data region and
// the number of bytes it can cover
func (b *EncryptedBucket) dataStream(instanceKey []byte) (cipher.Stream, int64, error) {
	engine, err := newStreamEngine(b.typ.Cipher)
	if err != nil {
		return nil, 0, err
	}
	key, iv, err := deriveDataKeys(b.typ, instanceKey)
	if err != nil {
		return nil, 0, err
	}
	defer wipe(key)
	defer wipe(iv)

	stream, err := engine.NewStream(key, iv, 0)
	if err != nil {
		return nil, 0, err
	}
	return stream, engine.MaxBytes(), nil
}

// CreateShadow returns a read-only twin over a shadow of the wrapped
// bucket. The twin verifies the block itself when read.
func (b *EncryptedBucket) CreateShadow() (*EncryptedBucket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil, ErrClosed
	}
	under, err := b.under.CreateShadow()
	if err != nil {
		if errors.Is(err, ErrShadowUnsupported) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrShadowUnsupported, err)
	}
	if under == nil {
		return nil, ErrShadowUnsupported
	}

	shadow := newEncryptedBucket(under, b.typ, b.secret, b.cfg, true, true)
	b.logger.Debug("bucket shadow created", zap.String("shadow_id", shadow.id.String()))
	return shadow, nil
}

// ToBuffer converts the bucket into a random-access buffer over the same
// storage. The wrapped bucket must implement RandomAccessBucket. The
// authenticated block is read back and verified on every call. A writable
// bucket becomes read-only afterwards; a shadow or read-only bucket yields
// a read-only buffer.
func (b *EncryptedBucket) ToBuffer() (*EncryptedBuffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil, ErrClosed
	}
	ra, ok := b.under.(RandomAccessBucket)
	if !ok {
		return nil, ErrNotRandomAccess
	}

	total, err := b.underlyingSize()
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, NewValidationError("bucket", total, "cannot convert a bucket that was never written")
	}
	readOnly := b.readOnly || b.shadow || b.under.ReadOnly()

	store, err := ra.ToStore()
	if err != nil {
		return nil, NewIOError("open", b.cfg.Name, -1, err)
	}

	key, total, err := establishKey(store, b.typ, b.secret, false, b.cfg)
	b.metrics.observeOpen(layoutBucket, err, false)
	if err != nil {
		store.Close()
		if IsCorruptionError(err) {
			b.logger.Warn("bucket verification failed", zap.Error(err))
		}
		return nil, err
	}
	defer wipe(key)

	buf, err := newEnvelopeFromKey(store, b.typ, key, total, b.cfg, layoutBuffer)
	if err != nil {
		store.Close()
		return nil, err
	}
	buf.readOnly = readOnly

	if !readOnly {
		b.readOnly = true
		b.under.SetReadOnly()
	}
	b.logger.Debug("bucket converted to buffer",
		zap.String("buffer_id", buf.id.String()),
		zap.Bool("read_only", readOnly))
	return buf, nil
}

// Free frees the wrapped bucket. Free is idempotent.
func (b *EncryptedBucket) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil
	}
	b.freed = true

	if err := b.under.Free(); err != nil {
		return NewIOError("free", b.cfg.Name, -1, err)
	}
	b.logger.Debug("bucket freed")
	return nil
}

// encryptingWriter encrypts a forward-only stream
type encryptingWriter struct {
	w       io.WriteCloser
	stream  cipher.Stream
	written int64
	limit   int64
	name    string
	metrics *Metrics
	buf     []byte
	closed  bool
}

func (e *encryptingWriter) Write(p []byte) (int, error) {
	if e.closed {
		return 0, ErrClosed
	}
	if int64(len(p)) > e.limit-e.written {
		return 0, &BoundsError{Operation: "write", Offset: e.written, Length: len(p), Size: e.limit}
	}
	if cap(e.buf) < len(p) {
		e.buf = make([]byte, len(p))
	}
	ct := e.buf[:len(p)]
	e.stream.XORKeyStream(ct, p)

	n, err := e.w.Write(ct)
	e.written += int64(n)
	e.metrics.addBytes("write", n)
	if err != nil {
		return n, NewIOError("write", e.name, e.written, err)
	}
	return n, nil
}

// Close closes the wrapped stream. The stream ciphers have no trailer.
func (e *encryptingWriter) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	wipe(e.buf)
	e.stream = nil
	return e.w.Close()
}

// decryptingReader decrypts a forward-only stream
type decryptingReader struct {
	r       io.ReadCloser
	stream  cipher.Stream
	metrics *Metrics
	closed  bool
}

func (d *decryptingReader) Read(p []byte) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	n, err := d.r.Read(p)
	if n > 0 {
		d.stream.XORKeyStream(p[:n], p[:n])
		d.metrics.addBytes("read", n)
	}
	return n, err
}

func (d *decryptingReader) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.stream = nil
	return d.r.Close()
}
