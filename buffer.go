package envelopefs

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Layout names used in logs and metrics
const (
	layoutBuffer = "buffer"
	layoutThing  = "thing"
	layoutBucket = "bucket"
)

// EncryptedBuffer is a random-access view of the data region of an
// envelope. Reads and writes at any offset are encrypted with a seekable
// stream cipher keyed from the instance key. The data region has a fixed
// size; writes never grow it.
//
// EncryptedBuffer is safe for concurrent use. Reads and writes use
// separate cipher cursors and proceed in parallel.
type EncryptedBuffer struct {
	id      uuid.UUID
	typ     EnvelopeType
	store   Store
	name    string
	layout  string
	dataOff int64
	size    int64

	reader   *seekableCipher
	writer   *seekableCipher
	parallel ParallelConfig
	readOnly bool

	logger  *zap.Logger
	metrics *Metrics

	// mu is held shared by reads and writes and exclusively by Close and
	// Free, so the store and ciphers are never released under an
	// in-flight operation
	mu     sync.RWMutex
	closed bool
	freed  bool
}

// OpenBuffer wraps store in an envelope of the header-placed type typ. If
// isNew, a fresh authenticated block is written at offset 0 and the rest of
// the store becomes the data region. Otherwise the existing block is read
// and verified against secret; a mismatch fails with a CorruptionError.
func OpenBuffer(store Store, typ EnvelopeType, secret *MasterSecret, isNew bool, cfg *Config) (*EncryptedBuffer, error) {
	if typ.Placement != PlacementHeader {
		return nil, &ValidationError{
			Field:   "type",
			Value:   typ.Name,
			Message: "random-access buffers require a header-placed envelope type",
		}
	}
	return openEnvelope(store, typ, secret, isNew, cfg, layoutBuffer)
}

// ResumeBuffer reopens an existing envelope, for example after a process
// restart with a master secret rebuilt by MasterSecretFromBytes
func ResumeBuffer(store Store, typ EnvelopeType, secret *MasterSecret, cfg *Config) (*EncryptedBuffer, error) {
	return OpenBuffer(store, typ, secret, false, cfg)
}

// openEnvelope runs the authenticated-block protocol for either placement
func openEnvelope(store Store, typ EnvelopeType, secret *MasterSecret, isNew bool, cfg *Config, layout string) (*EncryptedBuffer, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if secret == nil {
		return nil, ErrNilSecret
	}
	cfg, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := validateType(typ); err != nil {
		return nil, err
	}

	key, total, err := establishKey(store, typ, secret, isNew, cfg)
	cfg.Metrics.observeOpen(layout, err, isNew)
	if err != nil {
		if IsCorruptionError(err) {
			cfg.Logger.Warn("envelope verification failed",
				zap.String("name", cfg.Name),
				zap.String("type", typ.Name),
				zap.String("layout", layout),
				zap.Error(err))
		}
		return nil, err
	}
	defer wipe(key)

	return newEnvelopeFromKey(store, typ, key, total, cfg, layout)
}

// establishKey writes or verifies the authenticated block and returns the
// instance key and the underlying store size
func establishKey(store Store, typ EnvelopeType, secret *MasterSecret, isNew bool, cfg *Config) ([]byte, int64, error) {
	total, err := store.Size()
	if err != nil {
		return nil, 0, NewIOError("size", cfg.Name, -1, err)
	}

	hl := int64(typ.HeaderLength())
	if total < hl {
		if isNew {
			return nil, 0, &ValidationError{
				Field:   "store",
				Value:   total,
				Message: fmt.Sprintf("store of %d bytes cannot hold a %d byte %s block", total, hl, typ.Placement),
			}
		}
		return nil, 0, NewCorruptionError(cfg.Name, fmt.Sprintf("store of %d bytes is shorter than the %d byte %s block", total, hl, typ.Placement))
	}
	blockOff := typ.blockOffset(total)

	if isNew {
		header, key, err := WriteHeader(typ, secret)
		if err != nil {
			return nil, 0, err
		}
		if _, err := store.WriteAt(header, blockOff); err != nil {
			wipe(key)
			return nil, 0, NewIOError("write", cfg.Name, blockOff, err)
		}
		return key, total, nil
	}

	header := make([]byte, hl)
	if n, err := store.ReadAt(header, blockOff); n < len(header) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, NewIOError("read", cfg.Name, blockOff, err)
	}
	key, err := ReadAndVerifyHeader(header, typ, secret)
	if err != nil {
		var ce *CorruptionError
		if errors.As(err, &ce) && ce.Path == "" {
			ce.Path = cfg.Name
		}
		return nil, 0, err
	}
	return key, total, nil
}

// newEnvelopeFromKey builds the adapter around a verified instance key.
// The key is not retained.
func newEnvelopeFromKey(store Store, typ EnvelopeType, instanceKey []byte, total int64, cfg *Config, layout string) (*EncryptedBuffer, error) {
	if err := ValidateKey(instanceKey, typ); err != nil {
		return nil, err
	}
	engine, err := newStreamEngine(typ.Cipher)
	if err != nil {
		return nil, err
	}
	dataKey, dataIV, err := deriveDataKeys(typ, instanceKey)
	if err != nil {
		return nil, err
	}
	defer wipe(dataKey)
	defer wipe(dataIV)

	b := &EncryptedBuffer{
		id:       uuid.New(),
		typ:      typ,
		store:    store,
		name:     cfg.Name,
		layout:   layout,
		dataOff:  typ.dataOffset(),
		size:     total - int64(typ.HeaderLength()),
		reader:   newSeekableCipher(engine, dataKey, dataIV, cfg.SkipThreshold, cfg.Metrics.rebuildHook()),
		writer:   newSeekableCipher(engine, dataKey, dataIV, cfg.SkipThreshold, cfg.Metrics.rebuildHook()),
		parallel: cfg.Parallel,
		metrics:  cfg.Metrics,
	}
	b.logger = cfg.Logger.With(
		zap.String("envelope_id", b.id.String()),
		zap.String("type", typ.Name),
		zap.String("layout", layout),
	)
	b.logger.Debug("envelope opened", zap.Int64("size", b.size))
	return b, nil
}

// ID returns the identifier used to correlate log entries
func (b *EncryptedBuffer) ID() uuid.UUID {
	return b.id
}

// Type returns the envelope type
func (b *EncryptedBuffer) Type() EnvelopeType {
	return b.typ
}

// Size returns the size of the data region
func (b *EncryptedBuffer) Size() int64 {
	return b.size
}

// ReadOnly reports whether writes are refused with ErrReadOnly
func (b *EncryptedBuffer) ReadOnly() bool {
	return b.readOnly
}

// ReadAt decrypts len(p) bytes of the data region starting at off into p.
// The whole range must lie inside the data region.
func (b *EncryptedBuffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}
	if err := ValidateRange("read", off, len(p), b.size); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	pos := b.dataOff + off
	if n, err := b.store.ReadAt(p, pos); n < len(p) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, NewIOError("read", b.name, pos, err)
	}
	if err := b.reader.processParallel(p, p, off, b.parallel); err != nil {
		return 0, err
	}
	b.metrics.addBytes("read", len(p))
	return len(p), nil
}

// WriteAt encrypts p into the data region starting at off. The whole range
// must lie inside the data region.
func (b *EncryptedBuffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}
	if b.readOnly {
		return 0, ErrReadOnly
	}
	if err := ValidateRange("write", off, len(p), b.size); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	ciphertext := make([]byte, len(p))
	if err := b.writer.processParallel(ciphertext, p, off, b.parallel); err != nil {
		return 0, err
	}
	pos := b.dataOff + off
	if _, err := b.store.WriteAt(ciphertext, pos); err != nil {
		return 0, NewIOError("write", b.name, pos, err)
	}
	b.metrics.addBytes("write", len(p))
	return len(p), nil
}

// Pread returns length bytes of plaintext starting at offset
func (b *EncryptedBuffer) Pread(offset int64, length int) ([]byte, error) {
	if length < 0 {
		return nil, &BoundsError{Operation: "read", Offset: offset, Length: length, Size: b.size}
	}
	p := make([]byte, length)
	if _, err := b.ReadAt(p, offset); err != nil {
		return nil, err
	}
	return p, nil
}

// Pwrite writes p as plaintext starting at offset. A nil p is an empty
// write.
func (b *EncryptedBuffer) Pwrite(offset int64, p []byte) error {
	_, err := b.WriteAt(p, offset)
	return err
}

// Sync commits the underlying store when it supports syncing
func (b *EncryptedBuffer) Sync() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	s, ok := b.store.(interface{ Sync() error })
	if !ok {
		return nil
	}
	if err := s.Sync(); err != nil {
		return NewIOError("sync", b.name, -1, err)
	}
	return nil
}

// Close wipes the cipher state and closes the store. Close is idempotent;
// later reads and writes fail with ErrClosed.
func (b *EncryptedBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.reader.wipe()
	b.writer.wipe()

	if err := b.store.Close(); err != nil {
		return NewIOError("close", b.name, -1, err)
	}
	b.logger.Debug("envelope closed")
	return nil
}

// Free closes the envelope and releases the underlying storage. Free is
// idempotent.
func (b *EncryptedBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.freed {
		return nil
	}
	b.freed = true
	b.closed = true
	b.reader.wipe()
	b.writer.wipe()

	if err := b.store.Free(); err != nil {
		return NewIOError("free", b.name, -1, err)
	}
	b.logger.Debug("envelope freed")
	return nil
}

// String returns a short description for logs and the CLI
func (b *EncryptedBuffer) String() string {
	return fmt.Sprintf("%s %s (%s, %d bytes)", b.layout, b.id, b.typ, b.size)
}
