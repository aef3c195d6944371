package envelopefs

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// streamEngine creates keystream generators positioned at a block boundary
type streamEngine interface {
	// NewStream returns a keystream starting at the given block index
	NewStream(key, iv []byte, block uint64) (cipher.Stream, error)

	// BlockSize returns the keystream block size in bytes
	BlockSize() int

	// MaxBytes returns the largest keystream position the engine can reach
	MaxBytes() int64
}

// chaCha20Engine implements streamEngine using ChaCha20 with a 32-bit
// block counter
type chaCha20Engine struct{}

// NewStream creates a ChaCha20 keystream at the given block
func (chaCha20Engine) NewStream(key, iv []byte, block uint64) (cipher.Stream, error) {
	if block > math.MaxUint32 {
		return nil, fmt.Errorf("chacha20 block %d exceeds counter space", block)
	}
	c, err := chacha20.NewUnauthenticatedCipher(key, iv)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20 cipher: %w", err)
	}
	c.SetCounter(uint32(block))
	return c, nil
}

// BlockSize returns the ChaCha20 block size (64 bytes)
func (chaCha20Engine) BlockSize() int {
	return 64
}

// MaxBytes returns the ChaCha20 keystream length for one nonce (256 GiB)
func (chaCha20Engine) MaxBytes() int64 {
	return (math.MaxUint32 + 1) * 64
}

// aesCTREngine implements streamEngine using AES-256 in counter mode
type aesCTREngine struct{}

// NewStream creates an AES-CTR keystream at the given block
func (aesCTREngine) NewStream(key, iv []byte, block uint64) (cipher.Stream, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("AES-256 requires a 32-byte key, got %d bytes", len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("AES-CTR requires a %d-byte IV, got %d bytes", aes.BlockSize, len(iv))
	}

	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	counter := make([]byte, aes.BlockSize)
	copy(counter, iv)
	addCounter(counter, block)
	return cipher.NewCTR(b, counter), nil
}

// BlockSize returns the AES block size (16 bytes)
func (aesCTREngine) BlockSize() int {
	return aes.BlockSize
}

// MaxBytes returns the largest reachable offset
func (aesCTREngine) MaxBytes() int64 {
	return math.MaxInt64
}

// addCounter adds n to a 128-bit big-endian counter, wrapping like CTR does
func addCounter(counter []byte, n uint64) {
	lo := binary.BigEndian.Uint64(counter[8:])
	hi := binary.BigEndian.Uint64(counter[:8])
	sum := lo + n
	if sum < lo {
		hi++
	}
	binary.BigEndian.PutUint64(counter[8:], sum)
	binary.BigEndian.PutUint64(counter[:8], hi)
}

// newStreamEngine returns the engine for a cipher id
func newStreamEngine(id CipherID) (streamEngine, error) {
	switch id {
	case CipherChaCha20:
		return chaCha20Engine{}, nil
	case CipherAES256CTR:
		return aesCTREngine{}, nil
	default:
		return nil, fmt.Errorf("%w: cipher %d", ErrUnsupportedEnvelopeType, id)
	}
}

// DefaultSkipThreshold is the forward distance below which a cursor
// discards keystream instead of rebuilding the cipher
const DefaultSkipThreshold = 4096

// seekableCipher is one direction of a seekable stream cipher. The output
// for a byte depends only on its absolute position, never on access order.
type seekableCipher struct {
	mu        sync.Mutex
	engine    streamEngine
	key       []byte
	iv        []byte
	stream    cipher.Stream
	pos       int64 // keystream position the stream is aligned to
	threshold int64
	scratch   []byte
	onRebuild func()
}

// newSeekableCipher creates a cursor over the keystream for key and iv.
// The key and iv are copied.
func newSeekableCipher(engine streamEngine, key, iv []byte, threshold int64, onRebuild func()) *seekableCipher {
	c := &seekableCipher{
		engine:    engine,
		key:       append([]byte(nil), key...),
		iv:        append([]byte(nil), iv...),
		threshold: threshold,
		onRebuild: onRebuild,
	}
	return c
}

// processAt XORs src with the keystream at absolute offset off into dst
func (c *seekableCipher) processAt(dst, src []byte, off int64) error {
	if len(src) > 0 {
		if err := ValidateBuffer(dst, "destination", len(src)); err != nil {
			return err
		}
	}
	if off < 0 || int64(len(src)) > c.engine.MaxBytes()-off {
		return &BoundsError{Operation: "keystream", Offset: off, Length: len(src), Size: c.engine.MaxBytes()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key == nil {
		return ErrClosed
	}
	if err := c.seek(off); err != nil {
		return err
	}
	c.stream.XORKeyStream(dst[:len(src)], src)
	c.pos += int64(len(src))
	return nil
}

// seek aligns the stream to off. Callers hold c.mu.
func (c *seekableCipher) seek(off int64) error {
	if c.stream != nil {
		if off == c.pos {
			return nil
		}
		if off > c.pos && off-c.pos <= c.threshold {
			c.skip(off - c.pos)
			return nil
		}
	}

	bs := int64(c.engine.BlockSize())
	stream, err := c.engine.NewStream(c.key, c.iv, uint64(off/bs))
	if err != nil {
		return err
	}
	c.stream = stream
	c.pos = off - off%bs
	c.skip(off % bs)
	if c.onRebuild != nil {
		c.onRebuild()
	}
	return nil
}

// skip discards n bytes of keystream. Callers hold c.mu.
func (c *seekableCipher) skip(n int64) {
	if n <= 0 {
		return
	}
	if c.scratch == nil {
		c.scratch = make([]byte, 512)
	}
	for n > 0 {
		k := int64(len(c.scratch))
		if n < k {
			k = n
		}
		c.stream.XORKeyStream(c.scratch[:k], c.scratch[:k])
		n -= k
		c.pos += k
	}
}

// wipe destroys the key material; later calls fail with ErrClosed
func (c *seekableCipher) wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	wipe(c.key)
	wipe(c.iv)
	c.key = nil
	c.iv = nil
	c.stream = nil
}
