package envelopefs

import (
	"fmt"
)

// CipherID identifies the stream cipher of an envelope type
type CipherID uint8

const (
	// CipherChaCha20 uses the ChaCha20 stream cipher (RFC 8439 nonce layout)
	CipherChaCha20 CipherID = iota + 1
	// CipherAES256CTR uses AES-256 in counter mode
	CipherAES256CTR
)

// String returns the string representation of the cipher
func (c CipherID) String() string {
	switch c {
	case CipherChaCha20:
		return "chacha20"
	case CipherAES256CTR:
		return "aes-256-ctr"
	default:
		return "unknown"
	}
}

// MACID identifies the MAC primitive protecting the authenticated block
type MACID uint8

const (
	// MACHMACSHA256 uses HMAC with SHA-256
	MACHMACSHA256 MACID = iota + 1
	// MACHMACSHA512 uses HMAC with SHA-512
	MACHMACSHA512
	// MACBLAKE2b256 uses keyed BLAKE2b with a 256-bit digest
	MACBLAKE2b256
)

// String returns the string representation of the MAC
func (m MACID) String() string {
	switch m {
	case MACHMACSHA256:
		return "hmac-sha256"
	case MACHMACSHA512:
		return "hmac-sha512"
	case MACBLAKE2b256:
		return "blake2b-256"
	default:
		return "unknown"
	}
}

// Placement says where the authenticated block lives in the underlying store
type Placement uint8

const (
	// PlacementHeader stores the authenticated block at offset 0
	PlacementHeader Placement = iota
	// PlacementFooter stores the authenticated block at the end of the store
	PlacementFooter
)

// String returns the string representation of the placement
func (p Placement) String() string {
	switch p {
	case PlacementHeader:
		return "header"
	case PlacementFooter:
		return "footer"
	default:
		return "unknown"
	}
}

const (
	// Magic marks a valid authenticated block
	Magic = uint64(0x2c158a6c7772acd3)

	versionTagSize = 4
	magicSize      = 8
	trailerSize    = versionTagSize + magicSize
)

// EnvelopeType describes one supported algorithm suite. Values are only
// meaningful when they match an entry of the built-in table; see LookupType.
type EnvelopeType struct {
	Version   int32     // Version tag persisted in the authenticated block
	Name      string    // Human-readable suite name
	Cipher    CipherID  // Stream cipher for the instance key and the data region
	MAC       MACID     // MAC over iv, encrypted instance key and version tag
	KeySize   int       // Cipher key size in bytes
	IVSize    int       // IV size in bytes
	MACSize   int       // MAC tag size in bytes
	Placement Placement // Header or footer layout
}

// Built-in envelope types
var (
	// ChaCha20HMACSHA256 is the default header-placed suite
	ChaCha20HMACSHA256 = EnvelopeType{
		Version:   1,
		Name:      "chacha20-hmac-sha256",
		Cipher:    CipherChaCha20,
		MAC:       MACHMACSHA256,
		KeySize:   32,
		IVSize:    12,
		MACSize:   32,
		Placement: PlacementHeader,
	}

	// AES256CTRHMACSHA256 is a header-placed suite for AES-NI hardware
	AES256CTRHMACSHA256 = EnvelopeType{
		Version:   2,
		Name:      "aes256ctr-hmac-sha256",
		Cipher:    CipherAES256CTR,
		MAC:       MACHMACSHA256,
		KeySize:   32,
		IVSize:    16,
		MACSize:   32,
		Placement: PlacementHeader,
	}

	// ChaCha20BLAKE2b is the default footer-placed (legacy layout) suite
	ChaCha20BLAKE2b = EnvelopeType{
		Version:   3,
		Name:      "chacha20-blake2b",
		Cipher:    CipherChaCha20,
		MAC:       MACBLAKE2b256,
		KeySize:   32,
		IVSize:    12,
		MACSize:   32,
		Placement: PlacementFooter,
	}

	// AES256CTRHMACSHA512 is a footer-placed suite with a 512-bit tag
	AES256CTRHMACSHA512 = EnvelopeType{
		Version:   4,
		Name:      "aes256ctr-hmac-sha512",
		Cipher:    CipherAES256CTR,
		MAC:       MACHMACSHA512,
		KeySize:   32,
		IVSize:    16,
		MACSize:   64,
		Placement: PlacementFooter,
	}
)

var knownTypes = []EnvelopeType{
	ChaCha20HMACSHA256,
	AES256CTRHMACSHA256,
	ChaCha20BLAKE2b,
	AES256CTRHMACSHA512,
}

// HeaderLength returns the fixed size of the authenticated block
func (t EnvelopeType) HeaderLength() int {
	return t.IVSize + t.KeySize + t.MACSize + trailerSize
}

// KeyBits returns the cipher key size in bits
func (t EnvelopeType) KeyBits() int {
	return t.KeySize * 8
}

// IVBits returns the IV size in bits
func (t EnvelopeType) IVBits() int {
	return t.IVSize * 8
}

// MACBits returns the MAC tag size in bits
func (t EnvelopeType) MACBits() int {
	return t.MACSize * 8
}

// String returns the suite name
func (t EnvelopeType) String() string {
	if t.Name == "" {
		return fmt.Sprintf("envelope-type(%d)", t.Version)
	}
	return t.Name
}

// Types returns the built-in envelope types in version order
func Types() []EnvelopeType {
	out := make([]EnvelopeType, len(knownTypes))
	copy(out, knownTypes)
	return out
}

// LookupType returns the built-in envelope type with the given version tag
func LookupType(version int32) (EnvelopeType, error) {
	for _, t := range knownTypes {
		if t.Version == version {
			return t, nil
		}
	}
	return EnvelopeType{}, fmt.Errorf("%w: version tag %d", ErrUnsupportedEnvelopeType, version)
}

// LookupTypeByName returns the built-in envelope type with the given name
func LookupTypeByName(name string) (EnvelopeType, error) {
	for _, t := range knownTypes {
		if t.Name == name {
			return t, nil
		}
	}
	return EnvelopeType{}, fmt.Errorf("%w: %q", ErrUnsupportedEnvelopeType, name)
}

// DefaultType returns the default envelope type for a placement
func DefaultType(p Placement) EnvelopeType {
	if p == PlacementFooter {
		return ChaCha20BLAKE2b
	}
	return ChaCha20HMACSHA256
}

// validateType rejects values that do not exactly match a table entry
func validateType(t EnvelopeType) error {
	known, err := LookupType(t.Version)
	if err != nil {
		return err
	}
	if size, err := macTagSize(t.MAC); err != nil || size != t.MACSize {
		return fmt.Errorf("%w: %s carries a %d byte MAC field for %s", ErrUnsupportedEnvelopeType, t, t.MACSize, t.MAC)
	}
	if known != t {
		return fmt.Errorf("%w: %s does not match built-in version %d", ErrUnsupportedEnvelopeType, t, t.Version)
	}
	return nil
}

// blockOffset returns the offset of the authenticated block in a store of
// the given total size
func (t EnvelopeType) blockOffset(total int64) int64 {
	if t.Placement == PlacementFooter {
		return total - int64(t.HeaderLength())
	}
	return 0
}

// dataOffset returns the offset of the data region in the underlying store
func (t EnvelopeType) dataOffset() int64 {
	if t.Placement == PlacementFooter {
		return 0
	}
	return int64(t.HeaderLength())
}
