package envelopefs

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// Authenticated block layout (big-endian):
//
//	┌──────────────────────────────┐
//	│ iv               (IVSize)    │ random per object, protects the instance key only
//	│ encrypted key    (KeySize)   │ instance key under the header-encryption key
//	│ mac              (MACSize)   │ MAC(iv ∥ encrypted key ∥ version tag)
//	│ version tag      (4 bytes)   │ EnvelopeType.Version
//	│ magic            (8 bytes)   │ Magic
//	└──────────────────────────────┘

// Derivation purposes for the header keys
const (
	purposeHeaderEncrypt = "header-encrypt"
	purposeHeaderMAC     = "header-mac"
)

var randomSource io.Reader = rand.Reader

// SetRandSource sets the source of random numbers used for IVs, instance
// keys and master secrets. It is intended for testing.
func SetRandSource(r io.Reader) {
	randomSource = r
}

// headerFields are views into an authenticated block
type headerFields struct {
	iv           []byte
	encryptedKey []byte
	mac          []byte
	version      []byte
	magic        []byte
}

// splitHeader slices b into its fields. b must be HeaderLength() bytes.
func splitHeader(t EnvelopeType, b []byte) headerFields {
	var f headerFields
	off := 0
	f.iv = b[off : off+t.IVSize]
	off += t.IVSize
	f.encryptedKey = b[off : off+t.KeySize]
	off += t.KeySize
	f.mac = b[off : off+t.MACSize]
	off += t.MACSize
	f.version = b[off : off+versionTagSize]
	off += versionTagSize
	f.magic = b[off : off+magicSize]
	return f
}

// headerKeys derives the header-encryption and header-MAC keys
func headerKeys(t EnvelopeType, secret *MasterSecret) (encKey, macKey []byte, err error) {
	encKey, err = secret.DeriveKey(t, purposeHeaderEncrypt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive header key: %w", err)
	}
	macKey, err = secret.DeriveMACKey(t, purposeHeaderMAC)
	if err != nil {
		wipe(encKey)
		return nil, nil, fmt.Errorf("failed to derive header MAC key: %w", err)
	}
	return encKey, macKey, nil
}

// computeMAC returns MAC(iv ∥ encryptedKey ∥ version)
func computeMAC(t EnvelopeType, macKey []byte, f headerFields) ([]byte, error) {
	m, err := newMAC(t.MAC, macKey)
	if err != nil {
		return nil, err
	}
	m.Write(f.iv)
	m.Write(f.encryptedKey)
	m.Write(f.version)
	return m.Sum(nil), nil
}

// xorHeaderKey encrypts or decrypts the instance key field
func xorHeaderKey(t EnvelopeType, encKey, iv, dst, src []byte) error {
	engine, err := newStreamEngine(t.Cipher)
	if err != nil {
		return err
	}
	stream, err := engine.NewStream(encKey, iv, 0)
	if err != nil {
		return err
	}
	stream.XORKeyStream(dst, src)
	return nil
}

// WriteHeader builds a fresh authenticated block for t. It returns the
// block and the newly generated instance key.
func WriteHeader(t EnvelopeType, secret *MasterSecret) (header, instanceKey []byte, err error) {
	if secret == nil {
		return nil, nil, ErrNilSecret
	}
	if err := validateType(t); err != nil {
		return nil, nil, err
	}

	instanceKey = make([]byte, t.KeySize)
	if _, err := io.ReadFull(randomSource, instanceKey); err != nil {
		return nil, nil, fmt.Errorf("failed to generate instance key: %w", err)
	}
	header, err = sealHeader(t, secret, instanceKey)
	if err != nil {
		wipe(instanceKey)
		return nil, nil, err
	}
	return header, instanceKey, nil
}

// sealHeader builds an authenticated block carrying instanceKey under a
// fresh iv
func sealHeader(t EnvelopeType, secret *MasterSecret, instanceKey []byte) ([]byte, error) {
	if err := ValidateKey(instanceKey, t); err != nil {
		return nil, err
	}

	header := make([]byte, t.HeaderLength())
	f := splitHeader(t, header)

	if _, err := io.ReadFull(randomSource, f.iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	encKey, macKey, err := headerKeys(t, secret)
	if err != nil {
		return nil, err
	}
	defer wipe(encKey)
	defer wipe(macKey)

	if err := xorHeaderKey(t, encKey, f.iv, f.encryptedKey, instanceKey); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(f.version, uint32(t.Version))
	binary.BigEndian.PutUint64(f.magic, Magic)

	sum, err := computeMAC(t, macKey, f)
	if err != nil {
		return nil, err
	}
	copy(f.mac, sum)

	return header, nil
}

// ReadAndVerifyHeader verifies an authenticated block written for t and
// returns the instance key. Magic and version are checked before any key
// is derived. Wrong secrets and tampered blocks both fail with a
// CorruptionError; no key is returned unless the MAC verifies.
func ReadAndVerifyHeader(header []byte, t EnvelopeType, secret *MasterSecret) ([]byte, error) {
	if secret == nil {
		return nil, ErrNilSecret
	}
	if err := validateType(t); err != nil {
		return nil, err
	}
	if len(header) != t.HeaderLength() {
		return nil, NewCorruptionError("", fmt.Sprintf("authenticated block is %d bytes, expected %d", len(header), t.HeaderLength()))
	}

	f := splitHeader(t, header)
	if binary.BigEndian.Uint64(f.magic) != Magic {
		return nil, NewCorruptionError("", "bad magic")
	}

	version := int32(binary.BigEndian.Uint32(f.version))
	if version != t.Version {
		if _, err := LookupType(version); err != nil {
			// Unknown tags also match ErrUnsupportedEnvelopeType
			return nil, &CorruptionError{
				Message: fmt.Sprintf("unknown version tag %d, expected %d", version, t.Version),
				Err:     err,
			}
		}
		return nil, NewCorruptionError("", fmt.Sprintf("version tag %d does not match %s", version, t))
	}

	encKey, macKey, err := headerKeys(t, secret)
	if err != nil {
		return nil, err
	}
	defer wipe(encKey)
	defer wipe(macKey)

	instanceKey := make([]byte, t.KeySize)
	if err := xorHeaderKey(t, encKey, f.iv, instanceKey, f.encryptedKey); err != nil {
		return nil, err
	}

	want, err := computeMAC(t, macKey, f)
	if err != nil {
		wipe(instanceKey)
		return nil, err
	}
	if !hmac.Equal(want, f.mac) {
		wipe(instanceKey)
		return nil, NewCorruptionError("", "MAC verification failed")
	}

	return instanceKey, nil
}
