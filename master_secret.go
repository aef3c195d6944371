package envelopefs

import (
	"fmt"
	"io"
	"sync"
)

// MasterSecretSize is the size of a master secret in bytes
const MasterSecretSize = 64

// MasterSecret holds the root key of a session. It is only ever used as
// input to DeriveKey and may be shared by any number of envelopes.
type MasterSecret struct {
	mu        sync.RWMutex
	secret    []byte
	destroyed bool
}

// NewMasterSecret generates a new random master secret
func NewMasterSecret() (*MasterSecret, error) {
	secret := make([]byte, MasterSecretSize)
	if _, err := io.ReadFull(randomSource, secret); err != nil {
		return nil, fmt.Errorf("failed to generate master secret: %w", err)
	}
	return &MasterSecret{secret: secret}, nil
}

// MasterSecretFromBytes rebuilds a master secret supplied by an external
// provisioning mechanism. The bytes are copied.
func MasterSecretFromBytes(b []byte) (*MasterSecret, error) {
	if len(b) != MasterSecretSize {
		return nil, &ValidationError{
			Field:   "master_secret",
			Value:   len(b),
			Message: fmt.Sprintf("invalid secret size: got %d bytes, expected %d bytes", len(b), MasterSecretSize),
			Err:     ErrInvalidKey,
		}
	}
	secret := make([]byte, MasterSecretSize)
	copy(secret, b)
	return &MasterSecret{secret: secret}, nil
}

// Bytes returns a copy of the raw secret for provisioning code that has to
// persist it. Envelopes never call it.
func (s *MasterSecret) Bytes() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return nil, ErrSecretDestroyed
	}
	out := make([]byte, len(s.secret))
	copy(out, s.secret)
	return out, nil
}

// Derive derives bits of key material for an arbitrary label
func (s *MasterSecret) Derive(label string, bits int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed {
		return nil, ErrSecretDestroyed
	}
	return DeriveKey(s.secret, label, bits)
}

// DeriveKey derives a cipher key of the type's key size for a purpose
func (s *MasterSecret) DeriveKey(t EnvelopeType, purpose string) ([]byte, error) {
	return s.Derive(kdfLabel("master-secret", "key/"+purpose, t), t.KeyBits())
}

// DeriveIV derives an IV of the type's IV size for a purpose
func (s *MasterSecret) DeriveIV(t EnvelopeType, purpose string) ([]byte, error) {
	return s.Derive(kdfLabel("master-secret", "iv/"+purpose, t), t.IVBits())
}

// DeriveMACKey derives a key for the type's MAC primitive for a purpose
func (s *MasterSecret) DeriveMACKey(t EnvelopeType, purpose string) ([]byte, error) {
	size, err := macKeySize(t.MAC)
	if err != nil {
		return nil, err
	}
	return s.Derive(kdfLabel("master-secret", "mac/"+purpose, t), size*8)
}

// Destroy overwrites the secret. Later derivations fail with
// ErrSecretDestroyed. Destroy is idempotent.
func (s *MasterSecret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	wipe(s.secret)
	s.secret = nil
	s.destroyed = true
}
