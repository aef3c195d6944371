package envelopefs

import (
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// kdfNamespace qualifies every derivation label
	kdfNamespace = "envelopefs/"

	// MaxDerivedBits is the largest output of a single derivation: one
	// HMAC-SHA512 block
	MaxDerivedBits = sha512.Size * 8
)

// DeriveKey derives bits of key material from root for the given label.
// The output is a single HMAC-SHA512 evaluation keyed by root (HKDF-Expand
// with one output block), so equal inputs always yield equal outputs and
// distinct labels yield independent outputs.
func DeriveKey(root []byte, label string, bits int) ([]byte, error) {
	if len(root) == 0 {
		return nil, fmt.Errorf("%w: empty derivation root", ErrInvalidKey)
	}
	if bits <= 0 || bits > MaxDerivedBits || bits%8 != 0 {
		return nil, fmt.Errorf("%w: %d bits", ErrUnsupportedKeySize, bits)
	}

	out := make([]byte, bits/8)
	r := hkdf.Expand(sha512.New, root, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return out, nil
}

// kdfLabel builds a namespaced derivation label
func kdfLabel(component, purpose string, t EnvelopeType) string {
	return kdfNamespace + component + "/" + purpose + "/" + t.Name
}

// deriveDataKeys derives the data-region key and stream IV from an
// instance key
func deriveDataKeys(t EnvelopeType, instanceKey []byte) (key, iv []byte, err error) {
	key, err = DeriveKey(instanceKey, kdfLabel("instance", "data-key", t), t.KeyBits())
	if err != nil {
		return nil, nil, err
	}
	iv, err = DeriveKey(instanceKey, kdfLabel("instance", "data-iv", t), t.IVBits())
	if err != nil {
		wipe(key)
		return nil, nil, err
	}
	return key, iv, nil
}

// wipe overwrites b with zeros
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
