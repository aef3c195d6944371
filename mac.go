package envelopefs

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// newMAC returns a keyed MAC for the given primitive
func newMAC(id MACID, key []byte) (hash.Hash, error) {
	switch id {
	case MACHMACSHA256:
		return hmac.New(sha256.New, key), nil
	case MACHMACSHA512:
		return hmac.New(sha512.New, key), nil
	case MACBLAKE2b256:
		h, err := blake2b.New256(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create BLAKE2b MAC: %w", err)
		}
		return h, nil
	default:
		return nil, fmt.Errorf("%w: mac %d", ErrUnsupportedEnvelopeType, id)
	}
}

// macKeySize returns the key size in bytes used for a MAC primitive
func macKeySize(id MACID) (int, error) {
	switch id {
	case MACHMACSHA256, MACBLAKE2b256:
		return 32, nil
	case MACHMACSHA512:
		return 64, nil
	default:
		return 0, fmt.Errorf("%w: mac %d", ErrUnsupportedEnvelopeType, id)
	}
}

// macTagSize returns the tag size in bytes produced by a MAC primitive
func macTagSize(id MACID) (int, error) {
	switch id {
	case MACHMACSHA256:
		return sha256.Size, nil
	case MACHMACSHA512:
		return sha512.Size, nil
	case MACBLAKE2b256:
		return blake2b.Size256, nil
	default:
		return 0, fmt.Errorf("%w: mac %d", ErrUnsupportedEnvelopeType, id)
	}
}
