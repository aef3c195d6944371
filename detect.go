package envelopefs

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DetectType identifies the envelope type of an existing store by probing
// the magic and version tag of every known type with the given placement.
// Nothing is verified and no key is derived. A valid magic next to an
// unknown version tag fails with ErrUnsupportedEnvelopeType; anything else
// that does not match fails with a CorruptionError.
func DetectType(store Store, placement Placement) (EnvelopeType, error) {
	if store == nil {
		return EnvelopeType{}, ErrNilStore
	}
	total, err := store.Size()
	if err != nil {
		return EnvelopeType{}, NewIOError("size", "", -1, err)
	}

	var unknown []int32
	for _, t := range knownTypes {
		if t.Placement != placement {
			continue
		}
		hl := int64(t.HeaderLength())
		if total < hl {
			continue
		}

		trailer := make([]byte, trailerSize)
		off := t.blockOffset(total) + hl - trailerSize
		if n, err := store.ReadAt(trailer, off); n < len(trailer) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return EnvelopeType{}, NewIOError("read", "", off, err)
		}
		if binary.BigEndian.Uint64(trailer[versionTagSize:]) != Magic {
			continue
		}

		version := int32(binary.BigEndian.Uint32(trailer[:versionTagSize]))
		if version == t.Version {
			return t, nil
		}
		if _, err := LookupType(version); err != nil {
			unknown = append(unknown, version)
		}
	}

	if len(unknown) > 0 {
		return EnvelopeType{}, fmt.Errorf("%w: version tag %d", ErrUnsupportedEnvelopeType, unknown[0])
	}
	return EnvelopeType{}, NewCorruptionError("", fmt.Sprintf("no %s envelope found in %d bytes", placement, total))
}

// Open detects the envelope type of an existing store and verifies it.
// Footer-placed envelopes are returned as the EncryptedBuffer embedded in
// their EncryptedThing.
func Open(store Store, placement Placement, secret *MasterSecret, cfg *Config) (*EncryptedBuffer, error) {
	typ, err := DetectType(store, placement)
	if err != nil {
		return nil, err
	}
	if placement == PlacementFooter {
		thing, err := ResumeThing(store, typ, secret, cfg)
		if err != nil {
			return nil, err
		}
		return thing.EncryptedBuffer, nil
	}
	return ResumeBuffer(store, typ, secret, cfg)
}
