package envelopefs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	secret := newTestSecret(t)

	for _, typ := range Types() {
		t.Run(typ.Name, func(t *testing.T) {
			header, key, err := WriteHeader(typ, secret)
			if err != nil {
				t.Fatalf("WriteHeader() failed: %v", err)
			}
			if len(header) != typ.HeaderLength() {
				t.Fatalf("header is %d bytes, want %d", len(header), typ.HeaderLength())
			}
			if len(key) != typ.KeySize {
				t.Fatalf("instance key is %d bytes, want %d", len(key), typ.KeySize)
			}

			f := splitHeader(typ, header)
			if bytes.Equal(f.encryptedKey, key) {
				t.Error("instance key stored in the clear")
			}
			if got := binary.BigEndian.Uint64(f.magic); got != Magic {
				t.Errorf("magic = %#x, want %#x", got, Magic)
			}
			if got := int32(binary.BigEndian.Uint32(f.version)); got != typ.Version {
				t.Errorf("version tag = %d, want %d", got, typ.Version)
			}

			got, err := ReadAndVerifyHeader(header, typ, secret)
			if err != nil {
				t.Fatalf("ReadAndVerifyHeader() failed: %v", err)
			}
			if !bytes.Equal(got, key) {
				t.Error("recovered instance key differs")
			}
		})
	}
}

func TestHeaderFreshPerWrite(t *testing.T) {
	secret := newTestSecret(t)

	h1, k1, err := WriteHeader(ChaCha20HMACSHA256, secret)
	if err != nil {
		t.Fatal(err)
	}
	h2, k2, err := WriteHeader(ChaCha20HMACSHA256, secret)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(h1, h2) || bytes.Equal(k1, k2) {
		t.Error("two headers share iv or instance key")
	}
}

func TestHeaderDeterministicRandSource(t *testing.T) {
	secret, err := MasterSecretFromBytes(pattern(MasterSecretSize))
	if err != nil {
		t.Fatal(err)
	}

	withRandSource(t, pattern(ChaCha20HMACSHA256.IVSize+ChaCha20HMACSHA256.KeySize))
	h1, _, err := WriteHeader(ChaCha20HMACSHA256, secret)
	if err != nil {
		t.Fatal(err)
	}

	withRandSource(t, pattern(ChaCha20HMACSHA256.IVSize+ChaCha20HMACSHA256.KeySize))
	h2, _, err := WriteHeader(ChaCha20HMACSHA256, secret)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(h1, h2) {
		t.Error("equal inputs produced different headers")
	}

	withRandSource(t, nil)
	if _, _, err := WriteHeader(ChaCha20HMACSHA256, secret); err == nil {
		t.Error("WriteHeader() succeeded with an exhausted random source")
	}
}

// Every single-bit flip in the authenticated fields must be rejected as
// corruption and must never yield a key.
func TestHeaderTamperEveryBit(t *testing.T) {
	secret := newTestSecret(t)

	for _, typ := range Types() {
		t.Run(typ.Name, func(t *testing.T) {
			header, _, err := WriteHeader(typ, secret)
			if err != nil {
				t.Fatal(err)
			}

			// iv, encrypted key, mac and version tag
			authenticated := typ.IVSize + typ.KeySize + typ.MACSize + versionTagSize
			for i := 0; i < authenticated*8; i++ {
				tampered := append([]byte(nil), header...)
				tampered[i/8] ^= 1 << (i % 8)

				key, err := ReadAndVerifyHeader(tampered, typ, secret)
				if key != nil {
					t.Fatalf("bit %d: tampered header yielded a key", i)
				}
				if !errors.Is(err, ErrCorruptEnvelope) {
					t.Fatalf("bit %d: error = %v, want ErrCorruptEnvelope", i, err)
				}
			}
		})
	}
}

func TestHeaderBadMagic(t *testing.T) {
	secret := newTestSecret(t)
	header, _, _ := WriteHeader(ChaCha20HMACSHA256, secret)
	header[len(header)-1] ^= 0x80

	_, err := ReadAndVerifyHeader(header, ChaCha20HMACSHA256, secret)
	if !IsCorruptionError(err) {
		t.Errorf("error = %v, want CorruptionError", err)
	}
}

func TestHeaderWrongSecret(t *testing.T) {
	secret := newTestSecret(t)
	other := newTestSecret(t)

	for _, typ := range Types() {
		header, _, err := WriteHeader(typ, secret)
		if err != nil {
			t.Fatal(err)
		}
		key, err := ReadAndVerifyHeader(header, typ, other)
		if key != nil || !IsCorruptionError(err) {
			t.Errorf("%s: wrong secret gave key=%v err=%v, want CorruptionError", typ, key != nil, err)
		}
	}
}

func TestHeaderVersionTags(t *testing.T) {
	secret := newTestSecret(t)
	typ := ChaCha20HMACSHA256

	setVersion := func(v int32) []byte {
		header, _, err := WriteHeader(typ, secret)
		if err != nil {
			t.Fatal(err)
		}
		binary.BigEndian.PutUint32(splitHeader(typ, header).version, uint32(v))
		return header
	}

	t.Run("unknown tag", func(t *testing.T) {
		_, err := ReadAndVerifyHeader(setVersion(99), typ, secret)
		if !errors.Is(err, ErrUnsupportedEnvelopeType) {
			t.Errorf("error = %v, want ErrUnsupportedEnvelopeType", err)
		}
		if !errors.Is(err, ErrCorruptEnvelope) {
			t.Errorf("error = %v, should still match ErrCorruptEnvelope", err)
		}
	})

	t.Run("known tag of another type", func(t *testing.T) {
		_, err := ReadAndVerifyHeader(setVersion(AES256CTRHMACSHA256.Version), typ, secret)
		if !IsCorruptionError(err) {
			t.Errorf("error = %v, want CorruptionError", err)
		}
		if errors.Is(err, ErrUnsupportedEnvelopeType) {
			t.Errorf("error = %v, should not report an unsupported type", err)
		}
	})
}

func TestHeaderArguments(t *testing.T) {
	secret := newTestSecret(t)

	if _, _, err := WriteHeader(ChaCha20HMACSHA256, nil); !errors.Is(err, ErrNilSecret) {
		t.Errorf("WriteHeader(nil secret) error = %v", err)
	}
	if _, _, err := WriteHeader(EnvelopeType{Version: 7}, secret); !errors.Is(err, ErrUnsupportedEnvelopeType) {
		t.Errorf("WriteHeader(unknown type) error = %v", err)
	}
	if _, err := ReadAndVerifyHeader(make([]byte, 10), ChaCha20HMACSHA256, secret); !IsCorruptionError(err) {
		t.Errorf("ReadAndVerifyHeader(short) error = %v, want CorruptionError", err)
	}
	if _, err := ReadAndVerifyHeader(make([]byte, 88), ChaCha20HMACSHA256, nil); !errors.Is(err, ErrNilSecret) {
		t.Errorf("ReadAndVerifyHeader(nil secret) error = %v", err)
	}

	destroyed, _ := NewMasterSecret()
	destroyed.Destroy()
	if _, _, err := WriteHeader(ChaCha20HMACSHA256, destroyed); !errors.Is(err, ErrSecretDestroyed) {
		t.Errorf("WriteHeader(destroyed secret) error = %v, want ErrSecretDestroyed", err)
	}
}
