package envelopefs

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func footerTypes() []EnvelopeType {
	var out []EnvelopeType
	for _, t := range Types() {
		if t.Placement == PlacementFooter {
			out = append(out, t)
		}
	}
	return out
}

func TestThingLayout(t *testing.T) {
	secret := newTestSecret(t)

	for _, typ := range footerTypes() {
		t.Run(typ.Name, func(t *testing.T) {
			hl := typ.HeaderLength()
			store := NewMemoryStore(1000)

			thing, err := OpenThing(store, typ, secret, true, nil)
			if err != nil {
				t.Fatalf("OpenThing() failed: %v", err)
			}
			defer thing.Close()

			if got := thing.Size(); got != int64(1000-hl) {
				t.Fatalf("Size() = %d, want %d", got, 1000-hl)
			}

			data := pattern(int(thing.Size()))
			if _, err := thing.WriteAt(data, 0); err != nil {
				t.Fatal(err)
			}

			raw := store.Bytes()
			if len(raw) != 1000 {
				t.Fatalf("store is %d bytes, want 1000", len(raw))
			}
			// The block sits at the end and the data region starts at 0
			if got := binary.BigEndian.Uint64(raw[len(raw)-magicSize:]); got != Magic {
				t.Errorf("trailing magic = %#x, want %#x", got, Magic)
			}
			if got := int32(binary.BigEndian.Uint32(raw[len(raw)-trailerSize:])); got != typ.Version {
				t.Errorf("trailing version = %d, want %d", got, typ.Version)
			}
			if bytes.Equal(raw[:len(data)], data) {
				t.Error("data region stored in the clear")
			}

			got := make([]byte, len(data))
			if _, err := thing.ReadAt(got, 0); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, data) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestThingResume(t *testing.T) {
	secret := newTestSecret(t)
	typ := AES256CTRHMACSHA512

	store := NewMemoryStore(512)
	thing, err := OpenThing(store, typ, secret, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := thing.Pwrite(10, []byte("footer placed")); err != nil {
		t.Fatal(err)
	}
	thing.Close()

	resumed, err := ResumeThing(NewMemoryStoreFrom(store.Bytes()), typ, secret, nil)
	if err != nil {
		t.Fatalf("ResumeThing() failed: %v", err)
	}
	defer resumed.Close()

	got, err := resumed.Pread(10, 13)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "footer placed" {
		t.Errorf("Pread() = %q", got)
	}

	if _, err := ResumeThing(NewMemoryStoreFrom(store.Bytes()), typ, newTestSecret(t), nil); !IsCorruptionError(err) {
		t.Errorf("ResumeThing() with another secret error = %v, want CorruptionError", err)
	}
}

func TestThingTamperedFooter(t *testing.T) {
	secret := newTestSecret(t)
	typ := ChaCha20BLAKE2b

	store := NewMemoryStore(300)
	thing, err := OpenThing(store, typ, secret, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	thing.Close()

	raw := store.Bytes()
	raw[300-typ.HeaderLength()] ^= 0x01 // first iv byte
	if _, err := ResumeThing(NewMemoryStoreFrom(raw), typ, secret, nil); !IsCorruptionError(err) {
		t.Errorf("tampered footer error = %v, want CorruptionError", err)
	}

	// Data bytes are not authenticated; flipping one only changes plaintext
	raw = store.Bytes()
	raw[0] ^= 0x01
	if _, err := ResumeThing(NewMemoryStoreFrom(raw), typ, secret, nil); err != nil {
		t.Errorf("data tamper rejected at open: %v", err)
	}
}

func TestThingRejectsHeaderTypes(t *testing.T) {
	secret := newTestSecret(t)
	for _, typ := range headerTypes() {
		if _, err := OpenThing(NewMemoryStore(500), typ, secret, true, nil); !IsValidationError(err) {
			t.Errorf("OpenThing(%s) error = %v, want ValidationError", typ, err)
		}
	}
}
