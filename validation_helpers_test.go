package envelopefs

import (
	"errors"
	"testing"
)

func TestValidateBuffer(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		minSize int
		wantErr error
	}{
		{"nil buffer", nil, 0, ErrNilBuffer},
		{"empty buffer", []byte{}, 0, nil},
		{"no minimum", make([]byte, 10), 0, nil},
		{"short block", make([]byte, 87), ChaCha20HMACSHA256.HeaderLength(), errValidation},
		{"exact block", make([]byte, 88), ChaCha20HMACSHA256.HeaderLength(), nil},
		{"larger than block", make([]byte, 200), AES256CTRHMACSHA512.HeaderLength(), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBuffer(tt.buf, "header", tt.minSize)
			checkValidation(t, "ValidateBuffer", err, tt.wantErr)
		})
	}
}

func TestValidateOffset(t *testing.T) {
	for _, off := range []int64{0, 1, 1 << 40} {
		if err := ValidateOffset(off, "offset"); err != nil {
			t.Errorf("ValidateOffset(%d) unexpected error = %v", off, err)
		}
	}
	err := ValidateOffset(-1, "offset")
	checkValidation(t, "ValidateOffset", err, ErrNegativeOffset)
}

func TestValidateSize(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		min, max int
		wantErr  bool
	}{
		{"negative", -1, 0, 100, true},
		{"zero", 0, 0, 100, false},
		{"below minimum", 5, 10, 100, true},
		{"above maximum", 150, 10, 100, true},
		{"at minimum", 10, 10, 100, false},
		{"at maximum", 100, 10, 100, false},
		{"no maximum", 1 << 30, 1, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSize(tt.size, "size", tt.min, tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidationError(err) {
				t.Errorf("ValidateSize() returned %T, want *ValidationError", err)
			}
		})
	}
}

func TestValidateFilePath(t *testing.T) {
	checkValidation(t, "ValidateFilePath", ValidateFilePath(""), errValidation)
	for _, p := range []string{"/data/buffer.env", "buffer.env"} {
		if err := ValidateFilePath(p); err != nil {
			t.Errorf("ValidateFilePath(%q) unexpected error = %v", p, err)
		}
	}
}

func TestValidateKey(t *testing.T) {
	for _, typ := range Types() {
		t.Run(typ.Name, func(t *testing.T) {
			if err := ValidateKey(make([]byte, typ.KeySize), typ); err != nil {
				t.Errorf("ValidateKey() unexpected error = %v", err)
			}
			for _, key := range [][]byte{nil, make([]byte, typ.KeySize-1), make([]byte, typ.KeySize+1)} {
				checkValidation(t, "ValidateKey", ValidateKey(key, typ), ErrInvalidKey)
			}
		})
	}
}

func TestValidateRange(t *testing.T) {
	tests := []struct {
		name    string
		offset  int64
		length  int
		size    int64
		wantErr bool
	}{
		{"empty at start", 0, 0, 100, false},
		{"empty at end", 100, 0, 100, false},
		{"whole region", 0, 100, 100, false},
		{"last byte", 99, 1, 100, false},
		{"negative offset", -1, 1, 100, true},
		{"negative length", 0, -1, 100, true},
		{"past end", 99, 2, 100, true},
		{"offset past end", 101, 0, 100, true},
		{"empty region", 0, 1, 0, true},
		{"overflowing length", 1 << 62, 1 << 30, 1 << 62, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRange("read", tt.offset, tt.length, tt.size)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRange() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrOutOfBounds) {
				t.Errorf("ValidateRange() error = %v, should match ErrOutOfBounds", err)
			}
		})
	}
}

// errValidation marks cases that must fail with a bare ValidationError
var errValidation = errors.New("validation")

func checkValidation(t *testing.T, fn string, err, want error) {
	t.Helper()

	switch {
	case want == nil && err != nil:
		t.Errorf("%s() unexpected error = %v", fn, err)
	case want == nil:
	case !IsValidationError(err):
		t.Errorf("%s() error = %v, want *ValidationError", fn, err)
	case want != errValidation && !errors.Is(err, want):
		t.Errorf("%s() error = %v, should wrap %v", fn, err, want)
	}
}
