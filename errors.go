package envelopefs

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// CorruptionError reports an envelope whose authenticated block failed
// verification. Wrong keys and tampered bytes produce the same error.
type CorruptionError struct {
	Path    string // Store name, if known
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Is makes every CorruptionError match ErrCorruptEnvelope.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptEnvelope
}

// BoundsError represents a read or write range outside [0, size)
type BoundsError struct {
	Operation string // "read" or "write"
	Offset    int64  // Requested offset
	Length    int    // Requested length
	Size      int64  // Size of the data region
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("bounds error: %s of %d bytes at offset %d outside data region of %d bytes",
		e.Operation, e.Length, e.Offset, e.Size)
}

// Is makes every BoundsError match ErrOutOfBounds.
func (e *BoundsError) Is(target error) bool {
	return target == ErrOutOfBounds
}

// IOError represents a failure of the wrapped storage
type IOError struct {
	Operation string // "read", "write", "size", "close", "free", etc.
	Path      string // Store name
	Offset    int64  // Offset in the underlying store, if applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	} else if e.Offset >= 0 {
		return fmt.Sprintf("io error: %s at offset %d: %s", e.Operation, e.Offset, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Sentinel errors
var (
	ErrCorruptEnvelope         = errors.New("corrupt envelope")
	ErrOutOfBounds             = errors.New("range outside data region")
	ErrClosed                  = errors.New("envelope is closed")
	ErrUnsupportedEnvelopeType = errors.New("unsupported envelope type")
	ErrUnsupportedKeySize      = errors.New("unsupported derived key size")
	ErrInvalidKey              = errors.New("invalid key")
	ErrSecretDestroyed         = errors.New("master secret has been destroyed")
	ErrReadOnly                = errors.New("storage is read-only")
	ErrShadowUnsupported       = errors.New("underlying bucket cannot create shadows")
	ErrNotRandomAccess         = errors.New("underlying bucket does not support random access")
	ErrNilBuffer               = errors.New("buffer cannot be nil")
	ErrNilSecret               = errors.New("master secret cannot be nil")
	ErrNilStore                = errors.New("underlying store cannot be nil")
	ErrNegativeOffset          = errors.New("offset cannot be negative")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, offset int64, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    offset,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, message string) error {
	return &CorruptionError{
		Path:    path,
		Message: message,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsBoundsError checks if an error is a bounds error
func IsBoundsError(err error) bool {
	var be *BoundsError
	return errors.As(err, &be)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsUnsupportedEnvelopeType checks if an error reports an unknown envelope type
func IsUnsupportedEnvelopeType(err error) bool {
	return errors.Is(err, ErrUnsupportedEnvelopeType)
}
