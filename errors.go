package vectorizer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/hivellm/vectorizer/persistence"
	"github.com/hivellm/vectorizer/quantization"
	"github.com/hivellm/vectorizer/vectorstore"
)

var (
	// ErrNotFound is returned when a collection, record or snapshot
	// does not exist. Access to another tenant's collection is
	// indistinguishable from the collection not existing.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a collection or record
	// whose id is already live.
	ErrAlreadyExists = errors.New("already exists")

	// ErrTimeout is returned when an operation exceeds its context
	// deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrCodecNotTrained is returned when a trainable quantizer is
	// asked to encode or compare before Train.
	ErrCodecNotTrained = errors.New("codec not trained")

	// ErrClosed is returned on any operation after Close.
	ErrClosed = errors.New("database is closed")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// ErrDimensionMismatch indicates a vector or query whose
// dimensionality does not match the collection.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrCorruptArchive indicates a damaged archive or snapshot file. Only
// the named collection is affected; loading others proceeds.
type ErrCorruptArchive struct {
	Collection string
	cause      error
}

func (e *ErrCorruptArchive) Error() string {
	return fmt.Sprintf("corrupt archive for collection %q: %v", e.Collection, e.cause)
}

func (e *ErrCorruptArchive) Unwrap() error { return e.cause }

// ErrInvalidConfig indicates a collection configuration that fails
// validation.
type ErrInvalidConfig struct {
	Reason string
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid config: %s", e.Reason)
}

// ErrIO wraps a filesystem or object-store failure.
type ErrIO struct {
	Op    string
	cause error
}

func (e *ErrIO) Error() string {
	return fmt.Sprintf("io error during %s: %v", e.Op, e.cause)
}

func (e *ErrIO) Unwrap() error { return e.cause }

// translateError maps internal package errors onto the public
// taxonomy. Errors already in the taxonomy pass through unchanged.
func translateError(collection, op string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrInvalidK):
		return err
	}
	var ic *ErrInvalidConfig
	if errors.As(err, &ic) {
		return err
	}
	var dm *ErrDimensionMismatch
	if errors.As(err, &dm) {
		return err
	}
	var ca *ErrCorruptArchive
	if errors.As(err, &ca) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, quantization.ErrNotTrained) {
		return fmt.Errorf("%w: %w", ErrCodecNotTrained, err)
	}
	if errors.Is(err, vectorstore.ErrDuplicateID) {
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	if errors.Is(err, vectorstore.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if persistence.IsCorrupt(err) {
		return &ErrCorruptArchive{Collection: collection, cause: err}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return &ErrIO{Op: op, cause: err}
	}

	return err
}
