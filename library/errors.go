package library

import (
	"errors"
	"fmt"
)

// Sentinel errors for business-rule and lookup failures. Callers match them
// with errors.Is; the wrapped message carries the offending identity.
var (
	// ErrValidation indicates bad input to entity construction.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicate indicates a book with the same title and author already exists.
	ErrDuplicate = errors.New("book already exists")

	// ErrBookNotFound indicates no book matches the given title and author.
	ErrBookNotFound = errors.New("book not found")

	// ErrMemberNotFound indicates no member matches the given id or name.
	ErrMemberNotFound = errors.New("member not found")

	// ErrNotAvailable indicates the book is already issued.
	ErrNotAvailable = errors.New("book not available")

	// ErrNotIssued indicates a return was attempted for a book that is not issued.
	ErrNotIssued = errors.New("book not issued")

	// ErrBorrowerMismatch indicates a return was attempted by a member other
	// than the one the book is issued to.
	ErrBorrowerMismatch = errors.New("book issued to a different member")
)

// CorruptionError reports that a persisted file could not be parsed into
// valid records. Recovery requires an explicit operator decision: restore a
// backup or reinitialize.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt data file %s: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// StorageError reports an I/O failure while persisting state. The operation
// that triggered it must be considered not committed.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsCorruption reports whether err is (or wraps) a CorruptionError.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
