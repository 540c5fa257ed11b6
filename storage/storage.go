// Package storage persists sync state on disk: per-course manifests that
// record what has already been downloaded, and captured browser sessions
// that authorize recording downloads. All writes go through an atomic
// temp-file-and-rename path guarded by an advisory file lock, so concurrent
// runs and crashes never leave a store half-written.
package storage

import (
	"errors"
	"fmt"
)

// Common storage errors.
var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorageCorrupt is returned when stored data cannot be parsed.
	ErrStorageCorrupt = errors.New("storage corrupt")

	// ErrLockTimeout is returned when a file lock cannot be acquired.
	ErrLockTimeout = errors.New("lock timeout")
)

// StorageError wraps an error with context about the operation.
type StorageError struct {
	Op     string // Operation: "load", "save", "lock", etc.
	Entity string // Entity type: "manifest", "session", etc.
	ID     string // Entity identifier
	Err    error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage: %s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
