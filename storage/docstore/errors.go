package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrBackend indicates that the backend could not be opened
	// or that a backend operation failed. The backend's own error
	// is wrapped alongside it.
	ErrBackend = errors.New("backend error")
	// ErrDuplicate is returned by Set when a document with the
	// same key is already stored
	ErrDuplicate = errors.New("a document with this key already exists")
	// ErrKeyNotFound is returned when no document is stored under a key
	ErrKeyNotFound = errors.New("key not found")
	// ErrNotInitialized is returned by operations called before Init succeeds
	ErrNotInitialized = errors.New("partition is not initialized")
	// ErrInvalidQuery is returned for an empty query key set, a
	// query key naming an unknown field or a value that cannot be encoded
	ErrInvalidQuery = errors.New("invalid query")
	// ErrInvalidSettings is returned by Init when the partition
	// settings are incomplete or contradictory
	ErrInvalidSettings = errors.New("invalid settings")
)

// wrapError attaches ErrBackend to errors that came out of
// the backend. Errors that already carry a docstore sentinel
// pass through unchanged.
func wrapError(wrap string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBackend):
		fallthrough
	case errors.Is(err, ErrDuplicate):
		fallthrough
	case errors.Is(err, ErrKeyNotFound):
		fallthrough
	case errors.Is(err, ErrNotInitialized):
		fallthrough
	case errors.Is(err, ErrInvalidQuery):
		fallthrough
	case errors.Is(err, ErrInvalidSettings):
		return err
	}

	return fmt.Errorf("%w: %s: %w", ErrBackend, wrap, err)
}
