package velo

import (
	"errors"

	"github.com/velodb/velo/engine"
	"github.com/velodb/velo/index/hnsw"
)

var (
	// ErrNotFound is returned when a key or collection does not exist.
	ErrNotFound = engine.ErrNotFound

	// ErrAlreadyExists is returned when creating a collection whose name is
	// taken.
	ErrAlreadyExists = engine.ErrAlreadyExists

	// ErrConcurrencyConflict is returned when the data directory is already
	// owned by another engine instance.
	ErrConcurrencyConflict = engine.ErrConcurrencyConflict

	// ErrClosed is returned for operations on a closed database.
	ErrClosed = engine.ErrClosed

	// ErrCorruption is returned when stored state fails validation.
	ErrCorruption = engine.ErrCorruption

	// ErrInvalidK is returned when a search asks for a non-positive k.
	ErrInvalidK = engine.ErrInvalidK
)

// DimensionMismatchError indicates a vector whose length does not match the
// collection's configured dimension.
type DimensionMismatchError = engine.DimensionMismatchError

// IsNotFound reports whether err means a missing key or collection.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, hnsw.ErrNodeNotFound)
}
