package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned for operations on a closed or closing engine.
	ErrClosed = errors.New("engine: closed")

	// ErrNotFound is returned when a key or collection does not exist.
	ErrNotFound = errors.New("engine: not found")

	// ErrAlreadyExists is returned when creating a collection whose name is
	// taken.
	ErrAlreadyExists = errors.New("engine: already exists")

	// ErrConcurrencyConflict is returned when the data directory is owned by
	// another process.
	ErrConcurrencyConflict = errors.New("engine: data directory locked by another process")

	// ErrCorruption is returned when stored state fails validation and the
	// engine cannot safely continue.
	ErrCorruption = errors.New("engine: corruption detected")

	// ErrInvalidK is returned when a search asks for a non-positive k.
	ErrInvalidK = errors.New("engine: k must be positive")
)

// DimensionMismatchError indicates a vector whose length does not match the
// collection's configured dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("engine: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}
