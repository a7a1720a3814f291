package filesync

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("sync conflict")
	// ErrMergeConflict is returned when both sides edited the same lines.
	ErrMergeConflict = errors.New("overlapping edits cannot be merged")
	// ErrNoConflict is returned when resolving a path that has no recorded conflict.
	ErrNoConflict = errors.New("no conflict recorded")
	// ErrInvalidResolution is returned for an unknown resolution kind.
	ErrInvalidResolution = errors.New("invalid conflict resolution")
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("sync engine closed")
)

// ConflictError reports that a write was held because the runtime copy of
// Path changed independently since the last sync.
type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: runtime content changed since last sync", e.Path)
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
