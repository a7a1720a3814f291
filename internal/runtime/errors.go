package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrRuntimeUnavailable is returned by operations issued before a successful boot.
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	// ErrInvalidPath is returned for paths that escape the project root.
	ErrInvalidPath = errors.New("invalid path")
	// ErrNoTerminal is returned when resizing a process that has no pseudo-terminal.
	ErrNoTerminal = errors.New("process has no terminal")
)

// BootError reports that provisioning failed on every attempt.
type BootError struct {
	Attempts int
	Err      error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("boot failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }
