package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch indicates a line was altered or torn.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed indicates the journal is closed.
	ErrClosed = errors.New("journal: already closed")
)

// CorruptionError locates a bad line.
type CorruptionError struct {
	File  string
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: %s line %d: %v", e.File, e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
