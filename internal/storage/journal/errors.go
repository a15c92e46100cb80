package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedJournal indicates a line that cannot be parsed
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates checksum mismatch (data corruption or tampering)
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrJournalClosed indicates the journal is closed
	ErrJournalClosed = errors.New("journal: already closed")

	// ErrUnresolved indicates an attempt to record a mutation that is still pending
	ErrUnresolved = errors.New("journal: mutation is not resolved")
)

// ChecksumError carries the failing sequence and both checksums
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrChecksumMismatch) match
func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError reports an unparsable line
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // Underlying decode error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted entry at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, ErrCorruptedJournal) match
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedJournal
}
