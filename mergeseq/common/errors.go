package common

import (
	"fmt"
)

// ErrOutOfRange is returned when a position or range falls outside the sequence.
type ErrOutOfRange struct {
	Start  int
	End    int
	Length int
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("range [%d, %d) out of bounds for length %d", e.Start, e.End, e.Length)
}

// ErrInvalidOperationType is returned when an invalid operation type is encountered.
type ErrInvalidOperationType struct {
	Type string
}

func (e ErrInvalidOperationType) Error() string {
	return fmt.Sprintf("invalid operation type: %s", e.Type)
}

// ErrInvalidOperation is returned when an operation is invalid.
type ErrInvalidOperation struct {
	Message string
}

func (e ErrInvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Message)
}

// ErrInvalidEncoding is returned when an invalid encoding format is encountered.
type ErrInvalidEncoding struct {
	Format string
}

func (e ErrInvalidEncoding) Error() string {
	return fmt.Sprintf("invalid encoding format: %s", e.Format)
}

// ErrNotFound is returned when a resource is not found.
type ErrNotFound struct {
	Message string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.Message)
}

// ErrClosed is returned when a closed resource is used.
type ErrClosed struct {
	Resource string
}

func (e ErrClosed) Error() string {
	return fmt.Sprintf("%s is closed", e.Resource)
}

// ErrSequenceGap is returned when a sequenced message arrives before its predecessors.
type ErrSequenceGap struct {
	Expected int64
	Actual   int64
}

func (e ErrSequenceGap) Error() string {
	return fmt.Sprintf("sequence gap: expected seq %d, got %d", e.Expected, e.Actual)
}
