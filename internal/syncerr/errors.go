// Package syncerr holds the errors the editor bridge reports.
package syncerr

import (
	"fmt"
)

// AttachError is returned when a session cannot attach to its shared sequence.
type AttachError struct {
	Handle string
	Reason string
	Err    error
}

func (e AttachError) Error() string {
	msg := "attach failed"
	if e.Handle != "" {
		msg += fmt.Sprintf(" for %s", e.Handle)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e AttachError) Unwrap() error {
	return e.Err
}

// UnsupportedStructureError is returned when a document or sequence holds structure the flat
// block encoding cannot express, such as nested blocks.
type UnsupportedStructureError struct {
	What string
}

func (e UnsupportedStructureError) Error() string {
	return fmt.Sprintf("unsupported structure: %s", e.What)
}

// StaleBaseError is returned when a local transaction was built on a document that no longer
// matches the shared sequence.
type StaleBaseError struct {
	DocumentLength int
	SequenceLength int
}

func (e StaleBaseError) Error() string {
	return fmt.Sprintf("stale base: document length %d, sequence length %d", e.DocumentLength, e.SequenceLength)
}

// DesyncError is returned when a remote delta cannot be mapped onto the local document.
type DesyncError struct {
	Seq    int64
	Reason string
}

func (e DesyncError) Error() string {
	return fmt.Sprintf("document out of sync at seq %d: %s", e.Seq, e.Reason)
}

// OutOfRangeError is returned when a position falls outside the document.
type OutOfRangeError struct {
	Pos    int
	Length int
}

func (e OutOfRangeError) Error() string {
	return fmt.Sprintf("position %d out of range [0, %d]", e.Pos, e.Length)
}
