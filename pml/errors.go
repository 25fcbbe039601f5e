// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pml // import "github.com/pmltools/pmlbaker/pml"

import (
	"errors"
	"fmt"
)

var (
	// ErrNotPML is returned if the file doesn't start with the PML signature.
	ErrNotPML = errors.New("not a PML file")
	// ErrVersion is returned for captures with an unsupported format version.
	ErrVersion = errors.New("unsupported PML version")
	// Err32Bit is returned for captures taken on a 32-bit system.
	Err32Bit = errors.New("PML must be 64-bit")
	// ErrUncleanClose is returned if the capture was not closed cleanly and the header was
	// never completed. Terminate the capturing tool instead of killing it.
	ErrUncleanClose = errors.New("file was not closed cleanly during capture and is corrupt")
	// ErrTruncated is returned when a structure extends past the end of the file.
	ErrTruncated = errors.New("truncated PML file")
	// ErrSequenceConsumed is returned when an event sequence is iterated a second time.
	ErrSequenceConsumed = errors.New("event sequence already consumed")
)

// FormatError describes malformed capture content.
type FormatError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: offset 0x%x: %v", e.Path, e.Offset, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
