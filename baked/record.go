// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package baked // import "github.com/pmltools/pmlbaker/baked"

import (
	"github.com/pmltools/pmlbaker/libpf"
	"github.com/pmltools/pmlbaker/times"
)

// EventRecord is one symbolicated event.
type EventRecord struct {
	Sequence    int
	CaptureTime times.FileTime
	// ProcessID is zero for placeholders of events that were not baked.
	ProcessID uint32
	Frames    []FrameRecord
}

// IsPlaceholder reports whether the record stands for an event missing from the file.
func (r *EventRecord) IsPlaceholder() bool {
	return r.ProcessID == 0
}

// FrameRecord is one symbolicated stack frame. Unresolved frames only carry the address.
// For managed frames Module holds the assembly name.
type FrameRecord struct {
	Kind    libpf.FrameKind
	Address libpf.Address
	Module  string
	Symbol  string
	Offset  uint64
}

// Resolved reports whether the frame carries symbol information.
func (f *FrameRecord) Resolved() bool {
	return f.Symbol != ""
}
