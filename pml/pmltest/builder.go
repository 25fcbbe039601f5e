// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pmltest synthesizes PML captures for tests.
package pmltest // import "github.com/pmltools/pmlbaker/pml/pmltest"

import (
	"encoding/binary"
	"os"

	"golang.org/x/text/encoding/unicode"
)

const (
	headerSize      = 0x3a8
	eventHeaderSize = 52

	// ClassProcess and ClassFileSystem mirror pml.EventClass.
	ClassProcess    = 1
	ClassFileSystem = 3
)

// Module describes a module record.
type Module struct {
	ImagePath string
	Base      uint64
	Size      uint32
}

// Process describes a process record.
type Process struct {
	Index   uint32
	PID     uint32
	Name    string
	Modules []Module
}

// Event describes an event record.
type Event struct {
	ProcessIndex uint32
	Class        uint32
	CaptureTime  uint64
	Frames       []uint64
}

// Builder assembles a capture image.
type Builder struct {
	Processes []Process
	Events    []Event

	// Fields for producing invalid captures.
	Signature string
	Version   uint32
	Is64Bit   uint32
	// Unclean leaves the event offset table pointer zeroed.
	Unclean bool

	strings  []string
	stringID map[string]uint32
}

// New returns a builder for a valid, empty capture.
func New() *Builder {
	return &Builder{
		Signature: "PML_",
		Version:   9,
		Is64Bit:   1,
	}
}

// AddProcess appends a process record.
func (b *Builder) AddProcess(p Process) *Builder {
	b.Processes = append(b.Processes, p)
	return b
}

// AddEvent appends an event record.
func (b *Builder) AddEvent(e Event) *Builder {
	if e.Class == 0 {
		e.Class = ClassFileSystem
	}
	b.Events = append(b.Events, e)
	return b
}

func (b *Builder) intern(s string) uint32 {
	if id, ok := b.stringID[s]; ok {
		return id
	}
	id := uint32(len(b.strings))
	b.strings = append(b.strings, s)
	b.stringID[s] = id
	return id
}

// Bytes renders the capture.
func (b *Builder) Bytes() []byte {
	le := binary.LittleEndian
	b.strings = nil
	b.stringID = map[string]uint32{}
	// An empty string first, as written by the capture tool.
	b.intern("")

	out := make([]byte, headerSize)
	copy(out, b.Signature)
	le.PutUint32(out[0x4:], b.Version)
	le.PutUint32(out[0x8:], b.Is64Bit)
	le.PutUint32(out[0x234:], uint32(len(b.Events)))

	eventsData := uint64(len(out))
	eventOffsets := make([]uint32, 0, len(b.Events))
	for _, e := range b.Events {
		eventOffsets = append(eventOffsets, uint32(len(out)))
		var hdr [eventHeaderSize]byte
		le.PutUint32(hdr[0:], e.ProcessIndex)
		le.PutUint32(hdr[4:], 1234)
		le.PutUint32(hdr[8:], e.Class)
		le.PutUint64(hdr[28:], e.CaptureTime)
		le.PutUint16(hdr[40:], uint16(len(e.Frames)))
		out = append(out, hdr[:]...)
		for _, frame := range e.Frames {
			out = le.AppendUint64(out, frame)
		}
	}

	eventOffsetTable := uint64(len(out))
	for _, off := range eventOffsets {
		out = le.AppendUint32(out, off)
		out = append(out, 0)
	}

	// Intern before writing the string table, process records only hold indexes.
	type moduleRef struct {
		Module
		path uint32
	}
	names := make([]uint32, len(b.Processes))
	modules := make([][]moduleRef, len(b.Processes))
	for i, p := range b.Processes {
		names[i] = b.intern(p.Name)
		for _, m := range p.Modules {
			modules[i] = append(modules[i], moduleRef{m, b.intern(m.ImagePath)})
		}
	}

	stringTable := uint64(len(out))
	encoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out = le.AppendUint32(out, uint32(len(b.strings)))
	relOffsets := len(out)
	out = append(out, make([]byte, 4*len(b.strings))...)
	for i, s := range b.strings {
		le.PutUint32(out[relOffsets+4*i:], uint32(uint64(len(out))-stringTable))
		if s == "" {
			out = le.AppendUint32(out, 0)
			continue
		}
		raw, err := encoder.Bytes([]byte(s + "\x00"))
		if err != nil {
			panic(err)
		}
		out = le.AppendUint32(out, uint32(len(raw)))
		out = append(out, raw...)
	}

	processTable := uint64(len(out))
	out = le.AppendUint32(out, uint32(len(b.Processes)))
	for _, p := range b.Processes {
		out = le.AppendUint32(out, p.Index)
	}
	offsetsAt := len(out)
	out = append(out, make([]byte, 4*len(b.Processes))...)
	for i, p := range b.Processes {
		le.PutUint32(out[offsetsAt+4*i:], uint32(uint64(len(out))-processTable))
		var rec [108]byte
		le.PutUint32(rec[0:], p.Index)
		le.PutUint32(rec[4:], p.PID)
		le.PutUint32(rec[64:], names[i])
		le.PutUint32(rec[104:], uint32(len(modules[i])))
		out = append(out, rec[:]...)
		for _, m := range modules[i] {
			var mod [64]byte
			le.PutUint64(mod[8:], m.Base)
			le.PutUint32(mod[16:], m.Size)
			le.PutUint32(mod[20:], m.path)
			out = append(out, mod[:]...)
		}
	}

	le.PutUint64(out[0x240:], eventsData)
	if !b.Unclean {
		le.PutUint64(out[0x248:], eventOffsetTable)
	}
	le.PutUint64(out[0x250:], processTable)
	le.PutUint64(out[0x258:], stringTable)
	return out
}

// WriteFile renders the capture to path.
func (b *Builder) WriteFile(path string) error {
	return os.WriteFile(path, b.Bytes(), 0o644)
}
