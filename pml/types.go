// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pml // import "github.com/pmltools/pmlbaker/pml"

import (
	"github.com/pmltools/pmlbaker/libpf"
	"github.com/pmltools/pmlbaker/stringutil"
	"github.com/pmltools/pmlbaker/times"
)

// MaxFrames is the deepest stack the capture tool records.
const MaxFrames = 200

// EventClass is the category of a captured event.
type EventClass uint32

const (
	ClassUnknown EventClass = iota
	ClassProcess
	ClassRegistry
	ClassFileSystem
	ClassProfiling
	ClassNetwork
)

// Module is a binary image loaded into a process.
type Module struct {
	// ImagePath is the full path of the image at capture time.
	ImagePath string
	// Name is the file name part of ImagePath.
	Name  string
	Range libpf.AddressRange
}

// NewModule creates a module, deriving its short name from the image path.
func NewModule(imagePath string, r libpf.AddressRange) *Module {
	return &Module{
		ImagePath: imagePath,
		Name:      stringutil.BaseName(imagePath),
		Range:     r,
	}
}

// AddressRange implements libpf.Ranged.
func (m *Module) AddressRange() libpf.AddressRange {
	return m.Range
}

// Process is a captured process and the modules in its address space. Kernel modules, which
// the capture only records for the System process, are included in every process.
type Process struct {
	PID  uint32
	Name string

	// index is the capture-internal reference used by events.
	index   uint32
	modules []*Module
}

// NewProcess creates a process taking ownership of modules, which get sorted by base.
func NewProcess(pid uint32, name string, modules []*Module) *Process {
	libpf.SortByBase(modules)
	return &Process{PID: pid, Name: name, modules: modules}
}

// Modules returns the modules sorted by base address. The slice must not be modified.
func (p *Process) Modules() []*Module {
	return p.modules
}

// FindModule returns the module containing addr.
func (p *Process) FindModule(addr libpf.Address) (*Module, bool) {
	return libpf.FindAddressIn(p.modules, addr)
}

// EventStack is a captured event carrying a call stack.
//
// Event sequences reuse a single EventStack: its content, including the slice returned by
// Frames, is only valid until the sequence advances. Use Clone to retain it.
type EventStack struct {
	// EventIndex is the position of the event in the capture.
	EventIndex  int
	CaptureTime times.FileTime
	Process     *Process

	frames     [MaxFrames]libpf.Address
	frameCount int
}

// Frames returns the captured return addresses, innermost first.
func (e *EventStack) Frames() []libpf.Address {
	return e.frames[:e.frameCount]
}

// Clone returns a copy owned by the caller.
func (e *EventStack) Clone() *EventStack {
	c := *e
	return &c
}
