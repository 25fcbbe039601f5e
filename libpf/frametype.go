// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/pmltools/pmlbaker/libpf"

import "fmt"

// FrameKind classifies where a captured stack frame address came from.
//
// The set is closed: every switch over a FrameKind is expected to handle all values.
type FrameKind uint8

const (
	// KernelFrame identifies frames in kernel space (high address bit set).
	KernelFrame FrameKind = iota
	// UserFrame identifies native frames in user space.
	UserFrame
	// ManagedJITFrame identifies frames resolved through a JIT address map.
	ManagedJITFrame
)

// KindOfAddress classifies a raw address as kernel or user space. The classification does not
// depend on whether a module or symbol is later found for the address.
func KindOfAddress(addr Address) FrameKind {
	if addr.IsKernel() {
		return KernelFrame
	}
	return UserFrame
}

// Char returns the single character tag used in the baked format.
func (k FrameKind) Char() byte {
	switch k {
	case KernelFrame:
		return 'K'
	case UserFrame:
		return 'U'
	case ManagedJITFrame:
		return 'M'
	}
	panic(fmt.Sprintf("invalid frame kind %d", uint8(k)))
}

// FrameKindFromChar is the inverse of Char.
func FrameKindFromChar(c byte) (FrameKind, error) {
	switch c {
	case 'K':
		return KernelFrame, nil
	case 'U':
		return UserFrame, nil
	case 'M':
		return ManagedJITFrame, nil
	}
	return 0, fmt.Errorf("unknown frame kind %q", c)
}

// String implements the Stringer interface.
func (k FrameKind) String() string {
	switch k {
	case KernelFrame:
		return "kernel"
	case UserFrame:
		return "user"
	case ManagedJITFrame:
		return "managed-jit"
	default:
		return fmt.Sprintf("FrameKind(%d)", uint8(k))
	}
}
