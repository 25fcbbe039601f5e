// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/pmltools/pmlbaker/libpf"

import (
	"cmp"
	"slices"
)

// AddressRange describes a contiguous region of memory.
type AddressRange struct {
	Base Address
	Size uint32
}

// End returns the first address past the range.
func (r AddressRange) End() Address {
	return r.Base + Address(r.Size)
}

// Contains reports whether addr lies within [Base, End).
func (r AddressRange) Contains(addr Address) bool {
	return addr >= r.Base && addr < r.End()
}

// Ranged is implemented by anything that occupies an AddressRange.
type Ranged interface {
	AddressRange() AddressRange
}

// SortByBase sorts items ascending by base address.
func SortByBase[T Ranged](items []T) {
	slices.SortStableFunc(items, func(a, b T) int {
		return cmp.Compare(a.AddressRange().Base, b.AddressRange().Base)
	})
}

// FindAddressIn returns the item whose range contains addr.
//
// The items must be sorted by base address and must not overlap. This is not verified:
// the lookup runs once per stack frame.
func FindAddressIn[T Ranged](items []T, addr Address) (T, bool) {
	var zero T
	if len(items) == 0 ||
		addr < items[0].AddressRange().Base ||
		addr >= items[len(items)-1].AddressRange().End() {
		return zero, false
	}

	lo, hi := 0, len(items)-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		r := items[mid].AddressRange()
		switch {
		case r.End() <= addr:
			lo = mid + 1
		case r.Base > addr:
			hi = mid - 1
		default:
			return items[mid], true
		}
	}
	return zero, false
}
