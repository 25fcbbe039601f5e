// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/pmltools/pmlbaker/libpf"

import (
	"cmp"
	"slices"
)

// SymbolValue represents the value associated with a symbol, e.g. either an
// offset or an absolute address
type SymbolValue uint64

// SymbolName represents the name of a symbol
type SymbolName string

// SymbolNameUnknown is the value returned by SymbolMap functions when address has no symbol info.
const SymbolNameUnknown = ""

// Symbol represents a named region of a module.
type Symbol struct {
	Name    SymbolName
	Address SymbolValue
	Size    uint64
}

// SymbolMap represents collections of symbols that can be reverse mapped from an address.
type SymbolMap struct {
	addressToSymbol []Symbol
}

func NewSymbolMap(capacity int) *SymbolMap {
	return &SymbolMap{
		addressToSymbol: make([]Symbol, 0, capacity),
	}
}

// Add a symbol to the map
func (symmap *SymbolMap) Add(s Symbol) {
	symmap.addressToSymbol = append(symmap.addressToSymbol, s)
}

// Finalize sorts the symbol map after all symbols are inserted via Add() calls.
func (symmap *SymbolMap) Finalize() {
	symmap.addressToSymbol = slices.Clip(symmap.addressToSymbol)
	slices.SortStableFunc(symmap.addressToSymbol, func(a, b Symbol) int {
		return cmp.Compare(a.Address, b.Address)
	})
}

// LookupByAddress translates the value to the symbol containing it and the offset from the
// symbol start. Symbols with a zero size extend up to the next symbol.
func (symmap *SymbolMap) LookupByAddress(val SymbolValue) (SymbolName, uint64, bool) {
	syms := symmap.addressToSymbol
	// Index of the first symbol starting after val.
	i, _ := slices.BinarySearchFunc(syms, val, func(s Symbol, v SymbolValue) int {
		if s.Address <= v {
			return -1
		}
		return 1
	})
	if i == 0 {
		return SymbolNameUnknown, 0, false
	}
	sym := &syms[i-1]
	if sym.Size != 0 && val >= sym.Address+SymbolValue(sym.Size) {
		return SymbolNameUnknown, 0, false
	}
	return sym.Name, uint64(val - sym.Address), true
}

// Len returns the number of elements in the map.
func (symmap *SymbolMap) Len() int {
	return len(symmap.addressToSymbol)
}
