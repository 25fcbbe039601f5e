// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symcache // import "github.com/pmltools/pmlbaker/symcache"

import (
	"errors"
	"fmt"

	"github.com/pmltools/pmlbaker/libpf"
)

// Outcomes of a Provider that are not fatal.
var (
	// ErrPathNotFound is returned by LoadModule when the image or its symbols no longer exist.
	ErrPathNotFound = errors.New("path not found")
	// ErrNoMoreFiles is returned by LoadModule when the symbol search was exhausted.
	ErrNoMoreFiles = errors.New("no more files")
	// ErrInvalidAddress is returned by ResolveAddress for addresses without symbol
	// information, e.g. in-memory generated code.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrModuleNotFound is returned by ResolveAddress when no loaded module contains the
	// address.
	ErrModuleNotFound = errors.New("module not found")
)

// Provider resolves native addresses to symbol names. It is typically backed by a debugger
// engine, PDB or DWARF reader.
type Provider interface {
	// LoadModule makes the symbols of the image mapped at base available.
	LoadModule(imagePath string, base libpf.Address) error
	// ResolveAddress returns the symbol containing addr and the offset into it.
	ResolveAddress(addr libpf.Address) (name string, offset uint64, err error)
	// Close releases the provider's resources.
	Close() error
}

// Config configures the symbol lookup of a Provider. It is passed explicitly instead of being
// read from process wide state.
type Config struct {
	// SymbolPath lists directories or symbol servers to search, in order.
	SymbolPath []string
	// NoDefaultSymbolPath disables the provider's built-in search locations.
	NoDefaultSymbolPath bool
	// CacheSize bounds the number of memoized native lookups per process.
	CacheSize uint32
}

// ProviderFactory creates a Provider for one process.
type ProviderFactory func(cfg Config) (Provider, error)

// ProviderError is a fatal provider failure.
type ProviderError struct {
	ImagePath string
	Address   libpf.Address
	Err       error
}

func (e *ProviderError) Error() string {
	if e.ImagePath == "" {
		return fmt.Sprintf("symbol lookup fail at %v: %v", e.Address, e.Err)
	}
	return fmt.Sprintf("symbol lookup fail for %s at %v: %v", e.ImagePath, e.Address, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NopProvider resolves nothing. Every module load reports ErrPathNotFound.
type NopProvider struct{}

var _ Provider = NopProvider{}

func (NopProvider) LoadModule(string, libpf.Address) error { return ErrPathNotFound }

func (NopProvider) ResolveAddress(libpf.Address) (string, uint64, error) {
	return "", 0, ErrModuleNotFound
}

func (NopProvider) Close() error { return nil }
