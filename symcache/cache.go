// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package symcache memoizes symbol resolution for one captured process.
package symcache // import "github.com/pmltools/pmlbaker/symcache"

import (
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/pmltools/pmlbaker/libpf"
	"github.com/pmltools/pmlbaker/libpf/freelru"
	"github.com/pmltools/pmlbaker/pmip"
	"github.com/pmltools/pmlbaker/pml"
)

// DefaultCacheSize is used when Config.CacheSize is zero.
const DefaultCacheSize = 1 << 16

// ErrJitMapAlreadyBound is returned when binding a second JIT map to a process.
var ErrJitMapAlreadyBound = errors.New("multiple JIT symbol sets per process are not supported")

// Symbol is a resolved native symbol.
type Symbol struct {
	Name   string
	Offset uint64
}

// Stats counts cache activity.
type Stats struct {
	ModulesLoaded  int
	ModulesMissing int
	Native         freelru.Statistics
}

// Cache resolves the addresses of one process. It exclusively owns its Provider.
type Cache struct {
	pid      uint32
	provider Provider

	loaded  libpf.Set[string]
	missing int
	native  *freelru.LRU[libpf.Address, Symbol]
	jitMap  *pmip.Map

	// OnModuleLoad, if set, is called with the module name before its symbols are loaded and
	// with an empty name afterwards.
	OnModuleLoad func(name string)
}

// New creates a cache for process pid taking ownership of provider.
func New(pid uint32, provider Provider, cfg Config) (*Cache, error) {
	size := cfg.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	native, err := freelru.New[libpf.Address, Symbol](size, libpf.Address.Hash32)
	if err != nil {
		return nil, fmt.Errorf("failed to create symbol cache: %w", err)
	}
	return &Cache{
		pid:      pid,
		provider: provider,
		loaded:   libpf.Set[string]{},
		native:   native,
	}, nil
}

// PID returns the process id the cache belongs to.
func (c *Cache) PID() uint32 {
	return c.pid
}

// Close releases the provider.
func (c *Cache) Close() error {
	if c.provider == nil {
		return nil
	}
	err := c.provider.Close()
	c.provider = nil
	return err
}

// EnsureModuleLoaded submits the module to the provider once. Images that vanished since the
// capture are tolerated, any other failure is returned as *ProviderError.
func (c *Cache) EnsureModuleLoaded(m *pml.Module, addr libpf.Address) error {
	// Windows paths are case-insensitive.
	if !c.loaded.Add(strings.ToLower(m.ImagePath)) {
		return nil
	}

	if c.OnModuleLoad != nil {
		c.OnModuleLoad(m.Name)
		defer c.OnModuleLoad("")
	}

	err := c.provider.LoadModule(m.ImagePath, m.Range.Base)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPathNotFound), errors.Is(err, ErrNoMoreFiles):
		c.missing++
		log.Debugf("No symbols for %s (pid %d): %v", m.ImagePath, c.pid, err)
		return nil
	default:
		return &ProviderError{ImagePath: m.ImagePath, Address: addr, Err: err}
	}
}

// ResolveNative resolves addr through the provider, memoizing hits. Misses are not cached,
// a module loaded later may still resolve the address.
func (c *Cache) ResolveNative(addr libpf.Address) (Symbol, bool, error) {
	if sym, ok := c.native.Get(addr); ok {
		return sym, true, nil
	}

	name, offset, err := c.provider.ResolveAddress(addr)
	switch {
	case err == nil:
		sym := Symbol{Name: name, Offset: offset}
		c.native.Add(addr, sym)
		return sym, true, nil
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrModuleNotFound):
		return Symbol{}, false, nil
	default:
		return Symbol{}, false, &ProviderError{Address: addr, Err: err}
	}
}

// BindJitMap attaches the JIT symbols of the process. Only one map can be bound.
func (c *Cache) BindJitMap(m *pmip.Map) error {
	if c.jitMap != nil {
		return fmt.Errorf("pid %d: %w", c.pid, ErrJitMapAlreadyBound)
	}
	c.jitMap = m
	return nil
}

// HasJitMap reports whether a JIT map is bound.
func (c *Cache) HasJitMap() bool {
	return c.jitMap != nil
}

// ResolveJit looks addr up in the bound JIT map.
func (c *Cache) ResolveJit(addr libpf.Address) (*pmip.Symbol, bool) {
	if c.jitMap == nil {
		return nil, false
	}
	return c.jitMap.Find(addr)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		ModulesLoaded:  len(c.loaded) - c.missing,
		ModulesMissing: c.missing,
		Native:         c.native.Statistics(),
	}
}
