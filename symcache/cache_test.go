// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symcache

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmltools/pmlbaker/libpf"
	"github.com/pmltools/pmlbaker/pmip"
	"github.com/pmltools/pmlbaker/pml"
)

type fakeProvider struct {
	loadErr    map[string]error
	symbols    map[libpf.Address]Symbol
	resolveErr map[libpf.Address]error

	loads    []string
	resolves int
	closed   bool
}

func (p *fakeProvider) LoadModule(imagePath string, _ libpf.Address) error {
	p.loads = append(p.loads, imagePath)
	return p.loadErr[imagePath]
}

func (p *fakeProvider) ResolveAddress(addr libpf.Address) (string, uint64, error) {
	p.resolves++
	if err, ok := p.resolveErr[addr]; ok {
		return "", 0, err
	}
	if sym, ok := p.symbols[addr]; ok {
		return sym.Name, sym.Offset, nil
	}
	return "", 0, ErrModuleNotFound
}

func (p *fakeProvider) Close() error {
	p.closed = true
	return nil
}

func newTestCache(t *testing.T, p *fakeProvider) *Cache {
	t.Helper()
	c, err := New(1200, p, Config{})
	require.NoError(t, err)
	return c
}

func TestEnsureModuleLoaded(t *testing.T) {
	p := &fakeProvider{loadErr: map[string]error{
		`C:\gone.dll`:    ErrPathNotFound,
		`C:\nofiles.dll`: ErrNoMoreFiles,
		`C:\broken.dll`:  errors.New("access denied"),
	}}
	c := newTestCache(t, p)

	var events []string
	c.OnModuleLoad = func(name string) { events = append(events, name) }

	ntdll := pml.NewModule(`C:\Windows\System32\ntdll.dll`, libpf.AddressRange{Base: 0x1000, Size: 0x100})
	require.NoError(t, c.EnsureModuleLoaded(ntdll, 0x1010))
	require.NoError(t, c.EnsureModuleLoaded(ntdll, 0x1020))
	upper := pml.NewModule(strings.ToUpper(ntdll.ImagePath), ntdll.Range)
	require.NoError(t, c.EnsureModuleLoaded(upper, 0x1020))
	assert.Equal(t, []string{ntdll.ImagePath}, p.loads)
	assert.Equal(t, []string{"ntdll.dll", ""}, events)

	require.NoError(t, c.EnsureModuleLoaded(pml.NewModule(`C:\gone.dll`, libpf.AddressRange{}), 0))
	require.NoError(t, c.EnsureModuleLoaded(pml.NewModule(`C:\nofiles.dll`, libpf.AddressRange{}), 0))

	err := c.EnsureModuleLoaded(pml.NewModule(`C:\broken.dll`, libpf.AddressRange{Base: 0x5000}), 0x5008)
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, `C:\broken.dll`, provErr.ImagePath)
	assert.Equal(t, libpf.Address(0x5008), provErr.Address)
	assert.Contains(t, err.Error(), `C:\broken.dll`)
	assert.Contains(t, err.Error(), "0x5008")

	stats := c.Stats()
	assert.Equal(t, 2, stats.ModulesMissing)
	assert.Equal(t, 2, stats.ModulesLoaded)
}

func TestResolveNative(t *testing.T) {
	p := &fakeProvider{
		symbols: map[libpf.Address]Symbol{
			0x1010: {Name: "NtCreateFile", Offset: 0x10},
		},
		resolveErr: map[libpf.Address]error{
			0x2000: ErrInvalidAddress,
			0x3000: errors.New("engine crashed"),
		},
	}
	c := newTestCache(t, p)

	sym, ok, err := c.ResolveNative(0x1010)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Symbol{Name: "NtCreateFile", Offset: 0x10}, sym)

	// Memoized.
	_, ok, err = c.ResolveNative(0x1010)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, p.resolves)

	// Soft misses are not cached.
	for range 2 {
		_, ok, err = c.ResolveNative(0x2000)
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = c.ResolveNative(0x4000)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 5, p.resolves)

	_, _, err = c.ResolveNative(0x3000)
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, libpf.Address(0x3000), provErr.Address)

	stats := c.Stats().Native
	assert.Equal(t, uint64(1), stats.Hit)
	assert.Equal(t, uint64(1), stats.Added)
}

func TestJitMap(t *testing.T) {
	c := newTestCache(t, &fakeProvider{})

	_, ok := c.ResolveJit(0x1000)
	assert.False(t, ok)
	assert.False(t, c.HasJitMap())

	m := &pmip.Map{Symbols: []*pmip.Symbol{
		{Range: libpf.AddressRange{Base: 0x1000, Size: 0x10}, AssemblyName: "mscorlib", Name: "A.B()"},
	}}
	require.NoError(t, c.BindJitMap(m))
	assert.True(t, c.HasJitMap())

	sym, ok := c.ResolveJit(0x100f)
	require.True(t, ok)
	assert.Equal(t, "A.B()", sym.Name)
	_, ok = c.ResolveJit(0x1010)
	assert.False(t, ok)

	err := c.BindJitMap(&pmip.Map{})
	require.ErrorIs(t, err, ErrJitMapAlreadyBound)
}

func TestClose(t *testing.T) {
	p := &fakeProvider{}
	c := newTestCache(t, p)
	require.NoError(t, c.Close())
	assert.True(t, p.closed)
	require.NoError(t, c.Close())
}

func TestNopProvider(t *testing.T) {
	c, err := New(4, NopProvider{}, Config{CacheSize: 16})
	require.NoError(t, err)
	defer c.Close()

	m := pml.NewModule(`C:\Windows\System32\ntdll.dll`, libpf.AddressRange{Base: 0x1000, Size: 0x100})
	require.NoError(t, c.EnsureModuleLoaded(m, 0x1000))
	_, ok, err := c.ResolveNative(0x1000)
	require.NoError(t, err)
	assert.False(t, ok)
}
