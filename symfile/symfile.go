// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package symfile implements a symcache.Provider backed by plain text symbol listings.
//
// A listing is named after the image it describes, e.g. ntdll.dll.sym, and holds one symbol
// per line:
//
//	# comment
//	<rva hex> <size hex> <name>
//
// The name is the remainder of the line and may contain spaces. Itanium-mangled names are
// demangled on load.
package symfile // import "github.com/pmltools/pmlbaker/symfile"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ianlancetaylor/demangle"
	log "github.com/sirupsen/logrus"

	"github.com/pmltools/pmlbaker/libpf"
	"github.com/pmltools/pmlbaker/stringutil"
	"github.com/pmltools/pmlbaker/symcache"
)

// Extension is appended to the image file name to form the listing name.
const Extension = ".sym"

type module struct {
	imagePath string
	rng       libpf.AddressRange
	symbols   *libpf.SymbolMap
}

func (m *module) AddressRange() libpf.AddressRange {
	return m.rng
}

// Provider resolves addresses of the modules loaded into it.
type Provider struct {
	searchPath []string
	noDefault  bool

	// modules is sorted by base address.
	modules []*module
}

var _ symcache.Provider = &Provider{}

// New creates a provider searching cfg.SymbolPath in order. Unless disabled, the directory of
// each image is searched last.
func New(cfg symcache.Config) *Provider {
	return &Provider{
		searchPath: slices.Clone(cfg.SymbolPath),
		noDefault:  cfg.NoDefaultSymbolPath,
	}
}

// Factory is a symcache.ProviderFactory creating symfile providers.
func Factory(cfg symcache.Config) (symcache.Provider, error) {
	return New(cfg), nil
}

// imageDir returns the directory of an image path using either separator.
func imageDir(imagePath string) string {
	i := strings.LastIndexAny(imagePath, `\/`)
	if i < 0 {
		return ""
	}
	return imagePath[:i]
}

func (p *Provider) findListing(imagePath string) (string, error) {
	name := stringutil.BaseName(imagePath) + Extension
	dirs := p.searchPath
	if !p.noDefault {
		if dir := imageDir(imagePath); dir != "" {
			dirs = append(slices.Clip(dirs), dir)
		}
	}
	if len(dirs) == 0 {
		return "", symcache.ErrNoMoreFiles
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", symcache.ErrPathNotFound
}

// LoadModule implements symcache.Provider.
func (p *Provider) LoadModule(imagePath string, base libpf.Address) error {
	listing, err := p.findListing(imagePath)
	if err != nil {
		return err
	}
	f, err := os.Open(listing)
	if err != nil {
		return err
	}
	defer f.Close()

	symbols, extent, err := parseListing(f)
	if err != nil {
		return fmt.Errorf("%s: %w", listing, err)
	}
	if extent > uint64(^uint32(0)) {
		return fmt.Errorf("%s: image extent 0x%x too large", listing, extent)
	}

	m := &module{
		imagePath: imagePath,
		rng:       libpf.AddressRange{Base: base, Size: uint32(extent)},
		symbols:   symbols,
	}
	p.modules = append(p.modules, m)
	libpf.SortByBase(p.modules)
	log.Debugf("Loaded %d symbols for %s from %s", symbols.Len(), imagePath, listing)
	return nil
}

// parseListing reads a listing and returns its symbols and the end of the last symbol.
func parseListing(r io.Reader) (*libpf.SymbolMap, uint64, error) {
	symbols := libpf.NewSymbolMap(1024)
	var extent uint64

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		var fields [3]string
		if n := stringutil.FieldsN(line, fields[:]); n < 3 {
			return nil, 0, fmt.Errorf("line %d: expected '<rva> <size> <name>'", lineNo)
		}
		rva, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("line %d: invalid rva '%s'", lineNo, fields[0])
		}
		size, err := strconv.ParseUint(fields[1], 16, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("line %d: invalid size '%s'", lineNo, fields[1])
		}

		name := fields[2]
		if strings.HasPrefix(name, "_Z") {
			name = demangle.Filter(name)
		}
		symbols.Add(libpf.Symbol{
			Name:    libpf.SymbolName(name),
			Address: libpf.SymbolValue(rva),
			Size:    size,
		})
		extent = max(extent, rva+max(size, 1))
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	symbols.Finalize()
	return symbols, extent, nil
}

// ResolveAddress implements symcache.Provider.
func (p *Provider) ResolveAddress(addr libpf.Address) (string, uint64, error) {
	m, ok := libpf.FindAddressIn(p.modules, addr)
	if !ok {
		return "", 0, symcache.ErrModuleNotFound
	}
	name, offset, ok := m.symbols.LookupByAddress(libpf.SymbolValue(addr - m.rng.Base))
	if !ok {
		return "", 0, symcache.ErrInvalidAddress
	}
	return string(name), offset, nil
}

// Close implements symcache.Provider.
func (p *Provider) Close() error {
	p.modules = nil
	return nil
}

// WriteListing writes symbols in listing format.
func WriteListing(w io.Writer, symbols []libpf.Symbol) error {
	bw := bufio.NewWriter(w)
	for _, s := range symbols {
		if strings.ContainsAny(string(s.Name), "\r\n") {
			return errors.New("symbol names must be single line")
		}
		fmt.Fprintf(bw, "%x %x %s\n", uint64(s.Address), s.Size, s.Name)
	}
	return bw.Flush()
}
