// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pmip reads the JIT address map dumps ("pmip" files) that a managed runtime writes
// for mixed-mode call stack resolution. Each dump covers one process and one JIT domain
// generation.
package pmip // import "github.com/pmltools/pmlbaker/pmip"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/regexp"

	"github.com/pmltools/pmlbaker/libpf"
	"github.com/pmltools/pmlbaker/stringutil"
)

// Header is the exact first line of a supported dump.
const Header = "UnityMixedCallstacks:1.0"

var (
	filenameRegex = regexp.MustCompile(`(?i)^pmip_(\d+)_(\d+)\.txt$`)
	lineRegex     = regexp.MustCompile(`^([0-9A-Fa-f]{16});([0-9A-Fa-f]{16});(?:\[([^\]]+)\] (.*))?$`)

	nameReplacer = strings.NewReplacer(" (", "(", "/", ".", ":", ".", ",", ", ")

	// ErrHeader is returned if the first line of a dump is not Header.
	ErrHeader = errors.New("unexpected header or version")
	// ErrFilename is returned for dump names not matching pmip_<pid>_<generation>.txt.
	ErrFilename = errors.New("unable to extract process id from pmip filename")
)

// FormatError describes a malformed dump line.
type FormatError struct {
	Path string
	// Line is 1-based, 0 when not specific to a line.
	Line int
	Err  error
}

func (e *FormatError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Symbol is the address range of one JIT compiled method.
type Symbol struct {
	Range libpf.AddressRange
	// AssemblyName and Name are empty for unnamed regions such as trampolines.
	AssemblyName string
	Name         string
}

// AddressRange implements libpf.Ranged.
func (s *Symbol) AddressRange() libpf.AddressRange {
	return s.Range
}

// Named reports whether the region carries a method name.
func (s *Symbol) Named() bool {
	return s.AssemblyName != "" && s.Name != ""
}

// Map holds the JIT symbols of one process generation, sorted by base address.
type Map struct {
	// Timestamp identifies the generation in time, by default the dump's modification time.
	Timestamp time.Time
	Symbols   []*Symbol
}

// Find returns the symbol whose range contains addr.
func (m *Map) Find(addr libpf.Address) (*Symbol, bool) {
	return libpf.FindAddressIn(m.Symbols, addr)
}

// ParseFilename extracts the process id and the JIT generation serial number from the name
// of a dump. Only the base name of path is considered.
func ParseFilename(path string) (pid, generation uint32, err error) {
	match := filenameRegex.FindStringSubmatch(stringutil.BaseName(path))
	if match == nil {
		return 0, 0, &FormatError{Path: path, Err: ErrFilename}
	}
	pid64, err := strconv.ParseUint(match[1], 10, 32)
	if err != nil {
		return 0, 0, &FormatError{Path: path, Err: fmt.Errorf("%w: %v", ErrFilename, err)}
	}
	gen64, err := strconv.ParseUint(match[2], 10, 32)
	if err != nil {
		return 0, 0, &FormatError{Path: path, Err: fmt.Errorf("%w: %v", ErrFilename, err)}
	}
	return uint32(pid64), uint32(gen64), nil
}

// Load parses the dump at path.
func Load(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	m, err := Parse(f, path)
	if err != nil {
		return nil, err
	}
	m.Timestamp = info.ModTime()
	return m, nil
}

// Parse reads a dump from r. The name is only used in error messages.
func Parse(r io.Reader, name string) (*Map, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		return nil, &FormatError{Path: name, Line: 1, Err: ErrHeader}
	}
	if strings.TrimSuffix(scanner.Text(), "\r") != Header {
		return nil, &FormatError{Path: name, Line: 1, Err: ErrHeader}
	}

	m := &Map{}
	for lineNo := 2; scanner.Scan(); lineNo++ {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		sym, err := parseLine(line)
		if err != nil {
			return nil, &FormatError{Path: name, Line: lineNo, Err: err}
		}
		m.Symbols = append(m.Symbols, sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	libpf.SortByBase(m.Symbols)
	return m, nil
}

func parseLine(line string) (*Symbol, error) {
	match := lineRegex.FindStringSubmatch(line)
	if match == nil {
		return nil, fmt.Errorf("unexpected format: %q", line)
	}
	start, err := strconv.ParseUint(match[1], 16, 64)
	if err != nil {
		return nil, err
	}
	end, err := strconv.ParseUint(match[2], 16, 64)
	if err != nil {
		return nil, err
	}
	if end < start || end-start > 0xffffffff {
		return nil, fmt.Errorf("invalid range 0x%x-0x%x", start, end)
	}

	return &Symbol{
		Range: libpf.AddressRange{
			Base: libpf.Address(start),
			Size: uint32(end - start),
		},
		AssemblyName: match[3],
		Name:         NormalizeName(match[4]),
	}, nil
}

// NormalizeName rewrites the runtime's method display form into the conventional dotted form,
// e.g. "Ns/Type:Method (int,string)" becomes "Ns.Type.Method(int, string)".
func NormalizeName(name string) string {
	return nameReplacer.Replace(name)
}
