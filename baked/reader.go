// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package baked // import "github.com/pmltools/pmlbaker/baked"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/pmltools/pmlbaker/libpf"
	"github.com/pmltools/pmlbaker/times"
)

// ErrUnsupportedConfig is returned for baked files using options this reader does not know.
var ErrUnsupportedConfig = errors.New("unsupported baked file configuration")

// FormatError reports a malformed baked file.
type FormatError struct {
	Path string
	// Line is 1-based, zero when the error is not tied to a line.
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

// maxLineSize bounds a single event line, which grows with stack depth and name length.
const maxLineSize = 4 * 1024 * 1024

// ZstdExtension selects zstd compression of the whole baked file.
const ZstdExtension = ".zst"

// Load reads the baked file at path. Files ending in ZstdExtension are decompressed.
func Load(path string) (*Query, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ZstdExtension) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		r = dec
	}
	return Parse(r, path)
}

type section int

const (
	sectionNone section = iota
	sectionInConfig
	sectionInEvents
	sectionInStrings
)

// stringRef is a compact frame whose names are resolved once [Strings] has been read.
type stringRef struct {
	seq, frame     int
	module, symbol uint32
	line           int
}

type parser struct {
	path string
	line int

	configKeys     libpf.Set[string]
	haveEventCount bool
	recordCount    int
	debug          bool

	records []EventRecord
	written int
	lastSeq int
	strings *StringTable
	refs    []stringRef
}

func (p *parser) errorf(format string, args ...any) error {
	return &FormatError{Path: p.path, Line: p.line, Err: fmt.Errorf(format, args...)}
}

// Parse reads a baked file from r. name is used in error messages.
func Parse(r io.Reader, name string) (*Query, error) {
	p := &parser{
		path:        name,
		configKeys:  libpf.Set[string]{},
		recordCount: -1,
		lastSeq:     -1,
		strings:     NewStringTable(),
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	sec := sectionNone
	for scanner.Scan() {
		p.line++
		raw := strings.TrimSuffix(scanner.Text(), "\r")
		text := strings.TrimSpace(raw)
		if text == "" || text[0] == '#' {
			continue
		}

		switch text {
		case sectionConfig:
			sec = sectionInConfig
			continue
		case sectionEvents:
			if !p.haveEventCount {
				return nil, p.errorf("%s before %s", sectionEvents, keyEventCount)
			}
			sec = sectionInEvents
			continue
		case sectionStrings:
			sec = sectionInStrings
			continue
		}

		var err error
		switch sec {
		case sectionInConfig:
			err = p.parseConfig(text)
		case sectionInEvents:
			err = p.parseEvent(text)
		case sectionInStrings:
			// Literals keep surrounding spaces.
			err = p.parseString(raw)
		default:
			err = p.errorf("data outside of a section")
		}
		if err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &FormatError{Path: name, Line: p.line + 1, Err: err}
	}

	if !p.haveEventCount {
		return nil, &FormatError{Path: name, Err: fmt.Errorf("missing %s", keyEventCount)}
	}
	if p.recordCount >= 0 && p.recordCount != p.written {
		return nil, &FormatError{Path: name, Err: fmt.Errorf("%s=%d but %d events present",
			keyRecordCount, p.recordCount, p.written)}
	}
	for _, ref := range p.refs {
		f := &p.records[ref.seq].Frames[ref.frame]
		var ok1, ok2 bool
		f.Module, ok1 = p.strings.Lookup(ref.module)
		f.Symbol, ok2 = p.strings.Lookup(ref.symbol)
		if !ok1 || !ok2 {
			return nil, &FormatError{Path: name, Line: ref.line,
				Err: fmt.Errorf("unknown string reference in frame %d", ref.frame)}
		}
	}

	return newQuery(p.records, p.strings, p.debug), nil
}

func (p *parser) parseConfig(text string) error {
	key, value, ok := strings.Cut(text, "=")
	if !ok {
		return p.errorf("expected key=value, got '%s'", text)
	}
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	switch key {
	case keyEventCount, keyRecordCount, keyDebugFormat:
		if !p.configKeys.Add(key) {
			return p.errorf("duplicate %s", key)
		}
	}
	switch key {
	case keyEventCount:
		n, err := strconv.ParseUint(value, 10, 31)
		if err != nil {
			return p.errorf("invalid %s '%s'", key, value)
		}
		p.records = make([]EventRecord, n)
		for i := range p.records {
			p.records[i].Sequence = i
		}
		p.haveEventCount = true
	case keyRecordCount:
		n, err := strconv.ParseUint(value, 10, 31)
		if err != nil {
			return p.errorf("invalid %s '%s'", key, value)
		}
		p.recordCount = int(n)
	case keyDebugFormat:
		debug, err := strconv.ParseBool(value)
		if err != nil {
			return p.errorf("invalid %s '%s'", key, value)
		}
		p.debug = debug
	default:
		return &FormatError{Path: p.path, Line: p.line,
			Err: fmt.Errorf("%w: %s", ErrUnsupportedConfig, key)}
	}
	return nil
}

func (p *parser) parseEvent(text string) error {
	seqText, rest, ok := strings.Cut(text, ":")
	if !ok {
		return p.errorf("missing sequence")
	}
	seq, err := strconv.Atoi(seqText)
	if err != nil || seq < 0 {
		return p.errorf("invalid sequence '%s'", seqText)
	}
	if seq >= len(p.records) {
		return p.errorf("sequence %d beyond %s %d", seq, keyEventCount, len(p.records))
	}
	if seq <= p.lastSeq {
		return p.errorf("sequence %d not increasing", seq)
	}

	fields := strings.Split(rest, ";")
	if len(fields) < 2 {
		return p.errorf("expected capture time and process id")
	}
	rec := &p.records[seq]
	if p.debug {
		rec.CaptureTime, err = times.Parse(fields[0])
	} else {
		var v int64
		v, err = strconv.ParseInt(fields[0], 16, 64)
		rec.CaptureTime = times.FileTime(v)
	}
	if err != nil {
		return p.errorf("invalid capture time '%s'", fields[0])
	}
	base := 16
	if p.debug {
		base = 10
	}
	pid, err := strconv.ParseUint(fields[1], base, 32)
	if err != nil || pid == 0 {
		return p.errorf("invalid process id '%s'", fields[1])
	}
	rec.ProcessID = uint32(pid)

	frames := fields[2:]
	rec.Frames = make([]FrameRecord, len(frames))
	for i, text := range frames {
		if p.debug {
			err = parseDebugFrame(text, &rec.Frames[i])
		} else {
			err = p.parseCompactFrame(text, seq, i, &rec.Frames[i])
		}
		if err != nil {
			return p.errorf("frame %d: %v", i, err)
		}
	}

	p.lastSeq = seq
	p.written++
	return nil
}

func parseKind(text string) (libpf.FrameKind, error) {
	if text == "" {
		return 0, errors.New("missing frame kind")
	}
	return libpf.FrameKindFromChar(text[0])
}

// parseDebugFrame parses 'K 0xaddr' or 'K [module] symbol + 0xoffset'.
func parseDebugFrame(text string, f *FrameRecord) error {
	kind, err := parseKind(text)
	if err != nil {
		return err
	}
	f.Kind = kind
	if len(text) < 2 || text[1] != ' ' {
		return fmt.Errorf("malformed frame '%s'", text)
	}
	body := text[2:]

	if hex, ok := strings.CutPrefix(body, "0x"); ok {
		addr, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return fmt.Errorf("invalid address '%s'", body)
		}
		f.Address = libpf.Address(addr)
		return nil
	}

	body, ok := strings.CutPrefix(body, "[")
	if !ok {
		return fmt.Errorf("malformed frame '%s'", text)
	}
	module, body, ok := strings.Cut(body, "] ")
	if !ok || module == "" {
		return fmt.Errorf("malformed module in frame '%s'", text)
	}
	sep := strings.LastIndex(body, " + 0x")
	if sep <= 0 {
		return fmt.Errorf("malformed symbol in frame '%s'", text)
	}
	offset, err := strconv.ParseUint(body[sep+len(" + 0x"):], 16, 64)
	if err != nil {
		return fmt.Errorf("invalid offset in frame '%s'", text)
	}
	f.Module = module
	f.Symbol = body[:sep]
	f.Offset = offset
	return nil
}

// parseCompactFrame parses 'K,addr' or 'K,module,symbol,offset'.
func (p *parser) parseCompactFrame(text string, seq, frame int, f *FrameRecord) error {
	var fields [4]string
	n := 0
	for field := range strings.SplitSeq(text, ",") {
		if n == len(fields) {
			return fmt.Errorf("too many fields in '%s'", text)
		}
		fields[n] = field
		n++
	}

	kind, err := parseKind(fields[0])
	if err != nil {
		return err
	}
	if len(fields[0]) != 1 {
		return fmt.Errorf("malformed frame kind '%s'", fields[0])
	}
	f.Kind = kind

	switch n {
	case 2:
		addr, err := strconv.ParseUint(fields[1], 16, 64)
		if err != nil {
			return fmt.Errorf("invalid address '%s'", fields[1])
		}
		f.Address = libpf.Address(addr)
	case 4:
		var refs [2]uint64
		for i := range refs {
			if refs[i], err = strconv.ParseUint(fields[i+1], 16, 32); err != nil {
				return fmt.Errorf("invalid string reference '%s'", fields[i+1])
			}
		}
		if f.Offset, err = strconv.ParseUint(fields[3], 16, 64); err != nil {
			return fmt.Errorf("invalid offset '%s'", fields[3])
		}
		p.refs = append(p.refs, stringRef{
			seq:    seq,
			frame:  frame,
			module: uint32(refs[0]),
			symbol: uint32(refs[1]),
			line:   p.line,
		})
	default:
		return fmt.Errorf("malformed frame '%s'", text)
	}
	return nil
}

func (p *parser) parseString(raw string) error {
	idxText, literal, ok := strings.Cut(raw, ":")
	if !ok {
		return p.errorf("expected index:string")
	}
	idx, err := strconv.ParseUint(strings.TrimSpace(idxText), 16, 32)
	if err != nil {
		return p.errorf("invalid string index '%s'", idxText)
	}
	if err := p.strings.set(uint32(idx), literal); err != nil {
		return p.errorf("%v", err)
	}
	return nil
}
