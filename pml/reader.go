// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pml reads the binary log files written by Process Monitor.
//
// Only the parts needed to symbolize stack traces are decoded: the string table, the process
// and module tables and the call stacks of file system events. Layout reference:
// https://github.com/eronnen/procmon-parser/blob/master/docs/PML%20Format.md
package pml // import "github.com/pmltools/pmlbaker/pml"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/pmltools/pmlbaker/libpf"
	"github.com/pmltools/pmlbaker/libpf/readatbuf"
	"github.com/pmltools/pmlbaker/times"
)

const (
	// Signature is the magic at the start of every capture.
	Signature = "PML_"
	// Version is the only supported format version.
	Version = 9

	// Header field offsets.
	offVersion         = 0x4
	offIs64Bit         = 0x8
	offEventCount      = 0x234
	offEventsData      = 0x240
	offEventOffsets    = 0x248
	offProcessTable    = 0x250
	offStringTable     = 0x258
	offHeaderFieldsEnd = 0x260

	// Each event offset table entry is a 32-bit offset followed by a flags byte.
	eventOffsetEntrySize = 5

	// Event header layout.
	evOffProcessIndex = 0
	evOffClass        = 8
	evOffCaptureTime  = 28
	evOffStackDepth   = 40
	eventHeaderSize   = 52

	// Process record: fields up to the name string index, and up to the module count.
	procOffName        = 64
	procOffModuleCount = 104
	processRecordSize  = 108

	// Module record layout.
	modOffBase       = 8
	modOffSize       = 16
	modOffImagePath  = 20
	moduleRecordSize = 64

	// SystemProcessName is the process the kernel modules are recorded in.
	SystemProcessName = "System"

	pageSize  = 4096
	pageCount = 256
)

// Reader gives access to the tables and event stacks of a capture.
type Reader struct {
	path   string
	closer io.Closer
	r      io.ReaderAt
	size   int64

	eventCount         uint32
	eventOffsetsOffset uint64

	strings   []string
	processes []*Process
	byIndex   map[uint32]*Process

	frameBuf []byte
}

// Open opens and validates a capture file, loading its string and process tables.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	buffered, err := readatbuf.New(f, pageSize, pageCount)
	if err != nil {
		f.Close()
		return nil, err
	}
	reader, err := NewReader(buffered, info.Size(), path)
	if err != nil {
		f.Close()
		return nil, err
	}
	reader.closer = f
	return reader, nil
}

// NewReader reads a capture of size bytes from r. The path is only used in error messages.
func NewReader(r io.ReaderAt, size int64, path string) (*Reader, error) {
	reader := &Reader{
		path:     path,
		r:        r,
		size:     size,
		byIndex:  make(map[uint32]*Process),
		frameBuf: make([]byte, MaxFrames*8),
	}
	if err := reader.readHeader(); err != nil {
		return nil, err
	}
	return reader, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}

// Path returns the capture path the reader was created with.
func (r *Reader) Path() string {
	return r.path
}

// EventCount returns the number of events of all classes in the capture.
func (r *Reader) EventCount() int {
	return int(r.eventCount)
}

// Processes returns all processes in capture table order.
func (r *Reader) Processes() []*Process {
	return r.processes
}

// FindProcessByPID returns the first process with the given process id.
func (r *Reader) FindProcessByPID(pid uint32) (*Process, bool) {
	for _, p := range r.processes {
		if p.PID == pid {
			return p, true
		}
	}
	return nil, false
}

// String returns an entry of the string table.
func (r *Reader) String(idx uint32) (string, bool) {
	if int64(idx) >= int64(len(r.strings)) {
		return "", false
	}
	return r.strings[idx], true
}

func (r *Reader) formatError(off int64, err error) error {
	return &FormatError{Path: r.path, Offset: off, Err: err}
}

// checkSpan fails unless n bytes starting at off lie within the file. Counts read from the
// file are checked before anything is allocated for them.
func (r *Reader) checkSpan(off, n int64) error {
	if off < 0 || n < 0 || off > r.size || n > r.size-off {
		return r.formatError(off, ErrTruncated)
	}
	return nil
}

// readAt reads exactly len(buf) bytes at off.
func (r *Reader) readAt(buf []byte, off int64) error {
	n, err := r.r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = ErrTruncated
	}
	return r.formatError(off, err)
}

func (r *Reader) readHeader() error {
	var hdr [offHeaderFieldsEnd]byte
	if err := r.readAt(hdr[:len(Signature)], 0); err != nil {
		return err
	}
	if string(hdr[:len(Signature)]) != Signature {
		return r.formatError(0, ErrNotPML)
	}
	if err := r.readAt(hdr[:], 0); err != nil {
		return err
	}
	le := binary.LittleEndian

	if version := le.Uint32(hdr[offVersion:]); version != Version {
		return r.formatError(offVersion,
			fmt.Errorf("%w: PML has version %d, expected %d", ErrVersion, version, Version))
	}
	if is64 := le.Uint32(hdr[offIs64Bit:]); is64 != 1 {
		return r.formatError(offIs64Bit, Err32Bit)
	}

	r.eventCount = le.Uint32(hdr[offEventCount:])
	eventsData := le.Uint64(hdr[offEventsData:])
	r.eventOffsetsOffset = le.Uint64(hdr[offEventOffsets:])
	processTable := le.Uint64(hdr[offProcessTable:])
	stringTable := le.Uint64(hdr[offStringTable:])

	if r.eventOffsetsOffset == 0 {
		return r.formatError(offEventOffsets, ErrUncleanClose)
	}
	if err := r.checkSpan(int64(r.eventOffsetsOffset),
		int64(r.eventCount)*eventOffsetEntrySize); err != nil {
		return err
	}

	if r.eventCount > 0 {
		first, err := r.eventOffset(0)
		if err != nil {
			return err
		}
		if uint64(first) != eventsData {
			return r.formatError(int64(r.eventOffsetsOffset),
				fmt.Errorf("mismatched first event offset (0x%x and 0x%x)", first, eventsData))
		}
	}

	if err := r.readStrings(int64(stringTable)); err != nil {
		return err
	}
	if err := r.readProcesses(int64(processTable)); err != nil {
		return err
	}

	log.Debugf("Loaded %s: %d events, %d strings, %d processes",
		r.path, r.eventCount, len(r.strings), len(r.processes))
	return nil
}

func (r *Reader) readStrings(tableOffset int64) error {
	var buf [4]byte
	if err := r.readAt(buf[:], tableOffset); err != nil {
		return err
	}
	count := binary.LittleEndian.Uint32(buf[:])
	if err := r.checkSpan(tableOffset+4, int64(count)*4); err != nil {
		return err
	}

	offsets := make([]byte, int64(count)*4)
	if err := r.readAt(offsets, tableOffset+4); err != nil {
		return err
	}

	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	r.strings = make([]string, count)
	var raw []byte
	for i := range r.strings {
		entry := tableOffset + int64(binary.LittleEndian.Uint32(offsets[i*4:]))
		if err := r.readAt(buf[:], entry); err != nil {
			return err
		}
		units := int64(binary.LittleEndian.Uint32(buf[:])) / 2
		if units == 0 {
			continue
		}
		if err := r.checkSpan(entry+4, units*2); err != nil {
			return err
		}
		if cap(raw) < int(units*2) {
			raw = make([]byte, units*2)
		}
		raw = raw[:units*2]
		if err := r.readAt(raw, entry+4); err != nil {
			return err
		}
		// Drop the terminating NUL.
		s, err := decodeUTF16(decoder, raw[:(units-1)*2])
		if err != nil {
			return r.formatError(entry, fmt.Errorf("string %d: %w", i, err))
		}
		r.strings[i] = s
	}
	return nil
}

func decodeUTF16(decoder *encoding.Decoder, raw []byte) (string, error) {
	utf8, err := decoder.Bytes(raw)
	if err != nil {
		return "", err
	}
	return string(utf8), nil
}

func (r *Reader) stringAt(fieldOffset int64, idx uint32) (string, error) {
	s, ok := r.String(idx)
	if !ok {
		return "", r.formatError(fieldOffset,
			fmt.Errorf("string index %d out of range (%d strings)", idx, len(r.strings)))
	}
	return s, nil
}

func (r *Reader) readProcesses(tableOffset int64) error {
	le := binary.LittleEndian
	var buf [processRecordSize]byte
	if err := r.readAt(buf[:4], tableOffset); err != nil {
		return err
	}
	count := int64(le.Uint32(buf[:]))

	// Skip the process index array and the process offset array, records follow directly.
	pos := tableOffset + 4 + count*4 + count*4
	if err := r.checkSpan(tableOffset+4, count*(8+processRecordSize)); err != nil {
		return err
	}

	var system *Process
	var module [moduleRecordSize]byte
	for range count {
		if err := r.readAt(buf[:], pos); err != nil {
			return err
		}
		index := le.Uint32(buf[0:])
		pid := le.Uint32(buf[4:])
		name, err := r.stringAt(pos+procOffName, le.Uint32(buf[procOffName:]))
		if err != nil {
			return err
		}
		moduleCount := int64(le.Uint32(buf[procOffModuleCount:]))
		pos += processRecordSize
		if err := r.checkSpan(pos, moduleCount*moduleRecordSize); err != nil {
			return err
		}

		var modules []*Module
		for range moduleCount {
			if err := r.readAt(module[:], pos); err != nil {
				return err
			}
			imagePath, err := r.stringAt(pos+modOffImagePath, le.Uint32(module[modOffImagePath:]))
			if err != nil {
				return err
			}
			modules = append(modules, NewModule(imagePath, libpf.AddressRange{
				Base: libpf.Address(le.Uint64(module[modOffBase:])),
				Size: le.Uint32(module[modOffSize:]),
			}))
			pos += moduleRecordSize
		}

		if _, dup := r.byIndex[index]; dup {
			return r.formatError(pos, fmt.Errorf("duplicate process index %d", index))
		}
		proc := &Process{PID: pid, Name: name, index: index, modules: modules}
		r.byIndex[index] = proc
		r.processes = append(r.processes, proc)
		if system == nil && name == SystemProcessName {
			system = proc
		}
	}

	for _, proc := range r.processes {
		if system != nil && proc != system {
			// Kernel modules are mapped into every process, but only recorded for System.
			proc.modules = append(proc.modules, system.modules...)
		}
		libpf.SortByBase(proc.modules)
	}
	return nil
}

func (r *Reader) eventOffset(idx int) (uint32, error) {
	var buf [4]byte
	if err := r.readAt(buf[:], int64(r.eventOffsetsOffset)+int64(idx)*eventOffsetEntrySize); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// readEvent fills stack with event idx. It returns false for events that don't carry a stack.
func (r *Reader) readEvent(idx int, stack *EventStack) (bool, error) {
	le := binary.LittleEndian
	offset, err := r.eventOffset(idx)
	if err != nil {
		return false, err
	}
	pos := int64(offset)

	var hdr [eventHeaderSize]byte
	if err := r.readAt(hdr[:], pos); err != nil {
		return false, err
	}
	if EventClass(le.Uint32(hdr[evOffClass:])) != ClassFileSystem {
		return false, nil
	}
	depth := int(le.Uint16(hdr[evOffStackDepth:]))
	if depth == 0 {
		return false, nil
	}
	if depth > MaxFrames {
		return false, r.formatError(pos+evOffStackDepth,
			fmt.Errorf("event %d: stack depth %d exceeds %d", idx, depth, MaxFrames))
	}

	processIndex := le.Uint32(hdr[evOffProcessIndex:])
	proc, ok := r.byIndex[processIndex]
	if !ok {
		return false, r.formatError(pos,
			fmt.Errorf("event %d: unknown process index %d", idx, processIndex))
	}

	raw := r.frameBuf[:depth*8]
	if err := r.readAt(raw, pos+eventHeaderSize); err != nil {
		return false, err
	}

	stack.EventIndex = idx
	stack.Process = proc
	stack.CaptureTime = times.FileTime(le.Uint64(hdr[evOffCaptureTime:]))
	stack.frameCount = depth
	for i := range depth {
		stack.frames[i] = libpf.Address(le.Uint64(raw[i*8:]))
	}
	return true, nil
}

// EventStacks returns the stack-carrying events starting at event index startAt.
//
// The sequence is lazy and can be iterated only once. The yielded EventStack is reused for
// every item, see EventStack. Iteration stops at the first error.
func (r *Reader) EventStacks(startAt int) iter.Seq2[*EventStack, error] {
	consumed := false
	return func(yield func(*EventStack, error) bool) {
		if consumed {
			yield(nil, ErrSequenceConsumed)
			return
		}
		consumed = true

		if startAt < 0 || startAt > int(r.eventCount) {
			yield(nil, fmt.Errorf("start event index %d out of range [0, %d]",
				startAt, r.eventCount))
			return
		}

		stack := &EventStack{}
		for idx := startAt; idx < int(r.eventCount); idx++ {
			ok, err := r.readEvent(idx, stack)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				continue
			}
			if !yield(stack, nil) {
				return
			}
		}
	}
}
