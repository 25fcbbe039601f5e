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
)

// Section and config key names of the baked format.
const (
	sectionConfig  = "[Config]"
	sectionEvents  = "[Events]"
	sectionStrings = "[Strings]"

	keyEventCount  = "EventCount"
	keyRecordCount = "RecordCount"
	keyDebugFormat = "DebugFormat"
)

// Extension is the conventional suffix of baked files.
const Extension = ".pmlbaked"

// Config selects the encoding of a baked file.
type Config struct {
	// EventCount is the number of events in the capture, baked or not.
	EventCount int
	// DebugFormat writes names inline and times as text instead of string table references.
	DebugFormat bool
	// SpoolDir holds the temporary event spool. Defaults to os.TempDir().
	SpoolDir string
}

// Writer writes a baked file. The [Config] section precedes the events but depends on how
// many were written, so events are spooled to a temporary file until Close.
type Writer struct {
	out     io.Writer
	cfg     Config
	strings *StringTable

	spool   *os.File
	events  *bufio.Writer
	records int
	lastSeq int
	line    []byte
	done    bool
}

// NewWriter creates a writer emitting the baked file to out on Close.
func NewWriter(out io.Writer, cfg Config) (*Writer, error) {
	if cfg.EventCount < 0 {
		return nil, fmt.Errorf("invalid event count %d", cfg.EventCount)
	}
	spool, err := os.CreateTemp(cfg.SpoolDir, "pmlbaked-spool-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create event spool: %w", err)
	}
	return &Writer{
		out:     out,
		cfg:     cfg,
		strings: NewStringTable(),
		spool:   spool,
		events:  bufio.NewWriterSize(spool, 256*1024),
		lastSeq: -1,
	}, nil
}

// Strings returns the string table of a compact file.
func (w *Writer) Strings() *StringTable {
	return w.strings
}

// Records returns the number of events written so far.
func (w *Writer) Records() int {
	return w.records
}

// WriteEvent appends rec. Sequences must be strictly increasing and below EventCount.
func (w *Writer) WriteEvent(rec *EventRecord) error {
	if w.done {
		return errors.New("write to closed baked writer")
	}
	if rec.Sequence <= w.lastSeq || rec.Sequence >= w.cfg.EventCount {
		return fmt.Errorf("event sequence %d out of order or beyond event count %d",
			rec.Sequence, w.cfg.EventCount)
	}
	if rec.ProcessID == 0 {
		return fmt.Errorf("event %d has no process", rec.Sequence)
	}

	line := strconv.AppendInt(w.line[:0], int64(rec.Sequence), 10)
	line = append(line, ':')
	if w.cfg.DebugFormat {
		line = append(line, rec.CaptureTime.String()...)
		line = append(line, ';')
		line = strconv.AppendUint(line, uint64(rec.ProcessID), 10)
	} else {
		line = strconv.AppendInt(line, int64(rec.CaptureTime), 16)
		line = append(line, ';')
		line = strconv.AppendUint(line, uint64(rec.ProcessID), 16)
	}

	var err error
	for i := range rec.Frames {
		line = append(line, ';')
		if w.cfg.DebugFormat {
			line, err = appendDebugFrame(line, &rec.Frames[i])
		} else {
			line, err = w.appendCompactFrame(line, &rec.Frames[i])
		}
		if err != nil {
			return fmt.Errorf("event %d frame %d: %w", rec.Sequence, i, err)
		}
	}
	line = append(line, '\n')
	w.line = line

	if _, err = w.events.Write(line); err != nil {
		return fmt.Errorf("failed to spool event %d: %w", rec.Sequence, err)
	}
	w.lastSeq = rec.Sequence
	w.records++
	return nil
}

func appendDebugFrame(line []byte, f *FrameRecord) ([]byte, error) {
	line = append(line, f.Kind.Char(), ' ')
	if !f.Resolved() {
		line = append(line, "0x"...)
		return strconv.AppendUint(line, uint64(f.Address), 16), nil
	}
	if err := validate(f.Module); err != nil {
		return nil, err
	}
	if err := validate(f.Symbol); err != nil {
		return nil, err
	}
	// ';' separates frames and ']' terminates the module name.
	if strings.ContainsAny(f.Module, ";]") {
		return nil, &ValidationError{Value: f.Module, Reason: "contains ';' or ']'"}
	}
	if strings.ContainsRune(f.Symbol, ';') {
		return nil, &ValidationError{Value: f.Symbol, Reason: "contains ';'"}
	}
	line = append(line, '[')
	line = append(line, f.Module...)
	line = append(line, "] "...)
	line = append(line, f.Symbol...)
	line = append(line, " + 0x"...)
	return strconv.AppendUint(line, f.Offset, 16), nil
}

func (w *Writer) appendCompactFrame(line []byte, f *FrameRecord) ([]byte, error) {
	line = append(line, f.Kind.Char(), ',')
	if !f.Resolved() {
		return strconv.AppendUint(line, uint64(f.Address), 16), nil
	}
	module, err := w.strings.Intern(f.Module)
	if err != nil {
		return nil, err
	}
	symbol, err := w.strings.Intern(f.Symbol)
	if err != nil {
		return nil, err
	}
	line = strconv.AppendUint(line, uint64(module), 16)
	line = append(line, ',')
	line = strconv.AppendUint(line, uint64(symbol), 16)
	line = append(line, ',')
	return strconv.AppendUint(line, f.Offset, 16), nil
}

// Close writes the complete baked file and releases the spool. It does not close the
// underlying writer.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	defer w.Discard()

	if err := w.events.Flush(); err != nil {
		return fmt.Errorf("failed to flush event spool: %w", err)
	}
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind event spool: %w", err)
	}

	out := bufio.NewWriterSize(w.out, 256*1024)
	if w.cfg.DebugFormat {
		fmt.Fprintf(out, "#\n# EventCount = %d\n", w.cfg.EventCount)
		fmt.Fprint(out, "# EventDoc = Sequence:CaptureTime;PID;Frame[0];Frame[1];Frame[..n]\n")
		fmt.Fprint(out, "# FrameDoc = $type [$module] $symbol + $offset | $type $address "+
			"(type: K=kernel, U=user, M=managed)\n#\n")
	}
	fmt.Fprintf(out, "%s\n%s=%d\n%s=%d\n", sectionConfig,
		keyEventCount, w.cfg.EventCount, keyRecordCount, w.records)
	if w.cfg.DebugFormat {
		fmt.Fprintf(out, "%s=true\n", keyDebugFormat)
	}
	fmt.Fprintf(out, "%s\n", sectionEvents)
	if _, err := io.Copy(out, w.spool); err != nil {
		return fmt.Errorf("failed to copy events: %w", err)
	}

	if w.strings.Len() != 0 {
		fmt.Fprintf(out, "%s\n", sectionStrings)
		for idx, s := range w.strings.strings[1:] {
			fmt.Fprintf(out, "%x:%s\n", idx+1, s)
		}
	}
	return out.Flush()
}

// Discard releases the spool without writing anything.
func (w *Writer) Discard() {
	if w.done {
		return
	}
	w.done = true
	w.spool.Close()
	os.Remove(w.spool.Name())
}
