// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pml_test

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmltools/pmlbaker/libpf"
	"github.com/pmltools/pmlbaker/pml"
	"github.com/pmltools/pmlbaker/pml/pmltest"
	"github.com/pmltools/pmlbaker/times"
)

func sampleCapture() *pmltest.Builder {
	b := pmltest.New()
	b.AddProcess(pmltest.Process{
		Index: 7, PID: 1200, Name: "Unity.exe",
		Modules: []pmltest.Module{
			{ImagePath: `C:\Program Files\Unity\Unity.exe`, Base: 0x7ff600000000, Size: 0x100000},
			{ImagePath: `C:\Windows\System32\ntdll.dll`, Base: 0x7ffa00000000, Size: 0x1f0000},
		},
	})
	b.AddProcess(pmltest.Process{
		Index: 1, PID: 4, Name: "System",
		Modules: []pmltest.Module{
			{ImagePath: `\SystemRoot\System32\drivers\FLTMGR.SYS`, Base: 0xfffff80000200000, Size: 0x80000},
			{ImagePath: `\SystemRoot\system32\ntoskrnl.exe`, Base: 0xfffff80000000000, Size: 0x100000},
		},
	})
	b.AddProcess(pmltest.Process{Index: 9, PID: 3300, Name: "Ünïcödé.exe"})

	b.AddEvent(pmltest.Event{ProcessIndex: 7, CaptureTime: 132539328001234567,
		Frames: []uint64{0xfffff80000200992, 0x7ffa00001000, 0x7ff600000010}})
	b.AddEvent(pmltest.Event{ProcessIndex: 7, Class: pmltest.ClassProcess,
		Frames: []uint64{0x7ffa00001000}})
	b.AddEvent(pmltest.Event{ProcessIndex: 1})
	b.AddEvent(pmltest.Event{ProcessIndex: 9, CaptureTime: 132539328001234999,
		Frames: []uint64{0x1234}})
	return b
}

func openSample(t *testing.T, b *pmltest.Builder) *pml.Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.pml")
	require.NoError(t, b.WriteFile(path))
	reader, err := pml.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })
	return reader
}

func TestProcessTable(t *testing.T) {
	reader := openSample(t, sampleCapture())
	assert.Equal(t, 4, reader.EventCount())
	require.Len(t, reader.Processes(), 3)

	unity, ok := reader.FindProcessByPID(1200)
	require.True(t, ok)
	assert.Equal(t, "Unity.exe", unity.Name)

	var names []string
	for _, m := range unity.Modules() {
		names = append(names, m.Name)
	}
	// Own modules plus the kernel modules of System, sorted by base.
	assert.Equal(t, []string{"Unity.exe", "ntdll.dll", "ntoskrnl.exe", "FLTMGR.SYS"}, names)

	m, ok := unity.FindModule(0xfffff80000200992)
	require.True(t, ok)
	assert.Equal(t, `\SystemRoot\System32\drivers\FLTMGR.SYS`, m.ImagePath)
	_, ok = unity.FindModule(0x1234)
	assert.False(t, ok)

	// Processes listed after System get the kernel modules too.
	other, ok := reader.FindProcessByPID(3300)
	require.True(t, ok)
	assert.Equal(t, "Ünïcödé.exe", other.Name)
	assert.Len(t, other.Modules(), 2)

	system, ok := reader.FindProcessByPID(4)
	require.True(t, ok)
	assert.Len(t, system.Modules(), 2)

	_, ok = reader.FindProcessByPID(1)
	assert.False(t, ok)

	s, ok := reader.String(0)
	assert.True(t, ok)
	assert.Empty(t, s)
}

func TestEventStacks(t *testing.T) {
	reader := openSample(t, sampleCapture())

	var stacks []*pml.EventStack
	for stack, err := range reader.EventStacks(0) {
		require.NoError(t, err)
		stacks = append(stacks, stack.Clone())
	}
	require.Len(t, stacks, 2)

	first := stacks[0]
	assert.Equal(t, 0, first.EventIndex)
	assert.Equal(t, uint32(1200), first.Process.PID)
	assert.Equal(t, times.FileTime(132539328001234567), first.CaptureTime)
	assert.Equal(t, []libpf.Address{0xfffff80000200992, 0x7ffa00001000, 0x7ff600000010},
		first.Frames())
	assert.Equal(t, libpf.KernelFrame, libpf.KindOfAddress(first.Frames()[0]))

	second := stacks[1]
	assert.Equal(t, 3, second.EventIndex)
	assert.Equal(t, []libpf.Address{0x1234}, second.Frames())
}

func TestEventStacksReuseBuffer(t *testing.T) {
	reader := openSample(t, sampleCapture())

	var seen []*pml.EventStack
	for stack, err := range reader.EventStacks(0) {
		require.NoError(t, err)
		seen = append(seen, stack)
	}
	require.Len(t, seen, 2)
	assert.Same(t, seen[0], seen[1])
}

func TestEventStacksResume(t *testing.T) {
	reader := openSample(t, sampleCapture())

	var indexes []int
	for stack, err := range reader.EventStacks(1) {
		require.NoError(t, err)
		indexes = append(indexes, stack.EventIndex)
	}
	assert.Equal(t, []int{3}, indexes)
}

func TestEventStacksSinglePass(t *testing.T) {
	reader := openSample(t, sampleCapture())

	seq := reader.EventStacks(0)
	for _, err := range seq {
		require.NoError(t, err)
		break
	}
	for _, err := range seq {
		require.ErrorIs(t, err, pml.ErrSequenceConsumed)
	}
}

func TestEventStacksInvalidStart(t *testing.T) {
	reader := openSample(t, sampleCapture())
	for _, err := range reader.EventStacks(5) {
		require.Error(t, err)
	}
}

func TestStackTooDeep(t *testing.T) {
	b := sampleCapture()
	b.AddEvent(pmltest.Event{ProcessIndex: 7, Frames: make([]uint64, pml.MaxFrames+1)})
	reader := openSample(t, b)

	var err error
	for _, err = range reader.EventStacks(0) {
		if err != nil {
			break
		}
	}
	var formatErr *pml.FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestUnknownProcessIndex(t *testing.T) {
	b := sampleCapture()
	b.AddEvent(pmltest.Event{ProcessIndex: 42, Frames: []uint64{1}})
	reader := openSample(t, b)

	var err error
	for _, err = range reader.EventStacks(4) {
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown process index 42")
}

func TestInvalidHeaders(t *testing.T) {
	tests := map[string]struct {
		modify func(b *pmltest.Builder)
		err    error
	}{
		"signature": {modify: func(b *pmltest.Builder) { b.Signature = "PMX_" }, err: pml.ErrNotPML},
		"version":   {modify: func(b *pmltest.Builder) { b.Version = 10 }, err: pml.ErrVersion},
		"32-bit":    {modify: func(b *pmltest.Builder) { b.Is64Bit = 0 }, err: pml.Err32Bit},
		"unclean":   {modify: func(b *pmltest.Builder) { b.Unclean = true }, err: pml.ErrUncleanClose},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			b := sampleCapture()
			tc.modify(b)
			data := b.Bytes()
			_, err := pml.NewReader(bytes.NewReader(data), int64(len(data)), "broken.pml")
			require.ErrorIs(t, err, tc.err)

			var formatErr *pml.FormatError
			require.ErrorAs(t, err, &formatErr)
			assert.Equal(t, "broken.pml", formatErr.Path)
		})
	}
}

func TestTruncated(t *testing.T) {
	data := sampleCapture().Bytes()
	short := data[:len(data)-10]
	_, err := pml.NewReader(bytes.NewReader(short), int64(len(short)), "short.pml")
	require.ErrorIs(t, err, pml.ErrTruncated)

	_, err = pml.NewReader(bytes.NewReader(data[:2]), 2, "tiny.pml")
	require.ErrorIs(t, err, pml.ErrTruncated)
}

func TestOversizedCounts(t *testing.T) {
	le := binary.LittleEndian
	stringTable := func(data []byte) int { return int(le.Uint64(data[0x258:])) }
	processTable := func(data []byte) int { return int(le.Uint64(data[0x250:])) }

	tests := map[string]func(data []byte) int{
		"event count":  func([]byte) int { return 0x234 },
		"string count": stringTable,
		"string length": func(data []byte) int {
			return stringTable(data) + int(le.Uint32(data[stringTable(data)+4:]))
		},
		"process count": processTable,
		// Module count of the first process record, after the two 3-entry index arrays.
		"module count": func(data []byte) int { return processTable(data) + 4 + 3*8 + 104 },
	}

	for name, field := range tests {
		t.Run(name, func(t *testing.T) {
			data := sampleCapture().Bytes()
			le.PutUint32(data[field(data):], 0xffffffff)

			_, err := pml.NewReader(bytes.NewReader(data), int64(len(data)), "huge.pml")
			require.ErrorIs(t, err, pml.ErrTruncated)
			var formatErr *pml.FormatError
			require.ErrorAs(t, err, &formatErr)
			assert.Equal(t, "huge.pml", formatErr.Path)
		})
	}
}

func TestOpenMissing(t *testing.T) {
	_, err := pml.Open(filepath.Join(t.TempDir(), "missing.pml"))
	require.Error(t, err)
}
