// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package baked

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grafana/regexp"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmltools/pmlbaker/libpf"
	"github.com/pmltools/pmlbaker/times"
)

func TestStringTable(t *testing.T) {
	st := NewStringTable()
	assert.Equal(t, 0, st.Len())

	a, err := st.Intern("ntdll.dll")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a)
	b, err := st.Intern("NtCreateFile")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), b)

	again, err := st.Intern("ntdll.dll")
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.Equal(t, 2, st.Len())

	s, ok := st.Lookup(b)
	require.True(t, ok)
	assert.Equal(t, "NtCreateFile", s)
	_, ok = st.Lookup(0)
	assert.False(t, ok)
	_, ok = st.Lookup(3)
	assert.False(t, ok)

	for _, bad := range []string{"", "a\nb", "a\rb", "a\tb"} {
		_, err := st.Intern(bad)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr, "%q", bad)
	}
	assert.Equal(t, 2, st.Len())
}

func sampleRecords() []EventRecord {
	return []EventRecord{
		{
			Sequence:    1,
			CaptureTime: 132539328001234567,
			ProcessID:   1200,
			Frames: []FrameRecord{
				{Kind: libpf.KernelFrame, Module: "FLTMGR.SYS", Symbol: "FltGetFileNameInformation", Offset: 0x1a},
				{Kind: libpf.KernelFrame, Address: 0xfffff80000001234},
				{Kind: libpf.UserFrame, Module: "ntdll.dll", Symbol: "NtCreateFile", Offset: 4},
				{Kind: libpf.ManagedJITFrame, Module: "mscorlib", Symbol: "System.Collections.Generic.List`1.Add(T)", Offset: 0x10},
				{Kind: libpf.UserFrame, Module: "ntdll.dll", Symbol: "NtCreateFile", Offset: 8},
			},
		},
		{
			Sequence:    3,
			CaptureTime: 132539328011234567,
			ProcessID:   4,
			Frames: []FrameRecord{
				{Kind: libpf.UserFrame, Address: 0x7ff612340000},
			},
		},
	}
}

func bake(t *testing.T, cfg Config, records []EventRecord) string {
	t.Helper()
	var buf bytes.Buffer
	cfg.SpoolDir = t.TempDir()
	w, err := NewWriter(&buf, cfg)
	require.NoError(t, err)
	for i := range records {
		require.NoError(t, w.WriteEvent(&records[i]))
	}
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(cfg.SpoolDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spool not removed")
	return buf.String()
}

func TestWriterCompact(t *testing.T) {
	out := bake(t, Config{EventCount: 3}, []EventRecord{{
		Sequence:    0,
		CaptureTime: 0x10,
		ProcessID:   1200,
		Frames: []FrameRecord{
			{Kind: libpf.KernelFrame, Address: 0xfffff80000001234},
			{Kind: libpf.UserFrame, Module: "ntdll.dll", Symbol: "NtCreateFile", Offset: 4},
			{Kind: libpf.UserFrame, Module: "ntdll.dll", Symbol: "NtClose", Offset: 0x20},
		},
	}})
	assert.Equal(t, `[Config]
EventCount=3
RecordCount=1
[Events]
0:10;4b0;K,fffff80000001234;U,1,2,4;U,1,3,20
[Strings]
1:ntdll.dll
2:NtCreateFile
3:NtClose
`, out)
}

func TestWriterDebug(t *testing.T) {
	ft := times.FileTime(132539328001234567)
	out := bake(t, Config{EventCount: 1, DebugFormat: true}, []EventRecord{{
		Sequence:    0,
		CaptureTime: ft,
		ProcessID:   1200,
		Frames: []FrameRecord{
			{Kind: libpf.KernelFrame, Module: "FLTMGR.SYS", Symbol: "FltGetFileNameInformation", Offset: 0x1a},
			{Kind: libpf.UserFrame, Address: 0x7ff612340000},
		},
	}})
	assert.True(t, strings.HasPrefix(out, "#\n# EventCount = 1\n"))
	assert.Contains(t, out, "[Config]\nEventCount=1\nRecordCount=1\nDebugFormat=true\n[Events]\n")
	assert.Contains(t, out, "0:"+ft.String()+";1200;K [FLTMGR.SYS] FltGetFileNameInformation + 0x1a;U 0x7ff612340000\n")
	assert.NotContains(t, out, sectionStrings)
}

func TestWriterErrors(t *testing.T) {
	newWriter := func(t *testing.T, debug bool) *Writer {
		w, err := NewWriter(&bytes.Buffer{}, Config{EventCount: 4, DebugFormat: debug, SpoolDir: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(w.Discard)
		return w
	}
	resolved := func(module, symbol string) *EventRecord {
		return &EventRecord{Sequence: 0, ProcessID: 1, Frames: []FrameRecord{
			{Kind: libpf.UserFrame, Module: module, Symbol: symbol},
		}}
	}

	t.Run("ordering", func(t *testing.T) {
		w := newWriter(t, false)
		require.NoError(t, w.WriteEvent(&EventRecord{Sequence: 2, ProcessID: 1}))
		require.Error(t, w.WriteEvent(&EventRecord{Sequence: 2, ProcessID: 1}))
		require.Error(t, w.WriteEvent(&EventRecord{Sequence: 1, ProcessID: 1}))
		require.Error(t, w.WriteEvent(&EventRecord{Sequence: 4, ProcessID: 1}))
		require.Error(t, w.WriteEvent(&EventRecord{Sequence: 3}))
		assert.Equal(t, 1, w.Records())
	})

	for name, debug := range map[string]bool{"compact": false, "debug": true} {
		t.Run(name, func(t *testing.T) {
			var verr *ValidationError
			require.ErrorAs(t, newWriter(t, debug).WriteEvent(resolved("a\tb", "sym")), &verr)
			require.ErrorAs(t, newWriter(t, debug).WriteEvent(resolved("", "sym")), &verr)
			require.ErrorAs(t, newWriter(t, debug).WriteEvent(resolved("mod", "x\ny")), &verr)
		})
	}

	t.Run("debug separators", func(t *testing.T) {
		var verr *ValidationError
		require.ErrorAs(t, newWriter(t, true).WriteEvent(resolved("a;b", "sym")), &verr)
		require.ErrorAs(t, newWriter(t, true).WriteEvent(resolved("a]", "sym")), &verr)
		require.ErrorAs(t, newWriter(t, true).WriteEvent(resolved("mod", "f;g")), &verr)
		require.NoError(t, newWriter(t, false).WriteEvent(resolved("a]", "f;g")))
	})

	t.Run("closed", func(t *testing.T) {
		w := newWriter(t, false)
		require.NoError(t, w.Close())
		require.Error(t, w.WriteEvent(&EventRecord{Sequence: 0, ProcessID: 1}))
	})
}

func TestRoundTrip(t *testing.T) {
	for name, debug := range map[string]bool{"compact": false, "debug": true} {
		t.Run(name, func(t *testing.T) {
			want := sampleRecords()
			out := bake(t, Config{EventCount: 5, DebugFormat: debug}, want)

			q, err := Parse(strings.NewReader(out), "sample.pmlbaked")
			require.NoError(t, err)
			assert.Equal(t, debug, q.DebugFormat())
			assert.Equal(t, 5, q.EventCount())
			assert.Equal(t, 2, q.BakedCount())

			records := q.Records()
			require.Len(t, records, 5)
			for _, seq := range []int{0, 2, 4} {
				assert.True(t, records[seq].IsPlaceholder())
				assert.Equal(t, seq, records[seq].Sequence)
				_, ok := q.RecordBySequence(seq)
				assert.False(t, ok)
			}
			for _, rec := range want {
				got, ok := q.RecordBySequence(rec.Sequence)
				require.True(t, ok)
				assert.Equal(t, rec, got)
			}

			frame := records[1].Frames[0]
			assert.Equal(t, libpf.KernelFrame, frame.Kind)
			assert.Equal(t, "FLTMGR.SYS", frame.Module)
			assert.Equal(t, "FltGetFileNameInformation", frame.Symbol)

			got, ok := q.RecordByCaptureTime(times.FileTime(132539328011234567).Time())
			require.True(t, ok)
			assert.Equal(t, 3, got.Sequence)
			_, ok = q.RecordByCaptureTime(times.FileTime(132539328011234568).Time())
			assert.False(t, ok)

			assert.Equal(t, []int{1}, q.MatchSymbols(regexp.MustCompile("`")))
			assert.Equal(t, []int{1}, q.MatchSymbols(regexp.MustCompile("^Nt")))
			assert.Equal(t, []int{1}, q.MatchModules(regexp.MustCompile(`(?i)\.dll$|\.sys$`)))
			assert.Empty(t, q.MatchModules(regexp.MustCompile("kernel32")))
		})
	}
}

func TestMatchAcrossRecords(t *testing.T) {
	var records []EventRecord
	for seq := range 6 {
		records = append(records, EventRecord{
			Sequence:    seq,
			CaptureTime: times.FileTime(1000 + seq),
			ProcessID:   1,
			Frames: []FrameRecord{
				{Kind: libpf.UserFrame, Module: "a.dll", Symbol: "f", Offset: uint64(seq)},
				{Kind: libpf.UserFrame, Module: "a.dll", Symbol: "f", Offset: 1},
			},
		})
	}
	records[2].Frames[1].Symbol = "g"
	records[4].Frames[1].Module = "b.dll"

	q, err := Parse(strings.NewReader(bake(t, Config{EventCount: 6}, records)), "m")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, q.MatchSymbols(regexp.MustCompile("^[fg]$")))
	assert.Equal(t, []int{2}, q.MatchSymbols(regexp.MustCompile("^g$")))
	assert.Equal(t, []int{4}, q.MatchModules(regexp.MustCompile("^b")))
	assert.Equal(t, 4, q.Strings().Len())
}

func TestParseTolerance(t *testing.T) {
	q, err := Parse(strings.NewReader(`# leading comment

[Config]
  EventCount=2
[Events]
# comment between events
1:a;1;U,1,2,0

[Strings]
1:mod
2: sym with spaces
`), "tolerant")
	require.NoError(t, err)
	rec, ok := q.RecordBySequence(1)
	require.True(t, ok)
	assert.Equal(t, " sym with spaces", rec.Frames[0].Symbol)
	assert.Equal(t, times.FileTime(10), rec.CaptureTime)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]struct {
		input string
		line  int
		err   error
	}{
		"unknown config": {
			input: "[Config]\nEventCount=1\nCompression=lz4\n",
			line:  3,
			err:   ErrUnsupportedConfig,
		},
		"missing event count": {
			input: "[Config]\n[Events]\n",
			line:  2,
		},
		"no config": {
			input: "# nothing\n",
		},
		"data outside section": {
			input: "EventCount=1\n",
			line:  1,
		},
		"sequence beyond count": {
			input: "[Config]\nEventCount=1\n[Events]\n1:a;1\n",
			line:  4,
		},
		"sequence not increasing": {
			input: "[Config]\nEventCount=3\n[Events]\n1:a;1\n1:a;1\n",
			line:  5,
		},
		"zero pid": {
			input: "[Config]\nEventCount=1\n[Events]\n0:a;0\n",
			line:  4,
		},
		"bad frame kind": {
			input: "[Config]\nEventCount=1\n[Events]\n0:a;1;X,10\n",
			line:  4,
		},
		"bad frame arity": {
			input: "[Config]\nEventCount=1\n[Events]\n0:a;1;U,1,2\n",
			line:  4,
		},
		"bad debug frame": {
			input: "[Config]\nEventCount=1\nDebugFormat=true\n[Events]\n0:2021-01-01T00:00:00.0000000Z;1;U [mod] sym\n",
			line:  5,
		},
		"duplicate event count": {
			input: "[Config]\nEventCount=2\n[Events]\n0:a;1\n[Config]\nEventCount=2\n",
			line:  6,
		},
		"duplicate debug format": {
			input: "[Config]\nEventCount=1\nDebugFormat=false\nDebugFormat=true\n",
			line:  4,
		},
		"record count mismatch": {
			input: "[Config]\nEventCount=3\nRecordCount=2\n[Events]\n0:a;1\n",
		},
		"unknown string": {
			input: "[Config]\nEventCount=1\n[Events]\n0:a;1;U,1,2,0\n[Strings]\n1:mod\n",
			line:  4,
		},
		"reserved string index": {
			input: "[Config]\nEventCount=1\n[Events]\n[Strings]\n0:x\n",
			line:  5,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.input), "bad.pmlbaked")
			var ferr *FormatError
			require.ErrorAs(t, err, &ferr)
			assert.Equal(t, "bad.pmlbaked", ferr.Path)
			assert.Equal(t, tc.line, ferr.Line)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	out := bake(t, Config{EventCount: 5}, sampleRecords())
	dir := t.TempDir()

	plain := filepath.Join(dir, "capture"+Extension)
	require.NoError(t, os.WriteFile(plain, []byte(out), 0o644))

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	require.NoError(t, err)
	_, err = enc.Write([]byte(out))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	zst := plain + ZstdExtension
	require.NoError(t, os.WriteFile(zst, compressed.Bytes(), 0o644))

	for _, path := range []string{plain, zst} {
		q, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 2, q.BakedCount())
	}

	_, err = Load(filepath.Join(dir, "missing"+Extension))
	require.ErrorIs(t, err, os.ErrNotExist)
}
