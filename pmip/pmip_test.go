// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pmip

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmltools/pmlbaker/libpf"
)

const sampleDump = `UnityMixedCallstacks:1.0
000001D2A0030000;000001D2A00300A0;[UnityEngine.CoreModule] UnityEngine.Object:Instantiate<T> (T,UnityEngine.Transform)
000001D2A0010000;000001D2A0010040;[mscorlib] System.Collections.Generic.List` + "`" + `1<T>:Add (T)
000001D2A0020000;000001D2A0020010;
000001D2A0020010;000001D2A0020100;[Assembly-CSharp] Game/Player:Update ()
`

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleDump), "pmip_1200_1.txt")
	require.NoError(t, err)
	require.Len(t, m.Symbols, 4)

	// Sorted by base.
	for i := 1; i < len(m.Symbols); i++ {
		assert.Less(t, m.Symbols[i-1].Range.Base, m.Symbols[i].Range.Base)
	}

	list := m.Symbols[0]
	assert.Equal(t, libpf.Address(0x1D2A0010000), list.Range.Base)
	assert.Equal(t, uint32(0x40), list.Range.Size)
	assert.Equal(t, "mscorlib", list.AssemblyName)
	assert.Equal(t, "System.Collections.Generic.List`1<T>.Add(T)", list.Name)

	unnamed := m.Symbols[1]
	assert.False(t, unnamed.Named())
	assert.Empty(t, unnamed.AssemblyName)
	assert.Equal(t, uint32(0x10), unnamed.Range.Size)

	assert.Equal(t, "Game.Player.Update()", m.Symbols[2].Name)
	assert.Equal(t, "UnityEngine.Object.Instantiate<T>(T, UnityEngine.Transform)",
		m.Symbols[3].Name)
}

func TestFindEverySymbol(t *testing.T) {
	m, err := Parse(strings.NewReader(sampleDump), "pmip_1200_1.txt")
	require.NoError(t, err)

	for _, sym := range m.Symbols {
		r := sym.Range
		for _, addr := range []libpf.Address{r.Base, r.Base + libpf.Address(r.Size/2), r.End() - 1} {
			found, ok := m.Find(addr)
			require.True(t, ok, "address %v", addr)
			assert.Same(t, sym, found)
		}
	}

	_, ok := m.Find(m.Symbols[0].Range.Base - 1)
	assert.False(t, ok)
	_, ok = m.Find(m.Symbols[len(m.Symbols)-1].Range.End())
	assert.False(t, ok)
	// Gap between the List and unnamed entries.
	_, ok = m.Find(0x1D2A0010040)
	assert.False(t, ok)
}

func TestParseErrors(t *testing.T) {
	tests := map[string]struct {
		input string
		line  int
	}{
		"empty":       {input: "", line: 1},
		"bad header":  {input: "UnityMixedCallstacks:2.0\n", line: 1},
		"short addr":  {input: Header + "\n1D2A0010000;000001D2A0010040;\n", line: 2},
		"no brackets": {input: Header + "\n000001D2A0010000;000001D2A0010040;junk\n", line: 2},
		"end < start": {input: Header + "\n000001D2A0010040;000001D2A0010000;\n", line: 2},
		"third line": {
			input: Header + "\n000001D2A0010000;000001D2A0010040;\n000001D2A00;\n",
			line:  3,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.input), "pmip_1_1.txt")
			var formatErr *FormatError
			require.ErrorAs(t, err, &formatErr)
			assert.Equal(t, tc.line, formatErr.Line)
			assert.Equal(t, "pmip_1_1.txt", formatErr.Path)
		})
	}
}

func TestParseCRLF(t *testing.T) {
	input := strings.ReplaceAll(sampleDump, "\n", "\r\n")
	m, err := Parse(strings.NewReader(input), "pmip_1200_1.txt")
	require.NoError(t, err)
	assert.Equal(t, "Game.Player.Update()", m.Symbols[2].Name)
}

func TestParseFilename(t *testing.T) {
	tests := map[string]struct {
		path       string
		pid        uint32
		generation uint32
		fail       bool
	}{
		"plain":       {path: "pmip_1200_1.txt", pid: 1200, generation: 1},
		"directory":   {path: filepath.Join("tmp", "pmip_42_7.txt"), pid: 42, generation: 7},
		"windows dir": {path: `C:\Temp\PMIP_9_3.TXT`, pid: 9, generation: 3},
		"no gen":      {path: "pmip_1200.txt", fail: true},
		"extension":   {path: "pmip_1200_1.log", fail: true},
		"prefix":      {path: "xpmip_1200_1.txt", fail: true},
		"overflow":    {path: "pmip_99999999999_1.txt", fail: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			pid, generation, err := ParseFilename(tc.path)
			if tc.fail {
				require.ErrorIs(t, err, ErrFilename)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.pid, pid)
			assert.Equal(t, tc.generation, generation)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmip_1200_1.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleDump), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, m.Symbols, 4)
	assert.False(t, m.Timestamp.IsZero())

	_, err = Load(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
