// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package baked // import "github.com/pmltools/pmlbaker/baked"

import (
	"fmt"
	"strings"
)

// ValidationError is returned when a string cannot be represented in a baked file.
type ValidationError struct {
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid baked string %q: %s", e.Value, e.Reason)
}

const forbiddenChars = "\n\r\t"

func validate(s string) error {
	if s == "" {
		return &ValidationError{Value: s, Reason: "empty"}
	}
	if strings.ContainsAny(s, forbiddenChars) {
		return &ValidationError{Value: s, Reason: "contains control characters"}
	}
	return nil
}

// StringTable interns the names referenced by compact baked files. Index 0 is reserved and
// never refers to a string.
type StringTable struct {
	strings []string
	index   map[string]uint32
}

// NewStringTable creates an empty table.
func NewStringTable() *StringTable {
	return &StringTable{
		strings: []string{""},
		index:   make(map[string]uint32),
	}
}

// Intern returns the index of s, adding it on first use.
func (t *StringTable) Intern(s string) (uint32, error) {
	if idx, ok := t.index[s]; ok {
		return idx, nil
	}
	if err := validate(s); err != nil {
		return 0, err
	}
	idx := uint32(len(t.strings))
	t.strings = append(t.strings, s)
	t.index[s] = idx
	return idx, nil
}

// Lookup returns the string at idx.
func (t *StringTable) Lookup(idx uint32) (string, bool) {
	if idx == 0 || idx >= uint32(len(t.strings)) {
		return "", false
	}
	return t.strings[idx], true
}

// Len returns the number of interned strings.
func (t *StringTable) Len() int {
	return len(t.strings) - 1
}

// set stores s at idx while loading a file.
func (t *StringTable) set(idx uint32, s string) error {
	if idx == 0 {
		return fmt.Errorf("string index 0 is reserved")
	}
	if err := validate(s); err != nil {
		return err
	}
	for uint32(len(t.strings)) <= idx {
		t.strings = append(t.strings, "")
	}
	if t.strings[idx] != "" {
		return fmt.Errorf("duplicate string index 0x%x", idx)
	}
	t.strings[idx] = s
	t.index[s] = idx
	return nil
}
