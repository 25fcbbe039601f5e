// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package baked // import "github.com/pmltools/pmlbaker/baked"

import (
	"slices"
	"time"

	"github.com/grafana/regexp"

	"github.com/pmltools/pmlbaker/times"
)

// Query answers lookups over a loaded baked file.
type Query struct {
	records []EventRecord
	strings *StringTable
	debug   bool

	byTime   map[times.FileTime]int
	byModule map[string][]int
	bySymbol map[string][]int
	baked    int
}

func newQuery(records []EventRecord, strings *StringTable, debug bool) *Query {
	q := &Query{
		records:  records,
		strings:  strings,
		debug:    debug,
		byTime:   make(map[times.FileTime]int),
		byModule: make(map[string][]int),
		bySymbol: make(map[string][]int),
	}
	for i := range records {
		rec := &records[i]
		if rec.IsPlaceholder() {
			continue
		}
		q.baked++
		if _, ok := q.byTime[rec.CaptureTime]; !ok {
			q.byTime[rec.CaptureTime] = rec.Sequence
		}
		for j := range rec.Frames {
			f := &rec.Frames[j]
			if !f.Resolved() {
				continue
			}
			addSequence(q.byModule, f.Module, rec.Sequence)
			addSequence(q.bySymbol, f.Symbol, rec.Sequence)
		}
	}
	return q
}

// addSequence appends seq unless it was the last one added. Records are indexed in sequence
// order, so each list holds a sequence at most once.
func addSequence(index map[string][]int, key string, seq int) {
	list := index[key]
	if n := len(list); n > 0 && list[n-1] == seq {
		return
	}
	index[key] = append(list, seq)
}

// EventCount returns the number of events of the capture, including placeholders.
func (q *Query) EventCount() int {
	return len(q.records)
}

// BakedCount returns the number of records that are not placeholders.
func (q *Query) BakedCount() int {
	return q.baked
}

// DebugFormat reports whether the file used the debug encoding.
func (q *Query) DebugFormat() bool {
	return q.debug
}

// Strings returns the string table of a compact file. It is empty for debug files.
func (q *Query) Strings() *StringTable {
	return q.strings
}

// Records returns all records indexed by sequence. Placeholders have a zero ProcessID.
func (q *Query) Records() []EventRecord {
	return q.records
}

// RecordBySequence returns the record with sequence seq, if it was baked.
func (q *Query) RecordBySequence(seq int) (EventRecord, bool) {
	if seq < 0 || seq >= len(q.records) || q.records[seq].IsPlaceholder() {
		return EventRecord{}, false
	}
	return q.records[seq], true
}

// RecordByCaptureTime returns the first record captured exactly at t.
func (q *Query) RecordByCaptureTime(t time.Time) (EventRecord, bool) {
	seq, ok := q.byTime[times.FromTime(t)]
	if !ok {
		return EventRecord{}, false
	}
	return q.records[seq], true
}

// MatchSymbols returns the sorted sequences of records with a frame whose symbol matches re.
func (q *Query) MatchSymbols(re *regexp.Regexp) []int {
	return match(q.bySymbol, re)
}

// MatchModules returns the sorted sequences of records with a frame whose module matches re.
func (q *Query) MatchModules(re *regexp.Regexp) []int {
	return match(q.byModule, re)
}

func match(index map[string][]int, re *regexp.Regexp) []int {
	var seqs []int
	for name, list := range index {
		if re.MatchString(name) {
			seqs = append(seqs, list...)
		}
	}
	slices.Sort(seqs)
	return slices.Compact(seqs)
}
