// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times converts the Windows FILETIME timestamps found in captures.
package times // import "github.com/pmltools/pmlbaker/times"

import (
	"time"
)

// FileTime counts 100 nanosecond intervals since 1601-01-01 UTC.
type FileTime int64

const (
	// unixEpoch is 1970-01-01 UTC expressed as FileTime.
	unixEpoch      FileTime = 116444736000000000
	ticksPerSecond          = 10_000_000
	nanosPerTick            = 100
)

// TextLayout formats a FileTime in local time without losing precision.
const TextLayout = "2006-01-02T15:04:05.0000000Z07:00"

// Time converts the timestamp into a Go time object.
func (ft FileTime) Time() time.Time {
	rel := int64(ft - unixEpoch)
	return time.Unix(rel/ticksPerSecond, (rel%ticksPerSecond)*nanosPerTick)
}

// String formats the timestamp in local time using TextLayout.
func (ft FileTime) String() string {
	return ft.Time().Local().Format(TextLayout)
}

// FromTime converts t, truncated to 100ns precision.
func FromTime(t time.Time) FileTime {
	return unixEpoch + FileTime(t.Unix()*ticksPerSecond+int64(t.Nanosecond()/nanosPerTick))
}

// Parse is the inverse of FileTime.String.
func Parse(s string) (FileTime, error) {
	t, err := time.Parse(TextLayout, s)
	if err != nil {
		return 0, err
	}
	return FromTime(t), nil
}
