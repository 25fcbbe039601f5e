// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package bakestore // import "github.com/pmltools/pmlbaker/bakestore"

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"
)

// ID identifies a baked file in a Store by the XXH3-128 hash of its uncompressed content.
type ID struct {
	hash [16]byte
}

// String implements the fmt.Stringer interface.
func (id ID) String() string {
	return hex.EncodeToString(id.hash[:])
}

// IDFromString parses a string into an ID.
func IDFromString(s string) (ID, error) {
	if len(s) != 32 {
		return ID{}, fmt.Errorf("length %d doesn't match expected value (32)", len(s))
	}
	slice, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("failed to parse id: %w", err)
	}
	var id ID
	copy(id.hash[:], slice)
	return id, nil
}

// calculateID hashes everything read from reader.
func calculateID(reader io.Reader) (ID, error) {
	hasher := xxh3.New()
	if _, err := io.Copy(hasher, reader); err != nil {
		return ID{}, fmt.Errorf("failed to read content: %w", err)
	}
	sum := hasher.Sum128()

	var id ID
	binary.BigEndian.PutUint64(id.hash[:8], sum.Hi)
	binary.BigEndian.PutUint64(id.hash[8:], sum.Lo)
	return id, nil
}
