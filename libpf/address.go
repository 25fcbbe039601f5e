// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "github.com/pmltools/pmlbaker/libpf"

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/xxh3"
)

// Address represents a 64-bit address within a captured process.
type Address uint64

// kernelAddressBit is set for every address in kernel space.
const kernelAddressBit = Address(1) << 63

// IsKernel reports whether the address lies in the upper (kernel) half of the address space.
func (adr Address) IsKernel() bool {
	return adr&kernelAddressBit != 0
}

// Hash32 returns a 32 bits hash of the input.
// It's main purpose is to be used as key for caching.
func (adr Address) Hash32() uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(adr))
	return uint32(xxh3.Hash(buf[:]))
}

// String implements the Stringer interface.
func (adr Address) String() string {
	return fmt.Sprintf("0x%x", uint64(adr))
}
