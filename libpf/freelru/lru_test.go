// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package freelru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmltools/pmlbaker/libpf"
)

func TestStatistics(t *testing.T) {
	cache, err := New[libpf.Address, string](2, libpf.Address.Hash32)
	require.NoError(t, err)

	_, ok := cache.Get(0x1000)
	assert.False(t, ok)

	cache.Add(0x1000, "a")
	cache.Add(0x2000, "b")
	v, ok := cache.Get(0x1000)
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	assert.True(t, cache.Add(0x3000, "c"))
	assert.Equal(t, 2, cache.Len())

	assert.Equal(t, Statistics{Hit: 1, Miss: 1, Added: 3, Evicted: 1}, cache.Statistics())

	cache.Purge()
	assert.Equal(t, 0, cache.Len())
}
