// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package freelru is a wrapper around go-freelru.LRU with hit/miss statistics embedded.
package freelru // import "github.com/pmltools/pmlbaker/libpf/freelru"

import (
	lru "github.com/elastic/go-freelru"
)

// LRU is a wrapper around go-freelru.LRU with additional statistics embedded.
// It is not safe for concurrent use.
type LRU[K comparable, V any] struct {
	lru *lru.LRU[K, V]

	stats Statistics
}

// Statistics holds the cache counters.
type Statistics struct {
	// Number of times for a hit of a cache entry.
	Hit uint64
	// Number of times for a miss of a cache entry.
	Miss uint64
	// Number of elements that were added to the cache.
	Added uint64
	// Number of elements that were evicted to make room for new ones.
	Evicted uint64
}

func New[K comparable, V any](capacity uint32, hash lru.HashKeyCallback[K]) (*LRU[K, V], error) {
	cache, err := lru.New[K, V](capacity, hash)
	if err != nil {
		return nil, err
	}
	return &LRU[K, V]{lru: cache}, nil
}

func (c *LRU[K, V]) Add(key K, value V) (evicted bool) {
	evicted = c.lru.Add(key, value)
	if evicted {
		c.stats.Evicted++
	}
	c.stats.Added++
	return evicted
}

func (c *LRU[K, V]) Get(key K) (value V, ok bool) {
	value, ok = c.lru.Get(key)
	if ok {
		c.stats.Hit++
	} else {
		c.stats.Miss++
	}
	return value, ok
}

// Len returns the number of cached elements.
func (c *LRU[K, V]) Len() int {
	return c.lru.Len()
}

func (c *LRU[K, V]) Purge() {
	c.lru.Purge()
}

// Statistics returns a snapshot of the internal counters.
func (c *LRU[K, V]) Statistics() Statistics {
	return c.stats
}
