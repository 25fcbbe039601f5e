// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package readatbuf adds page caching to types that implement the `ReaderAt` interface.
//
// The trace reader performs many small reads (a few bytes of header per event, a frame array,
// an offset table entry) at scattered positions of the capture; the cache turns these into
// page-sized reads of the underlying file.
package readatbuf // import "github.com/pmltools/pmlbaker/libpf/readatbuf"

import (
	"errors"
	"fmt"
	"io"

	lru "github.com/elastic/go-freelru"

	"github.com/pmltools/pmlbaker/libpf"
)

// page represents a cached region from the underlying reader.
type page struct {
	// data contains the data cached from a previous read.
	data []byte
	// eof determines whether we encountered an EOF when reading the page originally.
	eof bool
}

// Statistics contains statistics about cache efficiency.
type Statistics struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Reader implements buffering for random access reads via the `ReaderAt` interface.
type Reader struct {
	inner    io.ReaderAt
	cache    *lru.LRU[uint64, page]
	pageSize uint64
	stats    Statistics
	// spare is a page buffer recycled from the last eviction.
	spare []byte
}

func hashPageIndex(idx uint64) uint32 {
	return libpf.Address(idx).Hash32()
}

// New creates a new buffered reader supporting random access. The pageSize argument decides the
// size of each region (page) tracked in the cache. cacheSize defines the maximum number of pages
// to cache.
func New(inner io.ReaderAt, pageSize, cacheSize uint) (*Reader, error) {
	if pageSize == 0 {
		return nil, errors.New("pageSize cannot be zero")
	}
	if cacheSize == 0 {
		return nil, errors.New("cacheSize cannot be zero")
	}

	cache, err := lru.New[uint64, page](uint32(cacheSize), hashPageIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to create internal cache: %w", err)
	}
	reader := &Reader{
		inner:    inner,
		cache:    cache,
		pageSize: uint64(pageSize),
	}
	cache.SetOnEvict(func(_ uint64, evicted page) {
		reader.stats.Evictions++
		// EOF pages may have been truncated, but all of them were allocated with page size.
		reader.spare = evicted.data[:reader.pageSize]
	})
	return reader, nil
}

// Statistics returns statistics about cache efficiency.
func (reader *Reader) Statistics() Statistics {
	return reader.stats
}

// ReadAt implements the `ReaderAt` interface.
func (reader *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset value %d given", off)
	}

	// Large reads bypass the cache so that a single one can't trash it.
	if uint64(len(p)) > reader.pageSize*3/2 {
		return reader.inner.ReadAt(p, off)
	}

	written := uint64(0)
	remaining := uint64(len(p))
	skip := uint64(off) % reader.pageSize
	pageIdx := uint64(off) / reader.pageSize

	for remaining > 0 {
		data, eof, err := reader.getOrReadPage(pageIdx)
		if err != nil {
			return int(written), err
		}
		if skip >= uint64(len(data)) {
			return int(written), io.EOF
		}

		n := min(remaining, uint64(len(data))-skip)
		copy(p[written:written+n], data[skip:skip+n])

		skip = 0
		pageIdx++
		written += n
		remaining -= n

		if eof && remaining > 0 {
			return int(written), io.EOF
		}
	}

	return int(written), nil
}

func (reader *Reader) getOrReadPage(pageIdx uint64) (data []byte, eof bool, err error) {
	if cached, ok := reader.cache.Get(pageIdx); ok {
		reader.stats.Hits++
		return cached.data, cached.eof, nil
	}
	reader.stats.Misses++

	buffer := reader.spare
	reader.spare = nil
	if buffer == nil {
		buffer = make([]byte, reader.pageSize)
	}

	n, err := reader.inner.ReadAt(buffer, int64(pageIdx*reader.pageSize))
	if err != nil {
		// We speculatively read more than the caller asked for, so EOF is expected here.
		if !errors.Is(err, io.EOF) {
			return nil, false, err
		}
		buffer = buffer[:n]
		eof = true
	}
	if !eof && uint64(n) < reader.pageSize {
		return nil, false, errors.New("failed to read whole page")
	}

	reader.cache.Add(pageIdx, page{data: buffer, eof: eof})
	return buffer, eof, nil
}
