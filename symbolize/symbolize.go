// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package symbolize bakes a capture into a symbolicated baked file.
package symbolize // import "github.com/pmltools/pmlbaker/symbolize"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"github.com/pmltools/pmlbaker/baked"
	"github.com/pmltools/pmlbaker/libpf"
	"github.com/pmltools/pmlbaker/pmip"
	"github.com/pmltools/pmlbaker/pml"
	"github.com/pmltools/pmlbaker/stringutil"
	"github.com/pmltools/pmlbaker/symcache"
	"github.com/pmltools/pmlbaker/symfile"
)

// ErrMultipleJitGenerations is returned when more than one JIT map is given for a process.
var ErrMultipleJitGenerations = errors.New("multiple JIT map generations per process are not supported")

// symbolSuffix marks compiler generated decorations that are cut from native symbol names.
const symbolSuffix = "$##"

// tmpSuffix is appended to the baked path while the file is being written.
const tmpSuffix = ".tmp"

// Options configures a bake.
type Options struct {
	// DebugFormat selects the human readable baked encoding.
	DebugFormat bool
	// JitMapPaths lists pmip_<pid>_<generation>.txt dumps, at most one per process.
	JitMapPaths []string
	// BakedPath is the output file, DefaultBakedPath when empty. A ".zst" suffix compresses it.
	BakedPath string

	// StartAtEventIndex is the first capture event considered.
	StartAtEventIndex int
	// EventProcessCount bounds the number of baked events, zero means all.
	EventProcessCount int

	// Symbols configures each process's symbol provider.
	Symbols symcache.Config
	// NewProvider creates symbol providers, symfile.Factory when nil.
	NewProvider symcache.ProviderFactory

	// Progress is called after each baked event with the events passed and the capture total.
	Progress func(done, total int)
	// OnModuleLoad is called with a module name before its symbols load and "" afterwards.
	OnModuleLoad func(name string)
}

// Result summarizes a bake.
type Result struct {
	BakedPath string
	// EventCount is the number of events in the capture.
	EventCount int
	// Written is the number of baked events.
	Written int
	// Skipped counts stack-carrying events of pid 0, which are not baked.
	Skipped int
	// Strings is the number of interned strings.
	Strings int
	// CacheStats holds the symbol cache counters per process id.
	CacheStats map[uint32]symcache.Stats
}

// DefaultBakedPath returns the capture path with its extension replaced by baked.Extension.
func DefaultBakedPath(pmlPath string) string {
	return strings.TrimSuffix(pmlPath, filepath.Ext(pmlPath)) + baked.Extension
}

type pipeline struct {
	opts   Options
	caches map[uint32]*symcache.Cache
	frames []baked.FrameRecord

	skipped int
}

func (p *pipeline) newCache(pid uint32) (*symcache.Cache, error) {
	newProvider := p.opts.NewProvider
	if newProvider == nil {
		newProvider = symfile.Factory
	}
	provider, err := newProvider(p.opts.Symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to create symbol provider for pid %d: %w", pid, err)
	}
	cache, err := symcache.New(pid, provider, p.opts.Symbols)
	if err != nil {
		provider.Close()
		return nil, err
	}
	cache.OnModuleLoad = p.opts.OnModuleLoad
	p.caches[pid] = cache
	return cache, nil
}

func (p *pipeline) close() {
	for pid, cache := range p.caches {
		if err := cache.Close(); err != nil {
			log.Warnf("Failed to release symbol provider of pid %d: %v", pid, err)
		}
	}
}

func (p *pipeline) loadJitMaps() error {
	for _, path := range p.opts.JitMapPaths {
		pid, generation, err := pmip.ParseFilename(path)
		if err != nil {
			return err
		}
		if _, ok := p.caches[pid]; ok {
			return fmt.Errorf("%s: pid %d: %w", path, pid, ErrMultipleJitGenerations)
		}
		jitMap, err := pmip.Load(path)
		if err != nil {
			return err
		}
		cache, err := p.newCache(pid)
		if err != nil {
			return err
		}
		if err = cache.BindJitMap(jitMap); err != nil {
			return err
		}
		log.Debugf("Loaded %d JIT symbols for pid %d generation %d",
			len(jitMap.Symbols), pid, generation)
	}
	return nil
}

func (p *pipeline) symbolizeFrame(cache *symcache.Cache, proc *pml.Process,
	addr libpf.Address) (baked.FrameRecord, error) {
	kind := libpf.KindOfAddress(addr)

	if module, ok := proc.FindModule(addr); ok {
		if err := cache.EnsureModuleLoaded(module, addr); err != nil {
			return baked.FrameRecord{}, err
		}
		sym, ok, err := cache.ResolveNative(addr)
		if err != nil {
			var provErr *symcache.ProviderError
			if errors.As(err, &provErr) && provErr.ImagePath == "" {
				provErr.ImagePath = module.ImagePath
			}
			return baked.FrameRecord{}, err
		}
		if ok && sym.Name != "" {
			name := stringutil.TrimAfter(sym.Name, symbolSuffix)
			if name == "" {
				name = sym.Name
			}
			return baked.FrameRecord{
				Kind:   kind,
				Module: module.Name,
				Symbol: name,
				Offset: sym.Offset,
			}, nil
		}
		log.Debugf("No symbol for %v in %s", addr, module.Name)
	}

	if jit, ok := cache.ResolveJit(addr); ok && jit.Named() {
		return baked.FrameRecord{
			Kind:   libpf.ManagedJITFrame,
			Module: jit.AssemblyName,
			Symbol: jit.Name,
			Offset: uint64(addr - jit.Range.Base),
		}, nil
	}
	return baked.FrameRecord{Kind: kind, Address: addr}, nil
}

func (p *pipeline) run(ctx context.Context, reader *pml.Reader, w *baked.Writer) error {
	total := reader.EventCount()
	processed := 0
	for stack, err := range reader.EventStacks(p.opts.StartAtEventIndex) {
		if err != nil {
			return err
		}
		if p.opts.EventProcessCount > 0 && processed >= p.opts.EventProcessCount {
			break
		}
		if err = ctx.Err(); err != nil {
			return err
		}

		proc := stack.Process
		if proc.PID == 0 {
			log.Debugf("Skipping event %d of the idle process", stack.EventIndex)
			p.skipped++
			continue
		}
		cache, ok := p.caches[proc.PID]
		if !ok {
			if cache, err = p.newCache(proc.PID); err != nil {
				return err
			}
		}

		p.frames = p.frames[:0]
		for _, addr := range stack.Frames() {
			frame, err := p.symbolizeFrame(cache, proc, addr)
			if err != nil {
				return fmt.Errorf("event %d: %w", stack.EventIndex, err)
			}
			p.frames = append(p.frames, frame)
		}
		err = w.WriteEvent(&baked.EventRecord{
			Sequence:    stack.EventIndex,
			CaptureTime: stack.CaptureTime,
			ProcessID:   proc.PID,
			Frames:      p.frames,
		})
		if err != nil {
			return err
		}

		processed++
		if p.opts.Progress != nil {
			p.opts.Progress(stack.EventIndex+1, total)
		}
	}
	return nil
}

// Symbolicate bakes the capture at pmlPath. The baked file only replaces an existing one
// once it has been written completely.
func Symbolicate(ctx context.Context, pmlPath string, opts Options) (Result, error) {
	reader, err := pml.Open(pmlPath)
	if err != nil {
		return Result{}, err
	}
	defer reader.Close()

	p := &pipeline{
		opts:   opts,
		caches: make(map[uint32]*symcache.Cache),
		frames: make([]baked.FrameRecord, 0, pml.MaxFrames),
	}
	defer p.close()

	if err = p.loadJitMaps(); err != nil {
		return Result{}, err
	}

	bakedPath := opts.BakedPath
	if bakedPath == "" {
		bakedPath = DefaultBakedPath(pmlPath)
	}
	written, strs, err := writeBaked(ctx, p, reader, bakedPath)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		BakedPath:  bakedPath,
		EventCount: reader.EventCount(),
		Written:    written,
		Skipped:    p.skipped,
		Strings:    strs,
		CacheStats: make(map[uint32]symcache.Stats, len(p.caches)),
	}
	var hits, misses uint64
	for pid, cache := range p.caches {
		stats := cache.Stats()
		result.CacheStats[pid] = stats
		hits += stats.Native.Hit
		misses += stats.Native.Miss
	}
	log.Infof("Baked %d of %d events from %s into %s (%d pid 0 events skipped, %d strings, "+
		"%d processes, symbol cache %d hits / %d misses)", written, result.EventCount, pmlPath,
		bakedPath, p.skipped, strs, len(p.caches), hits, misses)
	return result, nil
}

// writeBaked runs the pipeline into a temporary file and promotes it to bakedPath.
func writeBaked(ctx context.Context, p *pipeline, reader *pml.Reader,
	bakedPath string) (written, strs int, err error) {
	tmpPath := bakedPath + tmpSuffix
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	var out io.Writer = f
	var enc *zstd.Encoder
	if strings.HasSuffix(bakedPath, baked.ZstdExtension) {
		if enc, err = zstd.NewWriter(f); err != nil {
			return 0, 0, err
		}
		out = enc
	}

	w, err := baked.NewWriter(out, baked.Config{
		EventCount:  reader.EventCount(),
		DebugFormat: p.opts.DebugFormat,
		SpoolDir:    filepath.Dir(bakedPath),
	})
	if err != nil {
		return 0, 0, err
	}
	defer w.Discard()

	if err = p.run(ctx, reader, w); err != nil {
		return 0, 0, err
	}
	if err = w.Close(); err != nil {
		return 0, 0, err
	}
	if enc != nil {
		if err = enc.Close(); err != nil {
			return 0, 0, err
		}
	}
	if err = f.Close(); err != nil {
		return 0, 0, err
	}

	if err = os.Remove(bakedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, 0, err
	}
	if err = os.Rename(tmpPath, bakedPath); err != nil {
		return 0, 0, err
	}
	return w.Records(), w.Strings().Len(), nil
}
