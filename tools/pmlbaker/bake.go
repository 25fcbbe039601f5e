// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pmltools/pmlbaker/bakestore"
	"github.com/pmltools/pmlbaker/periodiccaller"
	"github.com/pmltools/pmlbaker/pmip"
	"github.com/pmltools/pmlbaker/symbolize"
	"github.com/pmltools/pmlbaker/symcache"
)

// progressInterval is the period of progress reports while baking.
const progressInterval = 2 * time.Second

// stringList is a flag that can be given multiple times.
type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type bakeCmd struct {
	store storeFlags

	// User-specified command line arguments.
	debugFormat         bool
	out                 string
	jitMaps             stringList
	symbolPath          string
	noDefaultSymbolPath bool
	cacheSize           uint
	startAt             int
	count               int
	jobs                int
	archive             bool
}

func newBakeCmd() *ffcli.Command {
	cmd := bakeCmd{}
	set := newFlagSet("bake")
	set.BoolVar(&cmd.debugFormat, "debug-format", false,
		"Write names and times inline instead of the compact string table encoding")
	set.StringVar(&cmd.out, "out", "",
		"Output path, defaults to the capture with the .pmlbaked extension. "+
			"A .zst suffix compresses the output")
	set.Var(&cmd.jitMaps, "jit-map", "A pmip_<pid>_<generation>.txt JIT map (repeatable)")
	set.StringVar(&cmd.symbolPath, "symbol-path", "",
		"List of directories holding .sym listings, separated by the OS path list separator")
	set.BoolVar(&cmd.noDefaultSymbolPath, "no-default-symbol-path", false,
		"Do not look for listings next to the captured images")
	set.UintVar(&cmd.cacheSize, "symbol-cache-size", symcache.DefaultCacheSize,
		"Memoized native lookups per process")
	set.IntVar(&cmd.startAt, "start", 0, "Index of the first capture event to bake")
	set.IntVar(&cmd.count, "count", 0, "Maximum number of events to bake, 0 for all")
	set.IntVar(&cmd.jobs, "jobs", 2, "Number of captures baked concurrently")
	set.BoolVar(&cmd.archive, "archive", false, "Insert the baked files into the local archive")
	cmd.store.register(set)

	return &ffcli.Command{
		Name:       "bake",
		ShortUsage: "bake [flags] <capture.pml>... [pmip_<pid>_<generation>.txt...]",
		ShortHelp:  "Symbolicate captures into baked files",
		FlagSet:    set,
		Options:    ffOptions(),
		Exec:       cmd.exec,
	}
}

func (cmd *bakeCmd) exec(ctx context.Context, args []string) error {
	var captures []string
	jitMaps := append([]string(nil), cmd.jitMaps...)
	for _, arg := range args {
		if _, _, err := pmip.ParseFilename(arg); err == nil {
			jitMaps = append(jitMaps, arg)
		} else {
			captures = append(captures, arg)
		}
	}
	if len(captures) == 0 {
		return errors.New("no capture given")
	}
	if len(captures) > 1 && (len(jitMaps) != 0 || cmd.out != "") {
		return errors.New("JIT maps and -out require a single capture")
	}

	var store *bakestore.Store
	if cmd.archive {
		var err error
		if store, err = cmd.store.open(ctx); err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cmd.jobs, 1))
	for _, capture := range captures {
		g.Go(func() error {
			return cmd.bake(ctx, capture, jitMaps, store)
		})
	}
	return g.Wait()
}

func (cmd *bakeCmd) options(jitMaps []string) symbolize.Options {
	var symbolPath []string
	if cmd.symbolPath != "" {
		symbolPath = filepath.SplitList(cmd.symbolPath)
	}
	return symbolize.Options{
		DebugFormat:       cmd.debugFormat,
		JitMapPaths:       jitMaps,
		BakedPath:         cmd.out,
		StartAtEventIndex: cmd.startAt,
		EventProcessCount: cmd.count,
		Symbols: symcache.Config{
			SymbolPath:          symbolPath,
			NoDefaultSymbolPath: cmd.noDefaultSymbolPath,
			CacheSize:           uint32(min(cmd.cacheSize, 1<<31)),
		},
	}
}

// progress tracks one bake for the periodic progress log.
type progress struct {
	name        string
	done, total atomic.Int64
	loading     atomic.Pointer[string]
	// slowLoad is set once a module load has been reported as still running.
	slowLoad atomic.Bool
	// slowLoadDone fires when such a load finishes, so progress is reported right away.
	slowLoadDone chan bool
}

func newProgress(name string) *progress {
	return &progress{name: name, slowLoadDone: make(chan bool, 1)}
}

func (p *progress) update(done, total int) {
	p.done.Store(int64(done))
	p.total.Store(int64(total))
}

func (p *progress) moduleLoad(module string) {
	p.loading.Store(&module)
	if module == "" && p.slowLoad.Swap(false) {
		select {
		case p.slowLoadDone <- true:
		default:
		}
	}
}

func (p *progress) report(loadFinished bool) {
	if !loadFinished {
		if module := p.loading.Load(); module != nil && *module != "" {
			p.slowLoad.Store(true)
			log.Infof("%s: still loading symbols for %s", p.name, *module)
		}
	}
	if t := p.total.Load(); t > 0 {
		d := p.done.Load()
		log.Infof("%s: %d%% (%s/%s events)", p.name, d*100/t,
			humanize.Comma(d), humanize.Comma(t))
	}
}

func (cmd *bakeCmd) bake(ctx context.Context, capture string, jitMaps []string,
	store *bakestore.Store) error {
	prog := newProgress(filepath.Base(capture))
	opts := cmd.options(jitMaps)
	opts.Progress = prog.update
	opts.OnModuleLoad = prog.moduleLoad

	stop := periodiccaller.StartWithManualTrigger(ctx, progressInterval, prog.slowLoadDone,
		prog.report)
	start := time.Now()
	result, err := symbolize.Symbolicate(ctx, capture, opts)
	stop()
	if err != nil {
		return fmt.Errorf("failed to bake %s: %w", capture, err)
	}

	var size uint64
	if info, err := os.Stat(result.BakedPath); err == nil {
		size = uint64(info.Size())
	}
	log.Infof("Wrote %s of %s events (%s) to %s in %v", humanize.Comma(int64(result.Written)),
		humanize.Comma(int64(result.EventCount)), humanize.Bytes(size), result.BakedPath,
		time.Since(start).Round(time.Millisecond))

	if store == nil {
		return nil
	}
	id, isNew, err := store.Insert(result.BakedPath)
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", result.BakedPath, err)
	}
	if isNew {
		log.Infof("Archived %s as %s", result.BakedPath, id)
	} else {
		log.Infof("%s was already archived as %s", result.BakedPath, id)
	}
	return nil
}
