// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/grafana/regexp"
	"github.com/olekukonko/tablewriter"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/pmltools/pmlbaker/baked"
	"github.com/pmltools/pmlbaker/bakestore"
	"github.com/pmltools/pmlbaker/times"
)

type queryCmd struct {
	store storeFlags

	// User-specified command line arguments.
	id     string
	seq    int
	time   string
	symbol string
	module string
	limit  int
}

func newQueryCmd() *ffcli.Command {
	cmd := queryCmd{}
	set := newFlagSet("query")
	set.StringVar(&cmd.id, "id", "", "Query an archived baked file instead of a path")
	set.IntVar(&cmd.seq, "seq", -1, "Print the event with this sequence number")
	set.StringVar(&cmd.time, "time", "",
		"Print the event captured at this time ("+times.TextLayout+" or RFC 3339)")
	set.StringVar(&cmd.symbol, "symbol", "", "List events with a symbol matching this regex")
	set.StringVar(&cmd.module, "module", "", "List events with a module matching this regex")
	set.IntVar(&cmd.limit, "limit", 50, "Maximum number of listed events, 0 for all")
	cmd.store.register(set)

	return &ffcli.Command{
		Name:       "query",
		ShortUsage: "query [flags] [<file.pmlbaked>]",
		ShortHelp:  "Look up events in a baked file",
		FlagSet:    set,
		Options:    ffOptions(),
		Exec:       cmd.exec,
	}
}

func (cmd *queryCmd) load(ctx context.Context, args []string) (*baked.Query, error) {
	switch {
	case cmd.id != "" && len(args) == 0:
		id, err := bakestore.IDFromString(cmd.id)
		if err != nil {
			return nil, err
		}
		store, err := cmd.store.open(ctx)
		if err != nil {
			return nil, err
		}
		return store.Query(ctx, id)
	case cmd.id == "" && len(args) == 1:
		return baked.Load(args[0])
	default:
		return nil, errors.New("please pass either a baked file or `-id` (but not both)")
	}
}

func (cmd *queryCmd) exec(ctx context.Context, args []string) error {
	q, err := cmd.load(ctx, args)
	if err != nil {
		return err
	}
	out := os.Stdout

	switch {
	case cmd.seq >= 0:
		rec, ok := q.RecordBySequence(cmd.seq)
		if !ok {
			return fmt.Errorf("no event with sequence %d", cmd.seq)
		}
		printRecord(out, &rec)
	case cmd.time != "":
		t, err := parseTime(cmd.time)
		if err != nil {
			return err
		}
		rec, ok := q.RecordByCaptureTime(t)
		if !ok {
			return fmt.Errorf("no event captured at %s", cmd.time)
		}
		printRecord(out, &rec)
	case cmd.symbol != "" || cmd.module != "":
		seqs, err := cmd.match(q)
		if err != nil {
			return err
		}
		printMatches(out, q, seqs, cmd.limit)
	default:
		printSummary(out, q)
	}
	return nil
}

// match intersects the symbol and module matches of the given patterns.
func (cmd *queryCmd) match(q *baked.Query) ([]int, error) {
	var result []int
	if cmd.symbol != "" {
		re, err := regexp.Compile(cmd.symbol)
		if err != nil {
			return nil, fmt.Errorf("invalid symbol pattern: %w", err)
		}
		result = q.MatchSymbols(re)
	}
	if cmd.module != "" {
		re, err := regexp.Compile(cmd.module)
		if err != nil {
			return nil, fmt.Errorf("invalid module pattern: %w", err)
		}
		seqs := q.MatchModules(re)
		if cmd.symbol != "" {
			seqs = intersectSorted(result, seqs)
		}
		result = seqs
	}
	return result, nil
}

func intersectSorted(a, b []int) []int {
	var out []int
	for i, j := 0, 0; i < len(a) && j < len(b); {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}

func parseTime(s string) (time.Time, error) {
	if ft, err := times.Parse(s); err == nil {
		return ft.Time(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time '%s'", s)
	}
	return t, nil
}

func formatFrame(f *baked.FrameRecord) (module, symbol string) {
	if !f.Resolved() {
		return "", f.Address.String()
	}
	return f.Module, fmt.Sprintf("%s + 0x%x", f.Symbol, f.Offset)
}

func printRecord(out io.Writer, rec *baked.EventRecord) {
	fmt.Fprintf(out, "Event %d, pid %d, captured %s\n", rec.Sequence, rec.ProcessID,
		rec.CaptureTime)
	table := tablewriter.NewWriter(out)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"#", "Kind", "Module", "Symbol"})
	for i := range rec.Frames {
		f := &rec.Frames[i]
		module, symbol := formatFrame(f)
		table.Append([]string{strconv.Itoa(i), f.Kind.String(), module, symbol})
	}
	table.Render()
}

func printMatches(out io.Writer, q *baked.Query, seqs []int, limit int) {
	table := tablewriter.NewWriter(out)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Seq", "Time", "PID", "Frames", "Top frame"})
	records := q.Records()
	for n, seq := range seqs {
		if limit > 0 && n == limit {
			break
		}
		rec := &records[seq]
		top := ""
		if len(rec.Frames) > 0 {
			module, symbol := formatFrame(&rec.Frames[0])
			top = symbol
			if module != "" {
				top = "[" + module + "] " + symbol
			}
		}
		table.Append([]string{strconv.Itoa(seq), rec.CaptureTime.String(),
			strconv.FormatUint(uint64(rec.ProcessID), 10), strconv.Itoa(len(rec.Frames)), top})
	}
	table.Render()
	fmt.Fprintf(out, "%s matching events\n", humanize.Comma(int64(len(seqs))))
}

func printSummary(out io.Writer, q *baked.Query) {
	encoding := "compact"
	if q.DebugFormat() {
		encoding = "debug"
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Events", "Baked", "Strings", "Encoding"})
	table.Append([]string{
		humanize.Comma(int64(q.EventCount())),
		humanize.Comma(int64(q.BakedCount())),
		humanize.Comma(int64(q.Strings().Len())),
		encoding,
	})
	table.Render()
}
