// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// pmlbaker bakes the call stacks of Process Monitor captures into symbolicated, portable
// baked files, queries them and shares them through an S3 bucket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"github.com/pmltools/pmlbaker/vc"
)

// envVarPrefix prefixes the environment variables that set flags, e.g. PMLBAKER_SYMBOL_PATH.
const envVarPrefix = "PMLBAKER"

// ffOptions makes every flag settable from the environment and the -config file.
func ffOptions() []ff.Option {
	return []ff.Option{
		ff.WithEnvVarPrefix(envVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	}
}

// newFlagSet creates a flag set carrying the flags shared by all commands.
func newFlagSet(name string) *flag.FlagSet {
	set := flag.NewFlagSet(name, flag.ExitOnError)
	set.String("config", "", "Path to a config file with one 'flag value' per line")
	set.BoolFunc("v", "Enable debug logging", func(string) error {
		log.SetLevel(log.DebugLevel)
		return nil
	})
	return set
}

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := ffcli.Command{
		Name:       "pmlbaker",
		ShortUsage: "pmlbaker <subcommand> [flags]",
		ShortHelp:  "Bake symbols into the stack frames of Process Monitor captures",
		FlagSet:    newFlagSet("pmlbaker"),
		Options:    ffOptions(),
		Subcommands: []*ffcli.Command{
			newBakeCmd(),
			newQueryCmd(),
			newUploadCmd(),
			newFetchCmd(),
			newVersionCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.ParseAndRun(ctx, os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}

func newVersionCmd() *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "version",
		ShortHelp:  "Print the version",
		Exec: func(context.Context, []string) error {
			fmt.Printf("pmlbaker %s (revision %s, build timestamp %s)\n",
				vc.Version(), vc.Revision(), vc.BuildTimestamp())
			return nil
		},
	}
}
