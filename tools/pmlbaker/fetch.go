// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/peterbourgon/ff/v3/ffcli"

	log "github.com/sirupsen/logrus"

	"github.com/pmltools/pmlbaker/baked"
	"github.com/pmltools/pmlbaker/bakestore"
)

type fetchCmd struct {
	store storeFlags

	// User-specified command line arguments.
	id  string
	out string
}

func newFetchCmd() *ffcli.Command {
	cmd := fetchCmd{}
	set := newFlagSet("fetch")
	set.StringVar(&cmd.id, "id", "", "Archive ID of the baked file")
	set.StringVar(&cmd.out, "out", "", "Output path (default <id>"+baked.Extension+")")
	cmd.store.register(set)
	return &ffcli.Command{
		Name:       "fetch",
		ShortUsage: "fetch [flags]",
		ShortHelp:  "Extract an archived baked file, downloading it if necessary",
		FlagSet:    set,
		Options:    ffOptions(),
		Exec:       cmd.exec,
	}
}

func (cmd *fetchCmd) exec(ctx context.Context, _ []string) error {
	if cmd.id == "" {
		return errors.New("missing required argument `-id`")
	}
	id, err := bakestore.IDFromString(cmd.id)
	if err != nil {
		return err
	}
	store, err := cmd.store.open(ctx)
	if err != nil {
		return err
	}
	out := cmd.out
	if out == "" {
		out = id.String() + baked.Extension
	}
	if err := store.Fetch(ctx, id, out); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", id, err)
	}
	log.Infof("Wrote %s", out)
	return nil
}
