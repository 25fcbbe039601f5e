// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/peterbourgon/ff/v3/ffcli"

	log "github.com/sirupsen/logrus"

	"github.com/pmltools/pmlbaker/bakestore"
)

type uploadCmd struct {
	store storeFlags

	// User-specified command line arguments.
	all bool
}

func newUploadCmd() *ffcli.Command {
	cmd := uploadCmd{}
	set := newFlagSet("upload")
	set.BoolVar(&cmd.all, "all", false, "Upload every baked file in the local archive")
	cmd.store.register(set)
	return &ffcli.Command{
		Name:       "upload",
		ShortUsage: "upload [flags] [<file.pmlbaked | id>...]",
		ShortHelp:  "Archive baked files and upload them to the remote storage",
		FlagSet:    set,
		Options:    ffOptions(),
		Exec:       cmd.exec,
	}
}

func (cmd *uploadCmd) exec(ctx context.Context, args []string) error {
	if (cmd.all && len(args) != 0) || (!cmd.all && len(args) == 0) {
		return errors.New("please pass either files or `-all` (but not both)")
	}

	store, err := cmd.store.open(ctx)
	if err != nil {
		return err
	}

	var ids []bakestore.ID
	if cmd.all {
		local, err := store.ListLocal()
		if err != nil {
			return fmt.Errorf("failed to list local archive: %w", err)
		}
		ids = local.ToSlice()
	} else {
		for _, arg := range args {
			id, err := resolveID(store, arg)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
	}

	// We retrieve the remote listing to prevent polling the status for
	// each entry individually.
	remote, err := store.ListRemote(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve remote listing: %w", err)
	}

	for _, id := range ids {
		if _, present := remote[id]; present {
			continue
		}
		log.Infof("Uploading `%s`", id.String())
		if err := store.Upload(ctx, id); err != nil {
			return fmt.Errorf("failed to upload %s: %w", id, err)
		}
	}

	log.Info("All baked files are present remotely")
	return nil
}

// resolveID accepts either an archive ID or the path of a baked file,
// inserting the latter into the local archive.
func resolveID(store *bakestore.Store, arg string) (bakestore.ID, error) {
	if id, err := bakestore.IDFromString(arg); err == nil {
		return id, nil
	}
	id, isNew, err := store.Insert(arg)
	if err != nil {
		return bakestore.ID{}, fmt.Errorf("failed to archive %s: %w", arg, err)
	}
	if isNew {
		log.Infof("Archived %s as %s", arg, id)
	}
	return id, nil
}
