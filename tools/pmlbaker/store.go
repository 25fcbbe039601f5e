// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/pmltools/pmlbaker/bakestore"
)

// storeFlags configures the baked file archive.
type storeFlags struct {
	cacheDir string
	remote   bakestore.RemoteConfig
}

func (f *storeFlags) register(set *flag.FlagSet) {
	defaultCache := "pmlbakercache"
	if dir, err := os.UserCacheDir(); err == nil {
		defaultCache = filepath.Join(dir, "pmlbaker")
	}
	set.StringVar(&f.cacheDir, "cache", defaultCache, "Local archive directory")
	set.StringVar(&f.remote.Bucket, "bucket", "", "S3 bucket for sharing baked files")
	set.StringVar(&f.remote.Region, "region", "", "S3 region, overrides the AWS configuration")
	set.StringVar(&f.remote.Endpoint, "endpoint", "", "S3 compatible endpoint URL")
	set.BoolVar(&f.remote.PathStyle, "path-style", false, "Use path style bucket addressing")
}

// open creates the store. Without bucket the store has no remote.
func (f *storeFlags) open(ctx context.Context) (*bakestore.Store, error) {
	if f.remote.Bucket == "" {
		return bakestore.New(nil, "", f.cacheDir)
	}
	client, err := bakestore.NewS3Client(ctx, f.remote)
	if err != nil {
		return nil, err
	}
	return bakestore.New(client, f.remote.Bucket, f.cacheDir)
}
