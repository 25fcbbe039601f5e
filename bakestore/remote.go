// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package bakestore // import "github.com/pmltools/pmlbaker/bakestore"

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput,
		optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput,
		optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput,
		optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input,
		optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ S3API = &s3.Client{}

// RemoteConfig describes an S3 compatible bucket.
type RemoteConfig struct {
	Bucket string
	// Region overrides the region of the default AWS configuration.
	Region string
	// Endpoint selects a non-AWS, S3 compatible service.
	Endpoint string
	// PathStyle addresses the bucket in the path instead of the host name.
	PathStyle bool
}

// NewS3Client creates a client from the default AWS configuration chain (environment, shared
// config files) amended by cfg.
func NewS3Client(ctx context.Context, cfg RemoteConfig) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Region != "" {
			o.Region = cfg.Region
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// isErrNoSuchKey checks whether the given AWS error indicates that the given key does not exist.
func isErrNoSuchKey(err error) bool {
	// HeadObject reports a missing key as a plain 404 "NotFound" instead of "NoSuchKey".
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
