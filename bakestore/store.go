// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package bakestore implements Store, an archive for baked files that can be shared between
// machines through an S3 bucket.
package bakestore // import "github.com/pmltools/pmlbaker/bakestore"

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"github.com/pmltools/pmlbaker/baked"
	"github.com/pmltools/pmlbaker/libpf"
)

const (
	// localTempPrefix is prepended to files in the local cache while they are being written.
	localTempPrefix = "tmp."
	// s3KeyPrefix is prepended to all S3 keys.
	s3KeyPrefix = "pmlbaked/"
)

// ErrNoRemote is returned by remote operations of a Store created without S3 client.
var ErrNoRemote = errors.New("no remote storage configured")

// Store is a compressed, content addressed storage for baked files. Inserting a file returns
// the ID to retrieve it by. Entries are zstd compressed in the local cache directory and can
// be pushed to an S3 bucket. Entries present remotely but not locally are downloaded on demand.
//
// Multiple Store instances may share a cache directory: entries are only ever created by
// renaming completely written temporary files.
type Store struct {
	s3client       S3API
	bucket         string
	localCachePath string
}

// New creates a store caching entries in localCachePath. s3client may be nil for a store
// without remote.
func New(s3client S3API, bucket, localCachePath string) (*Store, error) {
	if err := os.MkdirAll(localCachePath, 0o750); err != nil {
		return nil, err
	}
	return &Store{
		s3client:       s3client,
		bucket:         bucket,
		localCachePath: localCachePath,
	}, nil
}

// Insert places a baked file into the local cache and returns its ID. The file is not
// uploaded. Inserting content that is already present returns the existing ID.
func (store *Store) Insert(localPath string) (id ID, isNew bool, err error) {
	if id, err = hashBaked(localPath); err != nil {
		return ID{}, false, err
	}
	present, err := store.IsPresentLocally(id)
	if err != nil {
		return ID{}, false, err
	}
	if present {
		return id, false, nil
	}

	in, err := openBaked(localPath)
	if err != nil {
		return ID{}, false, fmt.Errorf("failed to open local file: %w", err)
	}
	defer in.Close()

	err = store.writeLocal(id, func(out io.Writer) error {
		enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return err
		}
		if _, err = io.Copy(enc, in); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	})
	if err != nil {
		return ID{}, false, fmt.Errorf("failed to compress %s: %w", localPath, err)
	}
	return id, true, nil
}

func hashBaked(path string) (ID, error) {
	in, err := openBaked(path)
	if err != nil {
		return ID{}, fmt.Errorf("failed to open local file: %w", err)
	}
	defer in.Close()
	return calculateID(in)
}

// Upload pushes an entry from the local cache to the remote. Entries already present
// remotely are skipped.
func (store *Store) Upload(ctx context.Context, id ID) error {
	present, err := store.IsPresentRemotely(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check whether %s exists on remote: %w", id, err)
	}
	if present {
		return nil
	}

	localPath := store.makeLocalPath(id)
	file, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("the given entry %s isn't present locally", id)
		}
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err = io.Copy(hasher, file); err != nil {
		return fmt.Errorf("failed to hash content of %q: %v", localPath, err)
	}
	contentSHA256 := base64.StdEncoding.EncodeToString(hasher.Sum(nil))
	if _, err = file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to set position in file %q: %v", localPath, err)
	}

	key := makeS3Key(id)
	contentType := "application/zstd"
	_, err = store.s3client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         &store.bucket,
		Key:            &key,
		Body:           file,
		ContentType:    &contentType,
		ChecksumSHA256: &contentSHA256,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", id, err)
	}
	return nil
}

// Fetch extracts an entry to outPath, downloading it first if needed.
func (store *Store) Fetch(ctx context.Context, id ID, outPath string) error {
	r, err := store.Open(ctx, id)
	if err != nil {
		return err
	}
	defer r.Close()

	out, err := os.CreateTemp(filepath.Dir(outPath), localTempPrefix)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer os.Remove(out.Name())
	defer out.Close()

	if _, err = io.Copy(out, r); err != nil {
		return fmt.Errorf("failed to extract %s: %w", id, err)
	}
	return commitTempFile(out, outPath)
}

// Open returns the decompressed content of an entry, downloading it first if needed.
func (store *Store) Open(ctx context.Context, id ID) (io.ReadCloser, error) {
	localPath, err := store.ensurePresentLocally(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &entryReader{Decoder: dec, file: f}, nil
}

type entryReader struct {
	*zstd.Decoder
	file *os.File
}

func (r *entryReader) Close() error {
	r.Decoder.Close()
	return r.file.Close()
}

// Query loads an entry as baked file.
func (store *Store) Query(ctx context.Context, id ID) (*baked.Query, error) {
	r, err := store.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return baked.Parse(r, id.String())
}

// IsPresentRemotely checks whether an entry is present in the remote storage.
func (store *Store) IsPresentRemotely(ctx context.Context, id ID) (bool, error) {
	if store.s3client == nil {
		return false, ErrNoRemote
	}
	key := makeS3Key(id)
	_, err := store.s3client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &store.bucket,
		Key:    &key,
	})
	if err != nil {
		if isErrNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query existence of %s: %w", id, err)
	}
	return true, nil
}

// IsPresentLocally checks whether an entry is present in the local cache.
func (store *Store) IsPresentLocally(id ID) (bool, error) {
	_, err := os.Stat(store.makeLocalPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat local file: %w", err)
	}
	return true, nil
}

// ListLocal returns the entries present in the local cache.
func (store *Store) ListLocal() (libpf.Set[ID], error) {
	files, err := os.ReadDir(store.localCachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read files in local cache: %w", err)
	}
	ids := libpf.Set[ID]{}
	for _, file := range files {
		id, err := IDFromString(file.Name())
		if err != nil {
			if !strings.HasPrefix(file.Name(), localTempPrefix) {
				log.Warnf("`%s` file in local cache is neither a temp file nor an entry",
					file.Name())
			}
			continue
		}
		ids.Add(id)
	}
	return ids, nil
}

// ListRemote returns the entries present in the remote storage and their modification times.
func (store *Store) ListRemote(ctx context.Context) (map[ID]time.Time, error) {
	if store.s3client == nil {
		return nil, ErrNoRemote
	}
	prefix := s3KeyPrefix
	paginator := s3.NewListObjectsV2Paginator(store.s3client, &s3.ListObjectsV2Input{
		Bucket: &store.bucket,
		Prefix: &prefix,
	})

	entries := map[ID]time.Time{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve object list: %w", err)
		}
		for _, object := range page.Contents {
			if object.Key == nil || object.LastModified == nil {
				return nil, errors.New("s3 object lacks required field")
			}
			id, err := IDFromString(strings.TrimPrefix(*object.Key, s3KeyPrefix))
			if err != nil {
				return nil, fmt.Errorf("failed to parse hash in S3 key: %w", err)
			}
			entries[id] = *object.LastModified
		}
	}
	return entries, nil
}

// RemoveLocal removes an entry from the local cache. No-op if not present.
func (store *Store) RemoveLocal(id ID) error {
	err := os.Remove(store.makeLocalPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete local file: %w", err)
	}
	return nil
}

// ensurePresentLocally downloads an entry unless it is cached and returns its local path.
func (store *Store) ensurePresentLocally(ctx context.Context, id ID) (string, error) {
	localPath := store.makeLocalPath(id)
	present, err := store.IsPresentLocally(id)
	if err != nil {
		return "", err
	}
	if present {
		return localPath, nil
	}
	if store.s3client == nil {
		return "", fmt.Errorf("%s is not present locally: %w", id, ErrNoRemote)
	}

	key := makeS3Key(id)
	resp, err := store.s3client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &store.bucket,
		Key:    &key,
	})
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", id, err)
	}
	defer resp.Body.Close()

	err = store.writeLocal(id, func(out io.Writer) error {
		_, err := io.Copy(out, resp.Body)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to receive %s: %w", id, err)
	}
	return localPath, nil
}

// writeLocal creates the cache entry for id from the content produced by fill.
func (store *Store) writeLocal(id ID, fill func(io.Writer) error) error {
	out, err := os.CreateTemp(store.localCachePath, localTempPrefix)
	if err != nil {
		return fmt.Errorf("failed to create file in local cache: %w", err)
	}
	defer os.Remove(out.Name())
	defer out.Close()

	if err = fill(out); err != nil {
		return err
	}
	return commitTempFile(out, store.makeLocalPath(id))
}

// makeLocalPath creates the local cache path for the given ID.
func (store *Store) makeLocalPath(id ID) string {
	return filepath.Join(store.localCachePath, id.String())
}

// makeS3Key creates the S3 key for the given ID.
func makeS3Key(id ID) string {
	return s3KeyPrefix + id.String()
}

// commitTempFile flushes the file to disk and moves it to its final destination.
func commitTempFile(temp *os.File, finalPath string) error {
	if err := temp.Sync(); err != nil {
		return fmt.Errorf("failed to flush file to disk: %w", err)
	}
	if err := os.Rename(temp.Name(), finalPath); err != nil {
		return fmt.Errorf("failed to move file to final location: %w", err)
	}
	return nil
}

// openBaked opens a baked file, decompressing it if it carries the zstd extension.
func openBaked(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, baked.ZstdExtension) {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &entryReader{Decoder: dec, file: f}, nil
}
