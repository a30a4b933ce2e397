// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pfsstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// symlinkMarkerSuffix distinguishes a Symlink-published object from an
// ordinary file, since S3 has no native symlink primitive.
const symlinkMarkerSuffix = ".scrsymlink"

// S3Config configures an S3-compatible backend, mirroring the fields
// the teacher repo's own S3 target/source constructors take.
type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	UsePathStyle bool
}

// S3Store implements Store against an S3-compatible object store, for
// sites whose PFS prefix is actually an object-store bucket rather
// than a POSIX mount (§4.11).
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an S3Store from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3store: empty bucket name")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("s3store: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// bufferedObject accumulates writes in memory and uploads on Close --
// S3 objects are only ever written whole, never appended to.
type bufferedObject struct {
	ctx    context.Context
	store  *S3Store
	key    string
	buf    bytes.Buffer
	closed bool
}

func (w *bufferedObject) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *bufferedObject) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	_, err := w.store.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.store.bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("s3store: put object %q: %w", w.key, err)
	}
	return nil
}

func (s *S3Store) Create(ctx context.Context, path string) (io.WriteCloser, error) {
	return &bufferedObject{ctx: ctx, store: s, key: path}, nil
}

// OpenWrite only supports offset 0: S3 objects cannot be appended to
// in place, so any resumed write must re-upload the whole object.
func (s *S3Store) OpenWrite(ctx context.Context, path string, offset int64) (io.WriteCloser, error) {
	if offset != 0 {
		return nil, fmt.Errorf("s3store: resuming a write at offset %d is not supported", offset)
	}
	return s.Create(ctx, path)
}

func (s *S3Store) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, fmt.Errorf("s3store: get object %q: %w", path, err)
	}
	return out.Body, nil
}

func (s *S3Store) Rename(ctx context.Context, oldPath, newPath string) error {
	source := s.bucket + "/" + oldPath
	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(source),
		Key:        aws.String(newPath),
	}); err != nil {
		return fmt.Errorf("s3store: copy %q -> %q: %w", oldPath, newPath, err)
	}
	return s.Remove(ctx, oldPath)
}

// Symlink writes a small marker object holding the target path, since
// S3 buckets have no native symlink primitive.
func (s *S3Store) Symlink(ctx context.Context, target, linkPath string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(linkPath + symlinkMarkerSuffix),
		Body:   bytes.NewReader([]byte(target)),
	})
	if err != nil {
		return fmt.Errorf("s3store: put symlink marker %q: %w", linkPath, err)
	}
	return nil
}

func (s *S3Store) ReadLink(ctx context.Context, linkPath string) (string, error) {
	r, err := s.OpenRead(ctx, linkPath+symlinkMarkerSuffix)
	if err != nil {
		return "", fmt.Errorf("s3store: read symlink marker %q: %w", linkPath, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("s3store: read symlink marker %q: %w", linkPath, err)
	}
	return string(data), nil
}

func (s *S3Store) Stat(ctx context.Context, path string) (Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return Info{}, fmt.Errorf("s3store: head object %q: %w", path, err)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return Info{Size: size}, nil
}

func (s *S3Store) Remove(ctx context.Context, path string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	}); err != nil {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return nil
		}
		return fmt.Errorf("s3store: delete object %q: %w", path, err)
	}
	return nil
}

// MkdirAll is a no-op: an object store's "directories" are purely a
// naming convention expressed by key prefixes, never created.
func (s *S3Store) MkdirAll(ctx context.Context, path string) error { return nil }
