// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package pfsstore defines the pluggable parallel-file-system backend
// used by the flush scheduler (§4.6) and fetch loader (§4.7), so
// neither algorithm is written against os directly (§4.11).
package pfsstore

import (
	"context"
	"io"
)

// Info is the subset of file metadata the flush/fetch algorithms need.
type Info struct {
	Size  int64
	IsDir bool
}

// Store is a small PFS abstraction. Every method is collective only in
// the sense that callers are expected to coordinate which rank touches
// which path; Store itself has no notion of ranks.
type Store interface {
	// Create truncates-or-creates path for writing from the start,
	// creating parent directories as needed.
	Create(ctx context.Context, path string) (io.WriteCloser, error)
	// OpenWrite opens path for writing starting at offset, creating it
	// (and its parents) if it does not exist. Backends that cannot
	// seek (e.g. object stores) only support offset 0.
	OpenWrite(ctx context.Context, path string, offset int64) (io.WriteCloser, error)
	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)
	Rename(ctx context.Context, oldPath, newPath string) error
	// Symlink publishes linkPath as a pointer to target. Backends with
	// no native symlink (object stores) emulate this with a small
	// marker object; see s3store.
	Symlink(ctx context.Context, target, linkPath string) error
	// ReadLink resolves a path published by Symlink back to its target.
	ReadLink(ctx context.Context, linkPath string) (string, error)
	Stat(ctx context.Context, path string) (Info, error)
	Remove(ctx context.Context, path string) error
	MkdirAll(ctx context.Context, path string) error
}
