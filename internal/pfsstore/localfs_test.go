// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pfsstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFSCreateAndOpenRead(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalFS()
	ctx := context.Background()

	path := filepath.Join(dir, "sub", "file.txt")
	w, err := store.Create(ctx, path)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello pfs"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := store.OpenRead(ctx, path)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello pfs", string(data))

	info, err := store.Stat(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello pfs")), info.Size)
}

func TestLocalFSOpenWriteAtOffset(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalFS()
	ctx := context.Background()

	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	w, err := store.OpenWrite(ctx, path, 5)
	require.NoError(t, err)
	_, err = w.Write([]byte("ABCDE"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "01234ABCDE", string(got))
}

func TestLocalFSRenameSymlinkRemove(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalFS()
	ctx := context.Background()

	src := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o644))

	dst := filepath.Join(dir, "nested", "b.txt")
	require.NoError(t, store.Rename(ctx, src, dst))
	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	link := filepath.Join(dir, "current")
	require.NoError(t, store.Symlink(ctx, dst, link))
	target, err := store.ReadLink(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, dst, target)

	require.NoError(t, store.Remove(ctx, dst))
	_, err = store.Stat(ctx, dst)
	assert.True(t, os.IsNotExist(err))

	// Removing something already gone is not an error.
	require.NoError(t, store.Remove(ctx, dst))
}

func TestLocalFSMkdirAll(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalFS()
	nested := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, store.MkdirAll(context.Background(), nested))
	info, err := os.Stat(nested)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
