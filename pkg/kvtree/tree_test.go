// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package kvtree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeSetGet(t *testing.T) {
	tr := New()
	tr.Set("CKPT", int64(7))
	tr.Set("NAME", "rank0.ckpt")
	sub := tr.Dict("CURRENT")
	sub.Set("FILE.0", "file0")

	v, ok := tr.GetInt64("CKPT")
	require.True(t, ok)
	assert.Equal(t, int64(7), v)

	s, ok := tr.GetString("NAME")
	require.True(t, ok)
	assert.Equal(t, "rank0.ckpt", s)

	got, ok := tr.GetTree("CURRENT")
	require.True(t, ok)
	fv, ok := got.GetString("FILE.0")
	require.True(t, ok)
	assert.Equal(t, "file0", fv)
}

func TestTreeJSONRoundTrip(t *testing.T) {
	tr := New()
	tr.Set("RANKS", int64(4))
	tr.Set("COMPLETE", true)
	rank := tr.Dict("RANK.0")
	rank.Set("SIZE", int64(1024))

	dir := t.TempDir()
	path := filepath.Join(dir, "summary.scr")
	require.NoError(t, tr.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	n, ok := loaded.GetInt64("RANKS")
	require.True(t, ok)
	assert.Equal(t, int64(4), n)

	c, ok := loaded.GetBool("COMPLETE")
	require.True(t, ok)
	assert.True(t, c)

	r0, ok := loaded.GetTree("RANK.0")
	require.True(t, ok)
	size, ok := r0.GetInt64("SIZE")
	require.True(t, ok)
	assert.Equal(t, int64(1024), size)
}

func TestTreeLoadMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	tr, err := Load(filepath.Join(dir, "does-not-exist.scr"))
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Len())
}

func TestTreeBinaryRoundTrip(t *testing.T) {
	tr := New()
	tr.Set("CKPT", int64(42))
	tr.Set("CHUNK", int64(65536))
	tr.Set("RANKS", int64(8))
	group := tr.Dict("GROUP.RANKS")
	group.Set("0", int64(3))
	group.Set("1", int64(7))
	current := tr.Dict("CURRENT")
	current.Set("FILES", int64(2))
	current.Set("FILE.0", "ckpt.0")

	data := tr.EncodeBinary()
	decoded, n, err := DecodeBinary(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	ckpt, ok := decoded.GetInt64("CKPT")
	require.True(t, ok)
	assert.Equal(t, int64(42), ckpt)

	g, ok := decoded.GetTree("GROUP.RANKS")
	require.True(t, ok)
	v1, ok := g.GetInt64("1")
	require.True(t, ok)
	assert.Equal(t, int64(7), v1)
}

func TestTreeMergeOverwrites(t *testing.T) {
	a := New()
	a.Set("X", int64(1))
	b := New()
	b.Set("X", int64(2))
	b.Set("Y", int64(3))
	a.Merge(b)

	x, _ := a.GetInt64("X")
	y, _ := a.GetInt64("Y")
	assert.Equal(t, int64(2), x)
	assert.Equal(t, int64(3), y)
}
