// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package filemap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileMapCompleteness(t *testing.T) {
	fm := New(filepath.Join(t.TempDir(), "filemap.scrinfo"))
	fm.AddFile(1, 0, "a.txt")
	fm.AddFile(1, 0, "b.txt")
	fm.SetExpectedCount(1, 0, 2)
	assert.True(t, fm.Complete(1, 0))

	fm.RemoveFile(1, 0, "b.txt")
	assert.False(t, fm.Complete(1, 0))
}

func TestFileMapSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filemap.scrinfo")
	fm := New(path)
	fm.AddFile(3, 2, "rank2/ckpt.0")
	fm.SetExpectedCount(3, 2, 1)
	fm.SetDescriptorHash(3, 2, "abc123")
	fm.SetTag(3, 2, "PARTNER", "node7")
	fm.SetFileSize(3, 2, "rank2/ckpt.0", 4096)
	require.NoError(t, fm.Save())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.Complete(3, 2))
	assert.Equal(t, []string{"rank2/ckpt.0"}, loaded.Files(3, 2))
	sz, ok := loaded.FileSize(3, 2, "rank2/ckpt.0")
	assert.True(t, ok)
	assert.EqualValues(t, 4096, sz)
}

func TestFileMapMerge(t *testing.T) {
	a := New(filepath.Join(t.TempDir(), "a.scrinfo"))
	a.AddFile(1, 0, "f0")
	b := New(filepath.Join(t.TempDir(), "b.scrinfo"))
	b.AddFile(1, 1, "f1")

	a.Merge(b)
	assert.ElementsMatch(t, []int{0, 1}, a.Ranks(1))
}

func TestFileMapRemoveCheckpoint(t *testing.T) {
	fm := New(filepath.Join(t.TempDir(), "filemap.scrinfo"))
	fm.AddFile(5, 0, "x")
	fm.RemoveCheckpoint(5)
	assert.Empty(t, fm.Ranks(5))
}
