// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package cachemgr

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/identity"
	"github.com/scr-go/scr-go/internal/sidecar"
)

func singleRankIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	world := comm.NewMemWorld(1, func(rank int) string { return "node0" })
	id, err := identity.Build(context.Background(), world[0])
	require.NoError(t, err)
	return id
}

// cacheCheckpoint plants an on-disk checkpoint directory with one file
// and records it in fm under base, as an earlier Start call would have.
func cacheCheckpoint(t *testing.T, root, base string, fm *filemap.FileMap, worldRank, ckptID int, content []byte) string {
	t.Helper()
	dir := filepath.Join(root, filepath.Base(base), "checkpoint."+strconv.Itoa(ckptID))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "ckpt.0")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	sc := &sidecar.Sidecar{Filename: path, FileType: sidecar.TypeFull, FileSize: int64(len(content)), CheckpointID: ckptID, Rank: worldRank, RanksTotal: 1, Complete: true}
	require.NoError(t, sc.Save())
	fm.AddFile(ckptID, worldRank, path)
	fm.SetFileSize(ckptID, worldRank, path, int64(len(content)))
	fm.SetTag(ckptID, worldRank, baseTag, base)
	return dir
}

func TestStartEvictsOldestPastCapacity(t *testing.T) {
	id := singleRankIdentity(t)
	root := t.TempDir()
	base := filepath.Join(root, "base")
	fm := filemap.New(filepath.Join(root, "filemap.scrinfo"))

	dir1 := cacheCheckpoint(t, root, base, fm, id.WorldRank, 1, []byte("ckpt1"))
	cacheCheckpoint(t, root, base, fm, id.WorldRank, 2, []byte("ckpt2"))

	m := New()
	m.SetCapacity(base, 2)

	dir3, err := m.Start(context.Background(), id, fm, nil, base, base, 3, true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "checkpoint.3"), dir3)

	_, err = os.Stat(dir1)
	assert.True(t, os.IsNotExist(err), "checkpoint 1's directory should have been evicted")

	assert.ElementsMatch(t, []int{2, 3}, fm.Checkpoints())
}

func TestStartUnboundedCreatesDirectoryWithoutEviction(t *testing.T) {
	id := singleRankIdentity(t)
	root := t.TempDir()
	base := filepath.Join(root, "base")
	fm := filemap.New(filepath.Join(root, "filemap.scrinfo"))

	m := New() // no SetCapacity call: base is unbounded

	dir, err := m.Start(context.Background(), id, fm, nil, base, base, 1, true)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

// fakeFlush reports a fixed set of checkpoints as flushing until
// WaitFlushComplete marks them done, letting a test exercise the
// "wait on the oldest flushing checkpoint" branch of reclaim
// deterministically.
type fakeFlush struct {
	flushing map[int]bool
}

func (f *fakeFlush) IsFlushing(ckptID int) bool { return f.flushing[ckptID] }

func (f *fakeFlush) WaitFlushComplete(ctx context.Context, ckptID int) error {
	f.flushing[ckptID] = false
	return nil
}

func TestStartWaitsOnFlushingCheckpointWhenNoneElseEvictable(t *testing.T) {
	id := singleRankIdentity(t)
	root := t.TempDir()
	base := filepath.Join(root, "base")
	fm := filemap.New(filepath.Join(root, "filemap.scrinfo"))

	dir1 := cacheCheckpoint(t, root, base, fm, id.WorldRank, 1, []byte("ckpt1"))
	cacheCheckpoint(t, root, base, fm, id.WorldRank, 2, []byte("ckpt2"))

	flush := &fakeFlush{flushing: map[int]bool{1: true, 2: true}}

	m := New()
	m.SetCapacity(base, 2)

	_, err := m.Start(context.Background(), id, fm, flush, base, base, 3, true)
	require.NoError(t, err)

	_, err = os.Stat(dir1)
	assert.True(t, os.IsNotExist(err), "the oldest flushing checkpoint should be evicted once its flush completes")
	assert.ElementsMatch(t, []int{2, 3}, fm.Checkpoints())
}
