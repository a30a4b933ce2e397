// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/flush"
	"github.com/scr-go/scr-go/internal/pfsstore"
)

const ckptID = 1

type rankFixture struct {
	fm      *filemap.FileMap
	content []byte
}

// flushToPFS runs a synchronous flush of size ranks' single-file
// checkpoints into pfsDir, the same way TestFlushSynchronousAllRanksSucceed
// in internal/flush does, and returns the per-rank fixtures and the
// shared index so a fetch test can read them back.
func flushToPFS(t *testing.T, size int, pfsDir string) ([]*rankFixture, *flush.IndexFile) {
	t.Helper()
	store := pfsstore.NewLocalFS()
	fixtures := make([]*rankFixture, size)
	mgrs := make([]*flush.Manager, size)
	index := flush.NewIndexFile()

	for r := 0; r < size; r++ {
		nodeDir := t.TempDir()
		cacheFile := filepath.Join(nodeDir, fmt.Sprintf("rank%d.ckpt", r))
		content := []byte(fmt.Sprintf("payload for rank %d headed to the pfs", r))
		require.NoError(t, os.WriteFile(cacheFile, content, 0o644))

		fm := filemap.New(filepath.Join(nodeDir, "filemap.scr"))
		fm.AddFile(ckptID, r, cacheFile)
		fm.SetFileSize(ckptID, r, cacheFile, int64(len(content)))

		flushFile := flush.NewFlushFile(filepath.Join(nodeDir, "flush.scr"))
		flushFile.Set(ckptID, flush.LocationCache)
		transfer := flush.NewTransferFile(filepath.Join(nodeDir, "transfer.scr"))

		mgrs[r] = flush.NewManager(flush.Config{FlushWidth: 2, CRCOnFlush: true}, store, pfsDir, "job1", flushFile, transfer, index)
		fixtures[r] = &rankFixture{fm: fm, content: content}
	}

	world := comm.NewMemWorld(size, func(r int) string { return fmt.Sprintf("node%d", r) })
	errs := make([]error, size)
	done := make(chan int, size)
	for r := 0; r < size; r++ {
		r := r
		go func() {
			errs[r] = mgrs[r].Flush(context.Background(), world[r], fixtures[r].fm, ckptID, r, size, 1700000100)
			done <- r
		}()
	}
	for i := 0; i < size; i++ {
		<-done
	}
	for r := 0; r < size; r++ {
		require.NoError(t, errs[r], "rank %d flush", r)
	}
	return fixtures, index
}

func TestFetchRestoresFlushedCheckpoint(t *testing.T) {
	const size = 3
	pfsDir := t.TempDir()
	fixtures, index := flushToPFS(t, size, pfsDir)

	store := pfsstore.NewLocalFS()
	mgrs := make([]*Manager, size)
	cacheDirs := make([]string, size)
	fms := make([]*filemap.FileMap, size)
	for r := 0; r < size; r++ {
		mgrs[r] = NewManager(Config{FetchWidth: 2}, store, pfsDir)
		cacheDirs[r] = t.TempDir()
		fms[r] = filemap.New(filepath.Join(t.TempDir(), "filemap.scr"))
	}

	world := comm.NewMemWorld(size, func(r int) string { return fmt.Sprintf("node%d", r) })
	subdirs := make([]string, size)
	errs := make([]error, size)
	done := make(chan int, size)
	for r := 0; r < size; r++ {
		r := r
		go func() {
			subdirs[r], errs[r] = mgrs[r].Fetch(context.Background(), world[r], fms[r], index, cacheDirs[r], ckptID, r, size, "", 1700000200)
			done <- r
		}()
	}
	for i := 0; i < size; i++ {
		<-done
	}
	for r := 0; r < size; r++ {
		require.NoError(t, errs[r], "rank %d fetch", r)
		assert.NotEmpty(t, subdirs[r])
	}
	assert.Equal(t, subdirs[0], subdirs[size-1])

	for r := 0; r < size; r++ {
		files := fms[r].Files(ckptID, r)
		require.Len(t, files, 1)
		data, err := os.ReadFile(files[0])
		require.NoError(t, err)
		assert.Equal(t, fixtures[r].content, data)

		_, err = os.Stat(files[0] + ".scrfilemeta")
		assert.NoError(t, err, "expected sidecar for %s", files[0])
	}

	entry, ok := index.Entry(ckptID, subdirs[0])
	require.True(t, ok)
	assert.True(t, entry.HasFetchedTime)
	assert.Equal(t, int64(1700000200), entry.FetchedTime)
}

func TestFetchUnlinksOnCRCMismatch(t *testing.T) {
	const size = 1
	pfsDir := t.TempDir()
	fixtures, index := flushToPFS(t, size, pfsDir)

	subdir, ok := index.LatestComplete(ckptID)
	require.True(t, ok)
	destDir := filepath.Join(pfsDir, subdir)
	entries, err := os.ReadDir(destDir)
	require.NoError(t, err)
	var corrupted string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".scrfilemeta" || e.Name() == "summary.scr" {
			continue
		}
		corrupted = filepath.Join(destDir, e.Name())
	}
	require.NotEmpty(t, corrupted)
	require.NoError(t, os.WriteFile(corrupted, []byte("corrupted bytes, not the original payload"), 0o644))

	store := pfsstore.NewLocalFS()
	mgr := NewManager(Config{FetchWidth: 2}, store, pfsDir)
	cacheDir := t.TempDir()
	fm := filemap.New(filepath.Join(t.TempDir(), "filemap.scr"))
	world := comm.NewMemWorld(size, func(r int) string { return "node0" })

	_, err = mgr.Fetch(context.Background(), world[0], fm, index, cacheDir, ckptID, 0, size, "", 1700000300)
	assert.Error(t, err)

	destPath := filepath.Join(cacheDir, filepath.Base(corrupted))
	_, statErr := os.Stat(destPath)
	assert.True(t, os.IsNotExist(statErr), "expected corrupted fetch destination to be unlinked")
	assert.Empty(t, fm.Files(ckptID, 0), "no partial FileMap state on failure")
	_ = fixtures
}

func TestFetchResolvesSubdirFromIndexWhenSymlinkMissing(t *testing.T) {
	const size = 1
	pfsDir := t.TempDir()
	_, index := flushToPFS(t, size, pfsDir)

	store := pfsstore.NewLocalFS()
	require.NoError(t, store.Remove(context.Background(), filepath.Join(pfsDir, currentSymlinkName)))

	mgr := NewManager(Config{FetchWidth: 2}, store, pfsDir)
	cacheDir := t.TempDir()
	fm := filemap.New(filepath.Join(t.TempDir(), "filemap.scr"))
	world := comm.NewMemWorld(size, func(r int) string { return "node0" })

	subdir, err := mgr.Fetch(context.Background(), world[0], fm, index, cacheDir, ckptID, 0, size, "", 1700000400)
	require.NoError(t, err)
	assert.NotEmpty(t, subdir)
	assert.Len(t, fm.Files(ckptID, 0), 1)
}
