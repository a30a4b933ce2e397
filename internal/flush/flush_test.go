// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flush

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/pfsstore"
)

const ckptID = 1

type rankFixture struct {
	mgr     *Manager
	fm      *filemap.FileMap
	cacheFile string
	content []byte
}

func setupRanks(t *testing.T, size int, pfsDir string) []*rankFixture {
	t.Helper()
	store := pfsstore.NewLocalFS()
	fixtures := make([]*rankFixture, size)
	for r := 0; r < size; r++ {
		nodeDir := t.TempDir()
		cacheFile := filepath.Join(nodeDir, fmt.Sprintf("rank%d.ckpt", r))
		content := []byte(fmt.Sprintf("payload for rank %d, some bytes of checkpoint data", r))
		require.NoError(t, os.WriteFile(cacheFile, content, 0o644))

		fm := filemap.New(filepath.Join(nodeDir, "filemap.scr"))
		fm.AddFile(ckptID, r, cacheFile)
		fm.SetFileSize(ckptID, r, cacheFile, int64(len(content)))

		flushFile := NewFlushFile(filepath.Join(nodeDir, "flush.scr"))
		flushFile.Set(ckptID, LocationCache)
		transfer := NewTransferFile(filepath.Join(nodeDir, "transfer.scr"))
		index := NewIndexFile()

		mgr := NewManager(Config{FlushWidth: 2, CRCOnFlush: true}, store, pfsDir, "job1", flushFile, transfer, index)
		fixtures[r] = &rankFixture{mgr: mgr, fm: fm, cacheFile: cacheFile, content: content}
	}
	return fixtures
}

func TestFlushSynchronousAllRanksSucceed(t *testing.T) {
	const size = 3
	pfsDir := t.TempDir()
	fixtures := setupRanks(t, size, pfsDir)
	world := comm.NewMemWorld(size, func(r int) string { return fmt.Sprintf("node%d", r) })

	errs := make([]error, size)
	done := make(chan int, size)
	for r := 0; r < size; r++ {
		r := r
		go func() {
			ctx := context.Background()
			errs[r] = fixtures[r].mgr.Flush(ctx, world[r], fixtures[r].fm, ckptID, r, size, 1700000000)
			done <- r
		}()
	}
	for i := 0; i < size; i++ {
		<-done
	}
	for r := 0; r < size; r++ {
		assert.NoError(t, errs[r], "rank %d", r)
	}

	for r := 0; r < size; r++ {
		assert.True(t, fixtures[r].mgr.flushFile.Has(ckptID, LocationPFS))
		assert.False(t, fixtures[r].mgr.flushFile.Has(ckptID, LocationFlushing))
	}

	linkTarget, err := pfsstore.NewLocalFS().ReadLink(context.Background(), filepath.Join(pfsDir, currentSymlinkName))
	require.NoError(t, err)
	destDir := filepath.Join(pfsDir, linkTarget)

	for r := 0; r < size; r++ {
		destFile := filepath.Join(destDir, filepath.Base(fixtures[r].cacheFile))
		data, err := os.ReadFile(destFile)
		require.NoError(t, err)
		assert.Equal(t, fixtures[r].content, data)

		sidecarPath := destFile + ".scrfilemeta"
		_, err = os.Stat(sidecarPath)
		assert.NoError(t, err, "expected sidecar at %s", sidecarPath)
	}

	summary, err := LoadSummary(context.Background(), pfsstore.NewLocalFS(), filepath.Join(destDir, summaryFileName))
	require.NoError(t, err)
	cs, ok := summary.Checkpoint(ckptID)
	require.True(t, ok)
	assert.True(t, cs.Complete)
	assert.Equal(t, size, cs.RanksTotal)
	assert.Len(t, cs.Ranks, size)

	idx, err := LoadIndexFile(context.Background(), pfsstore.NewLocalFS(), filepath.Join(pfsDir, indexFileName))
	require.NoError(t, err)
	subdir, ok := idx.LatestComplete(ckptID)
	require.True(t, ok)
	entry, ok := idx.Entry(ckptID, subdir)
	require.True(t, ok)
	assert.True(t, entry.Complete)
	assert.False(t, entry.Failed)
}

func TestFlushRequiresEveryRankToHaveTheCheckpoint(t *testing.T) {
	const size = 2
	pfsDir := t.TempDir()
	fixtures := setupRanks(t, size, pfsDir)
	// rank 1 never cached anything for this checkpoint.
	fixtures[1].fm = filemap.New(filepath.Join(t.TempDir(), "filemap.scr"))
	world := comm.NewMemWorld(size, func(r int) string { return fmt.Sprintf("node%d", r) })

	errs := make([]error, size)
	done := make(chan int, size)
	for r := 0; r < size; r++ {
		r := r
		go func() {
			errs[r] = fixtures[r].mgr.Flush(context.Background(), world[r], fixtures[r].fm, ckptID, r, size, 1700000001)
			done <- r
		}()
	}
	for i := 0; i < size; i++ {
		<-done
	}
	for r := 0; r < size; r++ {
		assert.Error(t, errs[r], "rank %d", r)
	}
}

func TestFlushFileNeedsFlush(t *testing.T) {
	ff := NewFlushFile(filepath.Join(t.TempDir(), "flush.scr"))
	assert.False(t, ff.NeedsFlush(ckptID))

	ff.Set(ckptID, LocationCache)
	assert.True(t, ff.NeedsFlush(ckptID))

	ff.Set(ckptID, LocationPFS)
	assert.False(t, ff.NeedsFlush(ckptID))

	ff.Clear(ckptID, LocationPFS)
	assert.True(t, ff.NeedsFlush(ckptID))
}

func TestAsyncFlushStartTestCompleteStop(t *testing.T) {
	const size = 2
	pfsDir := t.TempDir()
	fixtures := setupRanks(t, size, pfsDir)
	world := comm.NewMemWorld(size, func(r int) string { return fmt.Sprintf("node%d", r) })
	subdir := "scr.1700000002.job1.1"
	destDir := filepath.Join(pfsDir, subdir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for r := 0; r < size; r++ {
		files := map[string]int64{fixtures[r].cacheFile: int64(len(fixtures[r].content))}
		require.NoError(t, fixtures[r].mgr.StartAsync(ctx, ckptID, files, destDir))
		assert.True(t, fixtures[r].mgr.IsFlushing(ckptID))
	}

	// TestAsync is a collective (it reduces completion and bytes written
	// across the world communicator), so every rank must call it
	// together on each polling tick -- sequential per-rank calls would
	// deadlock waiting on a peer that hasn't called yet this tick.
	pollOnce := func() bool {
		results := make([]bool, size)
		errs := make([]error, size)
		var wg sync.WaitGroup
		wg.Add(size)
		for r := 0; r < size; r++ {
			r := r
			go func() {
				defer wg.Done()
				complete, _, err := fixtures[r].mgr.TestAsync(ctx, world[r], ckptID)
				results[r], errs[r] = complete, err
			}()
		}
		wg.Wait()
		for r := 0; r < size; r++ {
			if errs[r] != nil || !results[r] {
				return false
			}
		}
		return true
	}
	require.Eventually(t, pollOnce, 2*time.Second, 20*time.Millisecond)

	done := make(chan int, size)
	errs := make([]error, size)
	for r := 0; r < size; r++ {
		r := r
		go func() {
			errs[r] = fixtures[r].mgr.CompleteAsync(context.Background(), world[r], ckptID, r, size, destDir, subdir, 1700000002)
			done <- r
		}()
	}
	for i := 0; i < size; i++ {
		<-done
	}
	for r := 0; r < size; r++ {
		require.NoError(t, errs[r], "rank %d", r)
		assert.False(t, fixtures[r].mgr.IsFlushing(ckptID))
		assert.True(t, fixtures[r].mgr.flushFile.Has(ckptID, LocationPFS))
		fixtures[r].mgr.StopMover()
	}

	for r := 0; r < size; r++ {
		destFile := filepath.Join(destDir, filepath.Base(fixtures[r].cacheFile))
		data, err := os.ReadFile(destFile)
		require.NoError(t, err)
		assert.Equal(t, fixtures[r].content, data)
	}
}

func TestAsyncFlushStop(t *testing.T) {
	pfsDir := t.TempDir()
	fixtures := setupRanks(t, 1, pfsDir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	files := map[string]int64{fixtures[0].cacheFile: int64(len(fixtures[0].content))}
	require.NoError(t, fixtures[0].mgr.StartAsync(ctx, ckptID, files, filepath.Join(pfsDir, "scr.x")))
	require.NoError(t, fixtures[0].mgr.StopAsync(ctx, ckptID))
	assert.False(t, fixtures[0].mgr.IsFlushing(ckptID))
	fixtures[0].mgr.StopMover()
}
