// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package distribute

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/filemap"
)

// TestDistributeThreeCycle simulates a restart where the nodes now
// running ranks 0,1,2 ended up with a cyclic shuffle of each other's
// cached files (node r physically holds world rank (r+1)%3's data),
// and checks every rank ends up with its own content after Distribute.
func TestDistributeThreeCycle(t *testing.T) {
	const n = 3
	world := comm.NewMemWorld(n, func(rank int) string { return fmt.Sprintf("node%d", rank) })

	contents := make([][]byte, n)
	for k := 0; k < n; k++ {
		contents[k] = []byte(fmt.Sprintf("world-rank-%d-payload", k))
	}

	mapping := []int{1, 2, 0} // node r physically holds world rank mapping[r]'s file

	sourceDirs := make([]string, n)
	destDirs := make([]string, n)
	fms := make([]*filemap.FileMap, n)
	for r := 0; r < n; r++ {
		sourceDirs[r] = t.TempDir()
		destDirs[r] = t.TempDir()
		fms[r] = filemap.New(filepath.Join(sourceDirs[r], "filemap.scrinfo"))

		owned := mapping[r]
		path := filepath.Join(sourceDirs[r], "ckpt.0")
		require.NoError(t, os.WriteFile(path, contents[owned], 0o644))
		fms[r].AddFile(5, owned, path)
		fms[r].SetFileSize(5, owned, path, int64(len(contents[owned])))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for r := 0; r < n; r++ {
		r := r
		go func() {
			defer wg.Done()
			errs[r] = Distribute(context.Background(), world[r], fms[r], 5, r, n, destDirs[r], 8, true)
		}()
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		require.NoError(t, errs[r])
		got, err := os.ReadFile(filepath.Join(destDirs[r], "ckpt.0"))
		require.NoError(t, err)
		assert.Equal(t, contents[r], got, "world rank %d should hold its own data after distribution", r)
	}
}

// TestDistributeAlreadyLocal covers the pure-rename branch: every rank
// already holds its own data on the node it's now running on.
func TestDistributeAlreadyLocal(t *testing.T) {
	const n = 2
	world := comm.NewMemWorld(n, func(rank int) string { return fmt.Sprintf("node%d", rank) })

	sourceDirs := make([]string, n)
	destDirs := make([]string, n)
	fms := make([]*filemap.FileMap, n)
	contents := make([][]byte, n)
	for r := 0; r < n; r++ {
		sourceDirs[r] = t.TempDir()
		destDirs[r] = t.TempDir()
		fms[r] = filemap.New(filepath.Join(sourceDirs[r], "filemap.scrinfo"))
		contents[r] = []byte(fmt.Sprintf("already-local-%d", r))

		path := filepath.Join(sourceDirs[r], "ckpt.0")
		require.NoError(t, os.WriteFile(path, contents[r], 0o644))
		fms[r].AddFile(6, r, path)
		fms[r].SetFileSize(6, r, path, int64(len(contents[r])))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for r := 0; r < n; r++ {
		r := r
		go func() {
			defer wg.Done()
			errs[r] = Distribute(context.Background(), world[r], fms[r], 6, r, n, destDirs[r], 8, true)
		}()
	}
	wg.Wait()

	for r := 0; r < n; r++ {
		require.NoError(t, errs[r])
		got, err := os.ReadFile(filepath.Join(destDirs[r], "ckpt.0"))
		require.NoError(t, err)
		assert.Equal(t, contents[r], got)
	}
}
