// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rebuild

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
	"github.com/scr-go/scr-go/internal/descriptor"
	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/redundancy"
	"github.com/scr-go/scr-go/internal/sidecar"
)

func buildRing(groupSize int, dirs []string, world []comm.Comm) []*descriptor.Descriptor {
	descs := make([]*descriptor.Descriptor, groupSize)
	for r := 0; r < groupSize; r++ {
		descs[r] = &descriptor.Descriptor{
			Enabled:   true,
			Directory: dirs[r],
			GroupComm: world[r],
			GroupID:   0,
			GroupRank: r,
			GroupSize: groupSize,
			LHS:       (r - 1 + groupSize) % groupSize,
			RHS:       (r + 1) % groupSize,
		}
	}
	return descs
}

func writeFileWithSidecar(t *testing.T, path string, content []byte, ckptID, rank, ranksTotal int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, content, 0o644))
	sc := &sidecar.Sidecar{
		Filename:     path,
		FileType:     sidecar.TypeFull,
		FileSize:     int64(len(content)),
		CheckpointID: ckptID,
		Rank:         rank,
		RanksTotal:   ranksTotal,
		Complete:     true,
	}
	require.NoError(t, sc.Save())
}

func TestDetectNoLoss(t *testing.T) {
	const groupSize = 3
	world := comm.NewMemWorld(groupSize, func(rank int) string { return fmt.Sprintf("node%d", rank) })
	descs := buildRing(groupSize, make([]string, groupSize), world)

	var wg sync.WaitGroup
	roots := make([]int, groupSize)
	errs := make([]error, groupSize)
	wg.Add(groupSize)
	for r := 0; r < groupSize; r++ {
		r := r
		go func() {
			defer wg.Done()
			roots[r], errs[r] = Detect(context.Background(), descs[r], true)
		}()
	}
	wg.Wait()

	for r := 0; r < groupSize; r++ {
		require.NoError(t, errs[r])
		assert.Equal(t, -1, roots[r])
	}
}

func TestDetectSingleLoss(t *testing.T) {
	const groupSize = 3
	world := comm.NewMemWorld(groupSize, func(rank int) string { return fmt.Sprintf("node%d", rank) })
	descs := buildRing(groupSize, make([]string, groupSize), world)

	var wg sync.WaitGroup
	roots := make([]int, groupSize)
	errs := make([]error, groupSize)
	wg.Add(groupSize)
	for r := 0; r < groupSize; r++ {
		r := r
		go func() {
			defer wg.Done()
			roots[r], errs[r] = Detect(context.Background(), descs[r], r != 1)
		}()
	}
	wg.Wait()

	for r := 0; r < groupSize; r++ {
		require.NoError(t, errs[r])
		assert.Equal(t, 1, roots[r])
	}
}

func TestDetectUnrecoverable(t *testing.T) {
	const groupSize = 3
	world := comm.NewMemWorld(groupSize, func(rank int) string { return fmt.Sprintf("node%d", rank) })
	descs := buildRing(groupSize, make([]string, groupSize), world)

	var wg sync.WaitGroup
	errs := make([]error, groupSize)
	wg.Add(groupSize)
	for r := 0; r < groupSize; r++ {
		r := r
		go func() {
			defer wg.Done()
			_, errs[r] = Detect(context.Background(), descs[r], r == 0)
		}()
	}
	wg.Wait()

	for r := 0; r < groupSize; r++ {
		assert.ErrorIs(t, errs[r], ErrUnrecoverable)
	}
}

func TestRebuildXORRecoversLostRank(t *testing.T) {
	const groupSize = 4
	const root = 2
	world := comm.NewMemWorld(groupSize, func(rank int) string { return fmt.Sprintf("node%d", rank) })

	dirs := make([]string, groupSize)
	contents := make([][]byte, groupSize)
	ckptPaths := make([]string, groupSize)
	fms := make([]*filemap.FileMap, groupSize)
	for r := 0; r < groupSize; r++ {
		dirs[r] = t.TempDir()
		contents[r] = []byte(fmt.Sprintf("payload-from-rank-%d-padded-out-a-bit", r))
		ckptPaths[r] = filepath.Join(dirs[r], "ckpt.0")
		fms[r] = filemap.New(filepath.Join(dirs[r], "filemap.scrinfo"))
	}
	descs := buildRing(groupSize, dirs, world)

	var wg sync.WaitGroup
	errs := make([]error, groupSize)
	wg.Add(groupSize)
	for r := 0; r < groupSize; r++ {
		r := r
		go func() {
			defer wg.Done()
			writeFileWithSidecar(t, ckptPaths[r], contents[r], 9, r, groupSize)
			errs[r] = redundancy.EncodeXOR(context.Background(), descs[r], fms[r], r, groupSize, 9, []string{ckptPaths[r]}, true)
		}()
	}
	wg.Wait()
	for r := 0; r < groupSize; r++ {
		require.NoError(t, errs[r])
	}

	// Simulate root's data loss: wipe its bulk files on disk, but keep
	// its FileMap (metadata is assumed to survive independently, §3).
	artifactName := redundancy.ArtifactName(root, groupSize, 0)
	require.NoError(t, os.Remove(ckptPaths[root]))
	require.NoError(t, os.Remove(filepath.Join(dirs[root], artifactName)))
	require.NoError(t, os.Remove(sidecar.Path(ckptPaths[root])))

	wg.Add(groupSize)
	for r := 0; r < groupSize; r++ {
		r := r
		go func() {
			defer wg.Done()
			if r == root {
				errs[r] = RebuildXOR(context.Background(), descs[r], fms[r], r, groupSize, 9, root, nil, "", true)
				return
			}
			artifactPath := filepath.Join(dirs[r], redundancy.ArtifactName(r, groupSize, 0))
			errs[r] = RebuildXOR(context.Background(), descs[r], fms[r], r, groupSize, 9, root, []string{ckptPaths[r]}, artifactPath, true)
		}()
	}
	wg.Wait()
	for r := 0; r < groupSize; r++ {
		require.NoError(t, errs[r])
	}

	got, err := os.ReadFile(ckptPaths[root])
	require.NoError(t, err)
	assert.Equal(t, contents[root], got)

	sc, err := sidecar.Load(ckptPaths[root])
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.True(t, sc.Complete)

	info, err := os.Stat(filepath.Join(dirs[root], artifactName))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
