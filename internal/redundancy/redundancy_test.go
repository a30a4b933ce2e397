// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package redundancy

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
	"github.com/scr-go/scr-go/internal/sidecar"
)

// writeFileWithSidecar writes content to path and stamps a matching
// complete sidecar, the state Preflight requires before an encode.
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

func TestEncodePartnerRoundTrip(t *testing.T) {
	world := comm.NewMemWorld(2, func(rank int) string { return fmt.Sprintf("node%d", rank) })

	dirs := []string{t.TempDir(), t.TempDir()}
	content := [][]byte{[]byte("rank0 payload"), []byte("rank1 payload, a little longer")}

	descs := make([]*descriptor.Descriptor, 2)
	for r := 0; r < 2; r++ {
		descs[r] = &descriptor.Descriptor{
			Enabled:   true,
			Directory: dirs[r],
			GroupComm: world[r],
			GroupID:   0,
			GroupRank: r,
			GroupSize: 2,
			LHS:       1 - r,
			RHS:       1 - r,
		}
	}
	descs[0].LHSWorldRank, descs[0].RHSWorldRank = 1, 1
	descs[1].LHSWorldRank, descs[1].RHSWorldRank = 0, 0

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	for r := 0; r < 2; r++ {
		r := r
		go func() {
			defer wg.Done()
			srcPath := filepath.Join(dirs[r], "ckpt.0")
			writeFileWithSidecar(t, srcPath, content[r], 7, r, 2)
			fm := filemap.New(filepath.Join(dirs[r], "filemap.scrinfo"))
			errs[r] = EncodePartner(context.Background(), descs[r], fm, r, 2, 7, []string{srcPath}, true, 8, Copy)
		}()
	}
	wg.Wait()

	for r := 0; r < 2; r++ {
		require.NoError(t, errs[r])
	}

	got0, err := os.ReadFile(filepath.Join(dirs[0], "ckpt.0"))
	require.NoError(t, err)
	assert.Equal(t, content[1], got0, "rank 0 should hold a copy of rank 1's file")

	got1, err := os.ReadFile(filepath.Join(dirs[1], "ckpt.0"))
	require.NoError(t, err)
	assert.Equal(t, content[0], got1, "rank 1 should hold a copy of rank 0's file")
}

func TestEncodeXORReduceScatter(t *testing.T) {
	const groupSize = 4
	world := comm.NewMemWorld(groupSize, func(rank int) string { return fmt.Sprintf("node%d", rank) })

	dirs := make([]string, groupSize)
	contents := make([][]byte, groupSize)
	for r := 0; r < groupSize; r++ {
		dirs[r] = t.TempDir()
		contents[r] = []byte(fmt.Sprintf("payload-from-rank-%d-with-some-padding", r))
	}

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

	var wg sync.WaitGroup
	errs := make([]error, groupSize)
	wg.Add(groupSize)
	for r := 0; r < groupSize; r++ {
		r := r
		go func() {
			defer wg.Done()
			srcPath := filepath.Join(dirs[r], "ckpt.0")
			writeFileWithSidecar(t, srcPath, contents[r], 3, r, groupSize)
			fm := filemap.New(filepath.Join(dirs[r], "filemap.scrinfo"))
			errs[r] = EncodeXOR(context.Background(), descs[r], fm, r, groupSize, 3, []string{srcPath}, true)
		}()
	}
	wg.Wait()

	for r := 0; r < groupSize; r++ {
		require.NoError(t, errs[r])
		name := ArtifactName(r, groupSize, 0)
		path := filepath.Join(dirs[r], name)
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))

		sc, err := sidecar.Load(path)
		require.NoError(t, err)
		require.NotNil(t, sc)
		assert.True(t, sc.Complete)
		assert.Equal(t, 3, sc.CheckpointID)
	}
}

func TestRebuildPartnerRestoresFromHolder(t *testing.T) {
	const groupSize = 3
	const root = 1
	world := comm.NewMemWorld(groupSize, func(rank int) string { return fmt.Sprintf("node%d", rank) })

	dirs := make([]string, groupSize)
	contents := make([][]byte, groupSize)
	ckptPaths := make([]string, groupSize)
	fms := make([]*filemap.FileMap, groupSize)
	for r := 0; r < groupSize; r++ {
		dirs[r] = t.TempDir()
		contents[r] = []byte(fmt.Sprintf("rank-%d-partner-payload", r))
		// Distinct basenames per rank: a backup copy lands in its
		// holder's own directory under the owner's filename, and must
		// not collide with the holder's own checkpoint file there.
		ckptPaths[r] = filepath.Join(dirs[r], fmt.Sprintf("ckpt.0.rank%d", r))
		fms[r] = filemap.New(filepath.Join(dirs[r], "filemap.scrinfo"))
	}

	descs := make([]*descriptor.Descriptor, groupSize)
	for r := 0; r < groupSize; r++ {
		lhs := (r - 1 + groupSize) % groupSize
		rhs := (r + 1) % groupSize
		descs[r] = &descriptor.Descriptor{
			Enabled:      true,
			Directory:    dirs[r],
			HopDistance:  1,
			GroupComm:    world[r],
			GroupID:      0,
			GroupRank:    r,
			GroupSize:    groupSize,
			LHS:          lhs,
			RHS:          rhs,
			LHSWorldRank: lhs,
			RHSWorldRank: rhs,
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, groupSize)
	wg.Add(groupSize)
	for r := 0; r < groupSize; r++ {
		r := r
		go func() {
			defer wg.Done()
			writeFileWithSidecar(t, ckptPaths[r], contents[r], 4, r, groupSize)
			errs[r] = EncodePartner(context.Background(), descs[r], fms[r], r, groupSize, 4, []string{ckptPaths[r]}, true, 8, Copy)
		}()
	}
	wg.Wait()
	for r := 0; r < groupSize; r++ {
		require.NoError(t, errs[r])
	}

	// rank (root+1) holds a backup copy of root's file; simulate root
	// losing its own original entirely.
	require.NoError(t, os.Remove(ckptPaths[root]))
	require.NoError(t, os.Remove(sidecar.Path(ckptPaths[root])))

	wg.Add(groupSize)
	for r := 0; r < groupSize; r++ {
		r := r
		go func() {
			defer wg.Done()
			errs[r] = RebuildPartner(context.Background(), descs[r], fms[r], r, groupSize, 4, root, 8, true)
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
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "1_of_4_in_0.xor", ArtifactName(0, 4, 0))
	assert.Equal(t, "4_of_4_in_2.xor", ArtifactName(3, 4, 2))
}
