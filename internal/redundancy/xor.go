// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package redundancy

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/descriptor"
	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/sidecar"
	"github.com/scr-go/scr-go/pkg/kvtree"
)

// ArtifactName returns the XOR artifact's filename, per §4.2 step 4:
// "<group_rank+1>_of_<group_size>_in_<group_id>.xor".
func ArtifactName(groupRank, groupSize, groupID int) string {
	return fmt.Sprintf("%d_of_%d_in_%d.xor", groupRank+1, groupSize, groupID)
}

// localFiles concatenates the logical bytes of files as one sequence,
// for the purposes of offset-based chunk reads in the reduce-scatter
// loop. It does not load anything into memory; read at the caller.
type localFiles struct {
	files []string
	sizes []int64
	total int64
}

func newLocalFiles(files []string) (*localFiles, error) {
	lf := &localFiles{files: files, sizes: make([]int64, len(files))}
	for i, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, fmt.Errorf("xor: stat %s: %w", f, err)
		}
		lf.sizes[i] = info.Size()
		lf.total += info.Size()
	}
	return lf, nil
}

// readAt reads up to len(buf) logical bytes starting at offset,
// zero-padding any portion beyond the concatenation's end (§4.2 step
// 5, "pad with zeros beyond EOF").
func (lf *localFiles) readAt(offset int64, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	remainingStart := offset
	need := buf
	for i, f := range lf.files {
		size := lf.sizes[i]
		if remainingStart >= size {
			remainingStart -= size
			continue
		}
		fh, err := os.Open(f)
		if err != nil {
			return err
		}
		n := size - remainingStart
		if int64(len(need)) < n {
			n = int64(len(need))
		}
		if _, err := fh.ReadAt(need[:n], remainingStart); err != nil && err != io.EOF {
			fh.Close()
			return err
		}
		fh.Close()
		need = need[n:]
		remainingStart = 0
		if len(need) == 0 {
			return nil
		}
	}
	return nil
}

// EncodeXOR runs the reduce-scatter XOR encoder of §4.2.
func EncodeXOR(ctx context.Context, d *descriptor.Descriptor, fm *filemap.FileMap, worldRank, worldSize, ckptID int, files []string, crcOnFlush bool) error {
	group := d.GroupComm
	groupSize := d.GroupSize
	myRank := d.GroupRank

	ok, err := Preflight(ctx, group, files, ckptID, worldRank, worldSize)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("xor: preflight failed for checkpoint %d, aborting encode", ckptID)
	}

	// A stable order is required: the offset each file occupies in the
	// concatenated byte stream must be re-derivable from the FileMap's
	// file set alone during rebuild, which has no record of the order
	// EncodeXOR was originally called with.
	files = append([]string(nil), files...)
	sort.Strings(files)

	lf, err := newLocalFiles(files)
	if err != nil {
		return err
	}
	for i, f := range files {
		fm.SetFileSize(ckptID, worldRank, f, lf.sizes[i])
	}

	maxBytes, err := group.AllreduceInt64(ctx, lf.total, comm.Max)
	if err != nil {
		return fmt.Errorf("xor: allreduce max bytes: %w", err)
	}

	denom := int64(groupSize - 1)
	if denom < 1 {
		denom = 1
	}
	chunkSize := (maxBytes + denom - 1) / denom
	if chunkSize < 1 {
		chunkSize = 1
	}

	own := currentTree(files, lf)
	ownBytes := own.EncodeBinary()
	partnerBytes, err := group.SendRecv(ctx, d.RHS, ownBytes, d.LHS)
	if err != nil {
		return fmt.Errorf("xor: exchange partner CURRENT: %w", err)
	}
	partner, _, err := kvtree.DecodeBinary(partnerBytes)
	if err != nil {
		return fmt.Errorf("xor: decode partner CURRENT: %w", err)
	}

	header := buildHeader(d, ckptID, worldSize, chunkSize, own, partner)

	artifactName := ArtifactName(myRank, groupSize, d.GroupID)
	artifactPath := filepath.Join(d.Directory, artifactName)
	fm.AddFile(ckptID, worldRank, artifactPath)
	if err := fm.Save(); err != nil {
		return fmt.Errorf("xor: persist filemap before artifact create: %w", err)
	}

	out, err := os.Create(artifactPath)
	if err != nil {
		return fmt.Errorf("xor: create artifact: %w", err)
	}
	defer out.Close()

	headerBytes := header.EncodeBinary()
	if _, err := out.Write(headerBytes); err != nil {
		return fmt.Errorf("xor: write header: %w", err)
	}

	// Reduce-scatter around the ring in groupSize-1 rounds. Round i
	// reads this rank's own chunk j(i) -- a diagonal selection that
	// gives each of the groupSize-1 other ranks exactly one of this
	// rank's chunks over the life of the algorithm -- XORs in whatever
	// accumulator arrived from the previous round, then exchanges the
	// result with both neighbours in one SendRecv so every rank is
	// simultaneously sending and receiving (a plain Send with no
	// matching concurrent Recv on round one would deadlock: every rank
	// would be offering data to its right neighbour while that
	// neighbour is itself blocked offering data to its own right
	// neighbour, all the way around the ring).
	hasher := crc32.NewIEEE()
	var acc []byte
	for i := groupSize - 1; i >= 1; i-- {
		j := (myRank + groupSize + i) % groupSize
		if j > myRank {
			j--
		}
		fresh := make([]byte, chunkSize)
		if err := lf.readAt(chunkSize*int64(j), fresh); err != nil {
			return fmt.Errorf("xor: read chunk: %w", err)
		}
		if acc != nil {
			xorInto(fresh, acc)
		}
		recvBuf, err := group.SendRecv(ctx, d.RHS, fresh, d.LHS)
		if err != nil {
			return fmt.Errorf("xor: exchange round %d: %w", i, err)
		}
		acc = recvBuf
	}
	if acc == nil {
		acc = make([]byte, chunkSize)
	}
	if _, err := out.Write(acc); err != nil {
		return fmt.Errorf("xor: append final chunk: %w", err)
	}
	if crcOnFlush {
		hasher.Write(acc)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("xor: fsync artifact: %w", err)
	}

	fm.SetFileSize(ckptID, worldRank, artifactPath, int64(len(headerBytes))+chunkSize)

	sc := &sidecar.Sidecar{
		Filename:     artifactPath,
		FileType:     sidecar.TypeXOR,
		FileSize:     int64(len(headerBytes)) + chunkSize,
		CheckpointID: ckptID,
		Rank:         worldRank,
		RanksTotal:   worldSize,
		Complete:     true,
	}
	if crcOnFlush {
		sum := hasher.Sum32()
		sc.CRC32 = &sum
	}
	return sc.Save()
}

// xorInto XORs src into dst in place; the shorter slice's extra bytes
// of the longer one are left untouched (both are always chunkSize in
// this protocol, so this is purely defensive).
func xorInto(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}

// currentTree builds the CURRENT sub-hash of §6 "XOR artifact": the
// file count and per-file name/size describing one member's own data
// as of this encode. It is also what gets exchanged with the right
// neighbour so each artifact can carry its PARTNER's CURRENT alongside
// its own (§4.2 step 2).
func currentTree(files []string, lf *localFiles) *kvtree.Tree {
	current := kvtree.New()
	current.Set("FILES", int64(len(files)))
	for i, f := range files {
		fileTree := current.Dict(fmt.Sprintf("FILE.%d", i))
		fileTree.Set("FILENAME", filepath.Base(f))
		fileTree.Set("SIZE", lf.sizes[i])
	}
	return current
}

// buildHeader assembles the XOR artifact header hash of §6 "XOR
// artifact": CKPT, CHUNK, RANKS (the world size), GROUP.RANKS, a
// RANKS.MAP from group rank to world rank, this member's own CURRENT,
// and its left neighbour's CURRENT under PARTNER.
func buildHeader(d *descriptor.Descriptor, ckptID, worldSize int, chunkSize int64, own, partner *kvtree.Tree) *kvtree.Tree {
	h := kvtree.New()
	h.Set("CKPT", int64(ckptID))
	h.Set("CHUNK", chunkSize)
	h.Set("RANKS", int64(worldSize))
	h.Set("GROUP.RANKS", int64(d.GroupSize))

	ranks := h.SetTree("RANKS.MAP")
	for i := 0; i < d.GroupSize; i++ {
		ranks.Set(fmt.Sprintf("%d", i), int64(d.GroupComm.WorldRank(i)))
	}

	h.Set("CURRENT", own)
	h.Set("PARTNER", partner)
	return h
}
