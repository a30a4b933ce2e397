// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rebuild implements §4.3's redundancy rebuild engine: given a
// group missing at most one member's checkpoint data, it reconstructs
// that member's files from the group's XOR or PARTNER redundancy data.
package rebuild

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/descriptor"
	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/redundancy"
	"github.com/scr-go/scr-go/internal/sidecar"
	"github.com/scr-go/scr-go/pkg/kvtree"
)

// ErrUnrecoverable reports that more than one member of a group needs
// rebuilding, which single-fault-tolerant PARTNER/XOR redundancy
// cannot recover (§4.3 "More than one member missing: unrecoverable").
var ErrUnrecoverable = fmt.Errorf("rebuild: group has more than one member needing rebuild")

// Detect determines, for this group, whether a rebuild is needed and
// who the lost member (the "root") is. Every group member must call
// this with the same haveAllFiles value it computed locally (whether
// its own FileMap entry for the checkpoint is Complete). It returns
// root == -1 when nothing needs rebuilding.
func Detect(ctx context.Context, d *descriptor.Descriptor, haveAllFiles bool) (root int, err error) {
	group := d.GroupComm

	needRebuild := int64(0)
	if !haveAllFiles {
		needRebuild = 1
	}
	total, err := group.AllreduceInt64(ctx, needRebuild, comm.Sum)
	if err != nil {
		return -1, fmt.Errorf("rebuild: detect allreduce: %w", err)
	}
	if total == 0 {
		return -1, nil
	}
	if total > 1 {
		return -1, ErrUnrecoverable
	}

	candidate := int64(-1)
	if !haveAllFiles {
		candidate = int64(d.GroupRank)
	}
	rootRank, err := group.AllreduceInt64(ctx, candidate, comm.Max)
	if err != nil {
		return -1, fmt.Errorf("rebuild: detect root allreduce: %w", err)
	}
	return int(rootRank), nil
}

// concat mirrors redundancy's own file-concatenation view: a read-only
// sequence over several files' bytes, zero-padded past the end, used
// to re-derive the exact bytes this rank contributed at encode time.
type concat struct {
	files []string
	sizes []int64
}

func newConcat(files []string) (*concat, error) {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	c := &concat{files: sorted, sizes: make([]int64, len(sorted))}
	for i, f := range sorted {
		info, err := os.Stat(f)
		if err != nil {
			return nil, fmt.Errorf("rebuild: stat %s: %w", f, err)
		}
		c.sizes[i] = info.Size()
	}
	return c, nil
}

func (c *concat) readAt(offset int64, buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	remaining := offset
	need := buf
	for i, f := range c.files {
		size := c.sizes[i]
		if remaining >= size {
			remaining -= size
			continue
		}
		fh, err := os.Open(f)
		if err != nil {
			return err
		}
		n := size - remaining
		if int64(len(need)) < n {
			n = int64(len(need))
		}
		_, err = fh.ReadAt(need[:n], remaining)
		fh.Close()
		if err != nil && err != io.EOF {
			return err
		}
		need = need[n:]
		remaining = 0
		if len(need) == 0 {
			return nil
		}
	}
	return nil
}

// diag returns the chunk index contributor contributes toward target's
// slot in the reduce-scatter, the exact bijection EncodeXOR's own
// diagonal selection uses -- rebuild runs it in reverse, so a survivor
// must pick the same chunk index it picked while encoding.
func diag(contributor, groupSize, target int) int {
	j := (contributor + groupSize + target) % groupSize
	if j > contributor {
		j--
	}
	return j
}

func mod(a, n int) int {
	if n == 0 {
		return 0
	}
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

func xorBytes(dst, src []byte) []byte {
	out := make([]byte, len(dst))
	copy(out, dst)
	n := len(out)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		out[i] ^= src[i]
	}
	return out
}

// RebuildXOR reconstructs the group's single lost member (root, a
// group-local rank) from the XOR artifacts and original files held by
// the group's other groupSize-1 members, per §4.3's pipelined main
// loop. Every group member must call this, including root, which has
// neither myFiles nor myArtifactPath (both are ignored for root).
//
// The relay runs groupSize rounds, one per target chunk_id 0..groupSize-1.
// For chunk_id == root, the round reconstructs root's own lost XOR
// artifact (every live member's fresh chunk XORed together reproduces
// exactly what root's artifact would have held, by the same diagonal
// bijection EncodeXOR relies on). For chunk_id == some live rank r,
// the round reconstructs one of root's original file-data chunks: r
// itself contributes its own stored artifact (which already folds in
// every other live member's contribution) instead of a fresh read, so
// root receives exactly r's stored value XORed with everyone else's
// freshly re-derived chunk -- which cancels out every term except
// root's own missing one.
func RebuildXOR(ctx context.Context, d *descriptor.Descriptor, fm *filemap.FileMap, worldRank, worldSize, ckptID, root int, myFiles []string, myArtifactPath string, crcOnRebuild bool) error {
	group := d.GroupComm
	groupSize := d.GroupSize
	myRank := d.GroupRank

	var chunkSize int64
	var myArtifactChunk []byte
	var lf *concat
	var err error

	if myRank != root {
		lf, err = newConcat(myFiles)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(myArtifactPath)
		if err != nil {
			return fmt.Errorf("rebuild: read own artifact: %w", err)
		}
		hdr, consumed, err := kvtree.DecodeBinary(data)
		if err != nil {
			return fmt.Errorf("rebuild: decode own artifact header: %w", err)
		}
		cs, ok := hdr.GetInt64("CHUNK")
		if !ok {
			return fmt.Errorf("rebuild: artifact header missing CHUNK")
		}
		chunkSize = cs
		myArtifactChunk = data[consumed:]
	}

	// root doesn't know chunk_size (its own artifact is gone); the live
	// member starting the relay chain -- root's RHS -- broadcasts it.
	chainStart := mod(root+1, groupSize)
	var payload []byte
	if myRank == chainStart {
		payload = encodeInt64(chunkSize)
	}
	got, err := group.Bcast(ctx, chainStart, payload)
	if err != nil {
		return fmt.Errorf("rebuild: broadcast chunk size: %w", err)
	}
	if myRank == root {
		chunkSize = decodeInt64(got)
	}

	isChainStart := myRank == mod(root+1, groupSize)

	// chunks[k] holds root's original local chunk k (0..groupSize-2, the
	// same local-chunk numbering EncodeXOR's diagonal selection reads
	// from); it is filled out of chunk_id order, since the round that
	// reconstructs root's local chunk k is chunk_id == diag(root,
	// groupSize, mod(k-root, groupSize))'s inverse, not k itself.
	chunks := make([][]byte, groupSize-1)
	var artifactChunk []byte

	for chunkID := 0; chunkID < groupSize; chunkID++ {
		if myRank == root {
			recvBuf, err := group.Recv(ctx, d.LHS)
			if err != nil {
				return fmt.Errorf("rebuild: recv chunk %d: %w", chunkID, err)
			}
			if chunkID == root {
				artifactChunk = recvBuf
			} else {
				chunks[diag(root, groupSize, mod(chunkID-root, groupSize))] = recvBuf
			}
			continue
		}

		var contribution []byte
		if myRank == chunkID {
			contribution = myArtifactChunk
		} else {
			contribution = make([]byte, chunkSize)
			// The diagonal a contributor reads toward target chunk_id is
			// rotated by the hop distance between them, exactly as
			// EncodeXOR's own reduce-scatter rotates it round to round.
			localIdx := diag(myRank, groupSize, mod(chunkID-myRank, groupSize))
			if err := lf.readAt(chunkSize*int64(localIdx), contribution); err != nil {
				return fmt.Errorf("rebuild: read chunk: %w", err)
			}
		}

		result := contribution
		if !isChainStart {
			recvBuf, err := group.Recv(ctx, d.LHS)
			if err != nil {
				return fmt.Errorf("rebuild: recv chunk %d: %w", chunkID, err)
			}
			result = xorBytes(contribution, recvBuf)
		}
		if err := group.Send(ctx, d.RHS, result); err != nil {
			return fmt.Errorf("rebuild: send chunk %d: %w", chunkID, err)
		}
	}

	if myRank != root {
		return nil
	}

	reconstructed := make([]byte, 0, int64(groupSize-1)*chunkSize)
	for _, c := range chunks {
		reconstructed = append(reconstructed, c...)
	}
	return writeRebuiltFiles(fm, d, worldRank, worldSize, ckptID, reconstructed, artifactChunk, crcOnRebuild)
}

// writeRebuiltFiles carves the reconstructed byte stream back into
// root's original files using the sizes its own (surviving) FileMap
// entry recorded at encode time, then rewrites root's XOR artifact.
func writeRebuiltFiles(fm *filemap.FileMap, d *descriptor.Descriptor, worldRank, worldSize, ckptID int, data, artifactChunk []byte, crcOnRebuild bool) error {
	names := fm.Files(ckptID, worldRank)
	sort.Strings(names)

	offset := 0
	for _, name := range names {
		if filepath.Ext(name) == ".xor" {
			continue
		}
		size, ok := fm.FileSize(ckptID, worldRank, name)
		if !ok {
			return fmt.Errorf("rebuild: no recorded size for %s, cannot carve reconstructed data", name)
		}
		if offset+int(size) > len(data) {
			return fmt.Errorf("rebuild: reconstructed data too short for %s", name)
		}
		content := data[offset : offset+int(size)]
		offset += int(size)

		if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
			return fmt.Errorf("rebuild: mkdir for %s: %w", name, err)
		}
		if err := os.WriteFile(name, content, 0o644); err != nil {
			return fmt.Errorf("rebuild: write %s: %w", name, err)
		}

		sc := &sidecar.Sidecar{
			Filename:     name,
			FileType:     sidecar.TypeFull,
			FileSize:     size,
			CheckpointID: ckptID,
			Rank:         worldRank,
			RanksTotal:   worldSize,
			Complete:     true,
		}
		if crcOnRebuild {
			sum := crc32.ChecksumIEEE(content)
			sc.CRC32 = &sum
		}
		if err := sc.Save(); err != nil {
			return fmt.Errorf("rebuild: write sidecar for %s: %w", name, err)
		}
	}

	artifactName := redundancy.ArtifactName(d.GroupRank, d.GroupSize, d.GroupID)
	artifactPath := filepath.Join(d.Directory, artifactName)

	header := kvtree.New()
	header.Set("CKPT", int64(ckptID))
	header.Set("CHUNK", int64(len(artifactChunk)))
	header.Set("RANKS", int64(worldSize))
	header.Set("GROUP.RANKS", int64(d.GroupSize))
	ranks := header.SetTree("RANKS.MAP")
	for i := 0; i < d.GroupSize; i++ {
		ranks.Set(fmt.Sprintf("%d", i), int64(d.GroupComm.WorldRank(i)))
	}
	current := header.SetTree("CURRENT")
	current.Set("FILES", int64(len(names)))
	for i, name := range names {
		if filepath.Ext(name) == ".xor" {
			continue
		}
		size, _ := fm.FileSize(ckptID, worldRank, name)
		fileTree := current.Dict(fmt.Sprintf("FILE.%d", i))
		fileTree.Set("FILENAME", filepath.Base(name))
		fileTree.Set("SIZE", size)
	}
	headerBytes := header.EncodeBinary()

	if err := os.WriteFile(artifactPath, append(headerBytes, artifactChunk...), 0o644); err != nil {
		return fmt.Errorf("rebuild: write artifact: %w", err)
	}
	fm.AddFile(ckptID, worldRank, artifactPath)
	fm.SetFileSize(ckptID, worldRank, artifactPath, int64(len(headerBytes)+len(artifactChunk)))

	sc := &sidecar.Sidecar{
		Filename:     artifactPath,
		FileType:     sidecar.TypeXOR,
		FileSize:     int64(len(headerBytes) + len(artifactChunk)),
		CheckpointID: ckptID,
		Rank:         worldRank,
		RanksTotal:   worldSize,
		Complete:     true,
	}
	if crcOnRebuild {
		sum := crc32.ChecksumIEEE(artifactChunk)
		sc.CRC32 = &sum
	}
	if err := sc.Save(); err != nil {
		return fmt.Errorf("rebuild: write artifact sidecar: %w", err)
	}
	return fm.Save()
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
