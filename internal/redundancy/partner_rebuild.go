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

	"github.com/scr-go/scr-go/internal/descriptor"
	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/sidecar"
)

// RebuildPartner implements §4.3's "PARTNER rebuild": the pair-exchange
// is the same as encoding, but this time only the group member holding
// a backup copy of the lost rank's files -- its RHS neighbour, the
// exact relationship EncodePartner used to decide who backs up whom --
// streams them back. root is the lost rank's group-local rank; every
// other group member's call is a no-op, since this is a point-to-point
// recovery between exactly two ranks, not a group-wide collective.
func RebuildPartner(ctx context.Context, d *descriptor.Descriptor, fm *filemap.FileMap, worldRank, worldSize, ckptID, root, bufSize int, crcOnRebuild bool) error {
	myRank := d.GroupRank
	hop := descriptor.NormalizeHopDistance(d.HopDistance, d.GroupSize)
	holder := mod(root+hop, d.GroupSize)

	switch myRank {
	case root:
		return rebuildPartnerAsRoot(ctx, d, fm, worldRank, worldSize, ckptID, bufSize, crcOnRebuild)
	case holder:
		return rebuildPartnerAsHolder(ctx, d, fm, ckptID, d.GroupComm.WorldRank(root), bufSize)
	default:
		return nil
	}
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

func rebuildPartnerAsHolder(ctx context.Context, d *descriptor.Descriptor, fm *filemap.FileMap, ckptID, rootWorldRank, bufSize int) error {
	group := d.GroupComm
	files := fm.Files(ckptID, rootWorldRank)
	sort.Strings(files)

	if err := group.Send(ctx, d.LHS, encodeInt64(int64(len(files)))); err != nil {
		return fmt.Errorf("redundancy: rebuild partner send file count: %w", err)
	}
	for _, f := range files {
		if filepath.Ext(f) == ".xor" {
			continue
		}
		if err := group.Send(ctx, d.LHS, []byte(filepath.Base(f))); err != nil {
			return fmt.Errorf("redundancy: rebuild partner send filename: %w", err)
		}
		if err := sendFileOneWay(ctx, group, d.LHS, f, bufSize); err != nil {
			return fmt.Errorf("redundancy: rebuild partner send %s: %w", f, err)
		}
	}
	return nil
}

func rebuildPartnerAsRoot(ctx context.Context, d *descriptor.Descriptor, fm *filemap.FileMap, worldRank, worldSize, ckptID, bufSize int, crcOnRebuild bool) error {
	group := d.GroupComm
	countBytes, err := group.Recv(ctx, d.RHS)
	if err != nil {
		return fmt.Errorf("redundancy: rebuild partner recv file count: %w", err)
	}
	n := int(decodeInt64(countBytes))
	for i := 0; i < n; i++ {
		nameBytes, err := group.Recv(ctx, d.RHS)
		if err != nil {
			return fmt.Errorf("redundancy: rebuild partner recv filename: %w", err)
		}
		destPath := filepath.Join(d.Directory, string(nameBytes))
		fm.AddFile(ckptID, worldRank, destPath)
		if err := fm.Save(); err != nil {
			return fmt.Errorf("redundancy: persist filemap before partner rebuild write: %w", err)
		}
		written, err := recvFileOneWay(ctx, group, d.RHS, destPath, bufSize, crcOnRebuild, ckptID, worldRank, worldSize)
		if err != nil {
			return fmt.Errorf("redundancy: rebuild partner recv %s: %w", destPath, err)
		}
		fm.SetFileSize(ckptID, worldRank, destPath, written)
	}
	return fm.Save()
}

// sendFileOneWay streams path to dest as a sequence of chunks
// terminated by a single zero-length chunk, a plain request/response
// shape safe from deadlock because it never depends on a concurrent
// Recv the way a two-sided exchange would: each Send blocks until the
// matching Recv below consumes it before the next one is issued.
func sendFileOneWay(ctx context.Context, group interface {
	Send(ctx context.Context, dest int, data []byte) error
}, dest int, path string, bufSize int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, bufSize)
	for {
		n, readErr := io.ReadFull(f, buf)
		if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
			return readErr
		}
		if err := group.Send(ctx, dest, buf[:n]); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func recvFileOneWay(ctx context.Context, group interface {
	Recv(ctx context.Context, src int) ([]byte, error)
}, src int, destPath string, bufSize int, crcOnRebuild bool, ckptID, rank, ranksTotal int) (int64, error) {
	dst, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	hasher := crc32.NewIEEE()
	var written int64
	for {
		chunk, err := group.Recv(ctx, src)
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := dst.Write(chunk); err != nil {
			return 0, err
		}
		if crcOnRebuild {
			hasher.Write(chunk)
		}
		written += int64(len(chunk))
	}

	sc := &sidecar.Sidecar{
		Filename:     destPath,
		FileType:     sidecar.TypeFull,
		FileSize:     written,
		CheckpointID: ckptID,
		Rank:         rank,
		RanksTotal:   ranksTotal,
		Complete:     true,
	}
	if crcOnRebuild {
		sum := hasher.Sum32()
		sc.CRC32 = &sum
	}
	if err := sc.Save(); err != nil {
		return 0, err
	}
	return written, nil
}
