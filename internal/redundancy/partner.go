// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package redundancy implements the PARTNER and XOR encoders of §4.2:
// given a preflight-validated set of local files for a checkpoint,
// each builds and persists the cross-node redundancy data its scheme
// promises.
package redundancy

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/scr-go/scr-go/internal/descriptor"
	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/sidecar"
)

// Mode distinguishes a PARTNER exchange that keeps both copies (used
// during encoding) from one that consumes the sender's copy (used
// during restart distribution, §4.4).
type Mode int

const (
	Copy Mode = iota
	Move
)

// EncodePartner runs the PARTNER encoder (§4.2 "PARTNER"): it trades
// file counts and descriptor hashes with both neighbours, then
// streams each of its files to its partner.
func EncodePartner(ctx context.Context, d *descriptor.Descriptor, fm *filemap.FileMap, worldRank, worldSize, ckptID int, files []string, crcOnCopy bool, bufSize int, mode Mode) error {
	group := d.GroupComm

	if mode == Copy {
		ok, err := Preflight(ctx, group, files, ckptID, worldRank, worldSize)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("redundancy: preflight failed for checkpoint %d, aborting partner encode", ckptID)
		}
	}

	numFiles := int64(len(files))
	recvCount, err := group.SendRecv(ctx, d.RHS, encodeInt64(numFiles), d.LHS)
	if err != nil {
		return fmt.Errorf("redundancy: partner exchange num_files: %w", err)
	}
	numFromLeft := decodeInt64(recvCount)

	fm.SetExpectedCount(ckptID, d.LHSWorldRank, int(numFromLeft))
	fm.SetTag(ckptID, d.LHSWorldRank, "PARTNER", d.LHSHost)
	fm.SetTag(ckptID, worldRank, "PARTNER", d.RHSHost)

	if _, err := group.SendRecv(ctx, d.RHS, []byte(d.GroupComm.Hostname()), d.LHS); err != nil {
		return fmt.Errorf("redundancy: partner exchange descriptor hash: %w", err)
	}

	if err := fm.Save(); err != nil {
		return fmt.Errorf("redundancy: persist filemap before partner transfer: %w", err)
	}

	maxIter := len(files)
	if int(numFromLeft) > maxIter {
		maxIter = int(numFromLeft)
	}

	for i := 0; i < maxIter; i++ {
		var sendName string
		if i < len(files) {
			sendName = filepath.Base(files[i])
		}
		recvNameRaw, err := group.SendRecv(ctx, d.RHS, []byte(sendName), d.LHS)
		if err != nil {
			return fmt.Errorf("redundancy: partner exchange filename: %w", err)
		}
		recvName := string(recvNameRaw)

		var destPath string
		if recvName != "" {
			destPath = filepath.Join(d.Directory, recvName)
			fm.AddFile(ckptID, d.LHSWorldRank, destPath)
			if err := fm.Save(); err != nil {
				return fmt.Errorf("redundancy: persist filemap before partner write: %w", err)
			}
		}

		var srcPath string
		if sendName != "" {
			srcPath = files[i]
		}
		meta := sidecarMeta{checkpointID: ckptID, ownerRank: d.LHSWorldRank, ranksTotal: worldSize}
		if err := streamFile(ctx, group, d.RHS, d.LHS, srcPath, destPath, bufSize, crcOnCopy, mode, meta, fm); err != nil {
			return fmt.Errorf("redundancy: partner stream file: %w", err)
		}
	}
	return nil
}

// sidecarMeta carries the scalar fields sidecar.Usable checks against,
// so streamFile and EncodeXOR can stamp a freshly written file's
// sidecar with the identity its preflight check will later expect.
type sidecarMeta struct {
	checkpointID int
	ownerRank    int
	ranksTotal   int
}

// streamFile exchanges one file's bytes with the partner in fixed-size
// chunks, one paired send+recv per chunk, per §4.2 step 4.
func streamFile(ctx context.Context, group interface {
	SendRecv(ctx context.Context, dest int, sendData []byte, src int) ([]byte, error)
}, rhs, lhs int, srcPath, destPath string, bufSize int, crcOnCopy bool, mode Mode, meta sidecarMeta, fm *filemap.FileMap) error {
	var src *os.File
	var err error
	if srcPath != "" {
		src, err = os.Open(srcPath)
		if err != nil {
			return fmt.Errorf("open source %s: %w", srcPath, err)
		}
		defer src.Close()
	}

	var dst *os.File
	if destPath != "" {
		dst, err = os.Create(destPath)
		if err != nil {
			return fmt.Errorf("create dest %s: %w", destPath, err)
		}
		defer dst.Close()
	}

	// Both sides keep exchanging chunks, a zero-length chunk meaning
	// "nothing left to send", until one round sends and receives
	// nothing in both directions.
	hasher := crc32.NewIEEE()
	buf := make([]byte, bufSize)
	var written int64
	for {
		var n int
		if src != nil {
			var readErr error
			n, readErr = io.ReadFull(src, buf)
			if readErr != nil && readErr != io.EOF && readErr != io.ErrUnexpectedEOF {
				return readErr
			}
		}
		sendChunk := buf[:n]

		recvChunk, err := group.SendRecv(ctx, rhs, sendChunk, lhs)
		if err != nil {
			return err
		}
		if dst != nil && len(recvChunk) > 0 {
			if _, err := dst.Write(recvChunk); err != nil {
				return err
			}
			if crcOnCopy {
				hasher.Write(recvChunk)
			}
			written += int64(len(recvChunk))
		}

		if len(sendChunk) == 0 && len(recvChunk) == 0 {
			break
		}
	}

	if dst != nil {
		sc := &sidecar.Sidecar{
			Filename:     destPath,
			FileType:     sidecar.TypeFull,
			FileSize:     written,
			CheckpointID: meta.checkpointID,
			Rank:         meta.ownerRank,
			RanksTotal:   meta.ranksTotal,
			Complete:     true,
		}
		if crcOnCopy {
			sum := hasher.Sum32()
			sc.CRC32 = &sum
		}
		if err := sc.Save(); err != nil {
			return err
		}
		fm.SetFileSize(meta.checkpointID, meta.ownerRank, destPath, written)
	}

	if mode == Move && src != nil {
		src.Close()
		if destPath == "" {
			// pure send with no reciprocal file: delete our copy.
			os.Remove(srcPath)
			os.Remove(sidecar.Path(srcPath))
		}
	}
	return nil
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
