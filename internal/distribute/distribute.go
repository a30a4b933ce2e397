// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package distribute implements §4.4's restart distributor: after a
// potentially reshuffled restart, it ensures each world rank once
// again holds its own checkpoint files, in O(group-size) exchange
// rounds rather than an all-to-all shuffle.
package distribute

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/sidecar"
)

// Distribute runs the restart distributor for one checkpoint. fm is
// this node's merged FileMap (the node master's scatter/merge of
// every local rank's view, §4.8) and destDir is where myWorldRank's
// own files should end up. Every world rank must call this.
func Distribute(ctx context.Context, world comm.Comm, fm *filemap.FileMap, ckptID, myWorldRank, worldSize int, destDir string, bufSize int, crcOnMove bool) error {
	haveRanks := make([]int, 0)
	for _, r := range fm.Ranks(ckptID) {
		if len(fm.Files(ckptID, r)) > 0 {
			haveRanks = append(haveRanks, r)
		}
	}
	sort.Ints(haveRanks)

	rotateAt := len(haveRanks)
	for i, r := range haveRanks {
		if r >= myWorldRank {
			rotateAt = i
			break
		}
	}
	haveRankByRound := append(append([]int{}, haveRanks[rotateAt:]...), haveRanks[:rotateAt]...)

	sendHash := make(map[int]int64, len(haveRankByRound))
	for round, r := range haveRankByRound {
		sendHash[r] = int64(round)
	}
	recvHash, err := world.AlltoallInt64(ctx, sendHash)
	if err != nil {
		return fmt.Errorf("distribute: all-to-all send_hash: %w", err)
	}

	retrieveRank, retrieveRound := -1, -1
	for src, round := range recvHash {
		if retrieveRank == -1 || int(round) < retrieveRound {
			retrieveRank, retrieveRound = src, int(round)
		}
	}

	localMax := int64(-1)
	if retrieveRank != -1 {
		localMax = int64(retrieveRound)
	}
	maxRounds, err := world.AllreduceInt64(ctx, localMax, comm.Max)
	if err != nil {
		return fmt.Errorf("distribute: allreduce max_rounds: %w", err)
	}
	if maxRounds < 0 {
		return fmt.Errorf("distribute: no rank offered checkpoint %d's files for world rank %d", ckptID, myWorldRank)
	}

	claimSend := map[int]int64{}
	if retrieveRank != -1 {
		claimSend[retrieveRank] = int64(retrieveRound)
	}
	claimRecv, err := world.AlltoallInt64(ctx, claimSend)
	if err != nil {
		return fmt.Errorf("distribute: all-to-all claim: %w", err)
	}
	sendTargetByRound := make(map[int]int, len(claimRecv))
	for src, round := range claimRecv {
		sendTargetByRound[int(round)] = src
	}

	claimedRounds := make(map[int]bool)
	for round := 0; round <= int(maxRounds); round++ {
		sendTarget, hasSend := sendTargetByRound[round]
		hasRecv := retrieveRank != -1 && round == retrieveRound
		if hasSend {
			claimedRounds[round] = true
		}

		switch {
		case hasSend && sendTarget == myWorldRank:
			if err := renameLocal(fm, ckptID, myWorldRank, destDir); err != nil {
				return fmt.Errorf("distribute: round %d rename in place: %w", round, err)
			}
		case hasSend || hasRecv:
			var wg sync.WaitGroup
			var sendErr, recvErr error
			if hasSend {
				wg.Add(1)
				go func() {
					defer wg.Done()
					sendErr = sendRankFiles(ctx, world, sendTarget, fm, ckptID, haveRankByRound[round], bufSize)
				}()
			}
			if hasRecv {
				wg.Add(1)
				go func() {
					defer wg.Done()
					recvErr = recvRankFiles(ctx, world, retrieveRank, fm, ckptID, myWorldRank, worldSize, destDir, bufSize, crcOnMove)
				}()
			}
			wg.Wait()
			if sendErr != nil {
				return fmt.Errorf("distribute: round %d send to %d: %w", round, sendTarget, sendErr)
			}
			if recvErr != nil {
				return fmt.Errorf("distribute: round %d recv from %d: %w", round, retrieveRank, recvErr)
			}
		}
	}

	// Anything still on this node that nobody claimed -- including
	// rounds beyond max_rounds, which the loop above never visited --
	// is stale and gets dropped (§4.4 step 7).
	for round, rank := range haveRankByRound {
		if rank == myWorldRank || claimedRounds[round] {
			continue
		}
		removeRankFiles(fm, ckptID, rank)
	}
	return fm.Save()
}

func renameLocal(fm *filemap.FileMap, ckptID, worldRank int, destDir string) error {
	files := fm.Files(ckptID, worldRank)
	for _, old := range files {
		newPath := filepath.Join(destDir, filepath.Base(old))
		if newPath == old {
			continue
		}
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return err
		}
		if err := os.Rename(old, newPath); err != nil {
			return fmt.Errorf("rename %s: %w", old, err)
		}
		if err := os.Rename(sidecar.Path(old), sidecar.Path(newPath)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rename sidecar for %s: %w", old, err)
		}
		size, _ := fm.FileSize(ckptID, worldRank, old)
		fm.RemoveFile(ckptID, worldRank, old)
		fm.AddFile(ckptID, worldRank, newPath)
		fm.SetFileSize(ckptID, worldRank, newPath, size)
	}
	return nil
}

func removeRankFiles(fm *filemap.FileMap, ckptID, rank int) {
	for _, f := range fm.Files(ckptID, rank) {
		os.Remove(f)
		os.Remove(sidecar.Path(f))
		fm.RemoveFile(ckptID, rank, f)
	}
}

// sendRankFiles streams every file belonging to rank to dest, MOVE
// semantics: each file and its sidecar are removed locally once sent,
// since the restart distributor consumes its source (§4.4 step 6).
func sendRankFiles(ctx context.Context, world comm.Comm, dest int, fm *filemap.FileMap, ckptID, rank, bufSize int) error {
	files := fm.Files(ckptID, rank)
	sort.Strings(files)

	if err := world.Send(ctx, dest, encodeInt64(int64(len(files)))); err != nil {
		return fmt.Errorf("send file count: %w", err)
	}
	for _, f := range files {
		if err := world.Send(ctx, dest, []byte(filepath.Base(f))); err != nil {
			return fmt.Errorf("send filename: %w", err)
		}
		if err := sendFileMove(ctx, world, dest, f, bufSize); err != nil {
			return fmt.Errorf("send %s: %w", f, err)
		}
		os.Remove(sidecar.Path(f))
		fm.RemoveFile(ckptID, rank, f)
		if err := fm.Save(); err != nil {
			return fmt.Errorf("persist filemap after sending %s: %w", f, err)
		}
	}
	return nil
}

func recvRankFiles(ctx context.Context, world comm.Comm, src int, fm *filemap.FileMap, ckptID, worldRank, worldSize int, destDir string, bufSize int, crcOnMove bool) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", destDir, err)
	}
	countBytes, err := world.Recv(ctx, src)
	if err != nil {
		return fmt.Errorf("recv file count: %w", err)
	}
	n := int(decodeInt64(countBytes))
	for i := 0; i < n; i++ {
		nameBytes, err := world.Recv(ctx, src)
		if err != nil {
			return fmt.Errorf("recv filename: %w", err)
		}
		destPath := filepath.Join(destDir, string(nameBytes))
		fm.AddFile(ckptID, worldRank, destPath)
		if err := fm.Save(); err != nil {
			return fmt.Errorf("persist filemap before writing %s: %w", destPath, err)
		}
		written, err := recvFileMove(ctx, world, src, destPath, bufSize, crcOnMove, ckptID, worldRank, worldSize)
		if err != nil {
			return fmt.Errorf("recv %s: %w", destPath, err)
		}
		fm.SetFileSize(ckptID, worldRank, destPath, written)
	}
	return nil
}

// sendFileMove streams path's bytes to dest as chunks terminated by an
// empty chunk -- a plain one-directional ping-pong, safe from deadlock
// the same way partner_rebuild's one-way transfer is: each Send blocks
// until the paired Recv below it consumes it.
func sendFileMove(ctx context.Context, world comm.Comm, dest int, path string, bufSize int) error {
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
		if err := world.Send(ctx, dest, buf[:n]); err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	f.Close()
	return os.Remove(path)
}

func recvFileMove(ctx context.Context, world comm.Comm, src int, destPath string, bufSize int, crcOnMove bool, ckptID, rank, ranksTotal int) (int64, error) {
	dst, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	hasher := crc32.NewIEEE()
	var written int64
	for {
		chunk, err := world.Recv(ctx, src)
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			break
		}
		if _, err := dst.Write(chunk); err != nil {
			return 0, err
		}
		if crcOnMove {
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
	if crcOnMove {
		sum := hasher.Sum32()
		sc.CRC32 = &sum
	}
	if err := sc.Save(); err != nil {
		return 0, err
	}
	return written, nil
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
