// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fetch implements §4.7's fetch loader: reloading a checkpoint
// from the PFS into the local cache when the rebuild engine reports it
// unrecoverable from node-local copies alone. It mirrors
// internal/flush's sliding window as a read instead of a write.
package fetch

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/flush"
	"github.com/scr-go/scr-go/internal/pfsstore"
	"github.com/scr-go/scr-go/internal/sidecar"
	"github.com/scr-go/scr-go/pkg/kvtree"
	"github.com/scr-go/scr-go/pkg/log"
)

const summaryFileName = "summary.scr"
const currentSymlinkName = "scr.current"
const indexFileName = "index.scr"

// Config holds the fetch loader's tunables.
type Config struct {
	FetchWidth int // max concurrently in-flight sliding-window transfers
	BufSize    int64
}

func (c Config) bufSize() int64 {
	if c.BufSize > 0 {
		return c.BufSize
	}
	return 1 << 20
}

// Manager runs §4.7's fetch loader against one PFS prefix.
type Manager struct {
	cfg    Config
	store  pfsstore.Store
	prefix string
}

// NewManager returns a fetch Manager reading from store at prefix.
func NewManager(cfg Config, store pfsstore.Store, prefix string) *Manager {
	return &Manager{cfg: cfg, store: store, prefix: prefix}
}

func (m *Manager) symlinkPath() string { return filepath.Join(m.prefix, currentSymlinkName) }

// Fetch loads checkpoint ckptID from the PFS into cacheDir, adding the
// recovered files to fm and marking the chosen subdirectory fetched in
// index. requestedSubdir pins a specific PFS subdirectory; pass "" to
// use the `current` symlink or, failing that, the index's most
// recently flushed complete entry (§4.7 step 1). It returns the
// subdirectory fetched from so the caller can re-run the appropriate
// redundancy encoder over the recovered files (§4.7 step 5 -- fetch
// itself does not assume redundancy exists afterward).
func (m *Manager) Fetch(ctx context.Context, world comm.Comm, fm *filemap.FileMap, index *flush.IndexFile, cacheDir string, ckptID, worldRank, worldSize int, requestedSubdir string, fetchedTime int64) (string, error) {
	var subdir string
	var summaryData []byte
	if worldRank == 0 {
		resolved, err := m.resolveSubdir(ctx, index, ckptID, requestedSubdir)
		if err != nil {
			return "", err
		}
		subdir = resolved
		data, err := m.readSummaryBytes(ctx, subdir)
		if err != nil {
			return "", err
		}
		summaryData = data
	}

	subdirBytes, err := world.Bcast(ctx, 0, []byte(subdir))
	if err != nil {
		return "", fmt.Errorf("fetch: bcast subdirectory name: %w", err)
	}
	subdir = string(subdirBytes)
	if subdir == "" {
		return "", fmt.Errorf("fetch: no PFS subdirectory available for checkpoint %d", ckptID)
	}

	summaryBytes, err := world.Bcast(ctx, 0, summaryData)
	if err != nil {
		return "", fmt.Errorf("fetch: bcast summary: %w", err)
	}
	summary, err := flush.ParseSummary(summaryBytes)
	if err != nil {
		return "", fmt.Errorf("fetch: parse broadcast summary: %w", err)
	}
	cs, ok := summary.Checkpoint(ckptID)
	if !ok {
		return "", fmt.Errorf("fetch: summary for checkpoint %d has no entry in %s", ckptID, subdir)
	}

	srcDir := filepath.Join(m.prefix, subdir)
	fetched, ok, err := m.gatherFetch(ctx, world, worldRank, worldSize, func() (map[string]FetchedFile, *kvtree.Tree, bool) {
		return m.fetchRankFiles(ctx, srcDir, cacheDir, ckptID, worldRank, cs.RanksTotal, cs.Ranks[worldRank])
	})
	if err != nil {
		return "", fmt.Errorf("fetch: checkpoint %d: %w", ckptID, err)
	}
	if !ok {
		return "", fmt.Errorf("fetch: one or more ranks failed to fetch checkpoint %d from %s", ckptID, subdir)
	}

	for path, f := range fetched {
		fm.AddFile(ckptID, worldRank, path)
		fm.SetFileSize(ckptID, worldRank, path, f.Size)
	}
	fm.SetExpectedCount(ckptID, worldRank, len(cs.Ranks[worldRank].Files))

	if worldRank == 0 {
		index.MarkFetched(ckptID, subdir, fetchedTime)
		if err := index.Save(ctx, m.store, filepath.Join(m.prefix, indexFileName)); err != nil {
			return "", err
		}
	}
	log.Infof("fetch: checkpoint %d fetched from %s", ckptID, subdir)
	return subdir, nil
}

func (m *Manager) resolveSubdir(ctx context.Context, index *flush.IndexFile, ckptID int, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if target, err := m.store.ReadLink(ctx, m.symlinkPath()); err == nil && target != "" {
		return target, nil
	}
	if subdir, ok := index.LatestComplete(ckptID); ok {
		return subdir, nil
	}
	return "", fmt.Errorf("fetch: no flushed copy of checkpoint %d found", ckptID)
}

func (m *Manager) readSummaryBytes(ctx context.Context, subdir string) ([]byte, error) {
	path := filepath.Join(m.prefix, subdir, summaryFileName)
	r, err := m.store.OpenRead(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("fetch: open summary %s: %w", path, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fetch: read summary %s: %w", path, err)
	}
	return data, nil
}

// gatherFetch runs the same rank-0-bounded sliding window flush.go
// uses, but over a read instead of a write: build runs on every rank
// to fetch its own files and report what it recovered.
func (m *Manager) gatherFetch(ctx context.Context, world comm.Comm, worldRank, worldSize int, build func() (map[string]FetchedFile, *kvtree.Tree, bool)) (map[string]FetchedFile, bool, error) {
	myFiles, rankTree, myOK := build()

	if worldRank != 0 {
		if _, err := world.Recv(ctx, 0); err != nil {
			return nil, false, fmt.Errorf("recv start token: %w", err)
		}
		payload, err := encodeReply(myOK, rankTree)
		if err != nil {
			return nil, false, err
		}
		if err := world.Send(ctx, 0, payload); err != nil {
			return nil, false, fmt.Errorf("send fetch reply: %w", err)
		}
		allOK, err := world.AllreduceBool(ctx, myOK, comm.And)
		if err != nil {
			return nil, false, fmt.Errorf("allreduce fetch success: %w", err)
		}
		return myFiles, allOK, nil
	}

	var mu sync.Mutex
	allOK := myOK
	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.FetchWidth > 0 {
		g.SetLimit(m.cfg.FetchWidth)
	}
	for r := 1; r < worldSize; r++ {
		r := r
		g.Go(func() error {
			if err := world.Send(gctx, r, []byte("START")); err != nil {
				return fmt.Errorf("send start token to %d: %w", r, err)
			}
			reply, err := world.Recv(gctx, r)
			if err != nil {
				return fmt.Errorf("recv fetch reply from %d: %w", r, err)
			}
			ok, _, err := decodeReply(reply)
			if err != nil {
				return fmt.Errorf("decode fetch reply from %d: %w", r, err)
			}
			mu.Lock()
			if !ok {
				allOK = false
			}
			mu.Unlock()
			return nil
		})
	}
	waitErr := g.Wait()

	reduced, reduceErr := world.AllreduceBool(ctx, allOK && waitErr == nil, comm.And)
	if reduceErr != nil {
		return nil, false, fmt.Errorf("allreduce fetch success: %w", reduceErr)
	}
	if waitErr != nil {
		return nil, false, waitErr
	}
	return myFiles, reduced, nil
}

// FetchedFile is one file this rank successfully recovered.
type FetchedFile struct {
	Size int64
}

// fetchRankFiles pulls every file listed in rs from srcDir on the PFS
// into cacheDir, §4.7 step 2's "fetch_a_file".
func (m *Manager) fetchRankFiles(ctx context.Context, srcDir, cacheDir string, ckptID, rank, ranksTotal int, rs flush.RankSummary) (map[string]FetchedFile, *kvtree.Tree, bool) {
	basenames := make([]string, 0, len(rs.Files))
	for basename := range rs.Files {
		basenames = append(basenames, basename)
	}
	sort.Strings(basenames)

	fetched := make(map[string]FetchedFile, len(basenames))
	fileTree := kvtree.New()
	ok := true
	for _, basename := range basenames {
		expected := rs.Files[basename]
		destPath := filepath.Join(cacheDir, basename)
		srcPath := filepath.Join(srcDir, basename)
		size, crcOK, err := m.fetchAFile(ctx, srcPath, destPath, expected, ckptID, rank, ranksTotal)
		if err != nil {
			log.Errorf("fetch: %s: %v", srcPath, err)
			ok = false
			continue
		}
		if !crcOK {
			log.Errorf("fetch: %s: crc32 mismatch, unlinking", destPath)
			ok = false
			continue
		}
		fetched[destPath] = FetchedFile{Size: size}
		eTree := fileTree.SetTree(basename)
		eTree.Set("SIZE", size)
		eTree.Set("COMPLETE", true)
	}
	return fetched, fileTree, ok
}

// fetchAFile streams srcPath from the PFS to destPath on local disk,
// verifying CRC32 against expected.CRC32 when the summary recorded
// one. On a CRC mismatch the partial file is unlinked and no sidecar
// is written complete (§7's "integrity mismatch ... partial file is
// unlinked").
func (m *Manager) fetchAFile(ctx context.Context, srcPath, destPath string, expected flush.FileSummary, ckptID, rank, ranksTotal int) (int64, bool, error) {
	r, err := m.store.OpenRead(ctx, srcPath)
	if err != nil {
		return 0, false, fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, false, fmt.Errorf("mkdir for %s: %w", destPath, err)
	}
	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, false, fmt.Errorf("create %s: %w", destPath, err)
	}

	hasher := crc32.NewIEEE()
	buf := make([]byte, m.cfg.bufSize())
	var written int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				dst.Close()
				return 0, false, fmt.Errorf("write %s: %w", destPath, err)
			}
			hasher.Write(buf[:n])
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			dst.Close()
			return 0, false, fmt.Errorf("read %s: %w", srcPath, readErr)
		}
	}
	if err := dst.Close(); err != nil {
		return 0, false, fmt.Errorf("close %s: %w", destPath, err)
	}

	crcOK := true
	if expected.CRC32 != nil {
		sum := hasher.Sum32()
		crcOK = sum == *expected.CRC32
	}
	if !crcOK {
		os.Remove(destPath)
		return written, false, nil
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
	if expected.CRC32 != nil {
		sc.CRC32 = expected.CRC32
	}
	if err := sc.Save(); err != nil {
		return written, false, fmt.Errorf("save sidecar for %s: %w", destPath, err)
	}
	return written, true, nil
}

func encodeReply(ok bool, fileTree *kvtree.Tree) ([]byte, error) {
	t := kvtree.New()
	t.Set("OK", ok)
	filesTree := t.SetTree("FILES")
	if fileTree != nil {
		filesTree.Merge(fileTree)
	}
	return t.MarshalJSON()
}

func decodeReply(data []byte) (bool, *kvtree.Tree, error) {
	t := kvtree.New()
	if err := t.UnmarshalJSON(data); err != nil {
		return false, nil, err
	}
	ok, _ := t.GetBool("OK")
	filesTree, _ := t.GetTree("FILES")
	return ok, filesTree, nil
}
