// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flush

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
	"github.com/scr-go/scr-go/internal/pfsstore"
	"github.com/scr-go/scr-go/internal/sidecar"
	"github.com/scr-go/scr-go/pkg/kvtree"
	"github.com/scr-go/scr-go/pkg/log"
)

const (
	currentSymlinkName = "scr.current"
	indexFileName      = "index.scr"
	summaryFileName    = "summary.scr"
)

// Config holds the flush scheduler's tunables, drawn from
// internal/config.Config.
type Config struct {
	FlushWidth int   // max concurrently in-flight sliding-window transfers
	BufSize    int64 // streaming buffer size for flushAFile
	CRCOnFlush bool
}

func (c Config) bufSize() int64 {
	if c.BufSize > 0 {
		return c.BufSize
	}
	return 1 << 20
}

// Manager implements §4.6's synchronous and asynchronous flush
// scheduler for one node: it moves a cache-resident checkpoint to the
// PFS through store, updates the flush file, and publishes the
// summary/index/symlink artifacts that make the flush visible to
// other ranks and to a later fetch (§4.7).
//
// Manager also implements internal/cachemgr.FlushStatus, letting the
// cache manager block on an in-progress flush before evicting its
// checkpoint.
type Manager struct {
	cfg    Config
	store  pfsstore.Store
	prefix string
	jobID  string

	flushFile *FlushFile
	index     *IndexFile
	transfer  *TransferFile

	mu          sync.Mutex
	doneCh      map[int]chan struct{}
	moverCancel context.CancelFunc
}

// NewManager returns a flush Manager. flushFile and transfer are this
// node's shared control files (§3); index is the PFS-root catalog,
// shared by the whole job but written only by world rank 0 (§5).
func NewManager(cfg Config, store pfsstore.Store, prefix, jobID string, flushFile *FlushFile, transfer *TransferFile, index *IndexFile) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		prefix:    prefix,
		jobID:     jobID,
		flushFile: flushFile,
		transfer:  transfer,
		index:     index,
		doneCh:    make(map[int]chan struct{}),
	}
}

// IsFlushing implements cachemgr.FlushStatus.
func (m *Manager) IsFlushing(ckptID int) bool {
	return m.flushFile.Has(ckptID, LocationFlushing)
}

// WaitFlushComplete implements cachemgr.FlushStatus: it blocks until
// ckptID's FLUSHING bit clears (flush completed or was cancelled) or
// ctx is done.
func (m *Manager) WaitFlushComplete(ctx context.Context, ckptID int) error {
	if !m.IsFlushing(ckptID) {
		return nil
	}
	ch := m.doneChan(ckptID)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) doneChan(ckptID int) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.doneCh[ckptID]
	if !ok {
		ch = make(chan struct{})
		m.doneCh[ckptID] = ch
	}
	return ch
}

func (m *Manager) signalDone(ckptID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.doneCh[ckptID]; ok {
		close(ch)
		delete(m.doneCh, ckptID)
	}
}

// subdirFor names the time-stamped PFS directory a flush of ckptID at
// now (unix seconds) publishes into.
func (m *Manager) subdirFor(ckptID int, now int64) string {
	return fmt.Sprintf("scr.%d.%s.%d", now, m.jobID, ckptID)
}

func (m *Manager) indexPath() string   { return filepath.Join(m.prefix, indexFileName) }
func (m *Manager) symlinkPath() string { return filepath.Join(m.prefix, currentSymlinkName) }

// Flush runs the synchronous flush algorithm (§4.6) for ckptID. Every
// world rank must call this; now is the unix timestamp used to name
// the PFS subdirectory, supplied by the caller so every rank agrees on
// it without an extra round trip.
func (m *Manager) Flush(ctx context.Context, world comm.Comm, fm *filemap.FileMap, ckptID, worldRank, worldSize int, now int64) error {
	haveFiles := len(fm.Files(ckptID, worldRank)) > 0
	allHave, err := world.AllreduceBool(ctx, haveFiles, comm.And)
	if err != nil {
		return fmt.Errorf("flush: allreduce participant check: %w", err)
	}
	if !allHave {
		return fmt.Errorf("flush: not every rank has cached checkpoint %d", ckptID)
	}

	subdir := ""
	if worldRank == 0 {
		subdir = m.subdirFor(ckptID, now)
	}
	subdirBytes, err := world.Bcast(ctx, 0, []byte(subdir))
	if err != nil {
		return fmt.Errorf("flush: bcast subdirectory name: %w", err)
	}
	subdir = string(subdirBytes)
	destDir := filepath.Join(m.prefix, subdir)

	if worldRank == 0 {
		if err := m.store.MkdirAll(ctx, destDir); err != nil {
			return fmt.Errorf("flush: mkdir %s: %w", destDir, err)
		}
		m.index.MarkFlushed(ckptID, subdir, now, false)
		if err := m.index.Save(ctx, m.store, m.indexPath()); err != nil {
			return err
		}
	}
	if err := world.Barrier(ctx); err != nil {
		return fmt.Errorf("flush: barrier after directory creation: %w", err)
	}

	summary, ok, err := m.gatherSummary(ctx, world, ckptID, worldRank, worldSize, func() (*kvtree.Tree, bool) {
		return m.flushRankFiles(ctx, fm, ckptID, worldRank, worldSize, destDir)
	})
	if err != nil {
		return fmt.Errorf("flush: checkpoint %d: %w", ckptID, err)
	}
	if !ok {
		if worldRank == 0 {
			m.index.MarkFailed(ckptID, subdir)
			_ = m.index.Save(ctx, m.store, m.indexPath())
		}
		return fmt.Errorf("flush: one or more ranks failed to flush checkpoint %d", ckptID)
	}

	if worldRank == 0 {
		summary.SetCheckpoint(ckptID, worldSize, true)
		if err := summary.Save(ctx, m.store, filepath.Join(destDir, summaryFileName)); err != nil {
			return err
		}
		if err := m.store.Symlink(ctx, subdir, m.symlinkPath()); err != nil {
			return fmt.Errorf("flush: update current symlink: %w", err)
		}
		m.index.MarkFlushed(ckptID, subdir, now, true)
		if err := m.index.Save(ctx, m.store, m.indexPath()); err != nil {
			return err
		}
	}

	m.flushFile.Set(ckptID, LocationPFS)
	m.flushFile.Clear(ckptID, LocationFlushing)
	if err := m.flushFile.Save(); err != nil {
		return err
	}
	m.signalDone(ckptID)
	log.Infof("flush: checkpoint %d flushed to %s", ckptID, destDir)
	return nil
}

// gatherSummary runs the §4.6 step-3 sliding window: rank 0 bounds
// concurrency to cfg.FlushWidth via an errgroup, sending every other
// rank a START token and collecting its reply; build runs on every
// rank (including 0) to produce that rank's file-summary subtree and
// whether it succeeded. The actual data movement happens inside build,
// not here -- this function only coordinates concurrency and gathers
// results, so Flush and CompleteAsync can share it.
func (m *Manager) gatherSummary(ctx context.Context, world comm.Comm, ckptID, worldRank, worldSize int, build func() (*kvtree.Tree, bool)) (*Summary, bool, error) {
	rankTree, myOK := build()

	if worldRank != 0 {
		if _, err := world.Recv(ctx, 0); err != nil {
			return nil, false, fmt.Errorf("recv start token: %w", err)
		}
		payload, err := encodeRankReply(myOK, rankTree)
		if err != nil {
			return nil, false, err
		}
		if err := world.Send(ctx, 0, payload); err != nil {
			return nil, false, fmt.Errorf("send flush reply: %w", err)
		}
		allOK, err := world.AllreduceBool(ctx, myOK, comm.And)
		if err != nil {
			return nil, false, fmt.Errorf("allreduce flush success: %w", err)
		}
		return nil, allOK, nil
	}

	summary := NewSummary()
	mergeRankTree(summary, ckptID, 0, rankTree)

	var mu sync.Mutex
	allOK := myOK
	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.FlushWidth > 0 {
		g.SetLimit(m.cfg.FlushWidth)
	}
	for r := 1; r < worldSize; r++ {
		r := r
		g.Go(func() error {
			if err := world.Send(gctx, r, []byte("START")); err != nil {
				return fmt.Errorf("send start token to %d: %w", r, err)
			}
			reply, err := world.Recv(gctx, r)
			if err != nil {
				return fmt.Errorf("recv flush reply from %d: %w", r, err)
			}
			ok, fileTree, err := decodeRankReply(reply)
			if err != nil {
				return fmt.Errorf("decode flush reply from %d: %w", r, err)
			}
			mu.Lock()
			if fileTree != nil {
				mergeRankTree(summary, ckptID, r, fileTree)
			}
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
		return nil, false, fmt.Errorf("allreduce flush success: %w", reduceErr)
	}
	if waitErr != nil {
		return nil, false, waitErr
	}
	return summary, reduced, nil
}

// flushRankFiles streams every file (ckptID, rank) holds in its cache
// to destDir via store, §4.6 step 3's "flush_a_file".
func (m *Manager) flushRankFiles(ctx context.Context, fm *filemap.FileMap, ckptID, rank, ranksTotal int, destDir string) (*kvtree.Tree, bool) {
	files := fm.Files(ckptID, rank)
	sort.Strings(files)

	fileTree := kvtree.New()
	ok := true
	for _, f := range files {
		basename := filepath.Base(f)
		entry, err := m.flushAFile(ctx, f, filepath.Join(destDir, basename), ckptID, rank, ranksTotal)
		if err != nil {
			log.Errorf("flush: %s: %v", f, err)
			ok = false
			continue
		}
		eTree := fileTree.SetTree(basename)
		eTree.Set("SIZE", entry.Size)
		eTree.Set("COMPLETE", entry.Complete)
		if entry.CRC32 != nil {
			eTree.Set("CRC32", int64(*entry.CRC32))
		}
	}
	return fileTree, ok
}

// flushAFile copies srcPath (a local cache file) to destPath on the
// PFS, optionally computing a CRC32, and writes its sidecar alongside
// it through the same store.
func (m *Manager) flushAFile(ctx context.Context, srcPath, destPath string, ckptID, rank, ranksTotal int) (FileSummary, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return FileSummary{}, fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := m.store.Create(ctx, destPath)
	if err != nil {
		return FileSummary{}, fmt.Errorf("create %s: %w", destPath, err)
	}

	hasher := crc32.NewIEEE()
	buf := make([]byte, m.cfg.bufSize())
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				dst.Close()
				return FileSummary{}, fmt.Errorf("write %s: %w", destPath, err)
			}
			if m.cfg.CRCOnFlush {
				hasher.Write(buf[:n])
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			dst.Close()
			return FileSummary{}, fmt.Errorf("read %s: %w", srcPath, readErr)
		}
	}
	if err := dst.Close(); err != nil {
		return FileSummary{}, fmt.Errorf("close %s: %w", destPath, err)
	}

	entry := FileSummary{Size: written, Complete: true}
	sc := &sidecar.Sidecar{
		Filename:     destPath,
		FileType:     sidecar.TypeFull,
		FileSize:     written,
		CheckpointID: ckptID,
		Rank:         rank,
		RanksTotal:   ranksTotal,
		Complete:     true,
	}
	if m.cfg.CRCOnFlush {
		sum := hasher.Sum32()
		entry.CRC32 = &sum
		sc.CRC32 = &sum
	}
	data, err := sidecar.Encode(sc)
	if err != nil {
		return FileSummary{}, fmt.Errorf("encode sidecar for %s: %w", destPath, err)
	}
	w, err := m.store.Create(ctx, sidecar.Path(destPath))
	if err != nil {
		return FileSummary{}, fmt.Errorf("create sidecar for %s: %w", destPath, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return FileSummary{}, fmt.Errorf("write sidecar for %s: %w", destPath, err)
	}
	if err := w.Close(); err != nil {
		return FileSummary{}, fmt.Errorf("close sidecar for %s: %w", destPath, err)
	}
	return entry, nil
}

func mergeRankTree(summary *Summary, ckptID, rank int, fileTree *kvtree.Tree) {
	if fileTree == nil {
		return
	}
	for _, basename := range fileTree.Keys() {
		eTree, ok := fileTree.GetTree(basename)
		if !ok {
			continue
		}
		size, _ := eTree.GetInt64("SIZE")
		complete, _ := eTree.GetBool("COMPLETE")
		entry := FileSummary{Size: size, Complete: complete}
		if n, ok := eTree.GetInt64("CRC32"); ok {
			u := uint32(n)
			entry.CRC32 = &u
		}
		summary.SetFile(ckptID, rank, basename, entry)
	}
}

func encodeRankReply(ok bool, fileTree *kvtree.Tree) ([]byte, error) {
	t := kvtree.New()
	t.Set("OK", ok)
	filesTree := t.SetTree("FILES")
	if fileTree != nil {
		filesTree.Merge(fileTree)
	}
	return t.MarshalJSON()
}

func decodeRankReply(data []byte) (bool, *kvtree.Tree, error) {
	t := kvtree.New()
	if err := t.UnmarshalJSON(data); err != nil {
		return false, nil, err
	}
	ok, _ := t.GetBool("OK")
	filesTree, _ := t.GetTree("FILES")
	return ok, filesTree, nil
}
