// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flush

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/pkg/kvtree"
)

// CompleteAsync finishes an asynchronous flush once every rank's
// TestAsync has reported completion (§4.6 async "complete"): it
// gathers each rank's already-moved files into a summary using the
// same rank-0 sliding window Flush uses, publishes the summary/
// symlink/index artifacts, and clears the flush file's FLUSHING bit.
func (m *Manager) CompleteAsync(ctx context.Context, world comm.Comm, ckptID, worldRank, worldSize int, destDir, subdir string, flushedTime int64) error {
	summary, ok, err := m.gatherSummary(ctx, world, ckptID, worldRank, worldSize, func() (*kvtree.Tree, bool) {
		return m.buildTransferSummary(ckptID)
	})
	if err != nil {
		return fmt.Errorf("flush: complete async flush of checkpoint %d: %w", ckptID, err)
	}
	if !ok {
		if worldRank == 0 {
			m.index.MarkFailed(ckptID, subdir)
			_ = m.index.Save(ctx, m.store, m.indexPath())
		}
		return fmt.Errorf("flush: one or more ranks failed to complete async flush of checkpoint %d", ckptID)
	}

	if worldRank == 0 {
		summary.SetCheckpoint(ckptID, worldSize, true)
		if err := summary.Save(ctx, m.store, filepath.Join(destDir, summaryFileName)); err != nil {
			return err
		}
		if err := m.store.Symlink(ctx, subdir, m.symlinkPath()); err != nil {
			return fmt.Errorf("flush: update current symlink: %w", err)
		}
		m.index.MarkFlushed(ckptID, subdir, flushedTime, true)
		if err := m.index.Save(ctx, m.store, m.indexPath()); err != nil {
			return err
		}
	}

	if err := m.transfer.Update(func(tf *TransferFile) {
		for src, e := range tf.Files {
			if e.Complete() {
				delete(tf.Files, src)
			}
		}
		tf.Command = CommandStop
		tf.Done = true
	}); err != nil {
		return fmt.Errorf("flush: clear transfer file after completing checkpoint %d: %w", ckptID, err)
	}

	m.flushFile.Set(ckptID, LocationPFS)
	m.flushFile.Clear(ckptID, LocationFlushing)
	if err := m.flushFile.Save(); err != nil {
		return err
	}
	m.signalDone(ckptID)
	return nil
}

// buildTransferSummary assembles the per-file summary subtree for
// ckptID from files the mover has already finished writing, without
// re-reading their bytes. Unlike the synchronous path, an async
// completion does not recompute a CRC from what landed on the PFS;
// CRC verification for asynchronously flushed checkpoints happens the
// next time they're fetched (§4.7 step 3), same as for any other
// cached-then-flushed file.
func (m *Manager) buildTransferSummary(ckptID int) (*kvtree.Tree, bool) {
	fileTree := kvtree.New()
	ok := true
	_ = m.transfer.View(func(tf *TransferFile) {
		for _, e := range tf.Files {
			if !e.Complete() {
				ok = false
				continue
			}
			basename := filepath.Base(e.Destination)
			eTree := fileTree.SetTree(basename)
			eTree.Set("SIZE", e.Size)
			eTree.Set("COMPLETE", true)
		}
	})
	return fileTree, ok
}

// StopAsync cancels an in-progress asynchronous flush (§4.6 async
// "stop"): it tells the mover to stop, waits for it to acknowledge,
// and clears the enqueued files so nothing is left half-flushed in the
// transfer file. The checkpoint's FLUSHING bit is cleared without
// setting PFS, since the flush did not complete.
func (m *Manager) StopAsync(ctx context.Context, ckptID int) error {
	if err := m.transfer.Update(func(tf *TransferFile) {
		tf.Command = CommandStop
	}); err != nil {
		return fmt.Errorf("flush: request stop for checkpoint %d: %w", ckptID, err)
	}

	for {
		var stopped bool
		if err := m.transfer.View(func(tf *TransferFile) {
			stopped = tf.State == StateStop
		}); err != nil {
			return fmt.Errorf("flush: wait for mover stop: %w", err)
		}
		if stopped {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := m.transfer.Update(func(tf *TransferFile) {
		tf.Files = make(map[string]TransferEntry)
		tf.Done = false
	}); err != nil {
		return fmt.Errorf("flush: clear transfer file for checkpoint %d: %w", ckptID, err)
	}

	m.flushFile.Clear(ckptID, LocationFlushing)
	if err := m.flushFile.Save(); err != nil {
		return err
	}
	m.signalDone(ckptID)
	return nil
}
