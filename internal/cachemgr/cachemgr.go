// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cachemgr enforces each base's configured cache capacity
// (§4.5): it evicts old checkpoints to make room for a new one, and
// creates the new checkpoint's directory once per node.
package cachemgr

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/identity"
	"github.com/scr-go/scr-go/internal/sidecar"
	"github.com/scr-go/scr-go/pkg/log"
)

// baseTag is the FileMap tag key cachemgr uses to remember which base
// a checkpoint it is tracking was cached under, reusing the per-entry
// Tags bookkeeping the FileMap already carries for PARTNER hostnames.
const baseTag = "BASE"

// FlushStatus lets the cache manager avoid evicting a checkpoint that
// is mid-flush, and block on one that must finish before eviction can
// proceed (§4.5: "if only flushing checkpoints can be evicted, block
// on the oldest flushing checkpoint to complete, then evict it").
// internal/flush implements this; it is passed in here rather than
// imported to avoid a dependency cycle between the two packages.
type FlushStatus interface {
	IsFlushing(ckptID int) bool
	WaitFlushComplete(ctx context.Context, ckptID int) error
}

// Manager tracks each base's configured capacity, in checkpoints.
type Manager struct {
	capacity map[string]int
}

// New returns a Manager with no configured capacities; bases with no
// configured capacity are treated as unbounded.
func New() *Manager {
	return &Manager{capacity: make(map[string]int)}
}

// SetCapacity configures base to hold at most size concurrent
// checkpoints.
func (m *Manager) SetCapacity(base string, size int) {
	m.capacity[base] = size
}

// Start makes room for ckptID under base (evicting this rank's oldest
// cached checkpoints past capacity, per §4.5), then ensures
// "<descriptorDir>/checkpoint.<ckptID>" exists and returns its path.
// Every local rank must call Start so the trailing barrier releases
// together; only the node-local rank 0 touches the filesystem to
// create the directory, since ranks sharing a node share descriptorDir.
func (m *Manager) Start(ctx context.Context, id *identity.Identity, fm *filemap.FileMap, flush FlushStatus, base, descriptorDir string, ckptID int, crcOnEvict bool) (string, error) {
	if err := m.reclaim(ctx, fm, flush, base, id.WorldRank, crcOnEvict); err != nil {
		return "", err
	}

	dir := filepath.Join(descriptorDir, fmt.Sprintf("checkpoint.%d", ckptID))
	if id.LocalRank == 0 {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("cachemgr: mkdir %s: %w", dir, err)
		}
	}
	if err := id.Local.Barrier(ctx); err != nil {
		return "", fmt.Errorf("cachemgr: barrier after directory creation: %w", err)
	}

	fm.SetTag(ckptID, id.WorldRank, baseTag, base)
	return dir, nil
}

// reclaim evicts worldRank's own checkpoints cached under base,
// oldest id first, until fewer than capacity remain.
func (m *Manager) reclaim(ctx context.Context, fm *filemap.FileMap, flush FlushStatus, base string, worldRank int, crcOnEvict bool) error {
	capacity, bounded := m.capacity[base]
	if !bounded || capacity <= 0 {
		return nil
	}

	cached := checkpointsForBase(fm, base, worldRank)
	for len(cached) >= capacity {
		idx := evictableIndex(cached, flush)
		if idx < 0 {
			oldest := cached[0]
			if flush == nil {
				return fmt.Errorf("cachemgr: base %s at capacity and every cached checkpoint is flushing", base)
			}
			if err := flush.WaitFlushComplete(ctx, oldest); err != nil {
				return fmt.Errorf("cachemgr: wait for checkpoint %d to finish flushing: %w", oldest, err)
			}
			idx = 0
		}

		victim := cached[idx]
		if err := evict(fm, victim, worldRank, crcOnEvict); err != nil {
			return fmt.Errorf("cachemgr: evict checkpoint %d: %w", victim, err)
		}
		cached = append(cached[:idx], cached[idx+1:]...)
	}
	return nil
}

func checkpointsForBase(fm *filemap.FileMap, base string, worldRank int) []int {
	var out []int
	for _, ckptID := range fm.Checkpoints() {
		if tag, ok := fm.Tag(ckptID, worldRank, baseTag); ok && tag == base {
			out = append(out, ckptID)
		}
	}
	sort.Ints(out)
	return out
}

// evictableIndex returns the index of the oldest (lowest id) entry in
// the ascending-sorted cached slice that isn't currently flushing, or
// -1 if every entry is flushing.
func evictableIndex(cached []int, flush FlushStatus) int {
	for i, ckptID := range cached {
		if flush == nil || !flush.IsFlushing(ckptID) {
			return i
		}
	}
	return -1
}

// evict implements §4.5's eviction: delete each file (optionally after
// a CRC check, logged but not fatal, to flag medium rot), delete
// sidecars, remove the checkpoint directory, and drop the checkpoint
// from the FileMap.
func evict(fm *filemap.FileMap, ckptID, worldRank int, crcOnEvict bool) error {
	files := fm.Files(ckptID, worldRank)
	var dir string
	for _, f := range files {
		if crcOnEvict {
			warnOnCRCMismatch(f)
		}
		if dir == "" {
			dir = filepath.Dir(f)
		}
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return err
		}
		os.Remove(sidecar.Path(f))
	}
	if dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove directory %s: %w", dir, err)
		}
	}
	fm.RemoveCheckpoint(ckptID)
	return fm.Save()
}

func warnOnCRCMismatch(path string) {
	sc, err := sidecar.Load(path)
	if err != nil || sc == nil || sc.CRC32 == nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return
	}
	if h.Sum32() != *sc.CRC32 {
		log.WarnLog.Printf("cachemgr: checksum mismatch evicting %s, possible medium rot", path)
	}
}
