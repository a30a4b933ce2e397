// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package filemap implements the per-node FileMap store (§3): the
// persistent manifest mapping checkpoint id -> rank -> the set of
// cached files, their expected count, descriptor hash, and tags
// (e.g. a PARTNER's hostname).
package filemap

import (
	"fmt"
	"sync"

	"github.com/scr-go/scr-go/pkg/kvtree"
)

// Entry is one (checkpoint, rank)'s bookkeeping.
type Entry struct {
	Files          map[string]struct{}
	Sizes          map[string]int64 // file path -> size, set once known (§4.3 rebuild needs this to split a reconstructed byte stream back into files after the bulk data itself is gone)
	ExpectedCount  int
	HasExpected    bool
	DescriptorHash string
	Tags           map[string]string
}

func newEntry() *Entry {
	return &Entry{Files: make(map[string]struct{}), Sizes: make(map[string]int64), Tags: make(map[string]string)}
}

// FileMap is one node's view, guarded by a mutex because a node's
// local rank 0 may touch entries on behalf of peers during scatter
// (§4.8) while other goroutines (e.g. an async flush watcher) read it.
type FileMap struct {
	mu      sync.Mutex
	entries map[int]map[int]*Entry // ckptID -> rank -> entry
	path    string
}

// New returns an empty FileMap backed by path.
func New(path string) *FileMap {
	return &FileMap{entries: make(map[int]map[int]*Entry), path: path}
}

// Load reads the FileMap persisted at path, or returns an empty one if
// the file does not exist yet.
func Load(path string) (*FileMap, error) {
	t, err := kvtree.Load(path)
	if err != nil {
		return nil, fmt.Errorf("filemap: load %s: %w", path, err)
	}
	fm := New(path)
	for _, ckptKey := range t.Keys() {
		ckptTree, ok := t.GetTree(ckptKey)
		if !ok {
			continue
		}
		var ckptID int
		if _, err := fmt.Sscanf(ckptKey, "%d", &ckptID); err != nil {
			continue
		}
		for _, rankKey := range ckptTree.Keys() {
			rankTree, ok := ckptTree.GetTree(rankKey)
			if !ok {
				continue
			}
			var rank int
			if _, err := fmt.Sscanf(rankKey, "%d", &rank); err != nil {
				continue
			}
			fm.ensure(ckptID, rank)
			e := fm.entries[ckptID][rank]
			if filesTree, ok := rankTree.GetTree("FILES"); ok {
				for _, f := range filesTree.Keys() {
					e.Files[f] = struct{}{}
				}
			}
			if sizesTree, ok := rankTree.GetTree("SIZES"); ok {
				for _, f := range sizesTree.Keys() {
					if n, ok := sizesTree.GetInt64(f); ok {
						e.Sizes[f] = n
					}
				}
			}
			if n, ok := rankTree.GetInt64("EXPECTED_COUNT"); ok {
				e.ExpectedCount = int(n)
				e.HasExpected = true
			}
			if s, ok := rankTree.GetString("DESC_HASH"); ok {
				e.DescriptorHash = s
			}
			if tagsTree, ok := rankTree.GetTree("TAGS"); ok {
				for _, k := range tagsTree.Keys() {
					if s, ok := tagsTree.GetString(k); ok {
						e.Tags[k] = s
					}
				}
			}
		}
	}
	return fm, nil
}

func (fm *FileMap) ensure(ckptID, rank int) {
	if fm.entries[ckptID] == nil {
		fm.entries[ckptID] = make(map[int]*Entry)
	}
	if fm.entries[ckptID][rank] == nil {
		fm.entries[ckptID][rank] = newEntry()
	}
}

// AddFile records filePath as belonging to (ckptID, rank).
func (fm *FileMap) AddFile(ckptID, rank int, filePath string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.ensure(ckptID, rank)
	fm.entries[ckptID][rank].Files[filePath] = struct{}{}
}

// RemoveFile drops filePath from (ckptID, rank)'s set.
func (fm *FileMap) RemoveFile(ckptID, rank int, filePath string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if e := fm.entry(ckptID, rank); e != nil {
		delete(e.Files, filePath)
		delete(e.Sizes, filePath)
	}
}

// SetFileSize records filePath's size for (ckptID, rank), once known --
// typically after a transfer completes, since the size may not be
// known at the point the file is first added (§4.3, §4.4: a file is
// added to the FileMap before it's created).
func (fm *FileMap) SetFileSize(ckptID, rank int, filePath string, size int64) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.ensure(ckptID, rank)
	fm.entries[ckptID][rank].Sizes[filePath] = size
}

// FileSize returns the recorded size for filePath under (ckptID,
// rank), or false if none is recorded yet.
func (fm *FileMap) FileSize(ckptID, rank int, filePath string) (int64, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	e := fm.entry(ckptID, rank)
	if e == nil {
		return 0, false
	}
	sz, ok := e.Sizes[filePath]
	return sz, ok
}

// SetExpectedCount records the expected file count for (ckptID, rank).
func (fm *FileMap) SetExpectedCount(ckptID, rank, count int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.ensure(ckptID, rank)
	fm.entries[ckptID][rank].ExpectedCount = count
	fm.entries[ckptID][rank].HasExpected = true
}

// SetDescriptorHash records the descriptor hash for (ckptID, rank).
func (fm *FileMap) SetDescriptorHash(ckptID, rank int, hash string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.ensure(ckptID, rank)
	fm.entries[ckptID][rank].DescriptorHash = hash
}

// SetTag records an arbitrary string tag (e.g. TAGS.PARTNER = hostname).
func (fm *FileMap) SetTag(ckptID, rank int, key, val string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.ensure(ckptID, rank)
	fm.entries[ckptID][rank].Tags[key] = val
}

// Tag returns the value recorded for (ckptID, rank) under key, or
// false if no such tag was set.
func (fm *FileMap) Tag(ckptID, rank int, key string) (string, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	e := fm.entry(ckptID, rank)
	if e == nil {
		return "", false
	}
	v, ok := e.Tags[key]
	return v, ok
}

// Tags returns a copy of every tag recorded for (ckptID, rank), for
// callers (e.g. internal/engine's FileMap scatter, §4.8) that need to
// carry a rank's whole entry to another process rather than look up
// one tag key at a time.
func (fm *FileMap) Tags(ckptID, rank int) map[string]string {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	e := fm.entry(ckptID, rank)
	if e == nil {
		return nil
	}
	out := make(map[string]string, len(e.Tags))
	for k, v := range e.Tags {
		out[k] = v
	}
	return out
}

func (fm *FileMap) entry(ckptID, rank int) *Entry {
	byRank, ok := fm.entries[ckptID]
	if !ok {
		return nil
	}
	return byRank[rank]
}

// Files returns the sorted-independent set of file paths recorded for
// (ckptID, rank). The caller must not retain the returned slice across
// further mutation.
func (fm *FileMap) Files(ckptID, rank int) []string {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	e := fm.entry(ckptID, rank)
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.Files))
	for f := range e.Files {
		out = append(out, f)
	}
	return out
}

// Complete reports whether (ckptID, rank) has ExpectedCount set and
// |files| == ExpectedCount, per §3 invariant 1 / §8 quantified
// invariant 1.
func (fm *FileMap) Complete(ckptID, rank int) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	e := fm.entry(ckptID, rank)
	if e == nil || !e.HasExpected {
		return false
	}
	return len(e.Files) == e.ExpectedCount
}

// Ranks returns every rank with an entry for ckptID.
func (fm *FileMap) Ranks(ckptID int) []int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	byRank, ok := fm.entries[ckptID]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(byRank))
	for r := range byRank {
		out = append(out, r)
	}
	return out
}

// ExtractRank builds a new FileMap, backed by path, holding only the
// entries fm records for rank, across every checkpoint id. Used by the
// FileMap scatter (§4.8) to carve out the subtree a node master sends
// on to the peer that now owns that world rank.
func (fm *FileMap) ExtractRank(rank int, path string) *FileMap {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	out := New(path)
	for ckptID, byRank := range fm.entries {
		e, ok := byRank[rank]
		if !ok {
			continue
		}
		out.ensure(ckptID, rank)
		ne := out.entries[ckptID][rank]
		for f := range e.Files {
			ne.Files[f] = struct{}{}
		}
		for f, sz := range e.Sizes {
			ne.Sizes[f] = sz
		}
		ne.ExpectedCount = e.ExpectedCount
		ne.HasExpected = e.HasExpected
		ne.DescriptorHash = e.DescriptorHash
		for k, v := range e.Tags {
			ne.Tags[k] = v
		}
	}
	return out
}

// Checkpoints returns every checkpoint id this FileMap has an entry
// for, in no particular order (used by cache eviction, §4.5, to find
// every checkpoint currently cached under a given base).
func (fm *FileMap) Checkpoints() []int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	out := make([]int, 0, len(fm.entries))
	for ckptID := range fm.entries {
		out = append(out, ckptID)
	}
	return out
}

// RemoveCheckpoint deletes every entry for ckptID (used by cache
// eviction, §4.5).
func (fm *FileMap) RemoveCheckpoint(ckptID int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	delete(fm.entries, ckptID)
}

// Save persists the FileMap atomically to its path.
func (fm *FileMap) Save() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	t := kvtree.New()
	for ckptID, byRank := range fm.entries {
		ckptTree := t.SetTree(fmt.Sprintf("%d", ckptID))
		for rank, e := range byRank {
			rankTree := ckptTree.SetTree(fmt.Sprintf("%d", rank))
			filesTree := rankTree.SetTree("FILES")
			for f := range e.Files {
				filesTree.Set(f, true)
			}
			if len(e.Sizes) > 0 {
				sizesTree := rankTree.SetTree("SIZES")
				for f, sz := range e.Sizes {
					sizesTree.Set(f, sz)
				}
			}
			if e.HasExpected {
				rankTree.Set("EXPECTED_COUNT", int64(e.ExpectedCount))
			}
			if e.DescriptorHash != "" {
				rankTree.Set("DESC_HASH", e.DescriptorHash)
			}
			if len(e.Tags) > 0 {
				tagsTree := rankTree.SetTree("TAGS")
				for k, v := range e.Tags {
					tagsTree.Set(k, v)
				}
			}
		}
	}
	return t.Save(fm.path)
}

// Merge copies every (ckpt, rank) entry of other into fm, overwriting
// collisions -- used by the node-master FileMap scatter (§4.8) to fold
// peers' per-rank filemaps into the master's merged view.
func (fm *FileMap) Merge(other *FileMap) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()
	for ckptID, byRank := range other.entries {
		for rank, e := range byRank {
			fm.ensure(ckptID, rank)
			dst := fm.entries[ckptID][rank]
			for f := range e.Files {
				dst.Files[f] = struct{}{}
			}
			for f, sz := range e.Sizes {
				dst.Sizes[f] = sz
			}
			if e.HasExpected {
				dst.ExpectedCount = e.ExpectedCount
				dst.HasExpected = true
			}
			if e.DescriptorHash != "" {
				dst.DescriptorHash = e.DescriptorHash
			}
			for k, v := range e.Tags {
				dst.Tags[k] = v
			}
		}
	}
}
