// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flush

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/scr-go/scr-go/internal/pfsstore"
	"github.com/scr-go/scr-go/pkg/kvtree"
)

// IndexEntry is one flushed subdirectory's bookkeeping within the
// index file (§3 "Index file").
type IndexEntry struct {
	FlushedTime    int64
	FetchedTime    int64
	HasFetchedTime bool
	Failed         bool
	Complete       bool
}

// IndexFile is the PFS-root catalog of flushed checkpoint directories.
// Unlike the FileMap and flush file, it is shared by every rank in the
// job (only rank 0 ever writes it, per §5's shared-resource policy).
type IndexFile struct {
	mu          sync.Mutex
	checkpoints map[int]map[string]IndexEntry // ckptID -> subdir -> entry
}

// NewIndexFile returns an empty index.
func NewIndexFile() *IndexFile {
	return &IndexFile{checkpoints: make(map[int]map[string]IndexEntry)}
}

// LoadIndexFile reads the index at path, or returns an empty one if it
// does not exist yet (a job's very first flush).
func LoadIndexFile(ctx context.Context, store pfsstore.Store, path string) (*IndexFile, error) {
	r, err := store.OpenRead(ctx, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewIndexFile(), nil
		}
		return nil, fmt.Errorf("flush: open index %s: %w", path, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("flush: read index %s: %w", path, err)
	}
	if len(data) == 0 {
		return NewIndexFile(), nil
	}
	t := kvtree.New()
	if err := t.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("flush: parse index %s: %w", path, err)
	}

	idx := NewIndexFile()
	for _, ckptKey := range t.Keys() {
		ckptID, err := strconv.Atoi(ckptKey)
		if err != nil {
			continue
		}
		ckptTree, ok := t.GetTree(ckptKey)
		if !ok {
			continue
		}
		for _, subdir := range ckptTree.Keys() {
			subTree, ok := ckptTree.GetTree(subdir)
			if !ok {
				continue
			}
			var e IndexEntry
			if v, ok := subTree.GetInt64("FLUSHED_TIME"); ok {
				e.FlushedTime = v
			}
			if v, ok := subTree.GetInt64("FETCHED_TIME"); ok {
				e.FetchedTime = v
				e.HasFetchedTime = true
			}
			if v, ok := subTree.GetBool("FAILED"); ok {
				e.Failed = v
			}
			if v, ok := subTree.GetBool("COMPLETE"); ok {
				e.Complete = v
			}
			idx.ensure(ckptID)
			idx.checkpoints[ckptID][subdir] = e
		}
	}
	return idx, nil
}

func (idx *IndexFile) ensure(ckptID int) {
	if idx.checkpoints[ckptID] == nil {
		idx.checkpoints[ckptID] = make(map[string]IndexEntry)
	}
}

// MarkFlushed records subdir as holding ckptID, flushed at flushedTime.
func (idx *IndexFile) MarkFlushed(ckptID int, subdir string, flushedTime int64, complete bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensure(ckptID)
	e := idx.checkpoints[ckptID][subdir]
	e.FlushedTime = flushedTime
	e.Complete = complete
	idx.checkpoints[ckptID][subdir] = e
}

// MarkFailed flags subdir as a failed flush attempt for ckptID.
func (idx *IndexFile) MarkFailed(ckptID int, subdir string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensure(ckptID)
	e := idx.checkpoints[ckptID][subdir]
	e.Failed = true
	e.Complete = false
	idx.checkpoints[ckptID][subdir] = e
}

// MarkFetched records that subdir was used to satisfy a fetch of
// ckptID at fetchedTime (§4.7 step 4).
func (idx *IndexFile) MarkFetched(ckptID int, subdir string, fetchedTime int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ensure(ckptID)
	e := idx.checkpoints[ckptID][subdir]
	e.FetchedTime = fetchedTime
	e.HasFetchedTime = true
	idx.checkpoints[ckptID][subdir] = e
}

// LatestComplete returns the most-recently-flushed complete,
// non-failed subdirectory recorded for ckptID, used by the fetch
// loader's subdirectory resolution (§4.7 step 1) when no directory is
// named explicitly and the `current` symlink is unusable.
func (idx *IndexFile) LatestComplete(ckptID int) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	subdirs, ok := idx.checkpoints[ckptID]
	if !ok {
		return "", false
	}
	best, bestTime := "", int64(-1)
	for subdir, e := range subdirs {
		if !e.Complete || e.Failed {
			continue
		}
		if e.FlushedTime > bestTime {
			best, bestTime = subdir, e.FlushedTime
		}
	}
	return best, best != ""
}

// Entry returns the recorded entry for (ckptID, subdir).
func (idx *IndexFile) Entry(ckptID int, subdir string) (IndexEntry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.checkpoints[ckptID][subdir]
	return e, ok
}

// Checkpoints returns every checkpoint id with at least one recorded
// subdirectory, for callers (e.g. internal/catalog) that need to walk
// the whole index rather than look up one (ckptID, subdir) pair.
func (idx *IndexFile) Checkpoints() []int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]int, 0, len(idx.checkpoints))
	for id := range idx.checkpoints {
		out = append(out, id)
	}
	return out
}

// Subdirs returns every subdirectory recorded for ckptID.
func (idx *IndexFile) Subdirs(ckptID int) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	subdirs := idx.checkpoints[ckptID]
	out := make([]string, 0, len(subdirs))
	for subdir := range subdirs {
		out = append(out, subdir)
	}
	return out
}

func (idx *IndexFile) toTree() *kvtree.Tree {
	t := kvtree.New()
	for ckptID, subdirs := range idx.checkpoints {
		ckptTree := t.SetTree(strconv.Itoa(ckptID))
		for subdir, e := range subdirs {
			subTree := ckptTree.SetTree(subdir)
			subTree.Set("FLUSHED_TIME", e.FlushedTime)
			subTree.Set("FAILED", e.Failed)
			subTree.Set("COMPLETE", e.Complete)
			if e.HasFetchedTime {
				subTree.Set("FETCHED_TIME", e.FetchedTime)
			}
		}
	}
	return t
}

// Save persists the index file to path on store.
func (idx *IndexFile) Save(ctx context.Context, store pfsstore.Store, path string) error {
	idx.mu.Lock()
	t := idx.toTree()
	idx.mu.Unlock()

	data, err := t.MarshalJSON()
	if err != nil {
		return fmt.Errorf("flush: marshal index: %w", err)
	}
	w, err := store.Create(ctx, path)
	if err != nil {
		return fmt.Errorf("flush: create index %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("flush: write index %s: %w", path, err)
	}
	return w.Close()
}
