// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package flush implements §4.6's synchronous and asynchronous flush
// scheduler: moving a cache-resident checkpoint out to the PFS and
// recording that it got there.
package flush

import (
	"strconv"
	"sync"

	"github.com/scr-go/scr-go/pkg/kvtree"
)

// Location is one of the independent bits a checkpoint can hold in the
// flush file (§3 "Flush file").
type Location string

const (
	LocationCache    Location = "CACHE"
	LocationPFS      Location = "PFS"
	LocationFlushing Location = "FLUSHING"
)

// FlushFile is the per-node record of which storage tiers hold each
// checkpoint. It is a control file, not a PFS artifact, so (unlike the
// summary/index files) it is persisted directly to local disk via
// kvtree rather than through a pfsstore.Store.
type FlushFile struct {
	mu        sync.Mutex
	path      string
	locations map[int]map[Location]bool
}

// NewFlushFile returns an empty flush file backed by path.
func NewFlushFile(path string) *FlushFile {
	return &FlushFile{path: path, locations: make(map[int]map[Location]bool)}
}

// LoadFlushFile reads the flush file persisted at path, or returns an
// empty one if it does not exist yet.
func LoadFlushFile(path string) (*FlushFile, error) {
	t, err := kvtree.Load(path)
	if err != nil {
		return nil, err
	}
	f := NewFlushFile(path)
	for _, ckptKey := range t.Keys() {
		ckptID, err := strconv.Atoi(ckptKey)
		if err != nil {
			continue
		}
		locTree, ok := t.GetTree(ckptKey)
		if !ok {
			continue
		}
		for _, locKey := range locTree.Keys() {
			if v, ok := locTree.GetBool(locKey); ok && v {
				f.ensure(ckptID)
				f.locations[ckptID][Location(locKey)] = true
			}
		}
	}
	return f, nil
}

func (f *FlushFile) ensure(ckptID int) {
	if f.locations[ckptID] == nil {
		f.locations[ckptID] = make(map[Location]bool)
	}
}

// Set marks ckptID as holding loc.
func (f *FlushFile) Set(ckptID int, loc Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure(ckptID)
	f.locations[ckptID][loc] = true
}

// Clear removes loc from ckptID's set.
func (f *FlushFile) Clear(ckptID int, loc Location) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locations[ckptID] != nil {
		delete(f.locations[ckptID], loc)
	}
}

// Has reports whether ckptID currently holds loc.
func (f *FlushFile) Has(ckptID int, loc Location) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locations[ckptID][loc]
}

// NeedsFlush reports whether ckptID is cache-resident but not yet on
// the PFS (§4.6 "Need-flush test").
func (f *FlushFile) NeedsFlush(ckptID int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locations[ckptID][LocationCache] && !f.locations[ckptID][LocationPFS]
}

// Checkpoints returns every checkpoint id with at least one location bit set.
func (f *FlushFile) Checkpoints() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.locations))
	for id := range f.locations {
		out = append(out, id)
	}
	return out
}

// Save persists the flush file atomically to its path.
func (f *FlushFile) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := kvtree.New()
	for ckptID, locs := range f.locations {
		ckptTree := t.SetTree(strconv.Itoa(ckptID))
		for loc, v := range locs {
			if v {
				ckptTree.Set(string(loc), true)
			}
		}
	}
	return t.Save(f.path)
}
