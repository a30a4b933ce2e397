// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flush

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/scr-go/scr-go/internal/pfsstore"
	"github.com/scr-go/scr-go/pkg/kvtree"
)

// SummaryVersion is the version this implementation writes. Versions
// 1-4 are only ever read, never produced (§6 "Summary file v1-v4
// (read-only fallback)").
const SummaryVersion = 5

// FileSummary is one file's entry within a rank's section of a
// Summary.
type FileSummary struct {
	Size     int64
	CRC32    *uint32
	Complete bool
}

// RankSummary is one rank's section of a checkpoint's Summary.
type RankSummary struct {
	Files map[string]FileSummary // basename -> entry
}

// CheckpointSummary is the per-checkpoint section of a Summary (§3
// "Summary file").
type CheckpointSummary struct {
	RanksTotal int
	Complete   bool
	Ranks      map[int]RankSummary
}

// Summary is the PFS-resident manifest written once a flush of a
// checkpoint directory completes (§4.6 step 4).
type Summary struct {
	Version     int
	Checkpoints map[int]CheckpointSummary
}

// NewSummary returns an empty summary at SummaryVersion.
func NewSummary() *Summary {
	return &Summary{Version: SummaryVersion, Checkpoints: make(map[int]CheckpointSummary)}
}

func (s *Summary) ensureCkpt(ckptID int) CheckpointSummary {
	cs, ok := s.Checkpoints[ckptID]
	if !ok {
		cs = CheckpointSummary{Ranks: make(map[int]RankSummary)}
		s.Checkpoints[ckptID] = cs
	}
	return cs
}

// SetCheckpoint records the rank count and completeness for ckptID.
func (s *Summary) SetCheckpoint(ckptID, ranksTotal int, complete bool) {
	cs := s.ensureCkpt(ckptID)
	cs.RanksTotal = ranksTotal
	cs.Complete = complete
	s.Checkpoints[ckptID] = cs
}

// SetFile records one rank's file entry under ckptID.
func (s *Summary) SetFile(ckptID, rank int, basename string, entry FileSummary) {
	cs := s.ensureCkpt(ckptID)
	rs, ok := cs.Ranks[rank]
	if !ok {
		rs = RankSummary{Files: make(map[string]FileSummary)}
	}
	rs.Files[basename] = entry
	cs.Ranks[rank] = rs
	s.Checkpoints[ckptID] = cs
}

// Checkpoint returns ckptID's section, if present.
func (s *Summary) Checkpoint(ckptID int) (CheckpointSummary, bool) {
	cs, ok := s.Checkpoints[ckptID]
	return cs, ok
}

func (s *Summary) toTree() *kvtree.Tree {
	t := kvtree.New()
	t.Set("VERSION", int64(s.Version))
	ckptTree := t.SetTree("CKPT")
	for ckptID, cs := range s.Checkpoints {
		cTree := ckptTree.SetTree(strconv.Itoa(ckptID))
		cTree.Set("RANKS", int64(cs.RanksTotal))
		cTree.Set("COMPLETE", cs.Complete)
		rankTree := cTree.SetTree("RANK")
		for rank, rs := range cs.Ranks {
			rTree := rankTree.SetTree(strconv.Itoa(rank))
			fileTree := rTree.SetTree("FILE")
			for basename, fs := range rs.Files {
				fTree := fileTree.SetTree(basename)
				fTree.Set("SIZE", fs.Size)
				fTree.Set("COMPLETE", fs.Complete)
				if fs.CRC32 != nil {
					fTree.Set("CRC32", int64(*fs.CRC32))
				}
			}
		}
	}
	return t
}

func summaryFromTree(t *kvtree.Tree) *Summary {
	s := NewSummary()
	if v, ok := t.GetInt64("VERSION"); ok {
		s.Version = int(v)
	}
	ckptTree, ok := t.GetTree("CKPT")
	if !ok {
		return s
	}
	for _, ckptKey := range ckptTree.Keys() {
		ckptID, err := strconv.Atoi(ckptKey)
		if err != nil {
			continue
		}
		cTree, ok := ckptTree.GetTree(ckptKey)
		if !ok {
			continue
		}
		ranksTotal, _ := cTree.GetInt64("RANKS")
		complete, _ := cTree.GetBool("COMPLETE")
		s.SetCheckpoint(ckptID, int(ranksTotal), complete)
		rankTree, ok := cTree.GetTree("RANK")
		if !ok {
			continue
		}
		for _, rankKey := range rankTree.Keys() {
			rank, err := strconv.Atoi(rankKey)
			if err != nil {
				continue
			}
			rTree, ok := rankTree.GetTree(rankKey)
			if !ok {
				continue
			}
			fileTree, ok := rTree.GetTree("FILE")
			if !ok {
				continue
			}
			for _, basename := range fileTree.Keys() {
				fTree, ok := fileTree.GetTree(basename)
				if !ok {
					continue
				}
				size, _ := fTree.GetInt64("SIZE")
				complete, _ := fTree.GetBool("COMPLETE")
				entry := FileSummary{Size: size, Complete: complete}
				if n, ok := fTree.GetInt64("CRC32"); ok {
					u := uint32(n)
					entry.CRC32 = &u
				}
				s.SetFile(ckptID, rank, basename, entry)
			}
		}
	}
	return s
}

// Save writes the summary, JSON-encoded, to path on store.
func (s *Summary) Save(ctx context.Context, store pfsstore.Store, path string) error {
	t := s.toTree()
	data, err := t.MarshalJSON()
	if err != nil {
		return fmt.Errorf("flush: marshal summary: %w", err)
	}
	w, err := store.Create(ctx, path)
	if err != nil {
		return fmt.Errorf("flush: create summary %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("flush: write summary %s: %w", path, err)
	}
	return w.Close()
}

// LoadSummary reads the summary at path. It tries the current
// (version 5, JSON) format first and falls back to the legacy v1-v4
// tabular text format (§6) if the bytes don't parse as JSON.
func LoadSummary(ctx context.Context, store pfsstore.Store, path string) (*Summary, error) {
	r, err := store.OpenRead(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("flush: open summary %s: %w", path, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("flush: read summary %s: %w", path, err)
	}
	return ParseSummary(data)
}

// ParseSummary decodes summary bytes already in memory -- the same
// version sniff LoadSummary applies when reading from a store, usable
// directly by callers (e.g. the fetch loader) that receive summary
// bytes over comm.Comm instead of reading them from a Store.
func ParseSummary(data []byte) (*Summary, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		t := kvtree.New()
		if err := t.UnmarshalJSON(data); err != nil {
			return nil, fmt.Errorf("flush: parse summary: %w", err)
		}
		return summaryFromTree(t), nil
	}
	return parseLegacySummary(data)
}

// parseLegacySummary decodes a v1-v4 tabular summary file: one row per
// file, whitespace-separated fields ending in
// "... ckpt complete exp_size match size filename [crc_computed
// crc_hex]", with an optional leading "pattern" column some versions
// carried. Since the legacy format was never formally versioned field
// by field, this is a tolerant best-effort reader: it recognizes rows
// by trailing field count rather than a fixed column index, sufficient
// to recover size/completeness/crc for a read-only fallback.
func parseLegacySummary(data []byte) (*Summary, error) {
	s := NewSummary()
	s.Version = 1

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		// Minimum shape without a pattern column or CRC fields:
		// rank scr ranks ckpt complete exp_size match size filename
		if len(fields) < 9 {
			continue
		}
		// A "pattern" column, when present, sits right after ranks and
		// is non-numeric (e.g. "ckpt"); detect it by trying to parse
		// the would-be ckpt field as an integer.
		idx := 3
		if _, err := strconv.Atoi(fields[idx]); err != nil {
			idx++ // skip the pattern column
		}
		if idx+5 >= len(fields) {
			continue
		}
		rank, err1 := strconv.Atoi(fields[0])
		ranksTotal, err2 := strconv.Atoi(fields[2])
		ckptID, err3 := strconv.Atoi(fields[idx])
		completeFlag, err4 := strconv.Atoi(fields[idx+1])
		size, err5 := strconv.ParseInt(fields[idx+4], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		filename := fields[idx+5]

		entry := FileSummary{Size: size, Complete: completeFlag != 0}
		if idx+7 < len(fields) {
			if crc, err := strconv.ParseUint(fields[idx+7], 16, 32); err == nil {
				u := uint32(crc)
				entry.CRC32 = &u
			}
		}
		cs, ok := s.Checkpoint(ckptID)
		complete := entry.Complete && (!ok || cs.Complete)
		s.SetCheckpoint(ckptID, ranksTotal, complete)
		s.SetFile(ckptID, rank, filename, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("flush: scan legacy summary: %w", err)
	}
	return s, nil
}
