// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sidecar implements the per-file metadata sidecar described
// in §3: a small record persisted next to each cached file that lets
// the rest of the system decide whether the file is "present and
// usable" without re-deriving that from the FileMap alone.
package sidecar

import (
	"fmt"
	"os"

	"github.com/scr-go/scr-go/pkg/kvtree"
)

// FileType distinguishes a full application file from a redundancy
// artifact.
type FileType string

const (
	TypeFull FileType = "FULL"
	TypeXOR  FileType = "XOR"
)

// Sidecar is the per-file metadata record of §3.
type Sidecar struct {
	Filename     string
	FileType     FileType
	FileSize     int64
	CheckpointID int
	Rank         int
	RanksTotal   int
	Complete     bool
	CRC32        *uint32
}

const sidecarSuffix = ".scrfilemeta"

// Path returns the sidecar path for a given cached file path.
func Path(filePath string) string {
	return filePath + sidecarSuffix
}

// Save persists s atomically beside its file.
func (s *Sidecar) Save() error {
	t := s.toTree()
	return t.Save(Path(s.Filename))
}

// Load reads the sidecar for filePath, if any.
func Load(filePath string) (*Sidecar, error) {
	t, err := kvtree.Load(Path(filePath))
	if err != nil {
		return nil, fmt.Errorf("sidecar: load %s: %w", filePath, err)
	}
	if t.Len() == 0 {
		return nil, nil
	}
	return fromTree(filePath, t), nil
}

// Encode renders s as the same JSON bytes Save would write to disk,
// for callers that persist a sidecar somewhere other than the local
// filesystem (the flush scheduler's PFS-resident sidecars, §4.6,
// written through a pfsstore.Store rather than os directly).
func Encode(s *Sidecar) ([]byte, error) {
	return s.toTree().MarshalJSON()
}

// Decode parses data (as produced by Encode or Save) into a Sidecar
// for filePath.
func Decode(filePath string, data []byte) (*Sidecar, error) {
	t := kvtree.New()
	if len(data) == 0 {
		return nil, nil
	}
	if err := t.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("sidecar: decode %s: %w", filePath, err)
	}
	if t.Len() == 0 {
		return nil, nil
	}
	return fromTree(filePath, t), nil
}

func (s *Sidecar) toTree() *kvtree.Tree {
	t := kvtree.New()
	t.Set("FILENAME", s.Filename)
	t.Set("FILETYPE", string(s.FileType))
	t.Set("FILESIZE", s.FileSize)
	t.Set("CKPT", int64(s.CheckpointID))
	t.Set("RANK", int64(s.Rank))
	t.Set("RANKS", int64(s.RanksTotal))
	t.Set("COMPLETE", s.Complete)
	if s.CRC32 != nil {
		t.Set("CRC32", int64(*s.CRC32))
	}
	return t
}

func fromTree(filePath string, t *kvtree.Tree) *Sidecar {
	s := &Sidecar{Filename: filePath, FileType: TypeFull}
	if v, ok := t.GetString("FILENAME"); ok {
		s.Filename = v
	}
	if v, ok := t.GetString("FILETYPE"); ok {
		s.FileType = FileType(v)
	}
	if v, ok := t.GetInt64("FILESIZE"); ok {
		s.FileSize = v
	}
	if v, ok := t.GetInt64("CKPT"); ok {
		s.CheckpointID = int(v)
	}
	if v, ok := t.GetInt64("RANK"); ok {
		s.Rank = int(v)
	}
	if v, ok := t.GetInt64("RANKS"); ok {
		s.RanksTotal = int(v)
	}
	if v, ok := t.GetBool("COMPLETE"); ok {
		s.Complete = v
	}
	if n, ok := t.GetInt64("CRC32"); ok {
		u := uint32(n)
		s.CRC32 = &u
	}
	return s
}

// Usable reports whether filePath's sidecar and on-disk state together
// satisfy §3's "present and usable" predicate: the sidecar exists, is
// marked complete, its scalar fields match the expectations passed in,
// and the measured file size matches FileSize.
func Usable(filePath string, checkpointID, rank, ranksTotal int) (bool, error) {
	s, err := Load(filePath)
	if err != nil {
		return false, err
	}
	if s == nil || !s.Complete {
		return false, nil
	}
	if s.CheckpointID != checkpointID || s.Rank != rank || s.RanksTotal != ranksTotal {
		return false, nil
	}
	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Size() == s.FileSize, nil
}
