// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package kvtree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path by writing a sibling temp file
// and renaming it over path. A crash between the write and the rename
// leaves the previously-committed path untouched; a crash after the
// rename leaves the new content fully committed. Either way a reader
// never observes a half-written file, satisfying the FileMap
// atomic-rewrite invariant for every artifact in this package (FileMap,
// flush file, transfer file, summary file, index file).
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-")
	if err != nil {
		return fmt.Errorf("kvtree: create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("kvtree: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("kvtree: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("kvtree: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("kvtree: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("kvtree: rename temp file over %s: %w", path, err)
	}
	cleanup = false
	return nil
}

// Save JSON-encodes t and persists it atomically to path.
func (t *Tree) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("kvtree: marshal: %w", err)
	}
	return WriteFileAtomic(path, data, 0o644)
}

// Load reads and JSON-decodes the tree at path. A missing file is not
// an error: the FileMap (and its siblings) start out empty on a node
// that has never cached anything, so callers get back an empty tree.
func Load(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("kvtree: read %s: %w", path, err)
	}
	t := New()
	if len(data) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("kvtree: parse %s: %w", path, err)
	}
	return t, nil
}
