// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package flush

import (
	"fmt"

	"github.com/gofrs/flock"

	"github.com/scr-go/scr-go/pkg/kvtree"
)

// Command is what the library asks the external mover to do.
type Command string

const (
	CommandRun  Command = "RUN"
	CommandStop Command = "STOP"
)

// State is what the external mover reports back.
type State string

const (
	StateRun  State = "RUN"
	StateStop State = "STOP"
)

// TransferEntry is one file's progress within the transfer file.
type TransferEntry struct {
	Destination string
	Size        int64
	Written     int64
}

// Complete reports whether the mover has finished writing this file.
func (e TransferEntry) Complete() bool { return e.Written >= e.Size }

// TransferFile is the node-shared contract between scr-go and an
// out-of-process (or separate-goroutine) mover that drives the actual
// bytes of an asynchronous flush (§3 "Transfer file"). It is guarded
// by an advisory file lock since the mover and the library's node-
// local rank 0 are independent processes/goroutines.
type TransferFile struct {
	path string
	lock *flock.Flock

	Files   map[string]TransferEntry // source path -> entry
	BW      float64
	Percent float64
	Command Command
	State   State
	Done    bool
}

// NewTransferFile returns a TransferFile backed by path, with its
// advisory lock at path+".lock".
func NewTransferFile(path string) *TransferFile {
	return &TransferFile{
		path:  path,
		lock:  flock.New(path + ".lock"),
		Files: make(map[string]TransferEntry),
	}
}

// Update acquires the transfer file's advisory lock, reloads the
// latest on-disk state (in case the mover changed it), applies fn, and
// persists the result before releasing the lock -- the read-modify-
// write cycle §4.6's async-flush start/test/complete/stop operations
// all go through.
func (tf *TransferFile) Update(fn func(*TransferFile)) error {
	if err := tf.lock.Lock(); err != nil {
		return fmt.Errorf("flush: lock transfer file %s: %w", tf.path, err)
	}
	defer tf.lock.Unlock()

	if err := tf.reload(); err != nil {
		return err
	}
	fn(tf)
	return tf.persist()
}

// View acquires the lock, reloads, and hands the current state to fn
// without persisting -- used by test/read-only callers.
func (tf *TransferFile) View(fn func(*TransferFile)) error {
	if err := tf.lock.Lock(); err != nil {
		return fmt.Errorf("flush: lock transfer file %s: %w", tf.path, err)
	}
	defer tf.lock.Unlock()

	if err := tf.reload(); err != nil {
		return err
	}
	fn(tf)
	return nil
}

func (tf *TransferFile) reload() error {
	t, err := kvtree.Load(tf.path)
	if err != nil {
		return fmt.Errorf("flush: load transfer file %s: %w", tf.path, err)
	}
	tf.Files = make(map[string]TransferEntry)
	if filesTree, ok := t.GetTree("FILES"); ok {
		for _, src := range filesTree.Keys() {
			eTree, ok := filesTree.GetTree(src)
			if !ok {
				continue
			}
			var e TransferEntry
			if v, ok := eTree.GetString("DESTINATION"); ok {
				e.Destination = v
			}
			if v, ok := eTree.GetInt64("SIZE"); ok {
				e.Size = v
			}
			if v, ok := eTree.GetInt64("WRITTEN"); ok {
				e.Written = v
			}
			tf.Files[src] = e
		}
	}
	if v, ok := getFloat64(t, "BW"); ok {
		tf.BW = v
	}
	if v, ok := getFloat64(t, "PERCENT"); ok {
		tf.Percent = v
	}
	if v, ok := t.GetString("COMMAND"); ok {
		tf.Command = Command(v)
	}
	if v, ok := t.GetString("STATE"); ok {
		tf.State = State(v)
	}
	if v, ok := t.GetBool("FLAG_DONE"); ok {
		tf.Done = v
	}
	return nil
}

func (tf *TransferFile) persist() error {
	t := kvtree.New()
	filesTree := t.SetTree("FILES")
	for src, e := range tf.Files {
		eTree := filesTree.SetTree(src)
		eTree.Set("DESTINATION", e.Destination)
		eTree.Set("SIZE", e.Size)
		eTree.Set("WRITTEN", e.Written)
	}
	t.Set("BW", tf.BW)
	t.Set("PERCENT", tf.Percent)
	t.Set("COMMAND", string(tf.Command))
	t.Set("STATE", string(tf.State))
	t.Set("FLAG_DONE", tf.Done)
	if err := t.Save(tf.path); err != nil {
		return fmt.Errorf("flush: save transfer file %s: %w", tf.path, err)
	}
	return nil
}

// getFloat64 reads a scalar that round-trips through kvtree's JSON
// codec as either int64 or float64 depending on whether it happens to
// be integer-valued (e.g. BW=0).
func getFloat64(t *kvtree.Tree, key string) (float64, bool) {
	switch v := t.Get(key).(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// BytesWritten sums WRITTEN across every file entry, for progress
// reporting (§4.6 async "test": "Reduce-sum WRITTEN to report
// progress").
func (tf *TransferFile) BytesWritten() int64 {
	var total int64
	for _, e := range tf.Files {
		total += e.Written
	}
	return total
}

// AllComplete reports whether every file entry is complete.
func (tf *TransferFile) AllComplete() bool {
	for _, e := range tf.Files {
		if !e.Complete() {
			return false
		}
	}
	return true
}
