// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package halt implements §4.10's halt-file policy: a kvtree-backed
// control file recording the conditions under which a job should stop
// taking checkpoints and exit cleanly.
package halt

import (
	"sync"

	"github.com/scr-go/scr-go/pkg/kvtree"
)

// File is the halt-file state (§3 "halt.scrinfo"): a checkpoint
// countdown, an absolute deadline, a remaining-time guard, and a flag
// a human operator (or `scr-index`) can set to request an immediate
// halt regardless of the other triggers.
type File struct {
	mu   sync.Mutex
	path string

	CheckpointsLeft    int
	HasCheckpointsLeft bool
	HasExitBefore      bool
	ExitBefore      int64 // unix seconds
	HasExitAfter    bool
	ExitAfter       int64 // seconds elapsed since job start
	HaltSeconds     int64
	HaltExit        bool
}

// New returns an empty halt file backed by path.
func New(path string) *File {
	return &File{path: path}
}

// Load reads the halt file at path, or returns an empty one if it
// does not exist yet.
func Load(path string) (*File, error) {
	t, err := kvtree.Load(path)
	if err != nil {
		return nil, err
	}
	f := New(path)
	if v, ok := t.GetInt64("CHECKPOINTS_LEFT"); ok {
		f.CheckpointsLeft = int(v)
		f.HasCheckpointsLeft = true
	}
	if v, ok := t.GetInt64("EXIT_BEFORE"); ok {
		f.ExitBefore = v
		f.HasExitBefore = true
	}
	if v, ok := t.GetInt64("EXIT_AFTER"); ok {
		f.ExitAfter = v
		f.HasExitAfter = true
	}
	if v, ok := t.GetInt64("HALT_SECONDS"); ok {
		f.HaltSeconds = v
	}
	if v, ok := t.GetBool("HALT_EXIT"); ok {
		f.HaltExit = v
	}
	return f, nil
}

// Save persists the halt file atomically to its path.
func (f *File) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := kvtree.New()
	if f.HasCheckpointsLeft {
		t.Set("CHECKPOINTS_LEFT", int64(f.CheckpointsLeft))
	}
	if f.HasExitBefore {
		t.Set("EXIT_BEFORE", f.ExitBefore)
	}
	if f.HasExitAfter {
		t.Set("EXIT_AFTER", f.ExitAfter)
	}
	t.Set("HALT_SECONDS", f.HaltSeconds)
	t.Set("HALT_EXIT", f.HaltExit)
	return t.Save(f.path)
}

// SetCheckpointsLeft starts (or resets) a checkpoint countdown.
func (f *File) SetCheckpointsLeft(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CheckpointsLeft = n
	f.HasCheckpointsLeft = true
}

// DecrementCheckpoints records that a checkpoint completed, consuming
// one from CheckpointsLeft if a countdown is active. It saturates at
// zero rather than going negative.
func (f *File) DecrementCheckpoints() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HasCheckpointsLeft && f.CheckpointsLeft > 0 {
		f.CheckpointsLeft--
	}
}

// RequestHaltExit flags the halt file so the next policy evaluation
// halts regardless of the other triggers -- the operator-driven "halt
// now" escape hatch (§4.10).
func (f *File) RequestHaltExit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HaltExit = true
}

// snapshot copies the fields Policy.ShouldHalt reads under lock, so
// evaluation never races a concurrent Save/Load.
func (f *File) snapshot() File {
	f.mu.Lock()
	defer f.mu.Unlock()
	return File{
		CheckpointsLeft:    f.CheckpointsLeft,
		HasCheckpointsLeft: f.HasCheckpointsLeft,
		HasExitBefore:      f.HasExitBefore,
		ExitBefore:         f.ExitBefore,
		HasExitAfter:       f.HasExitAfter,
		ExitAfter:          f.ExitAfter,
		HaltSeconds:        f.HaltSeconds,
		HaltExit:           f.HaltExit,
	}
}

// Policy evaluates a halt file's triggers against the job's current
// time and progress (§4.10): a checkpoint countdown reaching zero, a
// wall-clock deadline, and a remaining-time guard derived from
// HaltSeconds compared against the job's known end time.
type Policy struct {
	File *File

	// EndTime is the job's known wall-clock end time (unix seconds),
	// e.g. a batch scheduler's allocation end; zero means unknown, in
	// which case the HaltSeconds trigger never fires.
	EndTime int64
}

// ShouldHalt reports whether the job should stop taking checkpoints
// and exit, given the current unix time, seconds elapsed since job
// start, and the number of checkpoints completed so far.
//
// The three triggers mirror the original SCR halt condition check:
//  1. an explicit operator request (HaltExit)
//  2. CheckpointsLeft reaching zero after at least one was configured
//  3. now >= ExitBefore, or elapsed >= ExitAfter
//  4. HaltSeconds guard: EndTime known and now+HaltSeconds >= EndTime
func (p *Policy) ShouldHalt(now, elapsed int64, checkpointsDone int) (bool, string) {
	f := p.File.snapshot()

	if f.HaltExit {
		return true, "halt file requested immediate exit"
	}
	if f.HasCheckpointsLeft && checkpointsDone > 0 && f.CheckpointsLeft == 0 {
		return true, "checkpoint countdown reached zero"
	}
	if f.HasExitBefore && now >= f.ExitBefore {
		return true, "exit-before deadline reached"
	}
	if f.HasExitAfter && elapsed >= f.ExitAfter {
		return true, "exit-after elapsed-time limit reached"
	}
	if p.EndTime > 0 && f.HaltSeconds > 0 && now+f.HaltSeconds >= p.EndTime {
		return true, "halt-seconds guard reached before job end time"
	}
	return false, ""
}
