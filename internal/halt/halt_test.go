// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package halt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldHaltOperatorRequest(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "halt.scrinfo"))
	f.RequestHaltExit()
	p := &Policy{File: f}
	halt, reason := p.ShouldHalt(1000, 10, 1)
	assert.True(t, halt)
	assert.NotEmpty(t, reason)
}

func TestShouldHaltCheckpointCountdown(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "halt.scrinfo"))
	f.SetCheckpointsLeft(2)
	p := &Policy{File: f}

	halt, _ := p.ShouldHalt(1000, 10, 1)
	assert.False(t, halt)

	f.DecrementCheckpoints()
	halt, _ = p.ShouldHalt(1000, 10, 1)
	assert.False(t, halt)

	f.DecrementCheckpoints()
	halt, reason := p.ShouldHalt(1000, 10, 1)
	assert.True(t, halt)
	assert.Contains(t, reason, "countdown")

	f.DecrementCheckpoints() // saturates at zero, does not go negative
	assert.Equal(t, 0, f.CheckpointsLeft)
}

func TestShouldHaltExitBeforeAndAfter(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "halt.scrinfo"))
	f.HasExitBefore = true
	f.ExitBefore = 2000
	p := &Policy{File: f}

	halt, _ := p.ShouldHalt(1999, 10, 0)
	assert.False(t, halt)
	halt, reason := p.ShouldHalt(2000, 10, 0)
	assert.True(t, halt)
	assert.Contains(t, reason, "exit-before")

	f2 := New(filepath.Join(t.TempDir(), "halt.scrinfo"))
	f2.HasExitAfter = true
	f2.ExitAfter = 3600
	p2 := &Policy{File: f2}
	halt, _ = p2.ShouldHalt(1000, 3599, 0)
	assert.False(t, halt)
	halt, reason = p2.ShouldHalt(1000, 3600, 0)
	assert.True(t, halt)
	assert.Contains(t, reason, "exit-after")
}

func TestShouldHaltSecondsGuard(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "halt.scrinfo"))
	f.HaltSeconds = 300
	p := &Policy{File: f, EndTime: 10000}

	halt, _ := p.ShouldHalt(9000, 0, 0)
	assert.False(t, halt)
	halt, reason := p.ShouldHalt(9700, 0, 0)
	assert.True(t, halt)
	assert.Contains(t, reason, "halt-seconds")

	// no known end time: the guard never fires regardless of HaltSeconds
	p.EndTime = 0
	halt, _ = p.ShouldHalt(9999999, 0, 0)
	assert.False(t, halt)
}

func TestFileSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halt.scrinfo")
	f := New(path)
	f.SetCheckpointsLeft(5)
	f.HasExitBefore = true
	f.ExitBefore = 123456
	f.HaltSeconds = 60
	f.RequestHaltExit()
	require.NoError(t, f.Save())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.CheckpointsLeft)
	assert.True(t, loaded.HasCheckpointsLeft)
	assert.True(t, loaded.HasExitBefore)
	assert.Equal(t, int64(123456), loaded.ExitBefore)
	assert.Equal(t, int64(60), loaded.HaltSeconds)
	assert.True(t, loaded.HaltExit)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "does-not-exist.scrinfo"))
	require.NoError(t, err)
	p := &Policy{File: f}
	halt, _ := p.ShouldHalt(1000, 1000, 5)
	assert.False(t, halt)
}
