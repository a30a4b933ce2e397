// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectLargestDividingInterval(t *testing.T) {
	d1 := &Descriptor{Enabled: true, Interval: 1, Index: 0}
	d2 := &Descriptor{Enabled: true, Interval: 5, Index: 1}
	d3 := &Descriptor{Enabled: true, Interval: 10, Index: 2}

	got, err := Select([]*Descriptor{d1, d2, d3}, 10)
	require.NoError(t, err)
	assert.Same(t, d3, got)

	got, err = Select([]*Descriptor{d1, d2, d3}, 5)
	require.NoError(t, err)
	assert.Same(t, d2, got)

	got, err = Select([]*Descriptor{d1, d2, d3}, 3)
	require.NoError(t, err)
	assert.Same(t, d1, got)
}

func TestSelectTieBreaksByInsertionOrder(t *testing.T) {
	first := &Descriptor{Enabled: true, Interval: 2, Index: 0}
	second := &Descriptor{Enabled: true, Interval: 2, Index: 1}

	got, err := Select([]*Descriptor{first, second}, 4)
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestSelectSkipsDisabled(t *testing.T) {
	disabled := &Descriptor{Enabled: false, Interval: 1}
	_, err := Select([]*Descriptor{disabled}, 7)
	assert.Error(t, err)
}

func TestNormalizeHopDistance(t *testing.T) {
	assert.Equal(t, 1, NormalizeHopDistance(5, 4))
	assert.Equal(t, 3, NormalizeHopDistance(-1, 4))
	assert.Equal(t, 2, NormalizeHopDistance(0, 2))
}
