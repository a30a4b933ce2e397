// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package descriptor defines the checkpoint descriptor record (§3)
// and the deterministic selection rule a checkpoint id uses to pick
// which descriptor governs it (§4.2 "Ordering & tie-breaks").
package descriptor

import (
	"fmt"
	"sort"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/config"
)

// Descriptor is a fully-built checkpoint descriptor: configuration
// plus the topology fields a topology.Build call fills in.
type Descriptor struct {
	Enabled  bool
	Index    int
	Interval int
	Base     string
	Directory string
	CopyType config.CopyType

	HopDistance int
	SetSize     int

	GroupComm  comm.Comm
	GroupID    int
	GroupRank  int
	GroupSize  int

	LHS, RHS                 int // group-local ranks
	LHSWorldRank, RHSWorldRank int
	LHSHost, RHSHost           string
}

// Directory returns <base>/<user>/scr.<jobid>/index.<i>, per §3.
func Directory(base, user, jobID string, index int) string {
	return fmt.Sprintf("%s/%s/scr.%s/index.%d", base, user, jobID, index)
}

// Select picks the descriptor governing checkpoint id ckptID: among
// enabled descriptors whose interval divides ckptID, the one with the
// largest interval wins; ties are broken by insertion order (§4.2,
// §9 "Descriptor tie at equal interval").
func Select(descs []*Descriptor, ckptID int) (*Descriptor, error) {
	candidates := make([]*Descriptor, 0, len(descs))
	for _, d := range descs {
		if !d.Enabled {
			continue
		}
		if d.Interval <= 0 {
			continue
		}
		if ckptID%d.Interval == 0 {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("descriptor: no enabled descriptor applies to checkpoint %d", ckptID)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Interval > candidates[j].Interval
	})
	return candidates[0], nil
}

// NormalizeHopDistance reflects hop_distance into [1, groupSize): values
// >= groupSize wrap modulo groupSize, values <= 0 are reflected into a
// positive modulus (§8 boundary behavior 12).
func NormalizeHopDistance(hopDistance, groupSize int) int {
	if groupSize <= 1 {
		return 0
	}
	h := hopDistance % groupSize
	if h <= 0 {
		h += groupSize
	}
	return h
}
