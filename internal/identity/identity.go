// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package identity derives the three rank coordinates every process
// needs before any redundancy topology can be built: its world rank,
// its node-local rank, and its level rank.
package identity

import (
	"context"
	"fmt"
	"sort"

	"github.com/scr-go/scr-go/internal/comm"
)

// Identity holds one process's three coordinates plus the
// communicators derived from them.
type Identity struct {
	World comm.Comm
	Local comm.Comm // all processes sharing this process's hostname
	Level comm.Comm // all processes sharing this process's node-local rank, across all nodes

	WorldRank int
	LocalRank int
	LevelRank int
	Hostname  string
}

// Build derives node-local and level communicators by splitting world
// on hostname, matching §3's "node-local grouping is derived from
// equal hostnames".
func Build(ctx context.Context, world comm.Comm) (*Identity, error) {
	hosts, err := allGatherHostnames(ctx, world)
	if err != nil {
		return nil, fmt.Errorf("identity: gather hostnames: %w", err)
	}

	color := hostColor(hosts, world.Hostname())
	local, err := world.Split(ctx, color, world.Rank())
	if err != nil {
		return nil, fmt.Errorf("identity: split local: %w", err)
	}

	levelColor := local.Rank()
	level, err := world.Split(ctx, levelColor, world.Rank())
	if err != nil {
		return nil, fmt.Errorf("identity: split level: %w", err)
	}

	return &Identity{
		World:     world,
		Local:     local,
		Level:     level,
		WorldRank: world.Rank(),
		LocalRank: local.Rank(),
		LevelRank: level.Rank(),
		Hostname:  world.Hostname(),
	}, nil
}

// hostColor assigns a deterministic integer color per distinct
// hostname so Split groups same-host ranks together identically on
// every rank without a second round trip.
func hostColor(hosts []string, mine string) int {
	uniq := append([]string(nil), hosts...)
	sort.Strings(uniq)
	color := 0
	for i, h := range uniq {
		if i == 0 || h != uniq[i-1] {
			if h == mine {
				return color
			}
			color++
		}
	}
	return color
}

func allGatherHostnames(ctx context.Context, world comm.Comm) ([]string, error) {
	out := make([]string, world.Size())
	for r := 0; r < world.Size(); r++ {
		h, err := world.Bcast(ctx, r, []byte(world.Hostname()))
		if err != nil {
			return nil, err
		}
		out[r] = string(h)
	}
	return out, nil
}
