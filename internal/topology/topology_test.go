// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package topology

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/config"
	"github.com/scr-go/scr-go/internal/identity"
)

// buildIdentities wires up identity.Build for every rank in parallel,
// the pattern every higher-level package's tests share.
func buildIdentities(t *testing.T, world []comm.Comm) []*identity.Identity {
	t.Helper()
	ids := make([]*identity.Identity, len(world))
	var wg sync.WaitGroup
	wg.Add(len(world))
	for i, w := range world {
		i, w := i, w
		go func() {
			defer wg.Done()
			id, err := identity.Build(context.Background(), w)
			require.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()
	return ids
}

func TestBuildXOREightRanksOneNodeSetSizeFour(t *testing.T) {
	world := comm.NewMemWorld(8, func(rank int) string { return "node0" })
	ids := buildIdentities(t, world)

	type result struct {
		groupSize, hop int
		lhsHost, rhsHost string
		enabled bool
	}
	results := make([]result, 8)
	var wg sync.WaitGroup
	wg.Add(8)
	for i, id := range ids {
		i, id := i, id
		go func() {
			defer wg.Done()
			d, err := Build(context.Background(), id, config.CopyXOR, 1, 4)
			require.NoError(t, err)
			results[i] = result{groupSize: d.GroupSize, lhsHost: d.LHSHost, rhsHost: d.RHSHost, enabled: d.Enabled}
		}()
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, 4, r.groupSize)
		assert.True(t, r.enabled)
	}
}

func TestBuildSingleNodeForcesLocal(t *testing.T) {
	world := comm.NewMemWorld(4, func(rank int) string { return "solo" })
	ids := buildIdentities(t, world)

	results := make([]int, 4)
	var wg sync.WaitGroup
	wg.Add(4)
	for i, id := range ids {
		i, id := i, id
		go func() {
			defer wg.Done()
			d, err := Build(context.Background(), id, config.CopyXOR, 1, 2)
			require.NoError(t, err)
			results[i] = d.GroupSize
		}()
	}
	wg.Wait()

	for _, sz := range results {
		assert.Equal(t, 1, sz, "single-node job must be forced to LOCAL (group size 1)")
	}
}

func TestBuildPartnerTwoNodes(t *testing.T) {
	world := comm.NewMemWorld(4, func(rank int) string { return fmt.Sprintf("node%d", rank/2) })
	ids := buildIdentities(t, world)

	results := make([]bool, 4)
	var wg sync.WaitGroup
	wg.Add(4)
	for i, id := range ids {
		i, id := i, id
		go func() {
			defer wg.Done()
			d, err := Build(context.Background(), id, config.CopyPartner, 1, 0)
			require.NoError(t, err)
			results[i] = d.Enabled
		}()
	}
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}
}
