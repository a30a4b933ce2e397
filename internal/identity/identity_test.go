// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scr-go/scr-go/internal/comm"
)

func TestBuildTwoNodesTwoRanksEach(t *testing.T) {
	world := comm.NewMemWorld(4, func(rank int) string {
		return fmt.Sprintf("node%d", rank/2)
	})
	ctx := context.Background()

	ids := make([]*Identity, 4)
	var wg sync.WaitGroup
	wg.Add(4)
	for i, w := range world {
		i, w := i, w
		go func() {
			defer wg.Done()
			id, err := Build(ctx, w)
			require.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	for i, id := range ids {
		assert.Equal(t, i, id.WorldRank)
		assert.Equal(t, 2, id.Local.Size())
		assert.Equal(t, 2, id.Level.Size())
	}
	// ranks 0,1 share a node and should get local ranks 0 and 1 (in some order)
	assert.ElementsMatch(t, []int{0, 1}, []int{ids[0].LocalRank, ids[1].LocalRank})
	assert.ElementsMatch(t, []int{0, 1}, []int{ids[2].LocalRank, ids[3].LocalRank})
}
