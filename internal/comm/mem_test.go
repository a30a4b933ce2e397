// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostnameOf(rank int) string {
	return fmt.Sprintf("node%d", rank/2)
}

func TestMemCommRankSize(t *testing.T) {
	world := NewMemWorld(4, hostnameOf)
	for i, c := range world {
		assert.Equal(t, i, c.Rank())
		assert.Equal(t, 4, c.Size())
		assert.Equal(t, fmt.Sprintf("node%d", i/2), c.Hostname())
	}
}

func TestMemCommSendRecv(t *testing.T) {
	world := NewMemWorld(2, hostnameOf)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	var got []byte
	go func() {
		defer wg.Done()
		require.NoError(t, world[0].Send(ctx, 1, []byte("ping")))
	}()
	go func() {
		defer wg.Done()
		var err error
		got, err = world[1].Recv(ctx, 0)
		require.NoError(t, err)
	}()
	wg.Wait()
	assert.Equal(t, "ping", string(got))
}

func TestMemCommBarrier(t *testing.T) {
	world := NewMemWorld(3, hostnameOf)
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(3)
	for _, c := range world {
		c := c
		go func() {
			defer wg.Done()
			require.NoError(t, c.Barrier(ctx))
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier did not release all ranks")
	}
}

func TestMemCommAllreduceSum(t *testing.T) {
	world := NewMemWorld(4, hostnameOf)
	ctx := context.Background()
	results := make([]int64, 4)
	var wg sync.WaitGroup
	wg.Add(4)
	for i, c := range world {
		i, c := i, c
		go func() {
			defer wg.Done()
			v, err := c.AllreduceInt64(ctx, int64(i+1), Sum)
			require.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.EqualValues(t, 10, r) // 1+2+3+4
	}
}

func TestMemCommAllreduceBoolAnd(t *testing.T) {
	world := NewMemWorld(3, hostnameOf)
	ctx := context.Background()
	vals := []bool{true, true, false}
	results := make([]bool, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	for i, c := range world {
		i, c := i, c
		go func() {
			defer wg.Done()
			v, err := c.AllreduceBool(ctx, vals[i], And)
			require.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.False(t, r)
	}
}

func TestMemCommAlltoallInt64(t *testing.T) {
	world := NewMemWorld(3, hostnameOf)
	ctx := context.Background()
	results := make([]map[int]int64, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	for i, c := range world {
		i, c := i, c
		go func() {
			defer wg.Done()
			send := map[int]int64{(i + 1) % 3: int64(i * 10)}
			r, err := c.AlltoallInt64(ctx, send)
			require.NoError(t, err)
			results[i] = r
		}()
	}
	wg.Wait()
	// rank r receives from rank (r+2)%3 == (r-1+3)%3 the value (r-1+3)%3 * 10
	for r := 0; r < 3; r++ {
		src := (r + 2) % 3
		assert.EqualValues(t, src*10, results[r][src])
	}
}

func TestMemCommSplit(t *testing.T) {
	world := NewMemWorld(4, hostnameOf)
	ctx := context.Background()
	subSizes := make([]int, 4)
	subRanks := make([]int, 4)
	var wg sync.WaitGroup
	wg.Add(4)
	for i, c := range world {
		i, c := i, c
		go func() {
			defer wg.Done()
			color := i % 2
			sub, err := c.Split(ctx, color, i)
			require.NoError(t, err)
			require.NotNil(t, sub)
			subSizes[i] = sub.Size()
			subRanks[i] = sub.Rank()
		}()
	}
	wg.Wait()
	for _, sz := range subSizes {
		assert.Equal(t, 2, sz)
	}
}
