// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"sort"
	"sync"
)

// memComm is an in-process Comm used by unit tests (and by any tool
// that wants to simulate a multi-rank job inside one process without a
// NATS server). Every rank is a goroutine holding its own *memComm
// view onto a shared memCommShared; collectives rendezvous by call
// order, which is safe because every caller in this codebase runs the
// exact same sequence of collective calls per rank (SPMD control
// flow) — rank r's Nth collective call always matches every other
// rank's Nth call.
type memComm struct {
	shared *memCommShared
	local  int
	callSeq *int64
}

type memCommShared struct {
	size       int
	worldRanks []int
	hostnames  []string

	mu     sync.Mutex
	rounds map[int64]*memRound

	pairMu    sync.Mutex
	pairChans map[[2]int]chan []byte
}

type memRound struct {
	mu      sync.Mutex
	cond    *sync.Cond
	total   int
	arrived int
	payload map[int]interface{}
	result  map[int]interface{}
	ready   bool
}

// NewMemWorld creates size in-process ranks whose hostnames follow
// hostnamePattern(localRank); callers typically vary the pattern to
// simulate several ranks per "node" for topology tests (§8 S1-S6).
func NewMemWorld(size int, hostnameOf func(rank int) string) []Comm {
	shared := &memCommShared{
		size:       size,
		worldRanks: make([]int, size),
		hostnames:  make([]string, size),
		rounds:     make(map[int64]*memRound),
		pairChans:  make(map[[2]int]chan []byte),
	}
	out := make([]Comm, size)
	for i := 0; i < size; i++ {
		shared.worldRanks[i] = i
		shared.hostnames[i] = hostnameOf(i)
		seq := new(int64)
		out[i] = &memComm{shared: shared, local: i, callSeq: seq}
	}
	return out
}

func (c *memComm) Rank() int               { return c.local }
func (c *memComm) Size() int               { return c.shared.size }
func (c *memComm) Hostname() string        { return c.shared.hostnames[c.local] }
func (c *memComm) WorldRank(rank int) int  { return c.shared.worldRanks[rank] }
func (c *memComm) Close() error            { return nil }

func (c *memComm) nextSeq() int64 {
	seq := *c.callSeq
	*c.callSeq++
	return seq
}

func (c *memComm) round(seq int64) *memRound {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	r, ok := c.shared.rounds[seq]
	if !ok {
		r = &memRound{total: c.shared.size, payload: make(map[int]interface{})}
		r.cond = sync.NewCond(&r.mu)
		c.shared.rounds[seq] = r
	}
	return r
}

// collective rendezvous this rank's contribution val, and on the last
// arrival computes a per-rank result map via compute. Every caller
// then reads back its own entry.
func (c *memComm) collective(val interface{}, compute func(payload map[int]interface{}) map[int]interface{}) interface{} {
	seq := c.nextSeq()
	r := c.round(seq)

	r.mu.Lock()
	r.payload[c.local] = val
	r.arrived++
	if r.arrived == r.total {
		r.result = compute(r.payload)
		r.ready = true
		r.cond.Broadcast()
	} else {
		for !r.ready {
			r.cond.Wait()
		}
	}
	res := r.result[c.local]
	r.mu.Unlock()
	return res
}

func (c *memComm) pairChan(srcLocal, dstLocal int) chan []byte {
	key := [2]int{srcLocal, dstLocal}
	c.shared.pairMu.Lock()
	defer c.shared.pairMu.Unlock()
	ch, ok := c.shared.pairChans[key]
	if !ok {
		ch = make(chan []byte)
		c.shared.pairChans[key] = ch
	}
	return ch
}

func (c *memComm) Send(ctx context.Context, dest int, data []byte) error {
	buf := append([]byte(nil), data...)
	ch := c.pairChan(c.local, dest)
	select {
	case ch <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memComm) Recv(ctx context.Context, src int) ([]byte, error) {
	ch := c.pairChan(src, c.local)
	select {
	case buf := <-ch:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memComm) SendRecv(ctx context.Context, dest int, sendData []byte, src int) ([]byte, error) {
	var recvData []byte
	var sendErr, recvErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sendErr = c.Send(ctx, dest, sendData)
	}()
	go func() {
		defer wg.Done()
		recvData, recvErr = c.Recv(ctx, src)
	}()
	wg.Wait()
	if sendErr != nil {
		return nil, sendErr
	}
	if recvErr != nil {
		return nil, recvErr
	}
	return recvData, nil
}

func (c *memComm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	var in []byte
	if c.local == root {
		in = append([]byte(nil), data...)
	}
	res := c.collective(in, func(payload map[int]interface{}) map[int]interface{} {
		val := payload[root].([]byte)
		out := make(map[int]interface{}, len(payload))
		for r := range payload {
			out[r] = val
		}
		return out
	})
	if res == nil {
		return nil, nil
	}
	return res.([]byte), nil
}

func (c *memComm) Barrier(ctx context.Context) error {
	c.collective(struct{}{}, func(payload map[int]interface{}) map[int]interface{} {
		out := make(map[int]interface{}, len(payload))
		for r := range payload {
			out[r] = struct{}{}
		}
		return out
	})
	return nil
}

func (c *memComm) AllreduceInt64(ctx context.Context, val int64, op ReduceOp) (int64, error) {
	res := c.collective(val, func(payload map[int]interface{}) map[int]interface{} {
		var acc int64
		first := true
		for _, v := range payload {
			n := v.(int64)
			if first {
				acc = n
				first = false
				continue
			}
			switch op {
			case Sum:
				acc += n
			case Max:
				if n > acc {
					acc = n
				}
			case Min:
				if n < acc {
					acc = n
				}
			default:
				acc += n
			}
		}
		out := make(map[int]interface{}, len(payload))
		for r := range payload {
			out[r] = acc
		}
		return out
	})
	return res.(int64), nil
}

func (c *memComm) AllreduceBool(ctx context.Context, val bool, op ReduceOp) (bool, error) {
	res := c.collective(val, func(payload map[int]interface{}) map[int]interface{} {
		acc := op == And
		if op != And {
			acc = false
		}
		for _, v := range payload {
			b := v.(bool)
			if op == And {
				acc = acc && b
			} else {
				acc = acc || b
			}
		}
		out := make(map[int]interface{}, len(payload))
		for r := range payload {
			out[r] = acc
		}
		return out
	})
	return res.(bool), nil
}

func (c *memComm) AlltoallInt64(ctx context.Context, send map[int]int64) (map[int]int64, error) {
	res := c.collective(send, func(payload map[int]interface{}) map[int]interface{} {
		out := make(map[int]interface{}, len(payload))
		for dst := range payload {
			recv := make(map[int]int64)
			for src, v := range payload {
				sendMap := v.(map[int]int64)
				if val, ok := sendMap[dst]; ok {
					recv[src] = val
				}
			}
			out[dst] = recv
		}
		return out
	})
	return res.(map[int]int64), nil
}

func (c *memComm) Split(ctx context.Context, color, key int) (Comm, error) {
	type colorKey struct {
		rank, color, key int
	}
	res := c.collective(colorKey{c.local, color, key}, func(payload map[int]interface{}) map[int]interface{} {
		byColor := make(map[int][]colorKey)
		for _, v := range payload {
			ck := v.(colorKey)
			if ck.color < 0 {
				continue
			}
			byColor[ck.color] = append(byColor[ck.color], ck)
		}
		out := make(map[int]interface{}, len(payload))
		for color, members := range byColor {
			sort.Slice(members, func(i, j int) bool {
				if members[i].key != members[j].key {
					return members[i].key < members[j].key
				}
				return members[i].rank < members[j].rank
			})
			shared := &memCommShared{
				size:       len(members),
				worldRanks: make([]int, len(members)),
				hostnames:  make([]string, len(members)),
				rounds:     make(map[int64]*memRound),
				pairChans:  make(map[[2]int]chan []byte),
			}
			for i, m := range members {
				shared.worldRanks[i] = c.shared.WorldRank(m.rank)
				shared.hostnames[i] = c.shared.hostnames[m.rank]
			}
			for i, m := range members {
				seq := new(int64)
				out[m.rank] = &memComm{shared: shared, local: i, callSeq: seq}
			}
			_ = color
		}
		for rank, v := range payload {
			if v.(colorKey).color < 0 {
				out[rank] = (Comm)(nil)
			}
		}
		return out
	})
	if res == nil {
		return nil, nil
	}
	sub, _ := res.(Comm)
	return sub, nil
}

func (c *memCommShared) WorldRank(rank int) int { return c.worldRanks[rank] }

var _ Comm = (*memComm)(nil)
