// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/scr-go/scr-go/pkg/log"
)

// natsComm is the production Comm, built the way the teacher's
// pkg/nats client wraps a *nats.Conn: one shared connection, a
// reconnect/error handler pair logged through pkg/log, and
// subject-based addressing instead of MPI ranks. Point-to-point
// traffic goes over one inbox subject per rank; collectives designate
// rank 0 as a coordinator that gathers contributions and republishes
// the result, since NATS itself has no notion of a collective.
type natsComm struct {
	nc      *nats.Conn
	session string
	rank    int
	size    int
	world   []int
	hosts   []string

	sub *nats.Subscription

	mu      sync.Mutex
	pending map[int][][]byte
	waiters map[int]chan struct{}

	seqMu sync.Mutex
	seq   int64

	coordSubs []*nats.Subscription
}

// Dial connects to a NATS server and builds the world communicator for
// a job identified by session (typically the SCR job ID), with this
// process occupying rank out of size. hostname identifies this rank
// for topology.Build's node-distinctness check.
func Dial(ctx context.Context, url, session string, rank, size int, hostname string, opts ...nats.Option) (Comm, error) {
	allOpts := append([]nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("comm: NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("comm: NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Errorf("comm: NATS error: %v", err)
		}),
	}, opts...)

	nc, err := nats.Connect(url, allOpts...)
	if err != nil {
		return nil, fmt.Errorf("comm: NATS connect: %w", err)
	}

	c := &natsComm{
		nc:      nc,
		session: session,
		rank:    rank,
		size:    size,
		world:   allRanks(size),
		hosts:   make([]string, size),
		pending: make(map[int][][]byte),
		waiters: make(map[int]chan struct{}),
	}

	// Every rank learns every other rank's hostname via a bootstrap
	// all-gather over the coordinator subjects, run once up front.
	sub, err := nc.Subscribe(c.inboxSubject(rank), func(msg *nats.Msg) {
		c.deliver(msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("comm: subscribe inbox: %w", err)
	}
	c.sub = sub

	hosts, err := c.allGatherStrings(ctx, hostname)
	if err != nil {
		sub.Unsubscribe()
		nc.Close()
		return nil, fmt.Errorf("comm: hostname exchange: %w", err)
	}
	c.hosts = hosts

	log.Infof("comm: rank %d/%d connected to %s", rank, size, url)
	return c, nil
}

func allRanks(size int) []int {
	out := make([]int, size)
	for i := range out {
		out[i] = i
	}
	return out
}

func (c *natsComm) inboxSubject(rank int) string {
	return fmt.Sprintf("scr.%s.p2p.%d", c.session, rank)
}

func (c *natsComm) coordSubject(seq int64, part string) string {
	return fmt.Sprintf("scr.%s.coord.%d.%s", c.session, seq, part)
}

type envelope struct {
	Src  int    `json:"src"`
	Data []byte `json:"data"`
}

func (c *natsComm) deliver(raw []byte) {
	if len(raw) < 4 {
		return
	}
	src := int(binary.BigEndian.Uint32(raw[:4]))
	data := append([]byte(nil), raw[4:]...)

	c.mu.Lock()
	c.pending[src] = append(c.pending[src], data)
	if ch, ok := c.waiters[src]; ok {
		close(ch)
		delete(c.waiters, src)
	}
	c.mu.Unlock()
}

func (c *natsComm) Rank() int              { return c.rank }
func (c *natsComm) Size() int              { return c.size }
func (c *natsComm) Hostname() string       { return c.hosts[c.rank] }
func (c *natsComm) WorldRank(rank int) int { return c.world[rank] }

func (c *natsComm) Close() error {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	for _, s := range c.coordSubs {
		s.Unsubscribe()
	}
	c.nc.Close()
	return nil
}

func (c *natsComm) Send(ctx context.Context, dest int, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(c.rank))
	copy(buf[4:], data)
	if err := c.nc.Publish(c.inboxSubject(dest), buf); err != nil {
		return fmt.Errorf("comm: send to rank %d: %w", dest, err)
	}
	return nil
}

func (c *natsComm) Recv(ctx context.Context, src int) ([]byte, error) {
	for {
		c.mu.Lock()
		if q := c.pending[src]; len(q) > 0 {
			data := q[0]
			c.pending[src] = q[1:]
			c.mu.Unlock()
			return data, nil
		}
		ch := make(chan struct{})
		c.waiters[src] = ch
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *natsComm) SendRecv(ctx context.Context, dest int, sendData []byte, src int) ([]byte, error) {
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
	return recvData, recvErr
}

// nextSeq assumes every rank issues collectives in the same order
// (true for the bulk-synchronous, single control-flow-path code in
// this repository), so a local counter names the same round on every
// rank without any extra coordination message.
func (c *natsComm) nextSeq() int64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	s := c.seq
	c.seq++
	return s
}

// gather has rank 0 subscribe for this round's contributions, every
// rank (including rank 0) publish its contribution, and rank 0
// publish back a JSON-encoded result once all size contributions are
// in; every rank (including rank 0) waits on the result subject.
func (c *natsComm) gather(ctx context.Context, seq int64, contribution interface{}, compute func(contribs map[int]json.RawMessage) (interface{}, error)) (json.RawMessage, error) {
	resultSubj := c.coordSubject(seq, "result")
	resultCh := make(chan []byte, 1)
	resultSub, err := c.nc.Subscribe(resultSubj, func(msg *nats.Msg) {
		select {
		case resultCh <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer resultSub.Unsubscribe()

	if c.rank == 0 {
		contribSubj := c.coordSubject(seq, "contrib")
		contribs := make(map[int]json.RawMessage)
		var cmu sync.Mutex
		done := make(chan struct{})
		contribSub, err := c.nc.Subscribe(contribSubj, func(msg *nats.Msg) {
			var env struct {
				Rank int             `json:"rank"`
				Val  json.RawMessage `json:"val"`
			}
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				return
			}
			cmu.Lock()
			contribs[env.Rank] = env.Val
			n := len(contribs)
			cmu.Unlock()
			if n == c.size {
				select {
				case <-done:
				default:
					close(done)
				}
			}
		})
		if err != nil {
			return nil, err
		}
		defer contribSub.Unsubscribe()

		if err := c.publishContribution(contribSubj, contribution); err != nil {
			return nil, err
		}

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		result, err := compute(contribs)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		if err := c.nc.Publish(resultSubj, payload); err != nil {
			return nil, err
		}
	} else {
		if err := c.publishContribution(c.coordSubject(seq, "contrib"), contribution); err != nil {
			return nil, err
		}
	}

	select {
	case raw := <-resultCh:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *natsComm) publishContribution(subj string, val interface{}) error {
	valRaw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	env := struct {
		Rank int             `json:"rank"`
		Val  json.RawMessage `json:"val"`
	}{Rank: c.rank, Val: valRaw}
	buf, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.nc.Publish(subj, buf)
}

func (c *natsComm) allGatherStrings(ctx context.Context, val string) ([]string, error) {
	seq := c.nextSeq()
	raw, err := c.gather(ctx, seq, val, func(contribs map[int]json.RawMessage) (interface{}, error) {
		out := make([]string, c.size)
		for r, v := range contribs {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, err
			}
			out[r] = s
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *natsComm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	seq := c.nextSeq()
	var contribution []byte
	if c.rank == root {
		contribution = data
	}
	raw, err := c.gather(ctx, seq, contribution, func(contribs map[int]json.RawMessage) (interface{}, error) {
		var out []byte
		if err := json.Unmarshal(contribs[root], &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *natsComm) Barrier(ctx context.Context) error {
	seq := c.nextSeq()
	_, err := c.gather(ctx, seq, struct{}{}, func(contribs map[int]json.RawMessage) (interface{}, error) {
		return struct{}{}, nil
	})
	return err
}

func (c *natsComm) AllreduceInt64(ctx context.Context, val int64, op ReduceOp) (int64, error) {
	seq := c.nextSeq()
	raw, err := c.gather(ctx, seq, val, func(contribs map[int]json.RawMessage) (interface{}, error) {
		var acc int64
		first := true
		for _, v := range contribs {
			var n int64
			if err := json.Unmarshal(v, &n); err != nil {
				return nil, err
			}
			if first {
				acc, first = n, false
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
		return acc, nil
	})
	if err != nil {
		return 0, err
	}
	var out int64
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, err
	}
	return out, nil
}

func (c *natsComm) AllreduceBool(ctx context.Context, val bool, op ReduceOp) (bool, error) {
	seq := c.nextSeq()
	raw, err := c.gather(ctx, seq, val, func(contribs map[int]json.RawMessage) (interface{}, error) {
		acc := op == And
		for _, v := range contribs {
			var b bool
			if err := json.Unmarshal(v, &b); err != nil {
				return nil, err
			}
			if op == And {
				acc = acc && b
			} else {
				acc = acc || b
			}
		}
		return acc, nil
	})
	if err != nil {
		return false, err
	}
	var out bool
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, err
	}
	return out, nil
}

func (c *natsComm) AlltoallInt64(ctx context.Context, send map[int]int64) (map[int]int64, error) {
	seq := c.nextSeq()
	raw, err := c.gather(ctx, seq, send, func(contribs map[int]json.RawMessage) (interface{}, error) {
		all := make(map[int]map[int]int64, len(contribs))
		for r, v := range contribs {
			var m map[int]int64
			if err := json.Unmarshal(v, &m); err != nil {
				return nil, err
			}
			all[r] = m
		}
		perRank := make(map[int]map[int]int64, len(contribs))
		for dst := range contribs {
			recv := make(map[int]int64)
			for src, m := range all {
				if v, ok := m[dst]; ok {
					recv[src] = v
				}
			}
			perRank[dst] = recv
		}
		return perRank, nil
	})
	if err != nil {
		return nil, err
	}
	var all map[int]map[int]int64
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	return all[c.rank], nil
}

func (c *natsComm) Split(ctx context.Context, color, key int) (Comm, error) {
	seq := c.nextSeq()
	type ck struct {
		Rank, Color, Key int
	}
	raw, err := c.gather(ctx, seq, ck{c.rank, color, key}, func(contribs map[int]json.RawMessage) (interface{}, error) {
		var members []ck
		for _, v := range contribs {
			var m ck
			if err := json.Unmarshal(v, &m); err != nil {
				return nil, err
			}
			if m.Color == color { // computed once per distinct color by whichever goroutine runs last; harmless repetition
				members = append(members, m)
			}
		}
		sort.Slice(members, func(i, j int) bool {
			if members[i].Key != members[j].Key {
				return members[i].Key < members[j].Key
			}
			return members[i].Rank < members[j].Rank
		})
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	if color < 0 {
		return nil, nil
	}
	var members []ck
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, err
	}

	localRank := -1
	world := make([]int, len(members))
	hosts := make([]string, len(members))
	for i, m := range members {
		world[i] = c.WorldRank(m.Rank)
		hosts[i] = c.hosts[m.Rank]
		if m.Rank == c.rank {
			localRank = i
		}
	}

	sub := &natsComm{
		nc:      c.nc,
		session: c.session + fmt.Sprintf(".split%d.c%d", seq, color),
		rank:    localRank,
		size:    len(members),
		world:   world,
		hosts:   hosts,
		pending: make(map[int][][]byte),
		waiters: make(map[int]chan struct{}),
	}
	s, err := c.nc.Subscribe(sub.inboxSubject(localRank), func(msg *nats.Msg) {
		sub.deliver(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	sub.sub = s
	return sub, nil
}

var _ Comm = (*natsComm)(nil)
