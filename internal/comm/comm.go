// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package comm is scr-go's replacement for the MPI communicator the
// original library was built on. Go has no standard collective-
// messaging runtime, so this package gives every redundancy,
// rebuild, and distribution step the same small set of point-to-point
// and collective primitives an MPI communicator would, implemented
// over whichever transport is wired in (NATS in production, an
// in-process bus in tests — see nats.go and mem.go).
//
// Every operation here is collective and blocking, matching §5's
// bulk-synchronous, single-threaded-per-process model: a call does
// not return until its counterpart completes on the peer rank(s).
package comm

import (
	"context"
	"fmt"
)

// ReduceOp names a reduction applied across ranks in Allreduce.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Max
	Min
	And // logical AND, used to reduce per-process success flags (§7)
	Or
)

// Comm is one communicator: a fixed, ordered set of ranks that can
// address each other by rank index and run collectives together. The
// world communicator, each node's local communicator, each level
// communicator, and each redundancy group's communicator are all
// values of this interface.
type Comm interface {
	// Rank returns this process's index within the communicator, in
	// [0, Size()).
	Rank() int

	// Size returns the number of ranks in the communicator.
	Size() int

	// Hostname returns this process's hostname (or host network
	// address), the value topology.Build exchanges between partners to
	// validate that PARTNER/XOR neighbours are on distinct nodes.
	Hostname() string

	// WorldRank translates a rank in this communicator to its rank in
	// the world communicator. For the world communicator itself this is
	// the identity function.
	WorldRank(rank int) int

	// Send blocks until data has been handed to dest's matching Recv.
	Send(ctx context.Context, dest int, data []byte) error

	// Recv blocks until a Send from src is available and returns its
	// payload.
	Recv(ctx context.Context, src int) ([]byte, error)

	// SendRecv performs a paired send to dest and receive from src as
	// one logical step, the way every PARTNER and XOR exchange in §4.2
	// trades data with its left and right neighbours without
	// deadlocking on a strict send-then-receive order.
	SendRecv(ctx context.Context, dest int, sendData []byte, src int) (recvData []byte, err error)

	// Bcast distributes data from root to every rank. Non-root callers'
	// data argument is ignored; all callers (including root) receive
	// root's value back.
	Bcast(ctx context.Context, root int, data []byte) ([]byte, error)

	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error

	// AllreduceInt64 combines one int64 per rank with op and returns the
	// result to every rank.
	AllreduceInt64(ctx context.Context, val int64, op ReduceOp) (int64, error)

	// AllreduceBool combines one bool per rank (And/Or) and returns the
	// result to every rank. Used to reduce per-process validity flags.
	AllreduceBool(ctx context.Context, val bool, op ReduceOp) (bool, error)

	// AlltoallInt64 exchanges one int64 per (src, dst) pair: send[dst]
	// is what this rank offers dst; the return value is keyed by src
	// and holds what src sent to this rank. Used by the restart
	// distributor's round-assignment exchange (§4.4 step 3).
	AlltoallInt64(ctx context.Context, send map[int]int64) (map[int]int64, error)

	// Split partitions the communicator into sub-communicators: ranks
	// sharing the same color end up together, ordered by key (ties
	// broken by original rank). A negative color excludes the rank,
	// which gets back a nil Comm.
	Split(ctx context.Context, color, key int) (Comm, error)

	// Close releases transport resources held by the communicator.
	// Splitting the world communicator for every descriptor's group
	// leaves several of these to close at Finalize.
	Close() error
}

// ErrPeerGone is returned by Recv/SendRecv when the transport believes
// the peer rank is no longer reachable. The rebuild engine and restart
// distributor treat this the same as a missing FileMap entry — the
// peer's files must be reconstructed or are unrecoverable.
var ErrPeerGone = fmt.Errorf("comm: peer unreachable")
