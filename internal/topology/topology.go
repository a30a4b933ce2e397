// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package topology builds the intra-group communicator, partner
// links, and group identity for one checkpoint descriptor, per §4.1.
package topology

import (
	"context"
	"fmt"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/config"
	"github.com/scr-go/scr-go/internal/descriptor"
	"github.com/scr-go/scr-go/internal/identity"
)

// Build fills in d's topology fields given the process's identity and
// its requested copy type / hop distance / set size. level is the
// level communicator every descriptor of the same copy type shares.
func Build(ctx context.Context, id *identity.Identity, copyType config.CopyType, hopDistance, setSize int) (*descriptor.Descriptor, error) {
	d := &descriptor.Descriptor{
		CopyType:    copyType,
		HopDistance: hopDistance,
		SetSize:     setSize,
		Enabled:     true,
	}

	// §4.1 convenience override: if every world rank shares one
	// hostname, cross-node redundancy is impossible.
	singleNode, err := isSingleNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if singleNode && copyType != config.CopyLocal {
		copyType = config.CopyLocal
		d.CopyType = config.CopyLocal
	}

	switch copyType {
	case config.CopyLocal:
		return buildLocal(d), nil
	case config.CopyPartner:
		return buildPartner(ctx, id, d)
	case config.CopyXOR:
		return buildXOR(ctx, id, d)
	default:
		return nil, fmt.Errorf("topology: unknown copy type %q", copyType)
	}
}

func isSingleNode(ctx context.Context, id *identity.Identity) (bool, error) {
	allLocal, err := id.World.AllreduceBool(ctx, id.Local.Size() == id.World.Size(), comm.And)
	if err != nil {
		return false, err
	}
	return allLocal, nil
}

func buildLocal(d *descriptor.Descriptor) *descriptor.Descriptor {
	d.GroupID = 0
	d.GroupRank = 0
	d.GroupSize = 1
	d.LHS, d.RHS = 0, 0
	return d
}

func buildPartner(ctx context.Context, id *identity.Identity, d *descriptor.Descriptor) (*descriptor.Descriptor, error) {
	d.GroupComm = id.Level
	d.GroupID = 0
	d.GroupRank = id.Level.Rank()
	d.GroupSize = id.Level.Size()

	hop := descriptor.NormalizeHopDistance(d.HopDistance, d.GroupSize)
	d.LHS = mod(d.GroupRank-hop, d.GroupSize)
	d.RHS = mod(d.GroupRank+hop, d.GroupSize)

	if err := exchangeHostnames(ctx, id.Level, d); err != nil {
		return nil, err
	}
	if err := enforceValidity(ctx, id.World, d); err != nil {
		return nil, err
	}
	return d, nil
}

func buildXOR(ctx context.Context, id *identity.Identity, d *descriptor.Descriptor) (*descriptor.Descriptor, error) {
	level := id.Level
	size := level.Size()
	hop := d.HopDistance
	if hop <= 0 {
		hop = 1
	}
	setSize := d.SetSize
	if setSize <= 0 {
		setSize = size
	}

	rank := level.Rank()
	rel := rank / hop
	modv := rank % hop
	splitID := (rel/setSize)*hop + modv

	sub, err := level.Split(ctx, splitID, rank)
	if err != nil {
		return nil, fmt.Errorf("topology: split xor group: %w", err)
	}

	d.GroupComm = sub
	d.GroupID = splitID
	d.GroupRank = sub.Rank()
	d.GroupSize = sub.Size()
	d.LHS = mod(d.GroupRank-1, d.GroupSize)
	d.RHS = mod(d.GroupRank+1, d.GroupSize)

	if err := exchangeHostnames(ctx, sub, d); err != nil {
		return nil, err
	}
	if err := enforceValidity(ctx, id.World, d); err != nil {
		return nil, err
	}
	return d, nil
}

// exchangeHostnames trades hostnames with lhs/rhs by paired send/recv,
// the way §4.1 specifies after split.
func exchangeHostnames(ctx context.Context, group comm.Comm, d *descriptor.Descriptor) error {
	me := []byte(group.Hostname())

	fromLHS, err := group.SendRecv(ctx, d.RHS, me, d.LHS)
	if err != nil {
		return fmt.Errorf("topology: exchange with lhs: %w", err)
	}
	d.LHSHost = string(fromLHS)

	fromRHS, err := group.SendRecv(ctx, d.LHS, me, d.RHS)
	if err != nil {
		return fmt.Errorf("topology: exchange with rhs: %w", err)
	}
	d.RHSHost = string(fromRHS)

	d.LHSWorldRank = group.WorldRank(d.LHS)
	d.RHSWorldRank = group.WorldRank(d.RHS)
	return nil
}

// enforceValidity implements §4.1's validity rule: both partner
// hostnames must be non-empty and distinct from this process's own,
// and if any process disables the descriptor, all must.
func enforceValidity(ctx context.Context, world comm.Comm, d *descriptor.Descriptor) error {
	mine := d.GroupComm.Hostname()
	valid := d.LHSHost != "" && d.RHSHost != "" && d.LHSHost != mine && d.RHSHost != mine

	allValid, err := world.AllreduceBool(ctx, valid, comm.And)
	if err != nil {
		return err
	}
	d.Enabled = allValid
	return nil
}

func mod(a, n int) int {
	if n == 0 {
		return 0
	}
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
