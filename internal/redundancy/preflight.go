// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package redundancy

import (
	"context"
	"fmt"

	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/sidecar"
)

// Preflight implements §4.2's "Preflight (all types)" step: every
// candidate file must already be present and usable -- sidecar exists,
// marked complete, and its recorded size matches what's on disk -- or
// the whole group's encode attempt is aborted, since a partially
// checkpointed rank would otherwise poison its neighbours' redundancy
// data.
func Preflight(ctx context.Context, group comm.Comm, files []string, checkpointID, worldRank, ranksTotal int) (bool, error) {
	ok := true
	for _, f := range files {
		usable, err := sidecar.Usable(f, checkpointID, worldRank, ranksTotal)
		if err != nil {
			return false, fmt.Errorf("redundancy: preflight check %s: %w", f, err)
		}
		if !usable {
			ok = false
			break
		}
	}

	allOK, err := group.AllreduceBool(ctx, ok, comm.And)
	if err != nil {
		return false, fmt.Errorf("redundancy: preflight allreduce: %w", err)
	}
	return allOK, nil
}
