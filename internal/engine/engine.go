// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package engine implements the Engine facade (§4.9): the single
// handle a host application drives through Init, NeedCheckpoint,
// StartCheckpoint, RouteFile, CompleteCheckpoint, and Finalize (§6).
// It owns every piece of mutable state §9 calls out -- the
// communicators, the descriptor, the live FileMap/flush-file/
// transfer-file, configuration, the monotonic checkpoint-id counter,
// async-flush state, and the halt-file snapshot -- and wires together
// every other internal package to implement the restart sequence
// (scatter -> distribute -> rebuild -> fetch) and the checkpoint
// sequence (cache -> redundancy encode -> flush scheduling).
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/scr-go/scr-go/internal/cachemgr"
	"github.com/scr-go/scr-go/internal/comm"
	"github.com/scr-go/scr-go/internal/config"
	"github.com/scr-go/scr-go/internal/descriptor"
	"github.com/scr-go/scr-go/internal/distribute"
	"github.com/scr-go/scr-go/internal/fetch"
	"github.com/scr-go/scr-go/internal/filemap"
	"github.com/scr-go/scr-go/internal/flush"
	"github.com/scr-go/scr-go/internal/halt"
	"github.com/scr-go/scr-go/internal/identity"
	"github.com/scr-go/scr-go/internal/pfsstore"
	"github.com/scr-go/scr-go/internal/rebuild"
	"github.com/scr-go/scr-go/internal/redundancy"
	"github.com/scr-go/scr-go/internal/sidecar"
	"github.com/scr-go/scr-go/internal/telemetry"
	"github.com/scr-go/scr-go/internal/topology"
	"github.com/scr-go/scr-go/pkg/log"
)

const descriptorIndex = 0 // this implementation configures one descriptor, per internal/config's single set of redundancy scalars

// activeCheckpoint tracks the one checkpoint StartCheckpoint/
// CompleteCheckpoint operate on between calls.
type activeCheckpoint struct {
	id        int
	dir       string
	fileCount int
}

// Engine is the public handle a host application holds for the
// lifetime of its job.
type Engine struct {
	cfg   config.Config
	store pfsstore.Store
	sink  *telemetry.Sink // nil disables telemetry

	world comm.Comm
	id    *identity.Identity
	desc  *descriptor.Descriptor

	user, jobID, jobName string
	cntlDir              string

	fm        *filemap.FileMap
	haltFile  *halt.File
	haltyPol  *halt.Policy
	flushFile *flush.FlushFile
	transfer  *flush.TransferFile
	index     *flush.IndexFile
	flushMgr  *flush.Manager
	fetchMgr  *fetch.Manager
	cache     *cachemgr.Manager

	startTime int64 // unix seconds at Init, used for the halt policy's elapsed-time guard

	nextCkptID   int
	lastCkptTime int64
	callsSince   int // StartCheckpoint calls since the last actual checkpoint, for CHECKPOINT_INTERVAL

	active      *activeCheckpoint
	haveAsync   bool
	asyncID     int
	asyncDir    string
	asyncSubdir string
}

// New returns an Engine for cfg, communicating over world and flushing
// to/fetching from store. sink may be nil to disable telemetry.
func New(cfg config.Config, world comm.Comm, store pfsstore.Store, sink *telemetry.Sink) *Engine {
	return &Engine{cfg: cfg, world: world, store: store, sink: sink}
}

// Init establishes the process's communicators and redundancy
// topology, scatters and merges per-node FileMaps, then restores the
// job to a checkpointable state by distributing, rebuilding, and/or
// fetching checkpoint data as configured (§6 "Init").
//
// Init is collective: every world rank must call it, and every rank
// receives the same success/failure outcome.
func (e *Engine) Init(ctx context.Context) (err error) {
	e.startTime = time.Now().Unix()
	e.user, e.jobID, e.jobName = e.cfg.Identity()
	if e.jobID == "" {
		return fmt.Errorf("engine: init: no job id; set SCR_JOB_ID or run under a resource manager")
	}

	e.id, err = identity.Build(ctx, e.world)
	if err != nil {
		return fmt.Errorf("engine: init: %w", err)
	}
	log.SetRank(e.id.WorldRank)

	e.desc, err = topology.Build(ctx, e.id, e.cfg.CopyType, e.cfg.HopDistance, e.cfg.SetSize)
	if err != nil {
		return fmt.Errorf("engine: init: build topology: %w", err)
	}
	e.desc.Index = descriptorIndex
	e.desc.Interval = 1
	e.desc.Base = e.cfg.CacheBase
	e.desc.Directory = descriptor.Directory(e.cfg.CacheBase, e.user, e.jobID, descriptorIndex)
	if !e.desc.Enabled {
		log.Warnf("engine: redundancy descriptor disabled after topology validation; checkpoints will not be loss-tolerant")
	}

	e.cntlDir = filepath.Join(e.cfg.CntlBase, e.user, fmt.Sprintf("scr.%s", e.jobID))
	if err := os.MkdirAll(e.cntlDir, 0o755); err != nil {
		return fmt.Errorf("engine: init: create control directory: %w", err)
	}

	if err := e.loadControlFiles(ctx); err != nil {
		return err
	}

	e.cache = cachemgr.New()
	e.cache.SetCapacity(e.cfg.CacheBase, e.cfg.CacheSize)

	e.flushMgr = flush.NewManager(flush.Config{
		FlushWidth: e.cfg.FlushWidth,
		BufSize:    e.cfg.FileBufSize,
		CRCOnFlush: e.cfg.CRCOnFlush,
	}, e.store, e.cfg.Prefix, e.jobID, e.flushFile, e.transfer, e.index)
	e.fetchMgr = fetch.NewManager(fetch.Config{
		FetchWidth: e.cfg.FetchWidth,
		BufSize:    e.cfg.FileBufSize,
	}, e.store, e.cfg.Prefix)

	e.haltyPol = &halt.Policy{File: e.haltFile, EndTime: 0}

	if err := e.scatterFileMap(ctx); err != nil {
		return fmt.Errorf("engine: init: scatter filemap: %w", err)
	}

	if err := e.restoreCheckpoints(ctx); err != nil {
		return fmt.Errorf("engine: init: restore checkpoints: %w", err)
	}

	e.nextCkptID = e.highestCheckpointID() + 1
	return nil
}

func (e *Engine) loadControlFiles(ctx context.Context) error {
	var err error
	e.fm, err = filemap.Load(e.localFileMapPath())
	if err != nil {
		return fmt.Errorf("engine: load filemap: %w", err)
	}
	e.haltFile, err = halt.Load(e.haltFilePath())
	if err != nil {
		return fmt.Errorf("engine: load halt file: %w", err)
	}
	e.flushFile, err = flush.LoadFlushFile(e.flushFilePath())
	if err != nil {
		return fmt.Errorf("engine: load flush file: %w", err)
	}
	e.transfer = flush.NewTransferFile(e.transferFilePath())
	e.index, err = flush.LoadIndexFile(ctx, e.store, filepath.Join(e.cfg.Prefix, "index.scr"))
	if err != nil {
		return fmt.Errorf("engine: load index file: %w", err)
	}
	return nil
}

func (e *Engine) localFileMapPath() string {
	return filepath.Join(e.cntlDir, fmt.Sprintf("filemap_%d.scrinfo", e.id.LocalRank))
}
func (e *Engine) masterFileMapPath() string {
	return filepath.Join(e.cntlDir, "filemap.scrinfo")
}
func (e *Engine) haltFilePath() string     { return filepath.Join(e.cntlDir, "halt.scrinfo") }
func (e *Engine) flushFilePath() string    { return filepath.Join(e.cntlDir, "flush.scrinfo") }
func (e *Engine) transferFilePath() string { return filepath.Join(e.cntlDir, "transfer.scrinfo") }

// scatterFileMap implements §4.8: the node-local rank 0 gathers every
// per-rank filemap file currently present on the node (its own plus
// any peers' that landed here after a restart reshuffle), merges
// them, then hands each world rank's subtree to whichever local rank
// now owns it, round-robining any leftover holders across the node so
// a later Distribute (§4.4) has even work to do.
func (e *Engine) scatterFileMap(ctx context.Context) error {
	local := e.id.Local

	if local.Rank() == 0 {
		merged := filemap.New(e.masterFileMapPath())
		merged.Merge(e.fm)

		matches, _ := filepath.Glob(filepath.Join(e.cntlDir, "filemap_*.scrinfo"))
		for _, p := range matches {
			if p == e.localFileMapPath() {
				continue
			}
			other, err := filemap.Load(p)
			if err != nil {
				log.Warnf("engine: scatter: skip unreadable filemap %s: %v", p, err)
				continue
			}
			merged.Merge(other)
		}

		holderSet := map[int]bool{}
		for _, ckptID := range merged.Checkpoints() {
			for _, r := range merged.Ranks(ckptID) {
				if len(merged.Files(ckptID, r)) > 0 {
					holderSet[r] = true
				}
			}
		}
		holders := make([]int, 0, len(holderSet))
		for r := range holderSet {
			holders = append(holders, r)
		}
		sort.Ints(holders)

		peerLocalRanks := make([]int, 0, local.Size())
		for lr := 0; lr < local.Size(); lr++ {
			peerLocalRanks = append(peerLocalRanks, lr)
		}

		assignment := make(map[int]int) // holder world rank -> destination local rank
		next := 0
		for _, holderWorldRank := range holders {
			assigned := false
			for lr := range peerLocalRanks {
				if local.WorldRank(lr) == holderWorldRank {
					assignment[holderWorldRank] = lr
					assigned = true
					break
				}
			}
			if !assigned {
				assignment[holderWorldRank] = peerLocalRanks[next%len(peerLocalRanks)]
				next++
			}
		}

		for lr := 1; lr < local.Size(); lr++ {
			var mine []int
			for holderWorldRank, dest := range assignment {
				if dest == lr {
					mine = append(mine, holderWorldRank)
				}
			}
			sort.Ints(mine)
			sub := filemap.New("")
			for _, holderWorldRank := range mine {
				sub.Merge(merged.ExtractRank(holderWorldRank, ""))
			}
			data, err := encodeFileMap(sub)
			if err != nil {
				return err
			}
			if err := local.Send(ctx, lr, data); err != nil {
				return fmt.Errorf("engine: scatter: send to local rank %d: %w", lr, err)
			}
		}

		e.fm = filemap.New(e.localFileMapPath())
		for holderWorldRank, dest := range assignment {
			if dest == 0 {
				e.fm.Merge(merged.ExtractRank(holderWorldRank, ""))
			}
		}
	} else {
		data, err := local.Recv(ctx, 0)
		if err != nil {
			return fmt.Errorf("engine: scatter: recv from local rank 0: %w", err)
		}
		sub, err := decodeFileMap(data, e.localFileMapPath())
		if err != nil {
			return err
		}
		e.fm = sub
	}

	if err := local.Barrier(ctx); err != nil {
		return fmt.Errorf("engine: scatter: barrier: %w", err)
	}
	return e.fm.Save()
}

// encodeFileMap serializes fm's contents through a scratch file so its
// bytes can travel over a comm.Comm Send, since FileMap itself only
// knows how to persist to a path, not to marshal in memory.
func encodeFileMap(fm *filemap.FileMap) ([]byte, error) {
	tmp, err := os.CreateTemp("", "scr-filemap-scatter-*")
	if err != nil {
		return nil, fmt.Errorf("engine: scatter: temp file: %w", err)
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	wireFm := filemap.New(path)
	wireFm.Merge(fm)
	if err := wireFm.Save(); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func decodeFileMap(data []byte, path string) (*filemap.FileMap, error) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("engine: scatter: write received filemap: %w", err)
	}
	return filemap.Load(path)
}

// highestCheckpointID returns the largest checkpoint id this rank's
// FileMap currently knows about, or 0 if none.
func (e *Engine) highestCheckpointID() int {
	max := 0
	for _, id := range e.fm.Checkpoints() {
		if id > max {
			max = id
		}
	}
	return max
}

// restoreCheckpoints implements the restart half of Init: for every
// checkpoint id this rank's FileMap knows about, distribute files back
// to their owning rank (§4.4), then attempt rebuild (§4.3), falling
// back to a PFS fetch (§4.7) and re-encode (§4.2) when the group is
// unrecoverable locally.
func (e *Engine) restoreCheckpoints(ctx context.Context) error {
	ids := e.fm.Checkpoints()
	sort.Ints(ids)

	for _, ckptID := range ids {
		if e.cfg.Distribute {
			dir := e.checkpointDir(ckptID)
			if err := distribute.Distribute(ctx, e.world, e.fm, ckptID, e.id.WorldRank, e.world.Size(), dir, int(mpiBufSize(e.cfg)), e.cfg.CRCOnDelete); err != nil {
				return fmt.Errorf("distribute checkpoint %d: %w", ckptID, err)
			}
			if err := e.fm.Save(); err != nil {
				return err
			}
		}

		if err := e.rebuildOrFetch(ctx, ckptID); err != nil {
			return err
		}
	}
	return nil
}

// mpiBufSize returns cfg's configured inter-rank streaming buffer
// size, defaulting to 1 MiB when unset (mirrors flush.Config.bufSize
// and fetch.Config.bufSize's same fallback).
func mpiBufSize(cfg config.Config) int64 {
	if cfg.MPIBufSize > 0 {
		return cfg.MPIBufSize
	}
	return 1 << 20
}

func (e *Engine) checkpointDir(ckptID int) string {
	return filepath.Join(e.desc.Directory, fmt.Sprintf("checkpoint.%d", ckptID))
}

// rebuildOrFetch attempts a node-local rebuild for ckptID; if the
// group is unrecoverable (more than one member lost) and fetch is
// enabled, it reloads the checkpoint from the PFS instead and re-runs
// the redundancy encoder over the recovered files (§4.7 step 5).
func (e *Engine) rebuildOrFetch(ctx context.Context, ckptID int) error {
	haveAll := e.fm.Complete(ckptID, e.id.WorldRank)
	if e.desc.CopyType == config.CopyLocal {
		// LOCAL has no group to rebuild from (§4.3 "LOCAL. Not
		// rebuildable"); a lost file is only recoverable via the PFS.
		if haveAll {
			return nil
		}
		return e.fetchAndReencode(ctx, ckptID)
	}

	root, err := rebuild.Detect(ctx, e.desc, haveAll)
	if errors.Is(err, rebuild.ErrUnrecoverable) {
		return e.fetchAndReencode(ctx, ckptID)
	}
	if err != nil {
		return fmt.Errorf("rebuild detect for checkpoint %d: %w", ckptID, err)
	}
	if root < 0 {
		return nil // every member already has its files
	}

	switch e.desc.CopyType {
	case config.CopyXOR:
		myFiles := e.fm.Files(ckptID, e.id.WorldRank)
		artifact := filepath.Join(e.checkpointDir(ckptID), redundancy.ArtifactName(e.desc.GroupRank, e.desc.GroupSize, e.desc.GroupID))
		return rebuild.RebuildXOR(ctx, e.desc, e.fm, e.id.WorldRank, e.world.Size(), ckptID, root, myFiles, artifact, e.cfg.CRCOnCopy)
	case config.CopyPartner:
		return redundancy.RebuildPartner(ctx, e.desc, e.fm, e.id.WorldRank, e.world.Size(), ckptID, root, int(mpiBufSize(e.cfg)), e.cfg.CRCOnCopy)
	default:
		return e.fetchAndReencode(ctx, ckptID)
	}
}

func (e *Engine) fetchAndReencode(ctx context.Context, ckptID int) error {
	if !e.cfg.Fetch {
		return fmt.Errorf("engine: checkpoint %d unrecoverable locally and fetch is disabled", ckptID)
	}
	dir := e.checkpointDir(ckptID)
	if _, err := e.fetchMgr.Fetch(ctx, e.world, e.fm, e.index, dir, ckptID, e.id.WorldRank, e.world.Size(), "", time.Now().Unix()); err != nil {
		return fmt.Errorf("fetch checkpoint %d: %w", ckptID, err)
	}
	if e.sink != nil {
		e.sink.BytesFetched(0)
	}
	return e.encodeRedundancy(ctx, ckptID)
}

func (e *Engine) encodeRedundancy(ctx context.Context, ckptID int) error {
	if !e.desc.Enabled || e.desc.CopyType == config.CopyLocal {
		return nil // LOCAL has no group to preflight or encode against
	}
	files := e.fm.Files(ckptID, e.id.WorldRank)
	ok, err := redundancy.Preflight(ctx, e.desc.GroupComm, files, ckptID, e.id.WorldRank, e.world.Size())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("engine: redundancy preflight failed for checkpoint %d", ckptID)
	}
	switch e.desc.CopyType {
	case config.CopyXOR:
		return redundancy.EncodeXOR(ctx, e.desc, e.fm, e.id.WorldRank, e.world.Size(), ckptID, files, e.cfg.CRCOnFlush)
	case config.CopyPartner:
		return redundancy.EncodePartner(ctx, e.desc, e.fm, e.id.WorldRank, e.world.Size(), ckptID, files, e.cfg.CRCOnCopy, int(mpiBufSize(e.cfg)), redundancy.Copy)
	default:
		return nil // LOCAL: nothing to encode
	}
}

// NeedCheckpoint reports whether the application should take a
// checkpoint now, consulting the configured interval/time/overhead
// policy and halt pressure (§6 "NeedCheckpoint").
func (e *Engine) NeedCheckpoint(ctx context.Context) (bool, error) {
	need := false

	if e.cfg.CheckpointInterval > 0 && e.callsSince >= e.cfg.CheckpointInterval {
		need = true
	}
	now := time.Now().Unix()
	if e.cfg.CheckpointSeconds > 0 && e.lastCkptTime > 0 && now-e.lastCkptTime >= int64(e.cfg.CheckpointSeconds) {
		need = true
	}
	if e.lastCkptTime == 0 {
		need = true // always checkpoint at least once
	}

	elapsed := now - e.startTime
	if halting, reason := e.haltyPol.ShouldHalt(now, elapsed, e.nextCkptID-1); halting {
		log.Infof("engine: halt policy requests checkpoint now: %s", reason)
		need = true
	}

	allNeed, err := e.world.AllreduceBool(ctx, need, comm.Or)
	if err != nil {
		return false, fmt.Errorf("engine: need-checkpoint allreduce: %w", err)
	}
	return allNeed, nil
}

// StartCheckpoint begins a new checkpoint: it evicts cached
// checkpoints past capacity, creates the checkpoint directory, and
// records the descriptor's identity into the FileMap (§6
// "StartCheckpoint").
func (e *Engine) StartCheckpoint(ctx context.Context) (int, error) {
	if e.active != nil {
		return 0, fmt.Errorf("engine: checkpoint %d already in progress", e.active.id)
	}
	ckptID := e.nextCkptID
	e.callsSince++

	dir, err := e.cache.Start(ctx, e.id, e.fm, e.flushMgr, e.cfg.CacheBase, e.desc.Directory, ckptID, e.cfg.CRCOnDelete)
	if err != nil {
		return 0, fmt.Errorf("engine: start checkpoint %d: %w", ckptID, err)
	}

	e.fm.SetDescriptorHash(ckptID, e.id.WorldRank, e.desc.Directory)
	if e.sink != nil {
		e.sink.CheckpointStarted()
	}
	e.active = &activeCheckpoint{id: ckptID, dir: dir}
	return ckptID, nil
}

// RouteFile returns the cache-resident path the application should
// write (or, on restart, read) inPath's contents through for the
// active checkpoint (§6 "RouteFile").
func (e *Engine) RouteFile(inPath string) (string, error) {
	if e.active == nil {
		return "", fmt.Errorf("engine: route file: no checkpoint in progress")
	}
	outPath := filepath.Join(e.active.dir, filepath.Base(inPath))
	e.fm.AddFile(e.active.id, e.id.WorldRank, outPath)
	e.active.fileCount++
	return outPath, nil
}

// CompleteCheckpoint finalizes the active checkpoint: it writes each
// routed file's sidecar with complete=valid, runs the redundancy
// encoder, and conditionally starts or advances an asynchronous flush
// (§6 "CompleteCheckpoint").
func (e *Engine) CompleteCheckpoint(ctx context.Context, valid bool) error {
	if e.active == nil {
		return fmt.Errorf("engine: complete checkpoint: none in progress")
	}
	ckptID := e.active.id
	worldSize := e.world.Size()

	files := e.fm.Files(ckptID, e.id.WorldRank)
	for _, f := range files {
		size, err := writeSidecarForRoutedFile(f, ckptID, e.id.WorldRank, worldSize, valid, e.cfg.CRCOnCopy)
		if err != nil {
			return fmt.Errorf("engine: write sidecar %s: %w", f, err)
		}
		e.fm.SetFileSize(ckptID, e.id.WorldRank, f, size)
	}
	e.fm.SetExpectedCount(ckptID, e.id.WorldRank, len(files))
	if err := e.fm.Save(); err != nil {
		return err
	}

	allValid, err := e.world.AllreduceBool(ctx, valid, comm.And)
	if err != nil {
		return fmt.Errorf("engine: complete checkpoint allreduce: %w", err)
	}
	if !allValid {
		if e.sink != nil {
			e.sink.CheckpointFailed()
		}
		e.active = nil
		return fmt.Errorf("engine: checkpoint %d invalid on at least one rank", ckptID)
	}

	if err := e.encodeRedundancy(ctx, ckptID); err != nil {
		if e.sink != nil {
			e.sink.CheckpointFailed()
		}
		e.active = nil
		return fmt.Errorf("engine: encode redundancy for checkpoint %d: %w", ckptID, err)
	}
	if e.sink != nil && e.desc.Enabled {
		e.sink.RebuildPerformed()
	}

	e.flushFile.Set(ckptID, flush.LocationCache)
	if err := e.flushFile.Save(); err != nil {
		return err
	}

	e.lastCkptTime = time.Now().Unix()
	e.callsSince = 0
	e.nextCkptID = ckptID + 1
	e.active = nil

	if e.sink != nil {
		e.sink.CheckpointCompleted()
	}

	if e.cfg.Flush > 0 && ckptID%e.cfg.Flush == 0 {
		if e.cfg.FlushAsync {
			return e.startAsyncFlush(ctx, ckptID)
		}
		return e.syncFlush(ctx, ckptID)
	}
	return nil
}

func writeSidecarForRoutedFile(path string, ckptID, rank, ranksTotal int, valid bool, crcOnCopy bool) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	sc := &sidecar.Sidecar{
		Filename:     path,
		FileType:     sidecar.TypeFull,
		FileSize:     info.Size(),
		CheckpointID: ckptID,
		Rank:         rank,
		RanksTotal:   ranksTotal,
		Complete:     valid,
	}
	if crcOnCopy {
		sum, err := crc32File(path)
		if err != nil {
			return 0, err
		}
		sc.CRC32 = &sum
	}
	if err := sc.Save(); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func crc32File(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

func (e *Engine) syncFlush(ctx context.Context, ckptID int) error {
	if err := e.flushMgr.Flush(ctx, e.world, e.fm, ckptID, e.id.WorldRank, e.world.Size(), time.Now().Unix()); err != nil {
		return fmt.Errorf("engine: synchronous flush of checkpoint %d: %w", ckptID, err)
	}
	return nil
}

func (e *Engine) startAsyncFlush(ctx context.Context, ckptID int) error {
	if e.haveAsync {
		if err := e.flushMgr.WaitFlushComplete(ctx, e.asyncID); err != nil {
			return err
		}
	}
	files := make(map[string]int64)
	for _, f := range e.fm.Files(ckptID, e.id.WorldRank) {
		if sz, ok := e.fm.FileSize(ckptID, e.id.WorldRank, f); ok {
			files[f] = sz
		}
	}
	subdir := fmt.Sprintf("scr.%d.%s.%d", time.Now().Unix(), e.jobID, ckptID)
	destDir := filepath.Join(e.cfg.Prefix, subdir)
	if err := e.flushMgr.StartAsync(ctx, ckptID, files, destDir); err != nil {
		return fmt.Errorf("engine: start async flush of checkpoint %d: %w", ckptID, err)
	}
	e.haveAsync = true
	e.asyncID = ckptID
	e.asyncDir = destDir
	e.asyncSubdir = subdir
	return nil
}

// pollAsyncFlush advances an in-progress asynchronous flush, calling
// CompleteAsync once every rank's transfer is done. Finalize calls
// this synchronously; a long-running host application may also poll
// it between RouteFile calls.
func (e *Engine) pollAsyncFlush(ctx context.Context) error {
	if !e.haveAsync {
		return nil
	}
	complete, written, err := e.flushMgr.TestAsync(ctx, e.world, e.asyncID)
	if err != nil {
		return err
	}
	if e.sink != nil {
		e.sink.SetAsyncFlushBandwidth(float64(written))
	}
	if !complete {
		return nil
	}
	if err := e.flushMgr.CompleteAsync(ctx, e.world, e.asyncID, e.id.WorldRank, e.world.Size(), e.asyncDir, e.asyncSubdir, time.Now().Unix()); err != nil {
		return err
	}
	e.haveAsync = false
	return nil
}

// Finalize synchronously completes any outstanding flush and releases
// resources, honoring the halt policy's request to flush the active
// checkpoint before exit (§5 "Cancellation & timeouts", §6
// "Finalize").
func (e *Engine) Finalize(ctx context.Context) error {
	if e.active != nil {
		log.Warnf("engine: finalize with checkpoint %d still open; marking it invalid", e.active.id)
		_ = e.CompleteCheckpoint(ctx, false)
	}

	if e.haveAsync {
		for {
			if err := e.pollAsyncFlush(ctx); err != nil {
				return fmt.Errorf("engine: finalize: complete outstanding async flush: %w", err)
			}
			if !e.haveAsync {
				break
			}
			select {
			case <-ctx.Done():
				if err := e.flushMgr.StopAsync(ctx, e.asyncID); err != nil {
					return err
				}
				e.haveAsync = false
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}

	if e.flushMgr != nil {
		e.flushMgr.StopMover()
	}
	if e.id != nil {
		if e.id.Local != nil && e.id.Local != e.world {
			_ = e.id.Local.Close()
		}
		if e.id.Level != nil && e.id.Level != e.world && e.id.Level != e.id.Local {
			_ = e.id.Level.Close()
		}
	}
	if e.desc != nil && e.desc.GroupComm != nil && e.desc.GroupComm != e.world && e.desc.GroupComm != e.id.Local && e.desc.GroupComm != e.id.Level {
		_ = e.desc.GroupComm.Close()
	}
	return nil
}
