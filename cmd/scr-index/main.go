// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command scr-index is the operational query tool for a job's
// checkpoint history: it mirrors the PFS index file (§4.13) into the
// local SQLite catalog and lists what it finds there. It never drives
// internal/engine itself — a job's world ranks do that — this binary
// only ever reads/writes the side-channel a job's rank 0 leaves behind
// in the PFS prefix.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/gops/agent"

	"github.com/scr-go/scr-go/internal/catalog"
	"github.com/scr-go/scr-go/internal/config"
	"github.com/scr-go/scr-go/internal/flush"
	"github.com/scr-go/scr-go/internal/pfsstore"
	"github.com/scr-go/scr-go/internal/runtimeenv"
	"github.com/scr-go/scr-go/pkg/log"
)

func main() {
	var (
		flagConfig    string
		flagEnv       string
		flagJobID     string
		flagDB        string
		flagReconcile bool
		flagList      bool
		flagGops      bool
		flagLogLevel  string
	)
	flag.StringVar(&flagConfig, "config", "", "path to a scr-go config file (see internal/config.Load)")
	flag.StringVar(&flagEnv, "env", "./.env", "path to a .env file of SCR_* overrides, loaded before -config")
	flag.StringVar(&flagJobID, "job", "", "job id to query (defaults to SCR_JOB_ID / the config's job id)")
	flag.StringVar(&flagDB, "db", "", "path to the sqlite catalog file (defaults to <cntl-base>/<job>.scr-index.db)")
	flag.BoolVar(&flagReconcile, "reconcile", false, "mirror the PFS index file into the sqlite catalog before listing")
	flag.BoolVar(&flagList, "list", true, "list every checkpoint the catalog knows about for the job")
	flag.BoolVar(&flagGops, "gops", false, "listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "logging level: debug, info, warn, err, crit")
	flag.Parse()

	log.SetLogLevel(flagLogLevel)

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err)
		}
	}

	if err := runtimeenv.LoadEnv(flagEnv); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("loading %s failed: %s", flagEnv, err)
	}

	cfg, err := config.Load(flagConfig)
	if err != nil {
		log.Fatalf("loading config: %s", err)
	}

	jobID := flagJobID
	if jobID == "" {
		_, jobID, _ = cfg.Identity()
	}
	if jobID == "" {
		log.Fatal("no job id given; pass -job or set SCR_JOB_ID")
	}

	dbPath := flagDB
	if dbPath == "" {
		dbPath = filepath.Join(cfg.CntlBase, fmt.Sprintf("%s.scr-index.db", jobID))
	}

	ctx := context.Background()
	cat, err := catalog.Open(dbPath)
	if err != nil {
		log.Fatalf("opening catalog %s: %s", dbPath, err)
	}
	defer cat.Close()

	store := pfsstore.NewLocalFS()
	indexPath := filepath.Join(cfg.Prefix, "index.scr")

	if flagReconcile {
		idx, err := flush.LoadIndexFile(ctx, store, indexPath)
		if err != nil {
			log.Fatalf("loading index file %s: %s", indexPath, err)
		}
		if err := cat.ReconcileIndex(ctx, jobID, idx); err != nil {
			log.Fatalf("reconciling catalog: %s", err)
		}
		log.Infof("reconciled %d checkpoint(s) from %s into %s", len(idx.Checkpoints()), indexPath, dbPath)
	}

	if !flagList {
		return
	}

	idx, err := flush.LoadIndexFile(ctx, store, indexPath)
	if err != nil {
		log.Fatalf("loading index file %s: %s", indexPath, err)
	}
	ckptIDs := idx.Checkpoints()
	if len(ckptIDs) == 0 {
		fmt.Printf("no checkpoints recorded for job %s in %s\n", jobID, indexPath)
		return
	}

	for _, ckptID := range ckptIDs {
		entries, err := cat.ListCheckpoints(ctx, jobID, ckptID)
		if err != nil {
			log.Fatalf("listing checkpoint %d: %s", ckptID, err)
		}
		for _, e := range entries {
			status := "incomplete"
			switch {
			case e.Failed:
				status = "failed"
			case e.Complete:
				status = "complete"
			}
			fetched := "never"
			if e.HasFetchedTime {
				fetched = fmt.Sprintf("%d", e.FetchedTime)
			}
			fmt.Printf("job=%s ckpt=%d subdir=%s status=%s flushed=%d fetched=%s\n",
				jobID, ckptID, e.Subdir, status, e.FlushedTime, fetched)
		}
	}
}
