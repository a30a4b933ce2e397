// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package catalog mirrors the PFS index file (§4.13) into a local
// SQLite database so operators can query checkpoint-flush history
// without walking PFS directories. The core checkpoint/restart
// algorithms never read from it; it is a write-only operational
// side-channel fed by internal/flush and internal/fetch.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/scr-go/scr-go/internal/flush"
)

var registerOnce sync.Once

// Entry is one row of the flush_entries table: a snapshot of one
// (job, checkpoint, subdirectory) the PFS index file recorded.
type Entry struct {
	JobID          string
	CheckpointID   int
	Subdir         string
	FlushedTime    int64
	FetchedTime    int64
	HasFetchedTime bool
	Failed         bool
	Complete       bool
}

// Catalog is a handle onto the mirror database.
type Catalog struct {
	db      *sqlx.DB
	builder sq.StatementBuilderType
}

// Open connects to (creating if necessary) the sqlite3 database at
// path, running any pending migrations, and wraps the driver with
// sqlhooks so every query is logged at debug level (§4.13).
func Open(path string) (*Catalog, error) {
	registerOnce.Do(func() {
		sql.Register("sqlite3_scr_catalog", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, hooks{}))
	})

	db, err := sqlx.Open("sqlite3_scr_catalog", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	// sqlite3 does not tolerate concurrent writers; the catalog is
	// written by at most one rank (world rank 0) at a time anyway.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{db: db, builder: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// RecordFlush upserts a flushed-checkpoint entry, mirroring
// IndexFile.MarkFlushed.
func (c *Catalog) RecordFlush(ctx context.Context, jobID string, ckptID int, subdir string, flushedTime int64, complete bool) error {
	query, args, err := c.builder.Insert("flush_entries").
		Columns("job_id", "checkpoint_id", "subdir", "flushed_time", "complete").
		Values(jobID, ckptID, subdir, flushedTime, complete).
		Suffix("ON CONFLICT(job_id, checkpoint_id, subdir) DO UPDATE SET flushed_time=excluded.flushed_time, complete=excluded.complete").
		ToSql()
	if err != nil {
		return fmt.Errorf("catalog: build flush upsert: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("catalog: record flush %s/%d/%s: %w", jobID, ckptID, subdir, err)
	}
	return nil
}

// RecordFailed marks a flush attempt as failed, mirroring
// IndexFile.MarkFailed.
func (c *Catalog) RecordFailed(ctx context.Context, jobID string, ckptID int, subdir string) error {
	query, args, err := c.builder.Insert("flush_entries").
		Columns("job_id", "checkpoint_id", "subdir", "flushed_time", "failed", "complete").
		Values(jobID, ckptID, subdir, 0, true, false).
		Suffix("ON CONFLICT(job_id, checkpoint_id, subdir) DO UPDATE SET failed=excluded.failed, complete=excluded.complete").
		ToSql()
	if err != nil {
		return fmt.Errorf("catalog: build failed upsert: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("catalog: record failed flush %s/%d/%s: %w", jobID, ckptID, subdir, err)
	}
	return nil
}

// RecordFetch updates an entry's fetched_time, mirroring
// IndexFile.MarkFetched.
func (c *Catalog) RecordFetch(ctx context.Context, jobID string, ckptID int, subdir string, fetchedTime int64) error {
	query, args, err := c.builder.Update("flush_entries").
		Set("fetched_time", fetchedTime).
		Where(sq.Eq{"job_id": jobID, "checkpoint_id": ckptID, "subdir": subdir}).
		ToSql()
	if err != nil {
		return fmt.Errorf("catalog: build fetch update: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("catalog: record fetch %s/%d/%s: %w", jobID, ckptID, subdir, err)
	}
	return nil
}

// ListCheckpoints returns every recorded subdirectory for (jobID, ckptID),
// most recently flushed first.
func (c *Catalog) ListCheckpoints(ctx context.Context, jobID string, ckptID int) ([]Entry, error) {
	query, args, err := c.builder.Select(
		"job_id", "checkpoint_id", "subdir", "flushed_time", "fetched_time", "failed", "complete",
	).From("flush_entries").
		Where(sq.Eq{"job_id": jobID, "checkpoint_id": ckptID}).
		OrderBy("flushed_time DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("catalog: build list query: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list checkpoints %s/%d: %w", jobID, ckptID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var fetchedTime sql.NullInt64
		if err := rows.Scan(&e.JobID, &e.CheckpointID, &e.Subdir, &e.FlushedTime, &fetchedTime, &e.Failed, &e.Complete); err != nil {
			return nil, fmt.Errorf("catalog: scan entry: %w", err)
		}
		if fetchedTime.Valid {
			e.FetchedTime = fetchedTime.Int64
			e.HasFetchedTime = true
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReconcileIndex mirrors every entry idx currently holds for jobID
// into the catalog, overwriting whatever was recorded before. This is
// the periodic reconciliation pass §4.12/§4.13 describe running via
// gocron, meant to heal any catalog writes a crash between an
// IndexFile.Save and its catalog mirror might have dropped.
func (c *Catalog) ReconcileIndex(ctx context.Context, jobID string, idx *flush.IndexFile) error {
	for _, ckptID := range idx.Checkpoints() {
		for _, subdir := range idx.Subdirs(ckptID) {
			entry, ok := idx.Entry(ckptID, subdir)
			if !ok {
				continue
			}
			if entry.Failed {
				if err := c.RecordFailed(ctx, jobID, ckptID, subdir); err != nil {
					return err
				}
				continue
			}
			if err := c.RecordFlush(ctx, jobID, ckptID, subdir, entry.FlushedTime, entry.Complete); err != nil {
				return err
			}
			if entry.HasFetchedTime {
				if err := c.RecordFetch(ctx, jobID, ckptID, subdir, entry.FetchedTime); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
