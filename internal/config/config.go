// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config holds the scalar configuration recognized by scr-go
// (§6, "Environment & configuration"). Defaults are set in code, a
// config file may override them, and the process environment overrides
// the config file — the same override order cc-backend uses for its
// ProgramConfig, applied here to the SCR_* namespace instead of an
// application config.json.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/scr-go/scr-go/pkg/log"
)

// CopyType names the redundancy scheme a descriptor uses.
type CopyType string

const (
	CopyLocal   CopyType = "LOCAL"
	CopyPartner CopyType = "PARTNER"
	CopyXOR     CopyType = "XOR"
)

// Config is the full set of scalars from §6. Every field has a
// SCR_<UPPER_SNAKE_NAME> environment override, applied in Load after
// the config file (if any) has been parsed.
type Config struct {
	Enable    bool `json:"enable"`
	Debug     int  `json:"debug"`
	LogEnable bool `json:"log_enable"`

	UserName string `json:"user_name"`
	JobID    string `json:"job_id"`
	JobName  string `json:"job_name"`

	CntlBase  string `json:"cntl_base"`
	CacheBase string `json:"cache_base"`
	Prefix    string `json:"prefix"`

	CacheSize   int      `json:"cache_size"`
	CopyType    CopyType `json:"copy_type"`
	SetSize     int      `json:"set_size"`
	HopDistance int      `json:"hop_distance"`

	HaltSeconds int `json:"halt_seconds"`

	MPIBufSize  int64 `json:"mpi_buf_size"`
	FileBufSize int64 `json:"file_buf_size"`

	Distribute bool `json:"distribute"`
	Fetch      bool `json:"fetch"`
	// Flush is the checkpoint-id interval between scheduled flushes to
	// the PFS; 0 disables automatic flushing (the application may still
	// request one explicitly).
	Flush             int     `json:"flush"`
	FlushWidth        int     `json:"flush_width"`
	FetchWidth        int     `json:"fetch_width"`
	FlushOnRestart    bool    `json:"flush_on_restart"`
	GlobalRestart     bool    `json:"global_restart"`
	FlushAsync        bool    `json:"flush_async"`
	FlushAsyncBW      float64 `json:"flush_async_bw"`
	FlushAsyncPercent float64 `json:"flush_async_percent"`

	CRCOnCopy   bool `json:"crc_on_copy"`
	CRCOnFlush  bool `json:"crc_on_flush"`
	CRCOnDelete bool `json:"crc_on_delete"`

	CheckpointInterval int     `json:"checkpoint_interval"`
	CheckpointSeconds  int     `json:"checkpoint_seconds"`
	CheckpointOverhead float64 `json:"checkpoint_overhead"`
}

// Defaults returns the built-in configuration, matching the values a
// host application gets if it supplies neither a config file nor
// environment overrides.
func Defaults() Config {
	return Config{
		Enable:             true,
		Debug:              0,
		LogEnable:          false,
		CntlBase:           "/tmp",
		CacheBase:          "/tmp",
		Prefix:             ".",
		CacheSize:          2,
		CopyType:           CopyXOR,
		SetSize:            8,
		HopDistance:        1,
		HaltSeconds:        0,
		MPIBufSize:         1024 * 1024,
		FileBufSize:        1024 * 1024,
		Distribute:         true,
		Fetch:              true,
		Flush:              10,
		FlushWidth:         32,
		FetchWidth:         32,
		FlushOnRestart:     false,
		GlobalRestart:      false,
		FlushAsync:         false,
		FlushAsyncBW:       0,
		FlushAsyncPercent:  0,
		CRCOnCopy:          false,
		CRCOnFlush:         true,
		CRCOnDelete:        false,
		CheckpointInterval: 0,
		CheckpointSeconds:  0,
		CheckpointOverhead: 0,
	}
}

// Load applies, in order: built-in defaults, the JSON config file at
// path (if it exists and validates against Schema), then SCR_*
// environment overrides. A missing config file is not an error — env
// and defaults still apply, as many jobs configure scr-go purely
// through the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			if err := Validate(raw); err != nil {
				return cfg, fmt.Errorf("config: validate %s: %w", path, err)
			}
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				log.Warnf("config: ignoring invalid boolean %s=%q", name, v)
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				log.Warnf("config: ignoring invalid integer %s=%q", name, v)
				return
			}
			*dst = n
		}
	}
	i64 := func(name string, dst *int64) {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				log.Warnf("config: ignoring invalid integer %s=%q", name, v)
				return
			}
			*dst = n
		}
	}
	f64 := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(name); ok {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				log.Warnf("config: ignoring invalid number %s=%q", name, v)
				return
			}
			*dst = n
		}
	}

	boolean("SCR_ENABLE", &cfg.Enable)
	integer("SCR_DEBUG", &cfg.Debug)
	boolean("SCR_LOG_ENABLE", &cfg.LogEnable)

	str("SCR_USER_NAME", &cfg.UserName)
	str("SCR_JOB_ID", &cfg.JobID)
	str("SCR_JOB_NAME", &cfg.JobName)
	str("SCR_CNTL_BASE", &cfg.CntlBase)
	str("SCR_CACHE_BASE", &cfg.CacheBase)
	str("SCR_PREFIX", &cfg.Prefix)

	integer("SCR_CACHE_SIZE", &cfg.CacheSize)
	if v, ok := os.LookupEnv("SCR_COPY_TYPE"); ok {
		cfg.CopyType = CopyType(v)
	}
	integer("SCR_SET_SIZE", &cfg.SetSize)
	integer("SCR_HOP_DISTANCE", &cfg.HopDistance)
	integer("SCR_HALT_SECONDS", &cfg.HaltSeconds)

	i64("SCR_MPI_BUF_SIZE", &cfg.MPIBufSize)
	i64("SCR_FILE_BUF_SIZE", &cfg.FileBufSize)

	boolean("SCR_DISTRIBUTE", &cfg.Distribute)
	boolean("SCR_FETCH", &cfg.Fetch)
	integer("SCR_FLUSH", &cfg.Flush)
	boolean("SCR_FLUSH_ON_RESTART", &cfg.FlushOnRestart)
	boolean("SCR_GLOBAL_RESTART", &cfg.GlobalRestart)
	boolean("SCR_FLUSH_ASYNC", &cfg.FlushAsync)
	integer("SCR_FLUSH_WIDTH", &cfg.FlushWidth)
	integer("SCR_FETCH_WIDTH", &cfg.FetchWidth)
	f64("SCR_FLUSH_ASYNC_BW", &cfg.FlushAsyncBW)
	f64("SCR_FLUSH_ASYNC_PERCENT", &cfg.FlushAsyncPercent)

	boolean("SCR_CRC_ON_COPY", &cfg.CRCOnCopy)
	boolean("SCR_CRC_ON_FLUSH", &cfg.CRCOnFlush)
	boolean("SCR_CRC_ON_DELETE", &cfg.CRCOnDelete)

	integer("SCR_CHECKPOINT_INTERVAL", &cfg.CheckpointInterval)
	integer("SCR_CHECKPOINT_SECONDS", &cfg.CheckpointSeconds)
	f64("SCR_CHECKPOINT_OVERHEAD", &cfg.CheckpointOverhead)
}

// Identity resolves the job's user/job-id/job-name, falling back to
// host environment variables the way §6 specifies (USER_NAME, JOB_ID,
// JOB_NAME "identity fallback from host env").
func (c Config) Identity() (user, jobID, jobName string) {
	user = c.UserName
	if user == "" {
		user = os.Getenv("USER")
	}
	jobID = c.JobID
	if jobID == "" {
		jobID = os.Getenv("SLURM_JOB_ID")
	}
	if jobID == "" {
		jobID = os.Getenv("PBS_JOBID")
	}
	jobName = c.JobName
	return user, jobID, jobName
}
