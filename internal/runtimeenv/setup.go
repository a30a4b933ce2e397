// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package runtimeenv collects the handful of process-setup concerns
// that sit outside the checkpoint/restart algorithms proper: loading a
// site .env file into the process environment before config.Load runs,
// and telling an init system the node is ready.
package runtimeenv

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/joho/godotenv"
)

// LoadEnv loads key=value pairs from file directly into the process
// environment, so that site-specific SCR_* overrides can live in a
// single file sourced by the job launcher instead of being exported
// individually. Existing environment variables take precedence — see
// godotenv's non-overload semantics — matching §6's "env overrides
// config" ordering.
func LoadEnv(file string) error {
	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("runtimeenv: load %s: %w", file, err)
	}
	return nil
}

// SystemdNotify tells systemd (if the job was started under it) that
// this rank's local SCR state is ready, or reports a status string.
// It is a no-op outside of a systemd unit.
func SystemdNotify(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}
	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	cmd := exec.Command("systemd-notify", args...)
	_ = cmd.Run() // best effort; nothing useful to do if systemd-notify is missing
}
