// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkMetricsServedOverHTTP(t *testing.T) {
	s := NewSink("job1", "testcluster")
	s.CheckpointStarted()
	s.CheckpointCompleted()
	s.BytesFlushed(1024)
	s.BytesFetched(512)
	s.RebuildPerformed()
	s.SetAsyncFlushBandwidth(2048.5)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, "scr_checkpoints_started_total")
	assert.Contains(t, text, "scr_bytes_flushed_total")
	assert.Contains(t, text, `job_id="job1"`)
	assert.Contains(t, text, `cluster="testcluster"`)
}

func TestInfluxPusherEncodesCurrentValues(t *testing.T) {
	s := NewSink("job2", "cluster2")
	s.CheckpointCompleted()
	s.BytesFlushed(4096)

	var pushed []byte
	pusher := NewInfluxPusher(s, "scr_telemetry", func(ctx context.Context, batch []byte) error {
		pushed = append([]byte(nil), batch...)
		return nil
	})

	require.NoError(t, pusher.PushOnce(context.Background()))
	require.NotEmpty(t, pushed)
	line := string(pushed)
	assert.True(t, strings.HasPrefix(line, "scr_telemetry"))
	assert.Contains(t, line, "scr_bytes_flushed_total=")
}
