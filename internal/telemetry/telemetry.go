// Copyright (C) 2026 The SCR-Go Authors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry implements §4.12's sink: counters and gauges for
// checkpoint/flush/fetch/rebuild activity, served over a Prometheus
// scrape endpoint and optionally pushed as influx line-protocol.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/influxdata/line-protocol/v2/lineprotocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/scr-go/scr-go/pkg/log"
)

// Sink collects the job-wide counters and gauges named in §4.12.
// Every field is a registered prometheus metric; the struct also
// tracks the current async-flush bandwidth as a plain atomic so
// InfluxBatch can read it without going through the prometheus
// gatherer for a single scalar.
type Sink struct {
	registry *prometheus.Registry

	checkpointsStarted   prometheus.Counter
	checkpointsCompleted prometheus.Counter
	checkpointsFailed    prometheus.Counter
	bytesFlushed         prometheus.Counter
	bytesFetched         prometheus.Counter
	rebuildsPerformed    prometheus.Counter
	asyncFlushBandwidth  prometheus.Gauge

	asyncBW atomic.Value // float64, bytes/sec
}

// NewSink registers every metric on a fresh prometheus.Registry and
// returns the Sink. jobID and clusterName are attached to every metric
// as constant labels so a shared scrape target (or influx measurement)
// can distinguish jobs.
func NewSink(jobID, clusterName string) *Sink {
	labels := prometheus.Labels{"job_id": jobID, "cluster": clusterName}
	reg := prometheus.NewRegistry()

	s := &Sink{
		registry: reg,
		checkpointsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scr", Name: "checkpoints_started_total",
			Help: "Checkpoints started.", ConstLabels: labels,
		}),
		checkpointsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scr", Name: "checkpoints_completed_total",
			Help: "Checkpoints completed successfully.", ConstLabels: labels,
		}),
		checkpointsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scr", Name: "checkpoints_failed_total",
			Help: "Checkpoints that failed to complete.", ConstLabels: labels,
		}),
		bytesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scr", Name: "bytes_flushed_total",
			Help: "Bytes moved from cache to the PFS.", ConstLabels: labels,
		}),
		bytesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scr", Name: "bytes_fetched_total",
			Help: "Bytes moved from the PFS back into cache.", ConstLabels: labels,
		}),
		rebuildsPerformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scr", Name: "rebuilds_total",
			Help: "Redundancy rebuilds performed.", ConstLabels: labels,
		}),
		asyncFlushBandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scr", Name: "async_flush_bandwidth_bytes_per_second",
			Help: "Current asynchronous flush throughput.", ConstLabels: labels,
		}),
	}
	reg.MustRegister(
		s.checkpointsStarted, s.checkpointsCompleted, s.checkpointsFailed,
		s.bytesFlushed, s.bytesFetched, s.rebuildsPerformed, s.asyncFlushBandwidth,
	)
	s.asyncBW.Store(float64(0))
	return s
}

func (s *Sink) CheckpointStarted()         { s.checkpointsStarted.Inc() }
func (s *Sink) CheckpointCompleted()       { s.checkpointsCompleted.Inc() }
func (s *Sink) CheckpointFailed()          { s.checkpointsFailed.Inc() }
func (s *Sink) RebuildPerformed()          { s.rebuildsPerformed.Inc() }
func (s *Sink) BytesFlushed(n int64)       { s.bytesFlushed.Add(float64(n)) }
func (s *Sink) BytesFetched(n int64)       { s.bytesFetched.Add(float64(n)) }

// SetAsyncFlushBandwidth records the current moving rate of an
// in-progress asynchronous flush (§4.6 async, TransferFile.BW).
func (s *Sink) SetAsyncFlushBandwidth(bytesPerSecond float64) {
	s.asyncFlushBandwidth.Set(bytesPerSecond)
	s.asyncBW.Store(bytesPerSecond)
}

// Router returns a gorilla/mux router serving a Prometheus scrape
// endpoint at /metrics, wrapped in the same compression and access-log
// middleware the teacher's own HTTP API uses (§4.12 grounds this
// directly on the teacher's server.go).
func (s *Sink) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Use(handlers.CompressHandler)
	return handlers.CustomLoggingHandler(log.InfoWriter, r, func(w io.Writer, params handlers.LogFormatterParams) {
		fmt.Fprintf(w, "%s %s (Response: %d, Size: %d)\n", params.Request.Method, params.URL.RequestURI(), params.StatusCode, params.Size)
	})
}

// InfluxPusher periodically encodes a Sink's current values as influx
// line-protocol and pushes them to a collector, for sites that
// centralize telemetry collection outside a Prometheus scrape model
// (§4.12's "secondary influx exporter").
type InfluxPusher struct {
	sink        *Sink
	measurement string
	push        func(ctx context.Context, batch []byte) error
}

// NewInfluxPusher returns a pusher that encodes sink's gatherable
// metrics under measurement and hands the encoded batch to push (e.g.
// an HTTP POST to an influx line-protocol write endpoint).
func NewInfluxPusher(sink *Sink, measurement string, push func(ctx context.Context, batch []byte) error) *InfluxPusher {
	return &InfluxPusher{sink: sink, measurement: measurement, push: push}
}

// PushOnce gathers the sink's current metric values, encodes one
// line-protocol point, and pushes it.
func (p *InfluxPusher) PushOnce(ctx context.Context) error {
	families, err := p.sink.registry.Gather()
	if err != nil {
		return fmt.Errorf("telemetry: gather metrics: %w", err)
	}

	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)
	enc.StartLine(p.measurement)
	now := time.Now()
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			val, ok := metricValue(m)
			if !ok {
				continue
			}
			enc.AddField(mf.GetName(), lineprotocol.MustNewValue(val))
		}
	}
	enc.EndLine(now)
	if err := enc.Err(); err != nil {
		return fmt.Errorf("telemetry: encode line-protocol: %w", err)
	}
	return p.push(ctx, enc.Bytes())
}

// Run pushes a batch every interval until ctx is done.
func (p *InfluxPusher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PushOnce(ctx); err != nil {
				log.Warnf("telemetry: influx push failed: %v", err)
			}
		}
	}
}

func metricValue(m *dto.Metric) (float64, bool) {
	if m.Counter != nil {
		return m.Counter.GetValue(), true
	}
	if m.Gauge != nil {
		return m.Gauge.GetValue(), true
	}
	return 0, false
}
