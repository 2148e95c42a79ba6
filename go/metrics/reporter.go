// Copyright 2025 The Fleetmux Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetmux/fleetmux/go/registry"
	"github.com/fleetmux/fleetmux/go/tools/timer"
)

// DefaultReportInterval is how often the reporter samples the registry.
const DefaultReportInterval = 10 * time.Second

// ReporterOptions configures a Reporter.
type ReporterOptions struct {
	Interval         time.Duration
	UtilizationAlert float64
	LatencyAlertMs   float64

	// FailoverEvents, if set, supplies the running failover count for the
	// fleet aggregate.
	FailoverEvents func() uint64

	Logger *slog.Logger
}

// Reporter periodically samples every registry entry and fans snapshots and
// alerts out to its sinks.
type Reporter struct {
	reg   *registry.Registry
	sinks []Sink

	interval         time.Duration
	utilizationAlert float64
	latencyAlertMs   float64
	failoverEvents   func() uint64
	logger           *slog.Logger

	runner  *timer.PeriodicRunner
	nowFunc func() time.Time
}

// NewReporter creates a reporter over the given sinks. A LogSink is added
// automatically when no sinks are given.
func NewReporter(reg *registry.Registry, opts ReporterOptions, sinks ...Sink) *Reporter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultReportInterval
	}
	if opts.UtilizationAlert <= 0 {
		opts.UtilizationAlert = DefaultUtilizationAlert
	}
	if opts.LatencyAlertMs <= 0 {
		opts.LatencyAlertMs = DefaultLatencyAlertMs
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(sinks) == 0 {
		sinks = []Sink{&LogSink{Logger: opts.Logger}}
	}
	return &Reporter{
		reg:              reg,
		sinks:            sinks,
		interval:         opts.Interval,
		utilizationAlert: opts.UtilizationAlert,
		latencyAlertMs:   opts.LatencyAlertMs,
		failoverEvents:   opts.FailoverEvents,
		logger:           opts.Logger,
		nowFunc:          time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (r *Reporter) SetNowFunc(now func() time.Time) {
	r.nowFunc = now
}

// Start begins periodic reporting. It returns false if already started.
func (r *Reporter) Start(ctx context.Context) bool {
	if r.runner != nil {
		return false
	}
	r.runner = timer.NewPeriodicRunner(ctx, r.interval)
	return r.runner.Start(r.ReportOnce)
}

// Stop halts periodic reporting.
func (r *Reporter) Stop() {
	if r.runner != nil {
		r.runner.Stop()
		r.runner = nil
	}
}

// ReportOnce samples the registry a single time and pushes the results to
// every sink. Exported so callers can force a sample outside the schedule.
func (r *Reporter) ReportOnce(ctx context.Context) {
	entries, err := r.reg.ListAll(ctx)
	if err != nil {
		r.logger.Warn("metrics sample skipped, registry unreachable", "error", err)
		return
	}

	now := r.nowFunc()
	snaps := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		snap := snapshotOf(e, now)
		snaps = append(snaps, snap)
		alerts := alertsFor(snap, r.utilizationAlert, r.latencyAlertMs)
		for _, sink := range r.sinks {
			sink.ReportSnapshot(snap)
			for _, a := range alerts {
				sink.ReportAlert(a)
			}
		}
	}

	var failovers uint64
	if r.failoverEvents != nil {
		failovers = r.failoverEvents()
	}
	fleet := fleetSnapshotOf(snaps, failovers, now)
	for _, sink := range r.sinks {
		sink.ReportFleet(fleet)
	}
}
