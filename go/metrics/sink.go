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
	"log/slog"

	"github.com/smira/go-statsd"
)

// Sink receives snapshots and alerts from the reporter.
type Sink interface {
	ReportSnapshot(s Snapshot)
	ReportFleet(f FleetSnapshot)
	ReportAlert(a Alert)
}

// LogSink writes figures to a structured logger. Alerts log at warn level.
type LogSink struct {
	Logger *slog.Logger
}

func (l *LogSink) ReportSnapshot(s Snapshot) {
	l.Logger.Debug("pool metrics",
		"pool_id", s.PoolID,
		"zone", s.Zone,
		"load", s.CurrentLoad,
		"capacity", s.MaxCapacity,
		"utilization", s.Utilization,
		"avg_latency_ms", s.AvgLatencyMs,
		"health", string(s.HealthStatus),
	)
}

func (l *LogSink) ReportFleet(f FleetSnapshot) {
	l.Logger.Info("fleet metrics",
		"pools", f.TotalPools,
		"healthy_pools", f.HealthyPools,
		"capacity", f.TotalCapacity,
		"available_capacity", f.AvailableCapacity,
		"avg_latency_ms", f.AvgLatencyMs,
		"failover_events", f.FailoverEvents,
	)
}

func (l *LogSink) ReportAlert(a Alert) {
	l.Logger.Warn("pool alert",
		"pool_id", a.PoolID,
		"kind", string(a.Kind),
		"value", a.Value,
		"message", a.Message,
	)
}

// StatsdSink pushes figures to a statsd daemon. Gauges are tagged with the
// pool ID; alerts become a counter per alert kind.
type StatsdSink struct {
	client *statsd.Client
}

// NewStatsdSink connects to a statsd daemon at addr. Metric names carry the
// "fleetmux." prefix.
func NewStatsdSink(addr string) *StatsdSink {
	return &StatsdSink{
		client: statsd.NewClient(addr, statsd.MetricPrefix("fleetmux.")),
	}
}

func (s *StatsdSink) ReportSnapshot(snap Snapshot) {
	tag := statsd.StringTag("pool", snap.PoolID)
	s.client.Gauge("pool.load", int64(snap.CurrentLoad), tag)
	s.client.Gauge("pool.capacity", int64(snap.MaxCapacity), tag)
	s.client.FGauge("pool.utilization", snap.Utilization, tag)
	s.client.FGauge("pool.avg_latency_ms", snap.AvgLatencyMs, tag)
}

func (s *StatsdSink) ReportFleet(f FleetSnapshot) {
	s.client.Gauge("fleet.pools", int64(f.TotalPools))
	s.client.Gauge("fleet.healthy_pools", int64(f.HealthyPools))
	s.client.Gauge("fleet.capacity", int64(f.TotalCapacity))
	s.client.Gauge("fleet.available_capacity", int64(f.AvailableCapacity))
	s.client.FGauge("fleet.avg_latency_ms", f.AvgLatencyMs)
	s.client.Gauge("fleet.failover_events", int64(f.FailoverEvents))
}

func (s *StatsdSink) ReportAlert(a Alert) {
	s.client.Incr("pool.alerts", 1,
		statsd.StringTag("pool", a.PoolID),
		statsd.StringTag("kind", string(a.Kind)),
	)
}

// Close flushes and closes the statsd connection.
func (s *StatsdSink) Close() error {
	return s.client.Close()
}
