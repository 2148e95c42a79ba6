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

// Package metrics derives per-pool utilization and latency figures from the
// registry and pushes them to configurable sinks, raising alerts when a pool
// crosses its thresholds.
package metrics

import (
	"fmt"
	"time"

	"github.com/fleetmux/fleetmux/go/registry"
)

const (
	// DefaultUtilizationAlert is the load fraction above which a pool is
	// considered saturated.
	DefaultUtilizationAlert = 0.85

	// DefaultLatencyAlertMs is the average probe latency above which a pool
	// is considered slow.
	DefaultLatencyAlertMs = 100.0
)

// Snapshot is one pool's instantaneous figures.
type Snapshot struct {
	PoolID       string
	Zone         string
	CurrentLoad  int
	MaxCapacity  int
	Utilization  float64
	AvgLatencyMs float64
	HealthStatus registry.HealthStatus
	TakenAt      time.Time
}

// AlertKind identifies which threshold a pool crossed.
type AlertKind string

const (
	AlertSaturated AlertKind = "saturated"
	AlertSlow      AlertKind = "slow"
	AlertUnhealthy AlertKind = "unhealthy"
)

// Alert is a threshold violation for one pool.
type Alert struct {
	PoolID  string
	Kind    AlertKind
	Value   float64
	Message string
}

// FleetSnapshot aggregates the whole fleet in one sample.
type FleetSnapshot struct {
	TotalPools        int
	HealthyPools      int
	TotalCapacity     int
	AvailableCapacity int
	AvgLatencyMs      float64
	FailoverEvents    uint64
	TakenAt           time.Time
}

// fleetSnapshotOf rolls the per-pool snapshots up into a fleet aggregate.
func fleetSnapshotOf(snaps []Snapshot, failoverEvents uint64, now time.Time) FleetSnapshot {
	f := FleetSnapshot{
		TotalPools:     len(snaps),
		FailoverEvents: failoverEvents,
		TakenAt:        now,
	}
	var latencySum float64
	for _, s := range snaps {
		if s.HealthStatus == registry.StatusHealthy {
			f.HealthyPools++
		}
		f.TotalCapacity += s.MaxCapacity
		if free := s.MaxCapacity - s.CurrentLoad; free > 0 {
			f.AvailableCapacity += free
		}
		latencySum += s.AvgLatencyMs
	}
	if len(snaps) > 0 {
		f.AvgLatencyMs = latencySum / float64(len(snaps))
	}
	return f
}

// snapshotOf converts a registry entry into a Snapshot.
func snapshotOf(e *registry.Entry, now time.Time) Snapshot {
	return Snapshot{
		PoolID:       e.PoolID,
		Zone:         e.Zone,
		CurrentLoad:  e.CurrentLoad,
		MaxCapacity:  e.MaxCapacity,
		Utilization:  e.LoadFraction(),
		AvgLatencyMs: e.AvgLatencyMs,
		HealthStatus: e.HealthStatus,
		TakenAt:      now,
	}
}

// alertsFor evaluates one snapshot against the thresholds.
func alertsFor(s Snapshot, utilizationAlert, latencyAlertMs float64) []Alert {
	var alerts []Alert
	if s.Utilization > utilizationAlert {
		alerts = append(alerts, Alert{
			PoolID:  s.PoolID,
			Kind:    AlertSaturated,
			Value:   s.Utilization,
			Message: fmt.Sprintf("utilization %.2f exceeds %.2f", s.Utilization, utilizationAlert),
		})
	}
	if s.AvgLatencyMs > latencyAlertMs {
		alerts = append(alerts, Alert{
			PoolID:  s.PoolID,
			Kind:    AlertSlow,
			Value:   s.AvgLatencyMs,
			Message: fmt.Sprintf("average latency %.1fms exceeds %.1fms", s.AvgLatencyMs, latencyAlertMs),
		})
	}
	if s.HealthStatus == registry.StatusUnavailable {
		alerts = append(alerts, Alert{
			PoolID:  s.PoolID,
			Kind:    AlertUnhealthy,
			Message: "pool is marked unavailable",
		})
	}
	return alerts
}
