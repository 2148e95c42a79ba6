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

package registry

import (
	"encoding/json"
	"path"
	"time"

	"github.com/fleetmux/fleetmux/go/coordination"
)

// HealthStatus is the fleet-visible health of a pool.
type HealthStatus string

const (
	// StatusHealthy means the pool is serving and accepting new clients.
	StatusHealthy = HealthStatus("healthy")

	// StatusDegraded means the pool is serving but should be deprioritized.
	StatusDegraded = HealthStatus("degraded")

	// StatusUnavailable means the pool must not receive new clients.
	StatusUnavailable = HealthStatus("unavailable")
)

// Entry is one pool's registry document, shared fleet-wide.
//
// CurrentLoad is an eventually-consistent hint used for ranking; the pool
// itself enforces capacity. All writes are whole-document upserts keyed by
// PoolID.
type Entry struct {
	PoolID         string       `json:"pool_id"`
	OwnerProcessID string       `json:"owner_process_id"`
	Endpoint       string       `json:"endpoint"`
	Zone           string       `json:"zone,omitempty"`
	MaxCapacity    int          `json:"max_capacity"`
	CurrentLoad    int          `json:"current_load"`
	HealthStatus   HealthStatus `json:"health_status"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	AvgLatencyMs   float64      `json:"avg_latency_ms"`
}

// LoadFraction returns CurrentLoad / MaxCapacity, clamped to [0, 1].
func (e *Entry) LoadFraction() float64 {
	if e.MaxCapacity <= 0 {
		return 1
	}
	f := float64(e.CurrentLoad) / float64(e.MaxCapacity)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Stale reports whether the entry's heartbeat is older than threshold at
// the given instant. A stale entry is treated as unavailable regardless of
// its stored health status.
func (e *Entry) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(e.LastHeartbeat) > threshold
}

// Key returns the coordination store key for this entry.
func (e *Entry) Key() string {
	return EntryKey(e.PoolID)
}

// EntryKey returns the store key for a pool's registry document.
func EntryKey(poolID string) string {
	return path.Join(coordination.PoolsPrefix, poolID)
}

// LoadKey returns the store key for a pool's load counter.
func LoadKey(poolID string) string {
	return path.Join(coordination.LoadPrefix, poolID)
}

func marshalEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

func unmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
