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

package pool

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HealthState is the probe-driven health of one pooled connection.
type HealthState int32

const (
	// Healthy means the last probe succeeded promptly.
	Healthy = HealthState(iota)

	// Degraded means the connection responds but slowly.
	Degraded

	// Unhealthy means the last probe failed or the connection idled out.
	Unhealthy
)

// String returns the state name.
func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// PooledConnection wraps one live transport connection with pool
// bookkeeping. A connection belongs to exactly one pool at a time;
// ownership moves atomically during migration, never duplicated.
type PooledConnection struct {
	// clientID is the externally supplied logical client identity.
	clientID string

	// slotID is an opaque handle unique within the owning pool. A
	// re-created connection for the same client gets a new slot ID.
	slotID string

	createdAt time.Time

	// lastActivityAt is a unix-nano timestamp, updated on application
	// traffic via Touch.
	lastActivityAt atomic.Int64

	health atomic.Int32
}

func newPooledConnection(clientID string) *PooledConnection {
	now := time.Now()
	pc := &PooledConnection{
		clientID:  clientID,
		slotID:    uuid.NewString(),
		createdAt: now,
	}
	pc.lastActivityAt.Store(now.UnixNano())
	return pc
}

// ClientID returns the logical client identity.
func (pc *PooledConnection) ClientID() string {
	return pc.clientID
}

// SlotID returns the slot handle, unique within the owning pool.
func (pc *PooledConnection) SlotID() string {
	return pc.slotID
}

// CreatedAt returns when this connection entered the pool.
func (pc *PooledConnection) CreatedAt() time.Time {
	return pc.createdAt
}

// LastActivityAt returns the time of the last recorded activity.
func (pc *PooledConnection) LastActivityAt() time.Time {
	return time.Unix(0, pc.lastActivityAt.Load())
}

// Touch records application activity now.
func (pc *PooledConnection) Touch() {
	pc.lastActivityAt.Store(time.Now().UnixNano())
}

// IdleTime returns the duration since the last recorded activity.
func (pc *PooledConnection) IdleTime() time.Duration {
	return time.Since(pc.LastActivityAt())
}

// HealthState returns the current health.
func (pc *PooledConnection) HealthState() HealthState {
	return HealthState(pc.health.Load())
}

func (pc *PooledConnection) setHealth(s HealthState) {
	pc.health.Store(int32(s))
}

// Usable reports whether the connection can serve an idempotent re-acquire.
func (pc *PooledConnection) Usable() bool {
	return pc.HealthState() != Unhealthy
}
