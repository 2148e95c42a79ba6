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
	"sync"
	"time"
)

// DefaultSnapshotTTL is how long a cached registry snapshot may serve
// reads while the store is down.
const DefaultSnapshotTTL = 10 * time.Second

// snapshotCache holds the last known-good registry listing. It exists so a
// coordination store outage degrades selection quality instead of failing
// connection admission.
type snapshotCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries []*Entry
	takenAt time.Time
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &snapshotCache{ttl: ttl}
}

func (c *snapshotCache) put(entries []*Entry, now time.Time) {
	copied := make([]*Entry, len(entries))
	for i, e := range entries {
		dup := *e
		copied[i] = &dup
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = copied
	c.takenAt = now
}

func (c *snapshotCache) get(now time.Time) ([]*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.takenAt.IsZero() || now.Sub(c.takenAt) > c.ttl {
		return nil, false
	}
	copied := make([]*Entry, len(c.entries))
	for i, e := range c.entries {
		dup := *e
		copied[i] = &dup
	}
	return copied, true
}
