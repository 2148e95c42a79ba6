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

/*
Package coordination defines the narrow interface to the shared, fleet-wide
key-value service that fleetmux publishes pool state through.

The store is the only cross-process synchronization point in the system.
It is deliberately small: upsert-with-TTL, get, list-by-prefix, atomic
add, and delete. Implementations plug in through the Factory registration
mechanism; etcd is the real backend, and an in-memory store backs tests.

All mutations are whole-value upserts keyed by a single path. There are no
partial field updates requiring cross-process read-modify-write, which is
what keeps the registry free of lost-update races.
*/
package coordination

import (
	"context"
	"log"
	"time"
)

// Well-known key prefixes within a store root.
const (
	// PoolsPrefix holds one registry entry document per pool.
	PoolsPrefix = "pools"

	// AffinityPrefix holds one affinity record per client.
	AffinityPrefix = "affinity"

	// LoadPrefix holds the best-effort load counter per pool.
	LoadPrefix = "load"
)

// Factory creates Conn objects for a backend implementation.
type Factory interface {
	Create(root string, serverAddrs []string) (Conn, error)
}

// KV is one key-value result from List.
type KV struct {
	Key   string
	Value []byte
}

// Conn is one connection to a coordination store backend.
//
// Every call takes a context; callers are expected to bound it with a
// timeout. Implementations must return typed errors from this package so
// callers can distinguish NoNode from transport failure.
type Conn interface {
	// Put upserts key to value. If ttl is non-zero the key expires that
	// long after the last Put; repeated Puts refresh the expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or a NoNode error.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all key-value pairs under prefix, sorted by key.
	// An empty result is a NoNode error, matching Get semantics.
	List(ctx context.Context, prefix string) ([]KV, error)

	// Add atomically adds delta (which may be negative) to the integer
	// counter at key, creating it at zero first if absent, and returns the
	// new value. Counters never go below zero.
	Add(ctx context.Context, key string, delta int64) (int64, error)

	// Delete removes key. Deleting an absent key is a NoNode error.
	Delete(ctx context.Context, key string) error

	// Close releases the connection. The Conn is unusable afterwards.
	Close() error
}

var factories = make(map[string]Factory)

// RegisterFactory registers a backend implementation under a name.
// Call this from the implementation package's init function.
func RegisterFactory(name string, factory Factory) {
	if factories[name] != nil {
		log.Fatalf("duplicate coordination.Factory registration for %v", name)
	}
	factories[name] = factory
}

// Open creates a Conn using the named implementation.
func Open(implementation, root string, serverAddrs []string) (Conn, error) {
	factory, ok := factories[implementation]
	if !ok {
		return nil, NewError(NoImplementation, implementation)
	}
	return factory.Create(root, serverAddrs)
}
