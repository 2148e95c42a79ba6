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
Package registry is the client side of the fleet-wide pool registry.

Each pool publishes one Entry document plus a best-effort load counter into
the coordination store. The registry client reads those back for selection
and failover. Every store call is bounded by a timeout and wrapped by a
circuit breaker; list reads additionally fall back to a cached last
known-good snapshot when the store is degraded, so registry unavailability
never blocks connection admission.
*/
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fleetmux/fleetmux/go/breaker"
	"github.com/fleetmux/fleetmux/go/coordination"
	"github.com/fleetmux/fleetmux/go/fleeterrors"
)

const (
	// DefaultCallTimeout bounds every coordination store call.
	DefaultCallTimeout = 2 * time.Second

	// DefaultEntryTTL is how long an entry survives without a heartbeat
	// before the store expires it.
	DefaultEntryTTL = 30 * time.Second

	// DefaultStaleAfter is the heartbeat age beyond which an entry is
	// treated as unavailable even if the store has not expired it yet.
	DefaultStaleAfter = 15 * time.Second
)

// ListCriteria filters ListAvailable results.
type ListCriteria struct {
	// MaxLoadThreshold excludes entries at or above this load fraction.
	// Zero means no load filtering.
	MaxLoadThreshold float64
}

// Options configures a Registry client.
type Options struct {
	// CallTimeout bounds each store call. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// EntryTTL is the TTL applied to entry upserts. Defaults to
	// DefaultEntryTTL.
	EntryTTL time.Duration

	// StaleAfter is the heartbeat staleness threshold. Defaults to
	// DefaultStaleAfter.
	StaleAfter time.Duration

	// SnapshotTTL is how long a cached snapshot may serve reads while the
	// store is down. Defaults to DefaultSnapshotTTL.
	SnapshotTTL time.Duration

	// Breaker guards store calls. If nil a breaker with default
	// parameters is created.
	Breaker *breaker.Breaker

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Registry is a client to the shared pool registry.
type Registry struct {
	conn        coordination.Conn
	breaker     *breaker.Breaker
	callTimeout time.Duration
	entryTTL    time.Duration
	staleAfter  time.Duration
	snapshot    *snapshotCache
	logger      *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Registry client over the given store connection.
func New(conn coordination.Conn, opts Options) *Registry {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = DefaultEntryTTL
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Breaker == nil {
		opts.Breaker = breaker.New("registry", 0, 0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		conn:        conn,
		breaker:     opts.Breaker,
		callTimeout: opts.CallTimeout,
		entryTTL:    opts.EntryTTL,
		staleAfter:  opts.StaleAfter,
		snapshot:    newSnapshotCache(opts.SnapshotTTL),
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// SetNowFunc replaces the registry clock. Test hook.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.now = now
}

// call runs fn against the store with the registry's timeout and breaker.
func (r *Registry) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.breaker.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		return fn(ctx)
	})
}

// Register upserts the entry with a TTL refresh. Safe to call repeatedly;
// this is also the heartbeat path.
func (r *Registry) Register(ctx context.Context, entry *Entry) error {
	if entry.PoolID == "" {
		return fleeterrors.New(fleeterrors.BadInput, "registry: entry has empty pool id")
	}
	entry.LastHeartbeat = r.now()
	data, err := marshalEntry(entry)
	if err != nil {
		return err
	}
	return r.call(ctx, func(ctx context.Context) error {
		return r.conn.Put(ctx, entry.Key(), data, r.entryTTL)
	})
}

// Unregister removes the pool's entry and load counter. Used when a pool is
// decommissioned. Missing keys are not an error.
func (r *Registry) Unregister(ctx context.Context, poolID string) error {
	return r.call(ctx, func(ctx context.Context) error {
		if err := r.conn.Delete(ctx, EntryKey(poolID)); err != nil && !coordination.IsErrType(err, coordination.NoNode) {
			return err
		}
		if err := r.conn.Delete(ctx, LoadKey(poolID)); err != nil && !coordination.IsErrType(err, coordination.NoNode) {
			return err
		}
		return nil
	})
}

// Get returns the entry for one pool.
func (r *Registry) Get(ctx context.Context, poolID string) (*Entry, error) {
	var entry *Entry
	err := r.call(ctx, func(ctx context.Context) error {
		data, err := r.conn.Get(ctx, EntryKey(poolID))
		if err != nil {
			return err
		}
		entry, err = unmarshalEntry(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkUnavailable rewrites the pool's entry with Unavailable status so
// selection stops routing to it. The write keeps the TTL so a dead owner's
// entry still expires.
func (r *Registry) MarkUnavailable(ctx context.Context, poolID string) error {
	entry, err := r.Get(ctx, poolID)
	if err != nil {
		return err
	}
	entry.HealthStatus = StatusUnavailable
	data, err := marshalEntry(entry)
	if err != nil {
		return err
	}
	return r.call(ctx, func(ctx context.Context) error {
		return r.conn.Put(ctx, entry.Key(), data, r.entryTTL)
	})
}

// IncrementLoad bumps the pool's best-effort load counter.
func (r *Registry) IncrementLoad(ctx context.Context, poolID string) {
	r.addLoad(ctx, poolID, 1)
}

// DecrementLoad lowers the pool's best-effort load counter.
func (r *Registry) DecrementLoad(ctx context.Context, poolID string) {
	r.addLoad(ctx, poolID, -1)
}

// LoadChangeHook returns a connection-count callback suitable for
// Pool.Config.OnLoadChange. Counter pushes run on their own goroutine so a
// degraded store never stalls admission; kick, if non-nil, runs after the
// push to nudge the heartbeat.
func (r *Registry) LoadChangeHook(ctx context.Context, poolID string, kick func()) func(delta int) {
	return func(delta int) {
		go func() {
			if delta > 0 {
				r.IncrementLoad(ctx, poolID)
			} else {
				r.DecrementLoad(ctx, poolID)
			}
			if kick != nil {
				kick()
			}
		}()
	}
}

func (r *Registry) addLoad(ctx context.Context, poolID string, delta int64) {
	err := r.call(ctx, func(ctx context.Context) error {
		_, err := r.conn.Add(ctx, LoadKey(poolID), delta)
		return err
	})
	if err != nil {
		// The counter is a ranking hint; the next heartbeat republishes
		// the true count.
		r.logger.Debug("load counter update failed", "pool_id", poolID, "delta", delta, "error", err)
	}
}

// ListAvailable returns all live entries that pass the criteria, ordered by
// ascending load fraction with ties broken by ascending average latency.
//
// When the store read fails and a fresh snapshot exists, the snapshot is
// filtered and returned instead. Only when both are unavailable does the
// call fail, with a RegistryUnavailable error.
func (r *Registry) ListAvailable(ctx context.Context, criteria ListCriteria) ([]*Entry, error) {
	entries, err := r.list(ctx)
	if err != nil {
		if cached, ok := r.snapshot.get(r.now()); ok {
			r.logger.Warn("registry read failed, serving cached snapshot", "error", err)
			return r.filter(cached, criteria), nil
		}
		return nil, fleeterrors.Newf(fleeterrors.RegistryUnavailable, "list pools: %v", err)
	}
	r.snapshot.put(entries, r.now())
	return r.filter(entries, criteria), nil
}

// ListAll returns every entry in the registry, including stale and
// unavailable ones, with load counters overlaid. The failover manager uses
// this to judge heartbeat staleness itself.
func (r *Registry) ListAll(ctx context.Context) ([]*Entry, error) {
	entries, err := r.list(ctx)
	if err != nil {
		return nil, fleeterrors.Newf(fleeterrors.RegistryUnavailable, "list pools: %v", err)
	}
	return entries, nil
}

// list reads all entries and overlays the load counters.
func (r *Registry) list(ctx context.Context) ([]*Entry, error) {
	var entries []*Entry
	err := r.call(ctx, func(ctx context.Context) error {
		kvs, err := r.conn.List(ctx, coordination.PoolsPrefix)
		if err != nil {
			if coordination.IsErrType(err, coordination.NoNode) {
				// Empty fleet, not a store failure.
				return nil
			}
			return err
		}

		loads := r.loadCounters(ctx)
		entries = entries[:0]
		for _, kv := range kvs {
			entry, err := unmarshalEntry(kv.Value)
			if err != nil {
				r.logger.Warn("skipping unparseable registry entry", "key", kv.Key, "error", err)
				continue
			}
			if load, ok := loads[entry.PoolID]; ok {
				entry.CurrentLoad = load
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// loadCounters reads the load/ prefix. Failures are tolerated: entries then
// rank on their heartbeat-published load.
func (r *Registry) loadCounters(ctx context.Context) map[string]int {
	kvs, err := r.conn.List(ctx, coordination.LoadPrefix)
	if err != nil {
		return nil
	}
	loads := make(map[string]int, len(kvs))
	for _, kv := range kvs {
		id := strings.TrimPrefix(kv.Key, coordination.LoadPrefix+"/")
		if id == kv.Key || id == "" {
			// Not a per-pool counter key. Skip rather than misattribute.
			continue
		}
		if n, err := strconv.Atoi(string(kv.Value)); err == nil {
			loads[id] = n
		}
	}
	return loads
}

// filter applies staleness, health, and load-threshold rules, then orders
// the result.
func (r *Registry) filter(entries []*Entry, criteria ListCriteria) []*Entry {
	now := r.now()
	var out []*Entry
	for _, e := range entries {
		if e.HealthStatus == StatusUnavailable {
			continue
		}
		if e.Stale(now, r.staleAfter) {
			continue
		}
		if criteria.MaxLoadThreshold > 0 && e.LoadFraction() >= criteria.MaxLoadThreshold {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].LoadFraction(), out[j].LoadFraction()
		if li != lj {
			return li < lj
		}
		return out[i].AvgLatencyMs < out[j].AvgLatencyMs
	})
	return out
}
