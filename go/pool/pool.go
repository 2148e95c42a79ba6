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

// Package pool implements the per-process bounded connection pool and the
// health probing of its members.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetmux/fleetmux/go/breaker"
	"github.com/fleetmux/fleetmux/go/fleeterrors"
	"github.com/fleetmux/fleetmux/go/tools/timer"
)

const (
	// DefaultMaxIdleTime is the inactivity threshold beyond which a
	// connection is treated as unhealthy without probing.
	DefaultMaxIdleTime = 5 * time.Minute

	// DefaultHealthCheckInterval is the period between CheckAll passes.
	DefaultHealthCheckInterval = 30 * time.Second

	// degradedLatency is the probe round-trip beyond which a responsive
	// connection is reported Degraded instead of Healthy.
	degradedLatency = time.Second
)

// Config configures a Pool.
type Config struct {
	// PoolID is the fleet-unique pool identity. Required.
	PoolID string

	// Endpoint is the address probes check and clients connect to.
	Endpoint string

	// Zone is an optional placement label used by selection scoring.
	Zone string

	// MaxCapacity bounds the number of connections. Required, fixed at
	// construction.
	MaxCapacity int

	// MinConnections is a warm floor: at or below it, idle members are
	// probed instead of condemned outright. Zero means no floor.
	MinConnections int

	// ProbeTimeout bounds one liveness probe. Defaults to
	// DefaultProbeTimeout.
	ProbeTimeout time.Duration

	// MaxIdleTime is the idle-eviction threshold. Defaults to
	// DefaultMaxIdleTime.
	MaxIdleTime time.Duration

	// OnLoadChange, if set, is called outside the pool lock with +1 on
	// admit and -1 on release. The pool wires this to the registry's
	// best-effort counters and heartbeat kick.
	OnLoadChange func(delta int)

	// Breaker, if set, guards probe calls. When it opens, health checks
	// fail fast without touching the endpoint until the cooldown admits
	// a trial probe.
	Breaker *breaker.Breaker

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Pool is a bounded collection of PooledConnections on one worker process.
// It owns capacity accounting: Acquire never blocks and never overshoots
// MaxCapacity. Capacity pressure is handled by the selector routing to a
// different pool, not by queuing here.
type Pool struct {
	poolID         string
	endpoint       string
	zone           string
	maxCapacity    int
	minConnections int
	probeTimeout   time.Duration
	maxIdleTime    time.Duration
	onLoadChange   func(delta int)
	probe          Probe
	breaker        *breaker.Breaker
	logger         *slog.Logger

	mu     sync.Mutex
	conns  map[string]*PooledConnection
	closed bool

	// probe latency EWMA in milliseconds, guarded by mu.
	avgLatencyMs float64

	checker *timer.PeriodicRunner
}

// Stats is a point-in-time pool summary.
type Stats struct {
	Size           int
	AvailableSlots int
	Healthy        int
	Degraded       int
	Unhealthy      int
	AvgLatencyMs   float64
}

// New creates a Pool. The probe is used by PerformHealthCheck; pass a
// ProbeFunc in tests.
func New(cfg Config, probe Probe) *Pool {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = DefaultMaxIdleTime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		poolID:         cfg.PoolID,
		endpoint:       cfg.Endpoint,
		zone:           cfg.Zone,
		maxCapacity:    cfg.MaxCapacity,
		minConnections: cfg.MinConnections,
		probeTimeout:   cfg.ProbeTimeout,
		maxIdleTime:    cfg.MaxIdleTime,
		onLoadChange:   cfg.OnLoadChange,
		probe:          probe,
		breaker:        cfg.Breaker,
		logger:         cfg.Logger,
		conns:          make(map[string]*PooledConnection),
	}
}

// ID returns the pool identity.
func (p *Pool) ID() string { return p.poolID }

// Endpoint returns the address clients connect to.
func (p *Pool) Endpoint() string { return p.endpoint }

// Zone returns the placement label.
func (p *Pool) Zone() string { return p.zone }

// MaxCapacity returns the fixed capacity bound.
func (p *Pool) MaxCapacity() int { return p.maxCapacity }

// Acquire admits clientID into the pool.
//
// If a usable connection for clientID already exists it is returned
// unchanged (idempotent re-acquire). An existing unusable connection is
// replaced in place, reusing its slot. When the pool is full, Acquire fails
// immediately with a PoolExhausted error.
func (p *Pool) Acquire(ctx context.Context, clientID string) (*PooledConnection, error) {
	if clientID == "" {
		return nil, fleeterrors.New(fleeterrors.BadInput, "acquire: empty client id")
	}
	if err := ctx.Err(); err != nil {
		return nil, fleeterrors.New(fleeterrors.Interrupted, "acquire "+clientID)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fleeterrors.New(fleeterrors.Interrupted, "acquire on closed pool "+p.poolID)
	}

	if existing, ok := p.conns[clientID]; ok {
		if existing.Usable() {
			existing.Touch()
			p.mu.Unlock()
			return existing, nil
		}
		// Replace a dead connection in place; the slot count is
		// unchanged so no load notification fires.
		replacement := newPooledConnection(clientID)
		p.conns[clientID] = replacement
		p.mu.Unlock()
		return replacement, nil
	}

	if len(p.conns) >= p.maxCapacity {
		p.mu.Unlock()
		return nil, fleeterrors.New(fleeterrors.PoolExhausted, p.poolID)
	}

	pc := newPooledConnection(clientID)
	p.conns[clientID] = pc
	p.mu.Unlock()

	p.notifyLoadChange(+1)
	return pc, nil
}

// Release removes clientID's connection and frees its slot. Idempotent:
// releasing an absent client does nothing.
func (p *Pool) Release(clientID string) {
	p.mu.Lock()
	_, ok := p.conns[clientID]
	if ok {
		delete(p.conns, clientID)
	}
	p.mu.Unlock()

	if ok {
		p.notifyLoadChange(-1)
	}
}

// notifyLoadChange runs the load hook without holding the pool lock. The
// hook is best-effort by contract; it must not block for long.
func (p *Pool) notifyLoadChange(delta int) {
	if p.onLoadChange != nil {
		p.onLoadChange(delta)
	}
}

// Get returns the connection for clientID, if present.
func (p *Pool) Get(clientID string) (*PooledConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.conns[clientID]
	return pc, ok
}

// Len returns the number of held connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// AvailableSlots returns maxCapacity minus the held connection count.
func (p *Pool) AvailableSlots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxCapacity - len(p.conns)
}

// ClientIDs returns a snapshot of the held client identities.
func (p *Pool) ClientIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	return ids
}

// PerformHealthCheck probes clientID's connection and updates its health
// state. Returns whether the connection is usable. A connection idle beyond
// MaxIdleTime is marked unhealthy without probing, unless the pool is at or
// below its MinConnections floor. Unknown clients are not usable.
func (p *Pool) PerformHealthCheck(ctx context.Context, clientID string) bool {
	pc, ok := p.Get(clientID)
	if !ok {
		return false
	}

	if pc.IdleTime() > p.maxIdleTime {
		// At or below the warm floor, idle members are kept and probed
		// like everything else instead of being condemned.
		if p.Len() > p.minConnections {
			pc.setHealth(Unhealthy)
			p.logger.Debug("connection idled out",
				"pool_id", p.poolID,
				"client_id", clientID,
				"idle", pc.IdleTime().Round(time.Second),
			)
			return false
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	var latency time.Duration
	check := func(ctx context.Context) error {
		start := time.Now()
		err := p.probe.Check(ctx, p.endpoint)
		latency = time.Since(start)
		p.recordLatency(latency)
		return err
	}
	var err error
	if p.breaker != nil {
		err = p.breaker.Do(probeCtx, check)
	} else {
		err = check(probeCtx)
	}

	if err != nil {
		pc.setHealth(Unhealthy)
		p.logger.Warn("health probe failed",
			"pool_id", p.poolID,
			"client_id", clientID,
			"error", err,
			"latency", latency,
		)
		return false
	}

	if latency > degradedLatency {
		pc.setHealth(Degraded)
	} else {
		pc.setHealth(Healthy)
	}
	return true
}

// recordLatency folds one probe round-trip into the pool's EWMA.
func (p *Pool) recordLatency(d time.Duration) {
	ms := float64(d.Milliseconds())
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.avgLatencyMs == 0 {
		p.avgLatencyMs = ms
		return
	}
	p.avgLatencyMs = 0.8*p.avgLatencyMs + 0.2*ms
}

// CheckAll health-checks every held connection and evicts the ones that
// fail. Called by the periodic checker.
func (p *Pool) CheckAll(ctx context.Context) {
	for _, clientID := range p.ClientIDs() {
		if ctx.Err() != nil {
			return
		}
		if !p.PerformHealthCheck(ctx, clientID) {
			p.Release(clientID)
		}
	}
}

// StartHealthChecks runs CheckAll on the given interval until
// StopHealthChecks is called.
func (p *Pool) StartHealthChecks(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.checker == nil {
		p.checker = timer.NewPeriodicRunner(ctx, interval)
	}
	checker := p.checker
	p.mu.Unlock()

	checker.Start(p.CheckAll)
}

// StopHealthChecks halts the periodic checker, waiting for an in-flight
// pass.
func (p *Pool) StopHealthChecks() {
	p.mu.Lock()
	checker := p.checker
	p.mu.Unlock()
	if checker != nil {
		checker.Stop()
	}
}

// Stats returns a point-in-time summary.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Size:           len(p.conns),
		AvailableSlots: p.maxCapacity - len(p.conns),
		AvgLatencyMs:   p.avgLatencyMs,
	}
	for _, pc := range p.conns {
		switch pc.HealthState() {
		case Healthy:
			s.Healthy++
		case Degraded:
			s.Degraded++
		case Unhealthy:
			s.Unhealthy++
		}
	}
	return s
}

// Close releases all connections and marks the pool unusable.
func (p *Pool) Close() {
	p.StopHealthChecks()

	p.mu.Lock()
	released := len(p.conns)
	p.conns = make(map[string]*PooledConnection)
	p.closed = true
	p.mu.Unlock()

	for range released {
		p.notifyLoadChange(-1)
	}
}
