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

package failover

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetmux/fleetmux/go/affinity"
	"github.com/fleetmux/fleetmux/go/breaker"
	"github.com/fleetmux/fleetmux/go/notify"
	"github.com/fleetmux/fleetmux/go/registry"
	"github.com/fleetmux/fleetmux/go/selector"
)

// Phase is the lifecycle phase of a pool as seen by the failover manager.
// Pools move strictly forward through Suspected, Failed, Draining and
// Decommissioned, except that a Suspected pool whose heartbeats resume
// returns to Healthy.
type Phase int

const (
	PhaseHealthy Phase = iota
	PhaseSuspected
	PhaseFailed
	PhaseDraining
	PhaseDecommissioned
)

func (p Phase) String() string {
	switch p {
	case PhaseHealthy:
		return "healthy"
	case PhaseSuspected:
		return "suspected"
	case PhaseFailed:
		return "failed"
	case PhaseDraining:
		return "draining"
	case PhaseDecommissioned:
		return "decommissioned"
	default:
		return "unknown"
	}
}

const (
	// DefaultScanInterval is how often the manager re-reads the registry
	// looking for pools with stale heartbeats.
	DefaultScanInterval = 2 * time.Second

	// DefaultDrainGrace is how long a draining pool is given before any
	// remaining client attributions are force-released.
	DefaultDrainGrace = 30 * time.Second

	// suspectMultiplier and failMultiplier convert the heartbeat interval
	// into staleness thresholds. A pool silent for 2 intervals is suspect;
	// one silent for 5 is declared failed.
	suspectMultiplier = 2
	failMultiplier    = 5

	// DefaultProbeFailureThreshold is the number of consecutive reported
	// probe failures that escalates a suspected pool to failed without
	// waiting for the hard staleness threshold.
	DefaultProbeFailureThreshold = 3
)

// tracked is the manager's view of one pool undergoing failover.
type tracked struct {
	phase         Phase
	suspectedAt   time.Time
	failedAt      time.Time
	drainStart    time.Time
	probeFailures int
}

// Options configures a Manager.
type Options struct {
	// HeartbeatInterval is the interval pool owners beat at. Staleness
	// thresholds are derived from it.
	HeartbeatInterval time.Duration

	// ScanInterval is how often the detection cycle runs.
	ScanInterval time.Duration

	// DrainGrace bounds how long a draining pool waits for stragglers.
	DrainGrace time.Duration

	// ProbeFailureThreshold escalates Suspected to Failed after this many
	// consecutive reported probe failures.
	ProbeFailureThreshold int

	// MigrationRetries is the number of attempts made to move one client
	// before the migration is abandoned.
	MigrationRetries int

	// Breakers, when set, lets the manager forget breaker state for pools
	// it decommissions so a reused pool ID starts clean.
	Breakers *breaker.Group

	Logger *slog.Logger
}

// Manager detects failed pools and migrates their clients to healthy ones.
//
// Detection is driven by registry heartbeats: a scan loop reads every entry
// and compares its last heartbeat against thresholds derived from the
// heartbeat interval. Explicit probe failures reported by callers can
// escalate a suspected pool faster than staleness alone would.
type Manager struct {
	reg      *registry.Registry
	aff      *affinity.Manager
	sel      *selector.Selector
	notifier notify.Notifier

	heartbeatInterval     time.Duration
	scanInterval          time.Duration
	drainGrace            time.Duration
	probeFailureThreshold int
	migrationRetries      int
	breakers              *breaker.Group
	logger                *slog.Logger

	mu    sync.Mutex
	pools map[string]*tracked

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	scanInProgress atomic.Bool
	failoverEvents atomic.Uint64

	nowFunc func() time.Time
}

// FailoverEvents returns the number of pool failures this manager has
// handled since it was created. Fed to the metrics reporter.
func (m *Manager) FailoverEvents() uint64 {
	return m.failoverEvents.Load()
}

// NewManager creates a failover manager. Start must be called before it
// does anything.
func NewManager(reg *registry.Registry, aff *affinity.Manager, sel *selector.Selector, notifier notify.Notifier, opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = registry.DefaultHeartbeatInterval
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = DefaultScanInterval
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = DefaultDrainGrace
	}
	if opts.ProbeFailureThreshold <= 0 {
		opts.ProbeFailureThreshold = DefaultProbeFailureThreshold
	}
	if opts.MigrationRetries <= 0 {
		opts.MigrationRetries = defaultMigrationRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if notifier == nil {
		notifier = &notify.LogNotifier{Logger: opts.Logger}
	}
	return &Manager{
		reg:                   reg,
		aff:                   aff,
		sel:                   sel,
		notifier:              notifier,
		heartbeatInterval:     opts.HeartbeatInterval,
		scanInterval:          opts.ScanInterval,
		drainGrace:            opts.DrainGrace,
		probeFailureThreshold: opts.ProbeFailureThreshold,
		migrationRetries:      opts.MigrationRetries,
		breakers:              opts.Breakers,
		logger:                opts.Logger,
		pools:                 make(map[string]*tracked),
		nowFunc:               time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.nowFunc = now
}

// Start launches the detection loop. It returns false if already started.
func (m *Manager) Start(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return false
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.runScanLoop()
	return true
}

// Stop halts the detection loop and waits for an in-flight cycle to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// Phase reports the manager's current phase for a pool. Pools it has never
// had reason to track are Healthy.
func (m *Manager) Phase(poolID string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.pools[poolID]; ok {
		return t.phase
	}
	return PhaseHealthy
}

// ReportProbeFailure records an out-of-band health probe failure for a pool.
// Enough consecutive failures escalate a suspected pool to failed on the
// next scan cycle without waiting for the hard staleness threshold.
func (m *Manager) ReportProbeFailure(poolID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trackLocked(poolID)
	t.probeFailures++
}

// ReportProbeSuccess clears the consecutive failure count for a pool.
func (m *Manager) ReportProbeSuccess(poolID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.pools[poolID]; ok {
		t.probeFailures = 0
	}
}

func (m *Manager) trackLocked(poolID string) *tracked {
	t, ok := m.pools[poolID]
	if !ok {
		t = &tracked{phase: PhaseHealthy}
		m.pools[poolID] = t
	}
	return t
}

// runScanLoop is the main detection loop.
func (m *Manager) runScanLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	m.logger.InfoContext(m.ctx, "failover scan loop started")

	for {
		select {
		case <-m.ctx.Done():
			m.logger.InfoContext(m.ctx, "failover scan loop stopped")
			return
		case <-ticker.C:
			runIfNotRunning(m.logger, &m.wg, &m.scanInProgress, "failover_scan", func() {
				m.PerformScanCycle(m.ctx)
			})
		}
	}
}

// runIfNotRunning executes fn in a goroutine only if inProgress flag is false.
// This prevents pile-up when a cycle runs longer than the scan interval. The
// goroutine is registered on wg so Stop can wait it out.
func runIfNotRunning(logger *slog.Logger, wg *sync.WaitGroup, inProgress *atomic.Bool, taskName string, fn func()) {
	if !inProgress.CompareAndSwap(false, true) {
		logger.Debug("skipping task, previous run still in progress", "task", taskName)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer inProgress.Store(false)
		fn()
	}()
}

// PerformScanCycle runs one cycle of staleness detection and phase
// advancement. It is exported so callers and tests can drive cycles
// synchronously instead of waiting for the ticker.
func (m *Manager) PerformScanCycle(ctx context.Context) {
	entries, err := m.reg.ListAll(ctx)
	if err != nil {
		m.logger.Warn("failover scan skipped, registry unreachable", "error", err)
		return
	}

	// Snapshot the draining set before assessment so a pool failed in this
	// cycle drains for at least one full scan interval.
	m.mu.Lock()
	var draining []string
	for poolID, t := range m.pools {
		if t.phase == PhaseDraining {
			draining = append(draining, poolID)
		}
	}
	m.mu.Unlock()

	now := m.nowFunc()
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.PoolID] = true
		m.assessEntry(ctx, e, now)
	}

	// Pools we were tracking whose registry entry expired entirely are as
	// dead as a stale one. Advance them through the same path.
	m.mu.Lock()
	var vanished []string
	for poolID, t := range m.pools {
		if seen[poolID] {
			continue
		}
		switch t.phase {
		case PhaseHealthy, PhaseSuspected:
			vanished = append(vanished, poolID)
		}
	}
	m.mu.Unlock()
	for _, poolID := range vanished {
		m.audit("pool-vanished", poolID, "registry entry expired, treating as failed")
		m.failPool(ctx, poolID)
	}

	m.advanceDraining(ctx, draining, now)
}

// assessEntry decides what phase a live registry entry puts its pool in.
func (m *Manager) assessEntry(ctx context.Context, e *registry.Entry, now time.Time) {
	silence := now.Sub(e.LastHeartbeat)
	suspectAfter := time.Duration(suspectMultiplier) * m.heartbeatInterval
	failAfter := time.Duration(failMultiplier) * m.heartbeatInterval

	m.mu.Lock()
	t := m.trackLocked(e.PoolID)
	phase := t.phase
	probeFailures := t.probeFailures
	m.mu.Unlock()

	// A decommissioned pool ID showing up with a fresh heartbeat is a
	// re-registration. Start tracking it over.
	if phase == PhaseDecommissioned && silence < suspectAfter {
		m.mu.Lock()
		delete(m.pools, e.PoolID)
		m.mu.Unlock()
		m.audit("pool-reregistered", e.PoolID, "decommissioned pool id returned with fresh heartbeat")
		return
	}

	// Failed and draining pools are advanced elsewhere.
	if phase >= PhaseFailed {
		return
	}

	switch {
	case silence >= failAfter:
		m.audit("pool-failed", e.PoolID, "heartbeat silent past hard threshold")
		m.failPool(ctx, e.PoolID)

	case silence >= suspectAfter:
		if phase == PhaseSuspected && probeFailures >= m.probeFailureThreshold {
			m.audit("pool-failed", e.PoolID, "probe failures while suspected")
			m.failPool(ctx, e.PoolID)
			return
		}
		if phase != PhaseSuspected {
			m.mu.Lock()
			t.phase = PhaseSuspected
			t.suspectedAt = now
			m.mu.Unlock()
			m.audit("pool-suspected", e.PoolID, "heartbeat silent past soft threshold")
		}

	default:
		if phase == PhaseSuspected {
			m.mu.Lock()
			t.phase = PhaseHealthy
			t.probeFailures = 0
			m.mu.Unlock()
			m.audit("pool-recovered", e.PoolID, "heartbeat resumed")
		}
	}
}

// failPool transitions a pool to Failed, marks it unavailable in the
// registry, migrates its clients and leaves it Draining. Calling it on a
// pool already past Failed is a no-op, so overlapping detections are safe.
func (m *Manager) failPool(ctx context.Context, poolID string) {
	m.mu.Lock()
	t := m.trackLocked(poolID)
	if t.phase >= PhaseFailed {
		m.mu.Unlock()
		return
	}
	t.phase = PhaseFailed
	t.failedAt = m.nowFunc()
	m.mu.Unlock()
	m.failoverEvents.Add(1)

	// Marking the entry unavailable stops the selector handing out this
	// pool while migrations are in flight. The entry may already be gone.
	if err := m.reg.MarkUnavailable(ctx, poolID); err != nil {
		m.logger.Warn("could not mark failed pool unavailable", "pool_id", poolID, "error", err)
	}

	moved, dropped := m.migratePoolClients(ctx, poolID)
	m.audit("pool-migrated", poolID, "client migration finished")
	m.logger.Info("failover migration summary",
		"pool_id", poolID,
		"migrated", moved,
		"dropped", dropped,
	)

	m.mu.Lock()
	t.phase = PhaseDraining
	t.drainStart = m.nowFunc()
	m.mu.Unlock()
	m.audit("pool-draining", poolID, "waiting for remaining clients")
}

// advanceDraining finishes draining pools whose clients are gone or whose
// grace period ran out. Stragglers still attributed to a draining pool get
// another migration attempt each cycle until the grace expires.
func (m *Manager) advanceDraining(ctx context.Context, draining []string, now time.Time) {
	for _, poolID := range draining {
		remaining, err := m.aff.ClientsFor(ctx, poolID)
		if err != nil {
			m.logger.Warn("could not list draining pool clients", "pool_id", poolID, "error", err)
			continue
		}

		m.mu.Lock()
		t := m.pools[poolID]
		graceOver := t == nil || now.Sub(t.drainStart) >= m.drainGrace
		m.mu.Unlock()

		if len(remaining) > 0 && !graceOver {
			m.migratePoolClients(ctx, poolID)
			continue
		}
		if len(remaining) > 0 {
			m.audit("drain-force-release", poolID, "grace period expired with clients attached")
			for _, clientID := range remaining {
				if err := m.aff.Invalidate(ctx, clientID); err != nil {
					m.logger.Warn("force-release failed",
						"pool_id", poolID,
						"client_id", clientID,
						"error", err,
					)
				}
			}
		}
		m.decommission(ctx, poolID)
	}
}

// decommission removes the pool's registry entry and tracking state.
func (m *Manager) decommission(ctx context.Context, poolID string) {
	if err := m.reg.Unregister(ctx, poolID); err != nil {
		m.logger.Warn("unregister during decommission failed", "pool_id", poolID, "error", err)
	}
	if m.breakers != nil {
		m.breakers.Forget(poolID)
	}

	m.mu.Lock()
	if t, ok := m.pools[poolID]; ok {
		t.phase = PhaseDecommissioned
	}
	m.mu.Unlock()
	m.audit("pool-decommissioned", poolID, "pool removed from fleet")
}

func (m *Manager) audit(auditType, poolID, message string) {
	m.logger.Info("audit",
		"audit_type", auditType,
		"pool_id", poolID,
		"message", message,
	)
}
