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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmux/fleetmux/go/affinity"
	"github.com/fleetmux/fleetmux/go/breaker"
	"github.com/fleetmux/fleetmux/go/coordination/memorystore"
	"github.com/fleetmux/fleetmux/go/notify"
	"github.com/fleetmux/fleetmux/go/registry"
	"github.com/fleetmux/fleetmux/go/selector"
)

var _ notify.Notifier = (*recordingNotifier)(nil)

// recordingNotifier captures reconnect notifications; fail makes every call
// error to exercise the retry and drop paths.
type recordingNotifier struct {
	mu       sync.Mutex
	calls    []string // "clientID->endpoint"
	attempts int
	fail     bool
}

func (n *recordingNotifier) NotifyReconnect(ctx context.Context, clientID, newEndpoint string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts++
	if n.fail {
		return errors.New("client unreachable")
	}
	n.calls = append(n.calls, clientID+"->"+newEndpoint)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *recordingNotifier) attemptCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.attempts
}

type harness struct {
	store    *memorystore.Store
	reg      *registry.Registry
	aff      *affinity.Manager
	sel      *selector.Selector
	notifier *recordingNotifier
	mgr      *Manager

	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memorystore.New(),
		notifier: &recordingNotifier{},
		now:      time.Now(),
	}
	h.reg = registry.New(h.store, registry.Options{})
	h.aff = affinity.NewManager(h.store, affinity.Options{})
	h.sel = selector.New(h.reg, h.aff, selector.Options{})
	h.mgr = NewManager(h.reg, h.aff, h.sel, h.notifier, Options{
		HeartbeatInterval: time.Second,
	})

	clock := func() time.Time { return h.now }
	h.store.SetNowFunc(clock)
	h.reg.SetNowFunc(clock)
	h.aff.SetNowFunc(clock)
	h.mgr.SetNowFunc(clock)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) register(t *testing.T, poolID string) {
	t.Helper()
	require.NoError(t, h.reg.Register(t.Context(), &registry.Entry{
		PoolID:       poolID,
		Endpoint:     "ws://" + poolID + ".example.com/ws",
		MaxCapacity:  100,
		CurrentLoad:  10,
		HealthStatus: registry.StatusHealthy,
	}))
}

func TestHealthyPoolStaysHealthy(t *testing.T) {
	h := newHarness(t)
	h.register(t, "pool-a")

	h.mgr.PerformScanCycle(t.Context())
	assert.Equal(t, PhaseHealthy, h.mgr.Phase("pool-a"))
}

func TestSuspectedAfterSoftThreshold(t *testing.T) {
	h := newHarness(t)
	h.register(t, "pool-a")

	// Heartbeat interval is 1s; two silent intervals raise suspicion.
	h.advance(2 * time.Second)
	h.mgr.PerformScanCycle(t.Context())
	assert.Equal(t, PhaseSuspected, h.mgr.Phase("pool-a"))
}

func TestSuspectedRecoversOnHeartbeat(t *testing.T) {
	h := newHarness(t)
	h.register(t, "pool-a")

	h.advance(2 * time.Second)
	h.mgr.PerformScanCycle(t.Context())
	require.Equal(t, PhaseSuspected, h.mgr.Phase("pool-a"))

	// A fresh heartbeat clears the suspicion.
	h.register(t, "pool-a")
	h.mgr.PerformScanCycle(t.Context())
	assert.Equal(t, PhaseHealthy, h.mgr.Phase("pool-a"))
}

func TestFailedAfterHardThreshold(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.register(t, "pool-a")

	h.advance(5 * time.Second)
	h.mgr.PerformScanCycle(ctx)
	assert.Equal(t, PhaseDraining, h.mgr.Phase("pool-a"),
		"a failed pool with no clients moves straight to draining")

	got, err := h.reg.Get(ctx, "pool-a")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusUnavailable, got.HealthStatus)
}

func TestProbeFailuresEscalateSuspected(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.register(t, "pool-a")

	h.advance(2 * time.Second)
	h.mgr.PerformScanCycle(ctx)
	require.Equal(t, PhaseSuspected, h.mgr.Phase("pool-a"))

	for range 3 {
		h.mgr.ReportProbeFailure("pool-a")
	}
	h.mgr.PerformScanCycle(ctx)
	assert.Equal(t, PhaseDraining, h.mgr.Phase("pool-a"),
		"probe failures escalate without waiting for the hard threshold")
}

func TestProbeSuccessResetsFailures(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.register(t, "pool-a")

	h.advance(2 * time.Second)
	h.mgr.PerformScanCycle(ctx)

	h.mgr.ReportProbeFailure("pool-a")
	h.mgr.ReportProbeFailure("pool-a")
	h.mgr.ReportProbeSuccess("pool-a")
	h.mgr.ReportProbeFailure("pool-a")

	h.mgr.PerformScanCycle(ctx)
	assert.Equal(t, PhaseSuspected, h.mgr.Phase("pool-a"),
		"a probe success resets the consecutive count")
}

func TestFailoverMigratesClients(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.register(t, "pool-dead")
	h.register(t, "pool-live")

	require.NoError(t, h.aff.RecordAffinity(ctx, "client-1", "pool-dead"))
	require.NoError(t, h.aff.RecordAffinity(ctx, "client-2", "pool-dead"))
	require.NoError(t, h.aff.RecordAffinity(ctx, "client-3", "pool-live"))

	// pool-dead goes silent; pool-live keeps beating.
	h.advance(5 * time.Second)
	h.register(t, "pool-live")
	h.mgr.PerformScanCycle(ctx)

	// Both of the dead pool's clients were told where to go.
	assert.Equal(t, 2, h.notifier.count())
	for _, clientID := range []string{"client-1", "client-2"} {
		bound, err := h.aff.GetAffinity(ctx, clientID)
		require.NoError(t, err)
		assert.Equal(t, "pool-live", bound, "%s must be re-homed", clientID)
	}

	// The untouched client keeps its binding.
	bound, err := h.aff.GetAffinity(ctx, "client-3")
	require.NoError(t, err)
	assert.Equal(t, "pool-live", bound)
}

func TestFailoverIdempotentReprocessing(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.register(t, "pool-dead")
	h.register(t, "pool-live")
	require.NoError(t, h.aff.RecordAffinity(ctx, "client-1", "pool-dead"))

	h.advance(5 * time.Second)
	h.register(t, "pool-live")
	h.mgr.PerformScanCycle(ctx)
	first := h.notifier.count()

	// Driving the failed pool through migration again must not re-notify:
	// the client's attribution already points elsewhere.
	moved, dropped := h.mgr.migratePoolClients(ctx, "pool-dead")
	assert.Equal(t, 0, moved+dropped)
	assert.Equal(t, first, h.notifier.count())
}

func TestFailoverDropsUnreachableClients(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.register(t, "pool-dead")
	h.register(t, "pool-live")
	require.NoError(t, h.aff.RecordAffinity(ctx, "client-1", "pool-dead"))

	h.notifier.fail = true
	h.advance(5 * time.Second)
	h.register(t, "pool-live")
	h.mgr.PerformScanCycle(ctx)

	// The migration was abandoned after the retry budget; the stale
	// binding must not survive to route the client back to a dead pool.
	bound, err := h.aff.GetAffinity(ctx, "client-1")
	require.NoError(t, err)
	assert.Empty(t, bound)
}

func TestFailoverEventCounter(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.register(t, "pool-a")

	h.mgr.PerformScanCycle(ctx)
	require.EqualValues(t, 0, h.mgr.FailoverEvents())

	h.advance(5 * time.Second)
	h.mgr.PerformScanCycle(ctx)
	require.Equal(t, PhaseDraining, h.mgr.Phase("pool-a"))
	assert.EqualValues(t, 1, h.mgr.FailoverEvents())

	// Subsequent cycles drive the drain but record no new failover.
	h.mgr.PerformScanCycle(ctx)
	h.mgr.PerformScanCycle(ctx)
	assert.EqualValues(t, 1, h.mgr.FailoverEvents())
}

func TestNotifyBreakerStopsHammeringTarget(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.mgr = NewManager(h.reg, h.aff, h.sel, h.notifier, Options{
		HeartbeatInterval: time.Second,
		MigrationRetries:  1,
		Breakers:          breaker.NewGroup(2, time.Hour),
	})
	h.mgr.SetNowFunc(func() time.Time { return h.now })

	h.register(t, "pool-dead")
	h.register(t, "pool-live")
	for _, clientID := range []string{"client-1", "client-2", "client-3"} {
		require.NoError(t, h.aff.RecordAffinity(ctx, clientID, "pool-dead"))
	}

	h.notifier.fail = true
	h.advance(5 * time.Second)
	h.register(t, "pool-live")
	h.mgr.PerformScanCycle(ctx)

	// Two real attempts open pool-live's breaker; the third client fails
	// fast without touching the notifier.
	assert.Equal(t, 2, h.notifier.attemptCount())
	for _, clientID := range []string{"client-1", "client-2", "client-3"} {
		bound, err := h.aff.GetAffinity(ctx, clientID)
		require.NoError(t, err)
		assert.Empty(t, bound, "%s binding must not survive the drop", clientID)
	}
}

func TestDrainCompletesWhenClientsGone(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.register(t, "pool-dead")
	h.register(t, "pool-live")
	require.NoError(t, h.aff.RecordAffinity(ctx, "client-1", "pool-dead"))

	h.advance(5 * time.Second)
	h.register(t, "pool-live")
	h.mgr.PerformScanCycle(ctx)
	require.Equal(t, PhaseDraining, h.mgr.Phase("pool-dead"))

	// Migration already moved the client, so the next cycle decommissions.
	h.register(t, "pool-live")
	h.mgr.PerformScanCycle(ctx)
	assert.Equal(t, PhaseDecommissioned, h.mgr.Phase("pool-dead"))

	_, err := h.reg.Get(ctx, "pool-dead")
	assert.Error(t, err, "decommission removes the registry entry")
}

func TestDrainGraceForceReleases(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.register(t, "pool-dead")
	require.NoError(t, h.aff.RecordAffinity(ctx, "client-1", "pool-dead"))

	// No live pool to migrate to: the client keeps its attribution and the
	// pool sits in draining.
	h.advance(5 * time.Second)
	h.mgr.PerformScanCycle(ctx)
	require.Equal(t, PhaseDraining, h.mgr.Phase("pool-dead"))

	bound, err := h.aff.GetAffinity(ctx, "client-1")
	require.NoError(t, err)
	require.Equal(t, "pool-dead", bound, "nowhere to migrate, binding stays")

	// Once the grace period runs out the binding is force-released and the
	// pool decommissioned.
	h.advance(DefaultDrainGrace + time.Second)
	h.mgr.PerformScanCycle(ctx)
	assert.Equal(t, PhaseDecommissioned, h.mgr.Phase("pool-dead"))

	bound, err = h.aff.GetAffinity(ctx, "client-1")
	require.NoError(t, err)
	assert.Empty(t, bound)
}

func TestVanishedEntryTreatedAsFailed(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.register(t, "pool-a")

	// Track the pool while healthy.
	h.mgr.PerformScanCycle(ctx)
	require.Equal(t, PhaseHealthy, h.mgr.Phase("pool-a"))

	// The TTL expires the entry entirely between scans.
	h.advance(registry.DefaultEntryTTL + time.Second)
	h.mgr.PerformScanCycle(ctx)
	assert.Equal(t, PhaseDraining, h.mgr.Phase("pool-a"))
}

func TestReregisteredPoolStartsOver(t *testing.T) {
	ctx := t.Context()
	h := newHarness(t)
	h.register(t, "pool-a")

	h.mgr.PerformScanCycle(ctx)
	h.advance(registry.DefaultEntryTTL + time.Second)
	h.mgr.PerformScanCycle(ctx)
	h.mgr.PerformScanCycle(ctx)
	require.Equal(t, PhaseDecommissioned, h.mgr.Phase("pool-a"))

	// The pool id comes back with fresh heartbeats.
	h.register(t, "pool-a")
	h.mgr.PerformScanCycle(ctx)
	assert.Equal(t, PhaseHealthy, h.mgr.Phase("pool-a"))
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.mgr.Start(t.Context()))
	assert.False(t, h.mgr.Start(t.Context()))
	h.mgr.Stop()
	h.mgr.Stop()
}
