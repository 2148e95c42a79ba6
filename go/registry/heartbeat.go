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
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetmux/fleetmux/go/tools/timer"
	"github.com/fleetmux/fleetmux/go/tools/timertools"
)

// DefaultHeartbeatInterval is the period between registry refreshes.
const DefaultHeartbeatInterval = 3 * time.Second

// StatusFunc builds the entry a heartbeat publishes. It is called on every
// beat so the entry carries current load and latency.
type StatusFunc func() *Entry

// Heartbeater keeps one pool's registry entry alive. It refreshes the
// entry's TTL on a fixed interval, and accepts out-of-band kicks so
// acquire/release can push a fresh load figure without blocking. While
// publishes keep failing it retries on a backoff schedule tighter than the
// interval, so the entry recovers before its TTL runs out.
type Heartbeater struct {
	reg      *Registry
	status   StatusFunc
	interval time.Duration
	logger   *slog.Logger

	runner *timer.PeriodicRunner

	retryInitial time.Duration
	retryMax     time.Duration

	mu        sync.Mutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	kicks     chan struct{}
	retry     *timertools.BackoffTicker
	retryQuit chan struct{}
}

// NewHeartbeater creates a Heartbeater. Start must be called to begin
// publishing.
func NewHeartbeater(ctx context.Context, reg *Registry, status StatusFunc, interval time.Duration, logger *slog.Logger) *Heartbeater {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	retryInitial := interval / 4
	if retryInitial <= 0 {
		retryInitial = interval
	}
	return &Heartbeater{
		reg:          reg,
		status:       status,
		interval:     interval,
		logger:       logger,
		runner:       timer.NewPeriodicRunner(ctx, interval),
		retryInitial: retryInitial,
		retryMax:     interval,
		kicks:        make(chan struct{}, 1),
	}
}

// SetRetryDelays overrides the failure-retry backoff bounds. Test hook.
func (h *Heartbeater) SetRetryDelays(initial, max time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retryInitial = initial
	h.retryMax = max
}

// Start publishes the first heartbeat immediately, then keeps refreshing.
// Returns false if already started.
func (h *Heartbeater) Start() bool {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return false
	}
	h.started = true

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	h.cancel = cancel
	h.mu.Unlock()

	h.beat(ctx)
	h.runner.Start(h.beat)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.kicks:
				h.beat(ctx)
			}
		}
	}()
	return true
}

// Kick requests an immediate out-of-band heartbeat. Never blocks; if a kick
// is already pending the two collapse into one.
func (h *Heartbeater) Kick() {
	select {
	case h.kicks <- struct{}{}:
	default:
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	entry := h.status()
	if err := h.reg.Register(ctx, entry); err != nil {
		// The entry's TTL gives some slack across transient failures, but
		// waiting a full interval to retry risks expiring it; retry on a
		// backoff schedule until a publish lands.
		h.logger.Warn("heartbeat publish failed", "pool_id", entry.PoolID, "error", err)
		h.scheduleRetry()
		return
	}
	h.clearRetry()
	h.logger.Debug("heartbeat published",
		"pool_id", entry.PoolID,
		"load", entry.CurrentLoad,
		"status", entry.HealthStatus,
	)
}

// scheduleRetry starts the failure-retry ticker if one is not running.
func (h *Heartbeater) scheduleRetry() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started || h.retry != nil {
		return
	}
	h.retry = timertools.NewBackoffTicker(h.retryInitial, h.retryMax)
	h.retryQuit = make(chan struct{})

	retry, quit, ctx := h.retry, h.retryQuit, h.ctx
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case <-retry.C:
				h.Kick()
			}
		}
	}()
}

// clearRetry stops the failure-retry ticker after a successful publish.
func (h *Heartbeater) clearRetry() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.retry == nil {
		return
	}
	h.retry.Stop()
	close(h.retryQuit)
	h.retry = nil
	h.retryQuit = nil
}

// Stop halts publishing and waits for in-flight beats. The entry is left to
// expire via its TTL; call Registry.Unregister for an orderly departure.
func (h *Heartbeater) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	h.cancel()
	h.mu.Unlock()

	h.clearRetry()
	h.runner.Stop()
	h.wg.Wait()
}
