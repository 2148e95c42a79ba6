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
	"time"

	"github.com/fleetmux/fleetmux/go/fleeterrors"
	"github.com/fleetmux/fleetmux/go/tools/retry"
)

const (
	// defaultMigrationRetries bounds how many times one client migration is
	// attempted before the client is dropped.
	defaultMigrationRetries = 3

	migrationBaseDelay = 100 * time.Millisecond
	migrationMaxDelay  = 2 * time.Second
)

// migratePoolClients moves every client attributed to a failed pool onto a
// healthy one. Clients that cannot be placed after the retry budget are
// dropped: their affinity is invalidated so they re-enter selection fresh on
// their next connect, and the drop is logged.
func (m *Manager) migratePoolClients(ctx context.Context, poolID string) (moved, dropped int) {
	clients, err := m.aff.ClientsFor(ctx, poolID)
	if err != nil {
		m.logger.Warn("could not enumerate failed pool clients",
			"pool_id", poolID,
			"error", err,
		)
		return 0, 0
	}

	for _, clientID := range clients {
		switch err := m.migrateClient(ctx, clientID, poolID); {
		case err == nil:
			moved++
		case fleeterrors.IsCode(err, fleeterrors.Interrupted):
			// Shutdown mid-migration. Remaining clients stay attributed
			// and will be handled by the drain grace period.
			m.logger.Info("migration interrupted", "pool_id", poolID, "client_id", clientID)
			return moved, dropped
		case fleeterrors.IsCode(err, fleeterrors.NoAvailablePool):
			// Nowhere to go right now. Keep the attribution; the drain
			// loop retries each cycle until the grace period expires.
			m.logger.Warn("no migration target for client, will retry",
				"pool_id", poolID,
				"client_id", clientID,
			)
		default:
			dropped++
			m.logger.Error("client migration failed, dropping connection",
				"pool_id", poolID,
				"client_id", clientID,
				"error", err,
			)
			// The stale attribution must not outlive the migration, or
			// the sticky fast path would route the client back to the
			// failed pool.
			if ierr := m.sel.InvalidateAffinity(ctx, clientID); ierr != nil {
				m.logger.Warn("could not invalidate affinity for dropped client",
					"client_id", clientID,
					"error", ierr,
				)
			}
		}
	}
	return moved, dropped
}

// migrateClient moves a single client off fromPool. Each attempt re-checks
// the client's current attribution first, so re-running a migration that
// already succeeded is a no-op.
func (m *Manager) migrateClient(ctx context.Context, clientID, fromPool string) error {
	r := retry.New(migrationBaseDelay, migrationMaxDelay)
	var lastErr error

	for range m.migrationRetries {
		if err := r.StartAttempt(ctx); err != nil {
			return fleeterrors.Newf(fleeterrors.Interrupted, "migrate %s: %v", clientID, err)
		}
		if err := m.tryMigrateClient(ctx, clientID, fromPool); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if fleeterrors.IsCode(lastErr, fleeterrors.NoAvailablePool) {
		return lastErr
	}
	return fleeterrors.Newf(fleeterrors.MigrationFailed,
		"client %s: %d attempts exhausted: %v", clientID, m.migrationRetries, lastErr)
}

// notify delivers a reconnect instruction through the target pool's
// breaker, so a target whose notification channel keeps failing is backed
// off instead of hammered for every remaining client.
func (m *Manager) notify(ctx context.Context, clientID, targetPool, endpoint string) error {
	if m.breakers == nil {
		return m.notifier.NotifyReconnect(ctx, clientID, endpoint)
	}
	return m.breakers.For(targetPool).Do(ctx, func(ctx context.Context) error {
		return m.notifier.NotifyReconnect(ctx, clientID, endpoint)
	})
}

// tryMigrateClient performs one migration attempt.
func (m *Manager) tryMigrateClient(ctx context.Context, clientID, fromPool string) error {
	current, err := m.aff.GetAffinity(ctx, clientID)
	if err != nil {
		return err
	}
	if current != fromPool {
		// Already moved, released, or expired. Nothing to do.
		return nil
	}

	// The failed pool is marked unavailable, so the sticky fast path
	// cannot hand it back; Select rebinds the client to the winner.
	target, err := m.sel.Select(ctx, clientID)
	if err != nil {
		return err
	}

	if err := m.notify(ctx, clientID, target.PoolID, target.Endpoint); err != nil {
		// The client never learned its new home. Restore the old
		// attribution so a later attempt does not mistake the rebind for
		// a completed migration.
		if rerr := m.aff.RecordAffinity(ctx, clientID, fromPool); rerr != nil {
			m.logger.Warn("could not restore affinity after notify failure",
				"client_id", clientID,
				"error", rerr,
			)
		}
		return err
	}

	m.audit("client-migrated", fromPool, "client "+clientID+" moved to pool "+target.PoolID)
	return nil
}
