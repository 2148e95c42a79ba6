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

// Package affinity maintains the fleet-wide sticky mapping from client
// identity to the pool that should serve its reconnects.
//
// Records live in the coordination store so any front-end process can look
// up where a reconnecting client last landed. Each record carries a sliding
// expiry: a successful lookup refreshes it. Records double as the
// attribution source during failover, which is why they are listable by
// pool.
package affinity

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"time"

	"github.com/fleetmux/fleetmux/go/coordination"
	"github.com/fleetmux/fleetmux/go/fleeterrors"
)

const (
	// DefaultWindow is the inactivity window after which a record expires.
	DefaultWindow = 30 * time.Minute

	// DefaultCallTimeout bounds each store call.
	DefaultCallTimeout = 2 * time.Second
)

// Record is one client's sticky mapping.
type Record struct {
	ClientID     string    `json:"client_id"`
	PoolID       string    `json:"pool_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessAt time.Time `json:"last_access_at"`
}

// Manager reads and writes affinity records.
type Manager struct {
	conn        coordination.Conn
	window      time.Duration
	callTimeout time.Duration
	logger      *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// Options configures a Manager.
type Options struct {
	// Window is the sliding expiry. Defaults to DefaultWindow.
	Window time.Duration

	// CallTimeout bounds each store call. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewManager creates a Manager over the given store connection.
func NewManager(conn coordination.Conn, opts Options) *Manager {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		conn:        conn,
		window:      opts.Window,
		callTimeout: opts.CallTimeout,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// SetNowFunc replaces the manager clock. Test hook.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.now = now
}

func recordKey(clientID string) string {
	return path.Join(coordination.AffinityPrefix, clientID)
}

// RecordAffinity creates or refreshes the record binding clientID to
// poolID. There is at most one active record per client; a new pool simply
// overwrites the old binding.
func (m *Manager) RecordAffinity(ctx context.Context, clientID, poolID string) error {
	if clientID == "" || poolID == "" {
		return fleeterrors.New(fleeterrors.BadInput, "affinity: empty client or pool id")
	}

	now := m.now()
	rec := Record{
		ClientID:     clientID,
		PoolID:       poolID,
		CreatedAt:    now,
		LastAccessAt: now,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	return m.conn.Put(ctx, recordKey(clientID), data, m.window)
}

// GetAffinity returns the pool bound to clientID, or "" when no live record
// exists. A hit refreshes the record's last access time and TTL (sliding
// expiry); the refresh is best-effort.
func (m *Manager) GetAffinity(ctx context.Context, clientID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	data, err := m.conn.Get(ctx, recordKey(clientID))
	if err != nil {
		if coordination.IsErrType(err, coordination.NoNode) {
			return "", nil
		}
		return "", err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record is as good as no record.
		m.logger.Warn("dropping unparseable affinity record", "client_id", clientID, "error", err)
		return "", nil
	}

	rec.LastAccessAt = m.now()
	if refreshed, err := json.Marshal(&rec); err == nil {
		if err := m.conn.Put(ctx, recordKey(clientID), refreshed, m.window); err != nil {
			m.logger.Debug("affinity refresh failed", "client_id", clientID, "error", err)
		}
	}
	return rec.PoolID, nil
}

// Invalidate removes clientID's record. Called after forced migration so a
// stale binding cannot route the client back to a pool it no longer belongs
// to. Removing an absent record is not an error.
func (m *Manager) Invalidate(ctx context.Context, clientID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	err := m.conn.Delete(ctx, recordKey(clientID))
	if err != nil && !coordination.IsErrType(err, coordination.NoNode) {
		return err
	}
	return nil
}

// ClientsFor lists the client IDs currently bound to poolID. The failover
// manager uses this as the attribution source when re-homing a failed
// pool's connections.
func (m *Manager) ClientsFor(ctx context.Context, poolID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	kvs, err := m.conn.List(ctx, coordination.AffinityPrefix)
	if err != nil {
		if coordination.IsErrType(err, coordination.NoNode) {
			return nil, nil
		}
		return nil, err
	}

	var clients []string
	for _, kv := range kvs {
		var rec Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue
		}
		if rec.PoolID == poolID {
			clients = append(clients, rec.ClientID)
		}
	}
	return clients, nil
}
