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

// Package selector picks the pool that should serve a connection request.
//
// Selection is deterministic for a fixed registry snapshot and affinity
// state: the sticky fast path wins when the bound pool is still a live
// candidate, otherwise candidates are ranked by a weighted score with ties
// broken by lowest pool ID.
package selector

import (
	"context"
	"log/slog"

	"github.com/fleetmux/fleetmux/go/affinity"
	"github.com/fleetmux/fleetmux/go/fleeterrors"
	"github.com/fleetmux/fleetmux/go/registry"
)

// DefaultMaxLoadThreshold excludes pools at or above this load fraction.
const DefaultMaxLoadThreshold = 0.85

// Score weights. They sum to 1; load and health dominate.
const (
	loadWeight      = 0.3
	healthWeight    = 0.3
	geoWeight       = 0.2
	latencyWeight   = 0.2
	degradedFactor  = 0.5
	crossZoneFactor = 0.5
)

// Selector routes connection requests to pools.
type Selector struct {
	reg      *registry.Registry
	aff      *affinity.Manager
	criteria registry.ListCriteria

	// zone is this process's placement label; same-zone candidates get
	// full geographic score.
	zone string

	logger *slog.Logger
}

// Options configures a Selector.
type Options struct {
	// MaxLoadThreshold defaults to DefaultMaxLoadThreshold.
	MaxLoadThreshold float64

	// Zone is the local placement label. Optional.
	Zone string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// New creates a Selector.
func New(reg *registry.Registry, aff *affinity.Manager, opts Options) *Selector {
	if opts.MaxLoadThreshold <= 0 {
		opts.MaxLoadThreshold = DefaultMaxLoadThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Selector{
		reg:      reg,
		aff:      aff,
		criteria: registry.ListCriteria{MaxLoadThreshold: opts.MaxLoadThreshold},
		zone:     opts.Zone,
		logger:   opts.Logger,
	}
}

// Select picks the pool for clientID and records the resulting affinity.
// Fails with NoAvailablePool when no pool passes the criteria; the caller
// treats that as a capacity-exhaustion signal for out-of-band scale-out.
func (s *Selector) Select(ctx context.Context, clientID string) (*registry.Entry, error) {
	if clientID == "" {
		return nil, fleeterrors.New(fleeterrors.BadInput, "select: empty client id")
	}

	candidates, err := s.reg.ListAvailable(ctx, s.criteria)
	if err != nil {
		return nil, err
	}

	// Sticky fast path: an existing binding to a still-live candidate
	// wins outright. GetAffinity already slid the record's expiry.
	bound, err := s.aff.GetAffinity(ctx, clientID)
	if err != nil {
		s.logger.Warn("affinity lookup failed, selecting fresh", "client_id", clientID, "error", err)
	}
	if bound != "" {
		for _, e := range candidates {
			if e.PoolID == bound {
				return e, nil
			}
		}
		s.logger.Debug("affinity target no longer eligible",
			"client_id", clientID,
			"pool_id", bound,
		)
	}

	if len(candidates) == 0 {
		return nil, fleeterrors.New(fleeterrors.NoAvailablePool, clientID)
	}

	best := s.pickBest(candidates)

	if err := s.aff.RecordAffinity(ctx, clientID, best.PoolID); err != nil {
		// A lost affinity write costs a re-selection later, nothing more.
		s.logger.Warn("affinity record failed", "client_id", clientID, "pool_id", best.PoolID, "error", err)
	}
	return best, nil
}

// pickBest returns the highest-scoring candidate, ties broken by lowest
// pool ID for reproducibility.
func (s *Selector) pickBest(candidates []*registry.Entry) *registry.Entry {
	maxLatency := 0.0
	for _, e := range candidates {
		if e.AvgLatencyMs > maxLatency {
			maxLatency = e.AvgLatencyMs
		}
	}

	var best *registry.Entry
	var bestScore float64
	for _, e := range candidates {
		score := s.score(e, maxLatency)
		switch {
		case best == nil,
			score > bestScore,
			score == bestScore && e.PoolID < best.PoolID:
			best = e
			bestScore = score
		}
	}
	return best
}

// score computes the weighted multi-criteria rank of one candidate.
func (s *Selector) score(e *registry.Entry, maxLatency float64) float64 {
	healthFactor := 1.0
	if e.HealthStatus == registry.StatusDegraded {
		healthFactor = degradedFactor
	}

	geoFactor := 1.0
	if s.zone != "" && e.Zone != "" && s.zone != e.Zone {
		geoFactor = crossZoneFactor
	}

	normalizedLatency := 0.0
	if maxLatency > 0 {
		normalizedLatency = e.AvgLatencyMs / maxLatency
	}

	return loadWeight*(1-e.LoadFraction()) +
		healthWeight*healthFactor +
		geoWeight*geoFactor +
		latencyWeight*(1-normalizedLatency)
}

// InvalidateAffinity drops clientID's sticky binding. The failover manager
// calls this before re-homing a client.
func (s *Selector) InvalidateAffinity(ctx context.Context, clientID string) error {
	return s.aff.Invalidate(ctx, clientID)
}
