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

// Package config holds the configuration surface for fleetmuxd. All values
// are registered on an isolated viperutil registry so they can be set by
// flag, environment variable or config file with uniform precedence.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/fleetmux/fleetmux/go/affinity"
	"github.com/fleetmux/fleetmux/go/failover"
	"github.com/fleetmux/fleetmux/go/metrics"
	"github.com/fleetmux/fleetmux/go/pool"
	"github.com/fleetmux/fleetmux/go/registry"
	"github.com/fleetmux/fleetmux/go/selector"
	"github.com/fleetmux/fleetmux/go/viperutil"
)

// Config encapsulates all fleetmuxd configuration. It is passed to the
// components at startup; values are read once, not watched.
type Config struct {
	storeImplementation viperutil.Value[string]
	storeRoot           viperutil.Value[string]
	storeAddresses      viperutil.Value[[]string]

	poolID              viperutil.Value[string]
	endpoint            viperutil.Value[string]
	zone                viperutil.Value[string]
	maxCapacity         viperutil.Value[int]
	minConnections      viperutil.Value[int]
	probeTimeout        viperutil.Value[time.Duration]
	maxIdleTime         viperutil.Value[time.Duration]
	healthCheckInterval viperutil.Value[time.Duration]
	connectionTimeout   viperutil.Value[time.Duration]

	heartbeatInterval viperutil.Value[time.Duration]
	entryTTL          viperutil.Value[time.Duration]
	staleAfter        viperutil.Value[time.Duration]

	affinityWindow   viperutil.Value[time.Duration]
	maxLoadThreshold viperutil.Value[float64]

	scanInterval     viperutil.Value[time.Duration]
	drainGrace       viperutil.Value[time.Duration]
	migrationRetries viperutil.Value[int]

	breakerThreshold viperutil.Value[int]
	breakerCooldown  viperutil.Value[time.Duration]

	metricsInterval viperutil.Value[time.Duration]
	statsdAddr      viperutil.Value[string]
	natsURL         viperutil.Value[string]
}

// NewConfig creates a Config with every value registered.
func NewConfig(reg *viperutil.Registry) *Config {
	return &Config{
		storeImplementation: viperutil.Configure(reg, "store-implementation", viperutil.Options[string]{
			Default:  "etcd",
			FlagName: "store-implementation",
			EnvVars:  []string{"FM_STORE_IMPLEMENTATION"},
		}),
		storeRoot: viperutil.Configure(reg, "store-root", viperutil.Options[string]{
			Default:  "/fleetmux",
			FlagName: "store-root",
			EnvVars:  []string{"FM_STORE_ROOT"},
		}),
		storeAddresses: viperutil.Configure(reg, "store-addresses", viperutil.Options[[]string]{
			Default:  []string{"localhost:2379"},
			FlagName: "store-addresses",
			EnvVars:  []string{"FM_STORE_ADDRESSES"},
		}),
		poolID: viperutil.Configure(reg, "pool-id", viperutil.Options[string]{
			FlagName: "pool-id",
			EnvVars:  []string{"FM_POOL_ID"},
		}),
		endpoint: viperutil.Configure(reg, "endpoint", viperutil.Options[string]{
			FlagName: "endpoint",
			EnvVars:  []string{"FM_ENDPOINT"},
		}),
		zone: viperutil.Configure(reg, "zone", viperutil.Options[string]{
			FlagName: "zone",
			EnvVars:  []string{"FM_ZONE"},
		}),
		maxCapacity: viperutil.Configure(reg, "max-capacity", viperutil.Options[int]{
			Default:  1024,
			FlagName: "max-capacity",
			EnvVars:  []string{"FM_MAX_CAPACITY"},
		}),
		minConnections: viperutil.Configure(reg, "min-connections", viperutil.Options[int]{
			FlagName: "min-connections",
			EnvVars:  []string{"FM_MIN_CONNECTIONS"},
		}),
		probeTimeout: viperutil.Configure(reg, "probe-timeout", viperutil.Options[time.Duration]{
			Default:  pool.DefaultProbeTimeout,
			FlagName: "probe-timeout",
			EnvVars:  []string{"FM_PROBE_TIMEOUT"},
		}),
		maxIdleTime: viperutil.Configure(reg, "max-idle-time", viperutil.Options[time.Duration]{
			Default:  pool.DefaultMaxIdleTime,
			FlagName: "max-idle-time",
			EnvVars:  []string{"FM_MAX_IDLE_TIME"},
		}),
		healthCheckInterval: viperutil.Configure(reg, "health-check-interval", viperutil.Options[time.Duration]{
			Default:  pool.DefaultHealthCheckInterval,
			FlagName: "health-check-interval",
			EnvVars:  []string{"FM_HEALTH_CHECK_INTERVAL"},
		}),
		connectionTimeout: viperutil.Configure(reg, "connection-timeout", viperutil.Options[time.Duration]{
			Default:  registry.DefaultCallTimeout,
			FlagName: "connection-timeout",
			EnvVars:  []string{"FM_CONNECTION_TIMEOUT"},
		}),
		heartbeatInterval: viperutil.Configure(reg, "heartbeat-interval", viperutil.Options[time.Duration]{
			Default:  registry.DefaultHeartbeatInterval,
			FlagName: "heartbeat-interval",
			EnvVars:  []string{"FM_HEARTBEAT_INTERVAL"},
		}),
		entryTTL: viperutil.Configure(reg, "entry-ttl", viperutil.Options[time.Duration]{
			Default:  registry.DefaultEntryTTL,
			FlagName: "entry-ttl",
			EnvVars:  []string{"FM_ENTRY_TTL"},
		}),
		staleAfter: viperutil.Configure(reg, "stale-after", viperutil.Options[time.Duration]{
			Default:  registry.DefaultStaleAfter,
			FlagName: "stale-after",
			EnvVars:  []string{"FM_STALE_AFTER"},
		}),
		affinityWindow: viperutil.Configure(reg, "affinity-window", viperutil.Options[time.Duration]{
			Default:  affinity.DefaultWindow,
			FlagName: "affinity-window",
			EnvVars:  []string{"FM_AFFINITY_WINDOW"},
		}),
		maxLoadThreshold: viperutil.Configure(reg, "max-load-threshold", viperutil.Options[float64]{
			Default:  selector.DefaultMaxLoadThreshold,
			FlagName: "max-load-threshold",
			EnvVars:  []string{"FM_MAX_LOAD_THRESHOLD"},
		}),
		scanInterval: viperutil.Configure(reg, "failover-scan-interval", viperutil.Options[time.Duration]{
			Default:  failover.DefaultScanInterval,
			FlagName: "failover-scan-interval",
			EnvVars:  []string{"FM_FAILOVER_SCAN_INTERVAL"},
		}),
		drainGrace: viperutil.Configure(reg, "drain-grace", viperutil.Options[time.Duration]{
			Default:  failover.DefaultDrainGrace,
			FlagName: "drain-grace",
			EnvVars:  []string{"FM_DRAIN_GRACE"},
		}),
		migrationRetries: viperutil.Configure(reg, "migration-retries", viperutil.Options[int]{
			Default:  3,
			FlagName: "migration-retries",
			EnvVars:  []string{"FM_MIGRATION_RETRIES"},
		}),
		breakerThreshold: viperutil.Configure(reg, "breaker-failure-threshold", viperutil.Options[int]{
			Default:  5,
			FlagName: "breaker-failure-threshold",
			EnvVars:  []string{"FM_BREAKER_FAILURE_THRESHOLD"},
		}),
		breakerCooldown: viperutil.Configure(reg, "breaker-cooldown", viperutil.Options[time.Duration]{
			Default:  60 * time.Second,
			FlagName: "breaker-cooldown",
			EnvVars:  []string{"FM_BREAKER_COOLDOWN"},
		}),
		metricsInterval: viperutil.Configure(reg, "metrics-interval", viperutil.Options[time.Duration]{
			Default:  metrics.DefaultReportInterval,
			FlagName: "metrics-interval",
			EnvVars:  []string{"FM_METRICS_INTERVAL"},
		}),
		statsdAddr: viperutil.Configure(reg, "statsd-addr", viperutil.Options[string]{
			FlagName: "statsd-addr",
			EnvVars:  []string{"FM_STATSD_ADDR"},
		}),
		natsURL: viperutil.Configure(reg, "nats-url", viperutil.Options[string]{
			FlagName: "nats-url",
			EnvVars:  []string{"FM_NATS_URL"},
		}),
	}
}

// RegisterFlags declares every config flag on fs.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.String("store-implementation", c.storeImplementation.Default(), "Coordination store implementation (etcd or memory)")
	fs.String("store-root", c.storeRoot.Default(), "Key prefix for all fleetmux data in the coordination store")
	fs.StringSlice("store-addresses", c.storeAddresses.Default(), "Coordination store server addresses")
	fs.String("pool-id", c.poolID.Default(), "Unique identifier of the pool this process owns")
	fs.String("endpoint", c.endpoint.Default(), "Advertised WebSocket endpoint of the owned pool")
	fs.String("zone", c.zone.Default(), "Availability zone label for selection scoring")
	fs.Int("max-capacity", c.maxCapacity.Default(), "Maximum concurrent connections in the owned pool")
	fs.Int("min-connections", c.minConnections.Default(), "Warm floor of connections kept despite idleness")
	fs.Duration("probe-timeout", c.probeTimeout.Default(), "Timeout for a single connection health probe")
	fs.Duration("max-idle-time", c.maxIdleTime.Default(), "Idle time after which a connection is considered dead")
	fs.Duration("health-check-interval", c.healthCheckInterval.Default(), "Interval between full pool health-check passes")
	fs.Duration("connection-timeout", c.connectionTimeout.Default(), "Timeout for a single coordination store call")
	fs.Duration("heartbeat-interval", c.heartbeatInterval.Default(), "Interval between registry heartbeats")
	fs.Duration("entry-ttl", c.entryTTL.Default(), "TTL on the pool's registry entry")
	fs.Duration("stale-after", c.staleAfter.Default(), "Heartbeat age after which an entry is excluded from selection")
	fs.Duration("affinity-window", c.affinityWindow.Default(), "Sliding window for client to pool affinity records")
	fs.Float64("max-load-threshold", c.maxLoadThreshold.Default(), "Load fraction above which a pool is excluded from selection")
	fs.Duration("failover-scan-interval", c.scanInterval.Default(), "Interval between failover staleness scans")
	fs.Duration("drain-grace", c.drainGrace.Default(), "Grace period before a draining pool is force-released")
	fs.Int("migration-retries", c.migrationRetries.Default(), "Attempts to migrate one client before dropping it")
	fs.Int("breaker-failure-threshold", c.breakerThreshold.Default(), "Consecutive failures before a circuit opens")
	fs.Duration("breaker-cooldown", c.breakerCooldown.Default(), "Cooldown before an open circuit admits a trial call")
	fs.Duration("metrics-interval", c.metricsInterval.Default(), "Interval between metrics samples")
	fs.String("statsd-addr", c.statsdAddr.Default(), "Statsd daemon address; empty disables the statsd sink")
	fs.String("nats-url", c.natsURL.Default(), "NATS server URL for reconnect notifications; empty logs them instead")
}

// Validate rejects option combinations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.GetPoolID() == "" {
		return fmt.Errorf("pool-id is required")
	}
	if c.GetEndpoint() == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.GetMaxCapacity() <= 0 {
		return fmt.Errorf("max-capacity must be positive, got %d", c.GetMaxCapacity())
	}
	if mc := c.GetMinConnections(); mc < 0 || mc > c.GetMaxCapacity() {
		return fmt.Errorf("min-connections (%d) must be in [0, max-capacity]", mc)
	}
	if c.GetHealthCheckInterval() <= 0 {
		return fmt.Errorf("health-check-interval must be positive, got %v", c.GetHealthCheckInterval())
	}
	if c.GetConnectionTimeout() <= 0 {
		return fmt.Errorf("connection-timeout must be positive, got %v", c.GetConnectionTimeout())
	}
	if t := c.GetMaxLoadThreshold(); t <= 0 || t > 1 {
		return fmt.Errorf("max-load-threshold must be in (0, 1], got %v", t)
	}
	if c.GetStaleAfter() >= c.GetEntryTTL() {
		return fmt.Errorf("stale-after (%v) must be shorter than entry-ttl (%v)",
			c.GetStaleAfter(), c.GetEntryTTL())
	}
	if c.GetHeartbeatInterval() >= c.GetStaleAfter() {
		return fmt.Errorf("heartbeat-interval (%v) must be shorter than stale-after (%v)",
			c.GetHeartbeatInterval(), c.GetStaleAfter())
	}
	return nil
}

// Getter methods

func (c *Config) GetStoreImplementation() string { return c.storeImplementation.Get() }

func (c *Config) GetStoreRoot() string { return c.storeRoot.Get() }

func (c *Config) GetStoreAddresses() []string { return c.storeAddresses.Get() }

func (c *Config) GetPoolID() string { return c.poolID.Get() }

func (c *Config) GetEndpoint() string { return c.endpoint.Get() }

func (c *Config) GetZone() string { return c.zone.Get() }

func (c *Config) GetMaxCapacity() int { return c.maxCapacity.Get() }

func (c *Config) GetMinConnections() int { return c.minConnections.Get() }

func (c *Config) GetHealthCheckInterval() time.Duration { return c.healthCheckInterval.Get() }

func (c *Config) GetConnectionTimeout() time.Duration { return c.connectionTimeout.Get() }

func (c *Config) GetProbeTimeout() time.Duration { return c.probeTimeout.Get() }

func (c *Config) GetMaxIdleTime() time.Duration { return c.maxIdleTime.Get() }

func (c *Config) GetHeartbeatInterval() time.Duration { return c.heartbeatInterval.Get() }

func (c *Config) GetEntryTTL() time.Duration { return c.entryTTL.Get() }

func (c *Config) GetStaleAfter() time.Duration { return c.staleAfter.Get() }

func (c *Config) GetAffinityWindow() time.Duration { return c.affinityWindow.Get() }

func (c *Config) GetMaxLoadThreshold() float64 { return c.maxLoadThreshold.Get() }

func (c *Config) GetScanInterval() time.Duration { return c.scanInterval.Get() }

func (c *Config) GetDrainGrace() time.Duration { return c.drainGrace.Get() }

func (c *Config) GetMigrationRetries() int { return c.migrationRetries.Get() }

func (c *Config) GetBreakerThreshold() int { return c.breakerThreshold.Get() }

func (c *Config) GetBreakerCooldown() time.Duration { return c.breakerCooldown.Get() }

func (c *Config) GetMetricsInterval() time.Duration { return c.metricsInterval.Get() }

func (c *Config) GetStatsdAddr() string { return c.statsdAddr.Get() }

func (c *Config) GetNATSURL() string { return c.natsURL.Get() }
