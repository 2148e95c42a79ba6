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

// fleetmuxd owns one WebSocket connection pool: it registers the pool in
// the shared registry, heartbeats it, runs connection health checks, and
// participates in fleet-wide failover by watching every pool's heartbeats.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetmux/fleetmux/go/affinity"
	"github.com/fleetmux/fleetmux/go/breaker"
	"github.com/fleetmux/fleetmux/go/config"
	"github.com/fleetmux/fleetmux/go/coordination"
	"github.com/fleetmux/fleetmux/go/coordination/etcdstore"
	"github.com/fleetmux/fleetmux/go/failover"
	"github.com/fleetmux/fleetmux/go/metrics"
	"github.com/fleetmux/fleetmux/go/notify"
	"github.com/fleetmux/fleetmux/go/notify/natsnotify"
	"github.com/fleetmux/fleetmux/go/pool"
	"github.com/fleetmux/fleetmux/go/registry"
	"github.com/fleetmux/fleetmux/go/selector"
	"github.com/fleetmux/fleetmux/go/viperutil"

	// The memory store registers itself for the --store-implementation
	// flag; etcd does the same via its named import above.
	_ "github.com/fleetmux/fleetmux/go/coordination/memorystore"
)

var (
	vreg = viperutil.NewRegistry()
	cfg  = config.NewConfig(vreg)

	configFile string
	logLevel   string

	Main = &cobra.Command{
		Use:   "fleetmuxd",
		Short: "Fleetmuxd manages one WebSocket connection pool and coordinates selection, affinity and failover across the fleet.",
		Args:  cobra.NoArgs,
		RunE:  run,
	}
)

func main() {
	if err := Main.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	fs := Main.Flags()
	cfg.RegisterFlags(fs)
	etcdstore.RegisterFlags(fs)
	fs.StringVar(&configFile, "config-file", "", "Optional config file; flags and environment take precedence")
	fs.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if err := vreg.BindFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	if err := vreg.LoadConfigFile(configFile); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := coordination.Open(cfg.GetStoreImplementation(), cfg.GetStoreRoot(), cfg.GetStoreAddresses())
	if err != nil {
		return fmt.Errorf("opening coordination store: %w", err)
	}
	defer func() { _ = conn.Close() }()

	breakers := breaker.NewGroup(cfg.GetBreakerThreshold(), cfg.GetBreakerCooldown())

	reg := registry.New(conn, registry.Options{
		CallTimeout: cfg.GetConnectionTimeout(),
		EntryTTL:    cfg.GetEntryTTL(),
		StaleAfter:  cfg.GetStaleAfter(),
		Breaker:     breakers.For("coordination-store"),
		Logger:      logger,
	})
	aff := affinity.NewManager(conn, affinity.Options{
		Window:      cfg.GetAffinityWindow(),
		CallTimeout: cfg.GetConnectionTimeout(),
		Logger:      logger,
	})
	sel := selector.New(reg, aff, selector.Options{
		MaxLoadThreshold: cfg.GetMaxLoadThreshold(),
		Zone:             cfg.GetZone(),
		Logger:           logger,
	})

	var notifier notify.Notifier
	if url := cfg.GetNATSURL(); url != "" {
		nn, err := natsnotify.New(url)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer nn.Close()
		notifier = nn
	} else {
		notifier = &notify.LogNotifier{Logger: logger}
	}

	// The owned pool. Load changes flow into the shared counters and nudge
	// the heartbeat so selection sees fresh figures quickly; the hook
	// pushes asynchronously so admission never waits on the store.
	var hb *registry.Heartbeater
	p := pool.New(pool.Config{
		PoolID:         cfg.GetPoolID(),
		Endpoint:       cfg.GetEndpoint(),
		Zone:           cfg.GetZone(),
		MaxCapacity:    cfg.GetMaxCapacity(),
		MinConnections: cfg.GetMinConnections(),
		ProbeTimeout:   cfg.GetProbeTimeout(),
		MaxIdleTime:    cfg.GetMaxIdleTime(),
		Breaker:        breakers.For(cfg.GetPoolID()),
		Logger:         logger,
		OnLoadChange: reg.LoadChangeHook(ctx, cfg.GetPoolID(), func() {
			if hb != nil {
				hb.Kick()
			}
		}),
	}, pool.NewWebSocketProbe())
	defer p.Close()

	ownerID := fmt.Sprintf("fleetmuxd-%d", os.Getpid())
	status := func() *registry.Entry {
		stats := p.Stats()
		health := registry.StatusHealthy
		if stats.Degraded > 0 {
			health = registry.StatusDegraded
		}
		return &registry.Entry{
			PoolID:         p.ID(),
			OwnerProcessID: ownerID,
			Endpoint:       p.Endpoint(),
			Zone:           p.Zone(),
			MaxCapacity:    p.MaxCapacity(),
			CurrentLoad:    stats.Size,
			HealthStatus:   health,
			AvgLatencyMs:   stats.AvgLatencyMs,
		}
	}

	hb = registry.NewHeartbeater(ctx, reg, status, cfg.GetHeartbeatInterval(), logger)
	hb.Start()
	defer hb.Stop()

	p.StartHealthChecks(ctx, cfg.GetHealthCheckInterval())
	defer p.StopHealthChecks()

	fm := failover.NewManager(reg, aff, sel, notifier, failover.Options{
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
		ScanInterval:      cfg.GetScanInterval(),
		DrainGrace:        cfg.GetDrainGrace(),
		MigrationRetries:  cfg.GetMigrationRetries(),
		Breakers:          breakers,
		Logger:            logger,
	})
	fm.Start(ctx)
	defer fm.Stop()

	sinks := []metrics.Sink{&metrics.LogSink{Logger: logger}}
	if addr := cfg.GetStatsdAddr(); addr != "" {
		ss := metrics.NewStatsdSink(addr)
		defer func() { _ = ss.Close() }()
		sinks = append(sinks, ss)
	}
	reporter := metrics.NewReporter(reg, metrics.ReporterOptions{
		Interval:       cfg.GetMetricsInterval(),
		FailoverEvents: fm.FailoverEvents,
		Logger:         logger,
	}, sinks...)
	reporter.Start(ctx)
	defer reporter.Stop()

	logger.Info("fleetmuxd started",
		"pool_id", cfg.GetPoolID(),
		"endpoint", cfg.GetEndpoint(),
		"zone", cfg.GetZone(),
		"max_capacity", cfg.GetMaxCapacity(),
		"store", cfg.GetStoreImplementation(),
	)

	<-ctx.Done()
	logger.Info("fleetmuxd shutting down")

	// Leave the fleet cleanly so peers do not have to wait out the TTL.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Unregister(shutdownCtx, cfg.GetPoolID()); err != nil {
		logger.Warn("unregister on shutdown failed", "error", err)
	}
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}
