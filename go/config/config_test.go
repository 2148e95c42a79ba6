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

package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmux/fleetmux/go/pool"
	"github.com/fleetmux/fleetmux/go/registry"
	"github.com/fleetmux/fleetmux/go/viperutil"
)

// newParsedConfig builds a config with the given command line applied.
func newParsedConfig(t *testing.T, args ...string) *Config {
	t.Helper()
	reg := viperutil.NewRegistry()
	cfg := NewConfig(reg)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, reg.BindFlags(fs))
	require.NoError(t, fs.Parse(args))
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := newParsedConfig(t)

	assert.Equal(t, "etcd", cfg.GetStoreImplementation())
	assert.Equal(t, "/fleetmux", cfg.GetStoreRoot())
	assert.Equal(t, []string{"localhost:2379"}, cfg.GetStoreAddresses())
	assert.Equal(t, 1024, cfg.GetMaxCapacity())
	assert.Equal(t, 0, cfg.GetMinConnections())
	assert.Equal(t, pool.DefaultHealthCheckInterval, cfg.GetHealthCheckInterval())
	assert.Equal(t, registry.DefaultCallTimeout, cfg.GetConnectionTimeout())
	assert.Equal(t, registry.DefaultHeartbeatInterval, cfg.GetHeartbeatInterval())
	assert.Equal(t, registry.DefaultEntryTTL, cfg.GetEntryTTL())
	assert.Equal(t, registry.DefaultStaleAfter, cfg.GetStaleAfter())
	assert.Equal(t, 3, cfg.GetMigrationRetries())
	assert.Equal(t, 5, cfg.GetBreakerThreshold())
	assert.Equal(t, 60*time.Second, cfg.GetBreakerCooldown())
	assert.Empty(t, cfg.GetPoolID())
	assert.Empty(t, cfg.GetStatsdAddr())
	assert.Empty(t, cfg.GetNATSURL())
}

func TestFlagsOverrideDefaults(t *testing.T) {
	cfg := newParsedConfig(t,
		"--pool-id", "pool-a",
		"--endpoint", "ws://pool-a.example.com/ws",
		"--zone", "zone-b",
		"--max-capacity", "256",
		"--min-connections", "4",
		"--health-check-interval", "10s",
		"--connection-timeout", "500ms",
		"--heartbeat-interval", "2s",
		"--drain-grace", "1m",
		"--store-addresses", "etcd-1:2379,etcd-2:2379",
	)

	assert.Equal(t, "pool-a", cfg.GetPoolID())
	assert.Equal(t, "ws://pool-a.example.com/ws", cfg.GetEndpoint())
	assert.Equal(t, "zone-b", cfg.GetZone())
	assert.Equal(t, 256, cfg.GetMaxCapacity())
	assert.Equal(t, 4, cfg.GetMinConnections())
	assert.Equal(t, 10*time.Second, cfg.GetHealthCheckInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.GetConnectionTimeout())
	assert.Equal(t, 2*time.Second, cfg.GetHeartbeatInterval())
	assert.Equal(t, time.Minute, cfg.GetDrainGrace())
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.GetStoreAddresses())
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("FM_POOL_ID", "pool-env")
	t.Setenv("FM_MAX_CAPACITY", "64")

	cfg := newParsedConfig(t)
	assert.Equal(t, "pool-env", cfg.GetPoolID())
	assert.Equal(t, 64, cfg.GetMaxCapacity())
}

func TestValidate(t *testing.T) {
	valid := []string{"--pool-id", "pool-a", "--endpoint", "ws://a/ws"}

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name: "minimal valid config",
			args: valid,
		},
		{
			name:    "missing pool id",
			args:    []string{"--endpoint", "ws://a/ws"},
			wantErr: "pool-id is required",
		},
		{
			name:    "missing endpoint",
			args:    []string{"--pool-id", "pool-a"},
			wantErr: "endpoint is required",
		},
		{
			name:    "non-positive capacity",
			args:    append([]string{"--max-capacity", "0"}, valid...),
			wantErr: "max-capacity must be positive",
		},
		{
			name:    "threshold above one",
			args:    append([]string{"--max-load-threshold", "1.5"}, valid...),
			wantErr: "max-load-threshold must be in (0, 1]",
		},
		{
			name:    "min-connections above capacity",
			args:    append([]string{"--min-connections", "2000"}, valid...),
			wantErr: "min-connections",
		},
		{
			name:    "zero health check interval",
			args:    append([]string{"--health-check-interval", "0"}, valid...),
			wantErr: "health-check-interval must be positive",
		},
		{
			name:    "zero connection timeout",
			args:    append([]string{"--connection-timeout", "0"}, valid...),
			wantErr: "connection-timeout must be positive",
		},
		{
			name:    "stale-after not shorter than entry-ttl",
			args:    append([]string{"--stale-after", "30s", "--entry-ttl", "30s"}, valid...),
			wantErr: "must be shorter than entry-ttl",
		},
		{
			name:    "heartbeat not shorter than stale-after",
			args:    append([]string{"--heartbeat-interval", "15s"}, valid...),
			wantErr: "must be shorter than stale-after",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newParsedConfig(t, tt.args...)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
