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

package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunsPeriodically(t *testing.T) {
	r := NewPeriodicRunner(t.Context(), time.Millisecond)

	var calls atomic.Int32
	require.True(t, r.Start(func(ctx context.Context) {
		calls.Add(1)
	}))
	defer r.Stop()

	assert.Eventually(t, func() bool {
		return calls.Load() >= 3
	}, time.Second, time.Millisecond)
}

func TestDoubleStart(t *testing.T) {
	r := NewPeriodicRunner(t.Context(), time.Millisecond)
	require.True(t, r.Start(func(ctx context.Context) {}))
	assert.False(t, r.Start(func(ctx context.Context) {}))
	r.Stop()

	// A stopped runner can be started again.
	assert.True(t, r.Start(func(ctx context.Context) {}))
	r.Stop()
}

func TestStopWaitsForCallback(t *testing.T) {
	r := NewPeriodicRunner(t.Context(), time.Millisecond)

	started := make(chan struct{})
	var finished atomic.Bool
	require.True(t, r.Start(func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
	}))

	<-started
	r.Stop()
	assert.True(t, finished.Load(), "Stop returned before the callback finished")
}

func TestStopIdempotent(t *testing.T) {
	r := NewPeriodicRunner(t.Context(), time.Millisecond)
	r.Start(func(ctx context.Context) {})
	r.Stop()
	r.Stop()
}

func TestParentContextCancelSkipsCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewPeriodicRunner(ctx, time.Millisecond)

	var calls atomic.Int32
	cancel()
	r.Start(func(ctx context.Context) {
		calls.Add(1)
	})
	time.Sleep(10 * time.Millisecond)
	r.Stop()

	assert.Zero(t, calls.Load(), "callback ran with a cancelled context")
}
