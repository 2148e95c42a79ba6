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

package timertools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicks(t *testing.T) {
	bt := NewBackoffTicker(time.Millisecond, 10*time.Millisecond)
	defer bt.Stop()

	for range 3 {
		select {
		case <-bt.C:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for tick")
		}
	}
}

func TestDelayDoubles(t *testing.T) {
	bt := NewBackoffTicker(time.Millisecond, 8*time.Millisecond)
	defer bt.Stop()

	// Drain a few ticks so the internal delay has doubled past the cap.
	for range 5 {
		select {
		case <-bt.C:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for tick")
		}
	}

	bt.mu.Lock()
	current := bt.currentDelay
	bt.mu.Unlock()
	assert.Equal(t, 8*time.Millisecond, current, "delay should be capped at maxDelay")
}

func TestReset(t *testing.T) {
	bt := NewBackoffTicker(time.Millisecond, 100*time.Millisecond)
	defer bt.Stop()

	select {
	case <-bt.C:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first tick")
	}

	bt.Reset()
	bt.mu.Lock()
	current := bt.currentDelay
	bt.mu.Unlock()
	require.Equal(t, time.Millisecond, current)
}

func TestStopNoFurtherTicks(t *testing.T) {
	bt := NewBackoffTicker(time.Millisecond, time.Millisecond)

	select {
	case <-bt.C:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick")
	}

	bt.Stop()
	// Drain anything already buffered, then expect silence.
	select {
	case <-bt.C:
	default:
	}
	select {
	case <-bt.C:
		t.Fatal("tick delivered after Stop")
	case <-time.After(20 * time.Millisecond):
	}

	// Stop and Reset after Stop are no-ops.
	bt.Stop()
	bt.Reset()
}

func TestInvalidParametersPanic(t *testing.T) {
	assert.Panics(t, func() { NewBackoffTicker(0, time.Second) })
	assert.Panics(t, func() { NewBackoffTicker(time.Second, time.Millisecond) })
}
