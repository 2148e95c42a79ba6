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

package memorystore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmux/fleetmux/go/coordination"
)

func TestPutGet(t *testing.T) {
	ctx := t.Context()
	s := New()

	require.NoError(t, s.Put(ctx, "pools/a", []byte("v1"), 0))
	got, err := s.Get(ctx, "pools/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// Overwrite replaces the value.
	require.NoError(t, s.Put(ctx, "pools/a", []byte("v2"), 0))
	got, err = s.Get(ctx, "pools/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	_, err = s.Get(ctx, "pools/missing")
	assert.True(t, coordination.IsErrType(err, coordination.NoNode))
}

func TestTTLExpiry(t *testing.T) {
	ctx := t.Context()
	s := New()

	now := time.Now()
	s.SetNowFunc(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "pools/a", []byte("v"), 30*time.Second))

	// Visible before the deadline.
	_, err := s.Get(ctx, "pools/a")
	require.NoError(t, err)

	// Gone once the clock passes the TTL.
	now = now.Add(31 * time.Second)
	_, err = s.Get(ctx, "pools/a")
	assert.True(t, coordination.IsErrType(err, coordination.NoNode))

	// A rewrite refreshes the TTL from the current clock.
	require.NoError(t, s.Put(ctx, "pools/a", []byte("v"), 30*time.Second))
	now = now.Add(29 * time.Second)
	_, err = s.Get(ctx, "pools/a")
	require.NoError(t, err)
}

func TestListPrefix(t *testing.T) {
	ctx := t.Context()
	s := New()

	require.NoError(t, s.Put(ctx, "pools/b", []byte("2"), 0))
	require.NoError(t, s.Put(ctx, "pools/a", []byte("1"), 0))
	require.NoError(t, s.Put(ctx, "affinity/c1", []byte("x"), 0))

	kvs, err := s.List(ctx, "pools/")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	// Results are sorted by key.
	assert.Equal(t, "pools/a", kvs[0].Key)
	assert.Equal(t, "pools/b", kvs[1].Key)

	// An empty listing is NoNode, matching the etcd backend.
	_, err = s.List(ctx, "load/")
	assert.True(t, coordination.IsErrType(err, coordination.NoNode))
}

func TestAddCounter(t *testing.T) {
	ctx := t.Context()
	s := New()

	n, err := s.Add(ctx, "load/a", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Add(ctx, "load/a", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Counters never go negative.
	n, err = s.Add(ctx, "load/a", -10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// A non-integer value is rejected rather than silently reset.
	require.NoError(t, s.Put(ctx, "load/bad", []byte("junk"), 0))
	_, err = s.Add(ctx, "load/bad", 1)
	assert.True(t, coordination.IsErrType(err, coordination.BadInput))
}

func TestDelete(t *testing.T) {
	ctx := t.Context()
	s := New()

	require.NoError(t, s.Put(ctx, "pools/a", []byte("v"), 0))
	require.NoError(t, s.Delete(ctx, "pools/a"))

	err := s.Delete(ctx, "pools/a")
	assert.True(t, coordination.IsErrType(err, coordination.NoNode))
}

func TestErrorInjection(t *testing.T) {
	ctx := t.Context()
	s := New()
	require.NoError(t, s.Put(ctx, "pools/a", []byte("v"), 0))

	forced := errors.New("store down")
	s.SetError(forced)

	_, err := s.Get(ctx, "pools/a")
	assert.ErrorIs(t, err, forced)
	assert.ErrorIs(t, s.Put(ctx, "pools/a", []byte("v"), 0), forced)

	s.SetError(nil)
	_, err = s.Get(ctx, "pools/a")
	require.NoError(t, err)
}

func TestClosed(t *testing.T) {
	ctx := t.Context()
	s := New()
	require.NoError(t, s.Put(ctx, "pools/a", []byte("v"), 0))
	require.NoError(t, s.Close())

	_, err := s.Get(ctx, "pools/a")
	assert.True(t, coordination.IsErrType(err, coordination.Unavailable))
}

func TestContextCancelled(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Put(ctx, "pools/a", []byte("v"), 0)
	assert.True(t, coordination.IsErrType(err, coordination.Interrupted))
}

func TestOpenMemory(t *testing.T) {
	conn, err := coordination.Open("memory", "fleetmux", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.Put(t.Context(), "pools/a", []byte("v"), 0))
}
