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

package affinity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmux/fleetmux/go/coordination/memorystore"
	"github.com/fleetmux/fleetmux/go/fleeterrors"
)

func TestRecordAndGet(t *testing.T) {
	ctx := t.Context()
	m := NewManager(memorystore.New(), Options{})

	require.NoError(t, m.RecordAffinity(ctx, "client-1", "pool-a"))

	poolID, err := m.GetAffinity(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "pool-a", poolID)

	// No record means empty result, not an error.
	poolID, err = m.GetAffinity(ctx, "client-ghost")
	require.NoError(t, err)
	assert.Empty(t, poolID)
}

func TestRecordOverwrites(t *testing.T) {
	ctx := t.Context()
	m := NewManager(memorystore.New(), Options{})

	require.NoError(t, m.RecordAffinity(ctx, "client-1", "pool-a"))
	require.NoError(t, m.RecordAffinity(ctx, "client-1", "pool-b"))

	poolID, err := m.GetAffinity(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "pool-b", poolID, "one active record per client")
}

func TestRecordBadInput(t *testing.T) {
	m := NewManager(memorystore.New(), Options{})
	err := m.RecordAffinity(t.Context(), "", "pool-a")
	assert.True(t, fleeterrors.IsCode(err, fleeterrors.BadInput))
	err = m.RecordAffinity(t.Context(), "client-1", "")
	assert.True(t, fleeterrors.IsCode(err, fleeterrors.BadInput))
}

func TestWindowExpiry(t *testing.T) {
	ctx := t.Context()
	store := memorystore.New()
	m := NewManager(store, Options{Window: 30 * time.Minute})

	now := time.Now()
	store.SetNowFunc(func() time.Time { return now })
	m.SetNowFunc(func() time.Time { return now })

	require.NoError(t, m.RecordAffinity(ctx, "client-1", "pool-a"))

	// Inside the window the binding holds.
	now = now.Add(29 * time.Minute)
	poolID, err := m.GetAffinity(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "pool-a", poolID)

	// The hit refreshed the window, so another 29 minutes still hits.
	now = now.Add(29 * time.Minute)
	poolID, err = m.GetAffinity(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "pool-a", poolID)

	// Silence past the window expires the record.
	now = now.Add(31 * time.Minute)
	poolID, err = m.GetAffinity(ctx, "client-1")
	require.NoError(t, err)
	assert.Empty(t, poolID)
}

func TestInvalidate(t *testing.T) {
	ctx := t.Context()
	m := NewManager(memorystore.New(), Options{})

	require.NoError(t, m.RecordAffinity(ctx, "client-1", "pool-a"))
	require.NoError(t, m.Invalidate(ctx, "client-1"))

	poolID, err := m.GetAffinity(ctx, "client-1")
	require.NoError(t, err)
	assert.Empty(t, poolID)

	// Invalidating an absent record is a no-op.
	require.NoError(t, m.Invalidate(ctx, "client-1"))
}

func TestCorruptRecord(t *testing.T) {
	ctx := t.Context()
	store := memorystore.New()
	m := NewManager(store, Options{})

	require.NoError(t, store.Put(ctx, recordKey("client-1"), []byte("not json"), 0))

	poolID, err := m.GetAffinity(ctx, "client-1")
	require.NoError(t, err)
	assert.Empty(t, poolID, "a corrupt record reads as no record")
}

func TestClientsFor(t *testing.T) {
	ctx := t.Context()
	m := NewManager(memorystore.New(), Options{})

	require.NoError(t, m.RecordAffinity(ctx, "client-1", "pool-a"))
	require.NoError(t, m.RecordAffinity(ctx, "client-2", "pool-a"))
	require.NoError(t, m.RecordAffinity(ctx, "client-3", "pool-b"))

	clients, err := m.ClientsFor(ctx, "pool-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"client-1", "client-2"}, clients)

	clients, err = m.ClientsFor(ctx, "pool-none")
	require.NoError(t, err)
	assert.Empty(t, clients)
}
