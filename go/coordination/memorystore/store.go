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

// Package memorystore implements coordination.Conn entirely in memory.
//
// It is used by unit tests and by processes that need a coordination store
// without an external backend. Expiry is evaluated lazily on access, which
// matches the visibility semantics of a TTL'd etcd key closely enough for
// registry purposes. The store supports fault injection so tests can
// exercise circuit-breaker and snapshot-fallback paths.
package memorystore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetmux/fleetmux/go/coordination"
)

// Store implements coordination.Conn in memory.
type Store struct {
	mu     sync.Mutex
	data   map[string]entry
	closed bool

	// forcedErr, when non-nil, is returned by every operation. Tests use
	// this to simulate a down store.
	forcedErr error

	// now is replaceable for expiry tests.
	now func() time.Time
}

type entry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

// Factory implements coordination.Factory for the memory backend.
type Factory struct{}

// Create is part of the coordination.Factory interface. The root and server
// addresses are ignored; every Create returns an independent store.
func (Factory) Create(root string, serverAddrs []string) (coordination.Conn, error) {
	return New(), nil
}

func init() {
	coordination.RegisterFactory("memory", Factory{})
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		data: make(map[string]entry),
		now:  time.Now,
	}
}

// SetError forces every subsequent operation to fail with err.
// Pass nil to restore normal operation.
func (s *Store) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forcedErr = err
}

// SetNowFunc replaces the clock used for expiry. Test hook.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// checkUsable must be called with mu held.
func (s *Store) checkUsable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return coordination.NewError(coordination.Interrupted, err.Error())
	}
	if s.closed {
		return coordination.NewError(coordination.Unavailable, "store closed")
	}
	return s.forcedErr
}

// get returns the live entry for key, expiring it if needed.
// Must be called with mu held.
func (s *Store) get(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}

// Put is part of the coordination.Conn interface.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(ctx); err != nil {
		return err
	}

	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

// Get is part of the coordination.Conn interface.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(ctx); err != nil {
		return nil, err
	}

	e, ok := s.get(key)
	if !ok {
		return nil, coordination.NewError(coordination.NoNode, key)
	}
	return append([]byte(nil), e.value...), nil
}

// List is part of the coordination.Conn interface.
func (s *Store) List(ctx context.Context, prefix string) ([]coordination.KV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(ctx); err != nil {
		return nil, err
	}

	var result []coordination.KV
	for key := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		e, ok := s.get(key)
		if !ok {
			continue
		}
		result = append(result, coordination.KV{
			Key:   key,
			Value: append([]byte(nil), e.value...),
		})
	}
	if len(result) == 0 {
		return nil, coordination.NewError(coordination.NoNode, prefix)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Add is part of the coordination.Conn interface.
func (s *Store) Add(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(ctx); err != nil {
		return 0, err
	}

	var current int64
	if e, ok := s.get(key); ok {
		parsed, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, coordination.NewError(coordination.BadInput, "counter "+key+" holds non-integer value")
		}
		current = parsed
	}
	current += delta
	if current < 0 {
		current = 0
	}
	s.data[key] = entry{value: []byte(strconv.FormatInt(current, 10))}
	return current, nil
}

// Delete is part of the coordination.Conn interface.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsable(ctx); err != nil {
		return err
	}

	if _, ok := s.get(key); !ok {
		return coordination.NewError(coordination.NoNode, key)
	}
	delete(s.data, key)
	return nil
}

// Close is part of the coordination.Conn interface.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.data = make(map[string]entry)
	return nil
}
