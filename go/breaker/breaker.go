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

// Package breaker implements a three-state circuit breaker used to guard
// calls to pools and to the coordination store.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/fleetmux/fleetmux/go/fleeterrors"
)

// State is the breaker state.
type State int

const (
	// Closed passes calls through and counts consecutive failures.
	Closed = State(iota)

	// Open rejects all calls until the cooldown elapses.
	Open

	// HalfOpen admits exactly one trial call.
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards calls against one target.
//
// Closed: each failure increments the consecutive-failure count; reaching
// the threshold opens the breaker. Open: calls fail immediately until the
// cooldown has elapsed since the last failure, then the breaker goes
// half-open. HalfOpen: exactly one trial call runs; success closes the
// breaker, failure reopens it and restarts the cooldown clock.
type Breaker struct {
	target           string
	failureThreshold int
	cooldown         time.Duration

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	trialInFlight       bool

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Breaker for the named target.
func New(target string, failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{
		target:           target,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// SetNowFunc replaces the breaker's clock. Test hook.
func (b *Breaker) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.lastFailureAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Target returns the name this breaker guards.
func (b *Breaker) Target() string {
	return b.target
}

// allow decides whether a call may proceed and whether it is the half-open
// trial call.
func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil
	case Open:
		if b.now().Sub(b.lastFailureAt) < b.cooldown {
			return false, fleeterrors.New(fleeterrors.CircuitOpen, b.target)
		}
		b.state = HalfOpen
		fallthrough
	case HalfOpen:
		if b.trialInFlight {
			return false, fleeterrors.New(fleeterrors.CircuitOpen, b.target)
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, fleeterrors.Newf(fleeterrors.CircuitOpen, "%s: invalid breaker state", b.target)
}

func (b *Breaker) record(trial bool, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
		if failed {
			b.state = Open
			b.lastFailureAt = b.now()
			return
		}
		b.state = Closed
		b.consecutiveFailures = 0
		return
	}

	if failed {
		b.consecutiveFailures++
		b.lastFailureAt = b.now()
		if b.consecutiveFailures >= b.failureThreshold {
			b.state = Open
		}
		return
	}
	b.consecutiveFailures = 0
}

// Do runs fn through the breaker. When the breaker is open the call fails
// fast with a CircuitOpen error and fn is never invoked. A CircuitOpen
// failure from a nested breaker does not count against this one.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	err = fn(ctx)
	failed := err != nil && !fleeterrors.IsCode(err, fleeterrors.CircuitOpen)
	b.record(trial, failed)
	return err
}

// Group lazily creates one Breaker per target name. Used for the per-pool
// breakers, where targets come and go with the fleet.
type Group struct {
	failureThreshold int
	cooldown         time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewGroup creates a Group whose breakers share the given parameters.
func NewGroup(failureThreshold int, cooldown time.Duration) *Group {
	return &Group{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		breakers:         make(map[string]*Breaker),
	}
}

// For returns the breaker for target, creating it if necessary.
func (g *Group) For(target string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[target]
	if !ok {
		b = New(target, g.failureThreshold, g.cooldown)
		g.breakers[target] = b
	}
	return b
}

// Forget drops the breaker for target. Called when a pool is
// decommissioned.
func (g *Group) Forget(target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, target)
}
