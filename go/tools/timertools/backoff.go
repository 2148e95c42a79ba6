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

// Package timertools provides timer helpers.
package timertools

import (
	"math/rand/v2"
	"sync"
	"time"
)

// BackoffTicker is similar to time.Ticker but with exponential backoff:
// the first tick arrives after the initial delay, and each subsequent
// interval doubles up to the maximum. 10% jitter is applied to every
// interval so tickers created together do not stay synchronized.
type BackoffTicker struct {
	C chan time.Time // ticks are delivered here

	mu           sync.Mutex
	timer        *time.Timer
	initialDelay time.Duration
	maxDelay     time.Duration
	currentDelay time.Duration
	stopped      bool
}

// NewBackoffTicker creates a BackoffTicker. Panics if initialDelay is not
// positive or maxDelay is less than initialDelay.
func NewBackoffTicker(initialDelay, maxDelay time.Duration) *BackoffTicker {
	if initialDelay <= 0 {
		panic("timertools: non-positive initial delay for NewBackoffTicker")
	}
	if maxDelay < initialDelay {
		panic("timertools: maxDelay must be >= initialDelay")
	}

	bt := &BackoffTicker{
		C:            make(chan time.Time, 1),
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		currentDelay: initialDelay,
	}

	// Hold the lock while scheduling: time.AfterFunc calls back into
	// bt.tick, which touches bt.timer.
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.schedule()
	return bt
}

// Stop turns the ticker off. The channel is not closed, so a concurrent
// reader never sees a spurious tick.
func (bt *BackoffTicker) Stop() {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if bt.stopped {
		return
	}
	bt.stopped = true
	if bt.timer != nil {
		bt.timer.Stop()
		bt.timer = nil
	}
}

// Reset restarts the backoff sequence from the initial delay.
func (bt *BackoffTicker) Reset() {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if bt.stopped {
		return
	}
	bt.currentDelay = bt.initialDelay
	if bt.timer != nil {
		bt.timer.Stop()
	}
	bt.schedule()
}

// schedule arms the next timer. Must be called with mu held.
func (bt *BackoffTicker) schedule() {
	// delay in [0.9, 1.1] * currentDelay
	jitter := 0.9 + 0.2*rand.Float64()
	delay := time.Duration(float64(bt.currentDelay) * jitter)
	bt.timer = time.AfterFunc(delay, bt.tick)
}

func (bt *BackoffTicker) tick() {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if bt.stopped {
		return
	}

	// Non-blocking send: a slow reader drops ticks instead of stalling
	// the timer goroutine.
	select {
	case bt.C <- time.Now():
	default:
	}

	bt.currentDelay *= 2
	if bt.currentDelay > bt.maxDelay {
		bt.currentDelay = bt.maxDelay
	}
	bt.schedule()
}
