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

// Package retry provides exponential backoff with full jitter for retry
// loops.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Retry manages exponential backoff state for a retry loop.
//
// Example usage:
//
//	r := retry.New(100*time.Millisecond, 30*time.Second)
//	for {
//	    if err := r.StartAttempt(ctx); err != nil {
//	        return err // context cancelled or timed out
//	    }
//	    if err := operation(); err == nil {
//	        return nil
//	    }
//	    // next iteration backs off
//	}
type Retry struct {
	baseDelay    time.Duration
	maxDelay     time.Duration
	initialDelay bool

	attempt int
	// delays is the number of backoff steps taken since the last Reset.
	delays int

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Retry.
type Option func(*Retry)

// WithInitialDelay makes the first StartAttempt wait before returning.
// Use it when the caller has already tried once.
func WithInitialDelay() Option {
	return func(r *Retry) { r.initialDelay = true }
}

// New creates a Retry. Delay before attempt n is drawn uniformly from
// [0, min(maxDelay, baseDelay << n)] (full jitter). Panics on invalid
// parameters, which represent coding errors.
func New(baseDelay, maxDelay time.Duration, opts ...Option) *Retry {
	if baseDelay <= 0 || maxDelay <= 0 || baseDelay > maxDelay {
		panic("retry: invalid delay parameters")
	}
	r := &Retry{
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextDelay computes the backoff for the current step with full jitter.
func (r *Retry) nextDelay() time.Duration {
	delay := r.baseDelay
	for range r.delays {
		delay *= 2
		if delay >= r.maxDelay {
			delay = r.maxDelay
			break
		}
	}
	r.delays++
	return rand.N(delay + 1)
}

// StartAttempt waits for the backoff delay and then returns nil, telling the
// caller to proceed with the next attempt. On the first call it returns
// immediately unless WithInitialDelay was configured. Returns the context's
// error if the wait is interrupted.
func (r *Retry) StartAttempt(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.attempt > 0 || r.initialDelay {
		if err := r.sleep(ctx, r.nextDelay()); err != nil {
			return err
		}
	}
	r.attempt++
	return nil
}

// Attempt returns the 1-indexed attempt number after the first StartAttempt.
func (r *Retry) Attempt() int {
	return r.attempt
}

// Reset restarts the backoff sequence from the base delay. The attempt
// counter keeps incrementing monotonically.
func (r *Retry) Reset() {
	r.delays = 0
}

// Attempts returns an iterator for range-based retry loops. It yields
// (attempt, nil) for each attempt, or (attempt, ctx error) once the context
// is done, which is the final iteration.
func (r *Retry) Attempts(ctx context.Context) func(yield func(int, error) bool) {
	return func(yield func(int, error) bool) {
		for {
			err := r.StartAttempt(ctx)
			if !yield(r.attempt, err) || err != nil {
				return
			}
		}
	}
}
