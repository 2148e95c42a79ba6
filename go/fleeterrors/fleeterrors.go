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

// Package fleeterrors defines the error taxonomy shared by all fleetmux
// components. Every externally observable failure carries a Code so callers
// can branch on kind instead of string-matching messages.
package fleeterrors

import (
	"errors"
	"fmt"
)

// Code classifies a fleetmux error.
type Code int

const (
	// Unknown is the zero value; it should not be constructed explicitly.
	Unknown = Code(iota)

	// PoolExhausted means a specific pool has no free slot. Recoverable by
	// selecting a different pool, never by queuing inside this one.
	PoolExhausted

	// NoAvailablePool means no pool in the fleet meets the selection
	// criteria. Surfaced to the caller as a capacity-exhaustion signal.
	NoAvailablePool

	// CircuitOpen means the target is breakered off. Transient; retry after
	// backoff or fail the request on the admission hot path.
	CircuitOpen

	// MigrationFailed means a connection could not be moved during failover
	// after retries. The connection is dropped; the client must reconnect.
	MigrationFailed

	// RegistryUnavailable means the coordination store is unreachable.
	// Selection degrades to the last known-good snapshot.
	RegistryUnavailable

	// Timeout means a bounded operation did not complete in time.
	Timeout

	// Interrupted means the operation was cancelled before completing.
	Interrupted

	// BadInput means the caller supplied invalid arguments.
	BadInput
)

// FleetError is a typed error with a Code.
type FleetError struct {
	Code    Code
	Message string
}

// New creates a FleetError for the given code and subject.
func New(code Code, subject string) error {
	var message string
	switch code {
	case PoolExhausted:
		message = "pool exhausted: " + subject
	case NoAvailablePool:
		message = "no available pool: " + subject
	case CircuitOpen:
		message = "circuit open: " + subject
	case MigrationFailed:
		message = "migration failed: " + subject
	case RegistryUnavailable:
		message = "registry unavailable: " + subject
	case Timeout:
		message = "deadline exceeded: " + subject
	case Interrupted:
		message = "interrupted: " + subject
	case BadInput:
		message = subject
	default:
		message = "unknown code: " + subject
	}
	return FleetError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a FleetError with a formatted subject.
func Newf(code Code, format string, args ...any) error {
	return New(code, fmt.Sprintf(format, args...))
}

// Error satisfies error.
func (e FleetError) Error() string {
	return fmt.Sprintf("fleetmux error [%d]: %s", e.Code, e.Message)
}

// Is implements error comparison for errors.Is.
func (e FleetError) Is(target error) bool {
	if targetFleet, ok := target.(*FleetError); ok {
		return e.Code == targetFleet.Code
	}
	return false
}

// IsCode reports whether err (or anything it wraps) is a FleetError with the
// given code.
func IsCode(err error, code Code) bool {
	var fe FleetError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// CodeOf returns the code of err, or Unknown if err is not a FleetError.
func CodeOf(err error) Code {
	var fe FleetError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Unknown
}
