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

package coordination

import (
	"errors"
	"fmt"
)

// ErrorCode is the error code for store errors.
type ErrorCode int

// The following is the list of error codes.
const (
	NodeExists = ErrorCode(iota)
	NoNode
	Timeout
	Interrupted
	NoImplementation
	Unavailable
	BadInput
)

// StoreError represents a coordination store error.
type StoreError struct {
	Code    ErrorCode
	Message string
}

// NewError creates a new store error.
func NewError(code ErrorCode, node string) error {
	var message string
	switch code {
	case NodeExists:
		message = "node already exists: " + node
	case NoNode:
		message = "node doesn't exist: " + node
	case Timeout:
		message = "deadline exceeded: " + node
	case Interrupted:
		message = "interrupted: " + node
	case NoImplementation:
		message = "no such coordination implementation: " + node
	case Unavailable:
		message = "store unavailable: " + node
	case BadInput:
		message = node
	default:
		message = "unknown code: " + node
	}
	return StoreError{
		Code:    code,
		Message: message,
	}
}

// Error satisfies error.
func (e StoreError) Error() string {
	return fmt.Sprintf("coordination error [%d]: %s", e.Code, e.Message)
}

// Is implements error comparison for errors.Is.
func (e StoreError) Is(target error) bool {
	if targetStore, ok := target.(*StoreError); ok {
		return e.Code == targetStore.Code
	}
	return false
}

// IsErrType reports whether err is a StoreError with the given code.
func IsErrType(err error, code ErrorCode) bool {
	var se StoreError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
