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

package fleeterrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessages(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{PoolExhausted, "fleetmux error [1]: pool exhausted: pool-a"},
		{NoAvailablePool, "fleetmux error [2]: no available pool: pool-a"},
		{CircuitOpen, "fleetmux error [3]: circuit open: pool-a"},
		{MigrationFailed, "fleetmux error [4]: migration failed: pool-a"},
		{RegistryUnavailable, "fleetmux error [5]: registry unavailable: pool-a"},
		{Timeout, "fleetmux error [6]: deadline exceeded: pool-a"},
		{Interrupted, "fleetmux error [7]: interrupted: pool-a"},
		{BadInput, "fleetmux error [8]: pool-a"},
	}
	for _, tt := range tests {
		err := New(tt.code, "pool-a")
		assert.Equal(t, tt.want, err.Error())
	}
}

func TestIsCode(t *testing.T) {
	err := New(PoolExhausted, "pool-a")
	assert.True(t, IsCode(err, PoolExhausted))
	assert.False(t, IsCode(err, NoAvailablePool))

	// Wrapped errors still match on code.
	wrapped := fmt.Errorf("acquire: %w", err)
	assert.True(t, IsCode(wrapped, PoolExhausted))

	assert.False(t, IsCode(errors.New("plain"), PoolExhausted))
	assert.False(t, IsCode(nil, PoolExhausted))
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, Timeout, CodeOf(New(Timeout, "op")))
	require.Equal(t, Unknown, CodeOf(errors.New("plain")))
	require.Equal(t, Unknown, CodeOf(nil))
}

func TestErrorsIs(t *testing.T) {
	err := New(CircuitOpen, "pool-a")
	target := New(CircuitOpen, "different subject").(FleetError)
	assert.True(t, errors.Is(err, &target))

	other := New(Timeout, "op").(FleetError)
	assert.False(t, errors.Is(err, &other))
}
