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

package notify

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierFunc(t *testing.T) {
	var gotClient, gotEndpoint string
	n := NotifierFunc(func(ctx context.Context, clientID, newEndpoint string) error {
		gotClient, gotEndpoint = clientID, newEndpoint
		return nil
	})

	require.NoError(t, n.NotifyReconnect(t.Context(), "client-1", "ws://b.example.com/ws"))
	assert.Equal(t, "client-1", gotClient)
	assert.Equal(t, "ws://b.example.com/ws", gotEndpoint)
}

func TestLogNotifier(t *testing.T) {
	n := &LogNotifier{Logger: slog.Default()}
	assert.NoError(t, n.NotifyReconnect(t.Context(), "client-1", "ws://b.example.com/ws"))
}
