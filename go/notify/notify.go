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

// Package notify carries the "reconnect to pool X" signal to clients during
// migration. Delivery guarantees belong to the transport behind the
// interface; fleetmux only requires that a notified client eventually
// reconnect or time out of the draining pool.
package notify

import (
	"context"
	"log/slog"
)

// Notifier tells one client to re-establish its connection against a new
// endpoint.
type Notifier interface {
	NotifyReconnect(ctx context.Context, clientID, newEndpoint string) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, clientID, newEndpoint string) error

// NotifyReconnect implements Notifier.
func (f NotifierFunc) NotifyReconnect(ctx context.Context, clientID, newEndpoint string) error {
	return f(ctx, clientID, newEndpoint)
}

// LogNotifier records reconnect signals to the log and delivers nothing.
// Useful in tests and in deployments where the edge layer polls the
// registry itself.
type LogNotifier struct {
	Logger *slog.Logger
}

// NotifyReconnect implements Notifier.
func (n LogNotifier) NotifyReconnect(ctx context.Context, clientID, newEndpoint string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "reconnect signal",
		"client_id", clientID,
		"endpoint", newEndpoint,
	)
	return nil
}
