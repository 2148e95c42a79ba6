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

package pool

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultProbeTimeout bounds one liveness probe.
const DefaultProbeTimeout = 5 * time.Second

// Probe determines liveness of one connection endpoint. Implementations
// must honor the context deadline; the pool always supplies one.
type Probe interface {
	Check(ctx context.Context, endpoint string) error
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, endpoint string) error

// Check implements Probe.
func (f ProbeFunc) Check(ctx context.Context, endpoint string) error {
	return f(ctx, endpoint)
}

// WebSocketProbe checks a WebSocket endpoint by completing a handshake and
// exchanging a control ping. It holds no connection between checks.
type WebSocketProbe struct {
	dialer *websocket.Dialer

	// Header is sent with the handshake request. Optional.
	Header http.Header
}

// NewWebSocketProbe creates a WebSocketProbe with a handshake-capable
// dialer.
func NewWebSocketProbe() *WebSocketProbe {
	return &WebSocketProbe{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultProbeTimeout,
		},
	}
}

// Check implements Probe.
func (p *WebSocketProbe) Check(ctx context.Context, endpoint string) error {
	conn, _, err := p.dialer.DialContext(ctx, endpoint, p.Header)
	if err != nil {
		return fmt.Errorf("probe dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultProbeTimeout)
	}

	pong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pong <- struct{}{}:
		default:
		}
		return nil
	})

	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("probe ping %s: %w", endpoint, err)
	}

	// The pong handler only fires from within a read.
	_ = conn.SetReadDeadline(deadline)
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pong:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("probe %s: %w", endpoint, ctx.Err())
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("probe %s: no pong before deadline", endpoint)
	}
}
