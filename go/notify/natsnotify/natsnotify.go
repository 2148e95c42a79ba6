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

// Package natsnotify implements notify.Notifier over NATS. Each client
// subscribes to its own reconnect subject; the edge layer forwards the
// signal down the client's live connection.
package natsnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fleetmux/fleetmux/go/notify"
)

// SubjectPrefix is the subject namespace for reconnect signals. The full
// subject is SubjectPrefix + "." + clientID.
const SubjectPrefix = "fleetmux.reconnect"

// ReconnectMessage is the published payload.
type ReconnectMessage struct {
	ClientID string    `json:"client_id"`
	Endpoint string    `json:"endpoint"`
	IssuedAt time.Time `json:"issued_at"`
}

// Notifier publishes reconnect signals to NATS.
type Notifier struct {
	nc *nats.Conn
}

var _ notify.Notifier = (*Notifier)(nil)

// New connects to the NATS server at url.
func New(url string) (*Notifier, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &Notifier{nc: nc}, nil
}

// NewWithConn wraps an existing NATS connection. The caller keeps
// ownership of the connection.
func NewWithConn(nc *nats.Conn) *Notifier {
	return &Notifier{nc: nc}
}

// NotifyReconnect implements notify.Notifier.
func (n *Notifier) NotifyReconnect(ctx context.Context, clientID, newEndpoint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := ReconnectMessage{
		ClientID: clientID,
		Endpoint: newEndpoint,
		IssuedAt: time.Now(),
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(SubjectPrefix+"."+clientID, data); err != nil {
		return fmt.Errorf("publish reconnect for %s: %w", clientID, err)
	}
	return nil
}

// Close drains and closes the underlying connection when owned by this
// Notifier.
func (n *Notifier) Close() {
	if n.nc != nil && !n.nc.IsClosed() {
		n.nc.Close()
	}
}
