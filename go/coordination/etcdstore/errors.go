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

package etcdstore

import (
	"context"
	"errors"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"

	"github.com/fleetmux/fleetmux/go/coordination"
)

// convertError converts an etcd client error into a typed coordination
// error. Every etcd client call in this package passes its error through
// here.
func convertError(err error, nodePath string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, rpctypes.ErrKeyNotFound):
		return coordination.NewError(coordination.NoNode, nodePath)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, rpctypes.ErrTimeout), errors.Is(err, rpctypes.ErrTimeoutDueToLeaderFail):
		return coordination.NewError(coordination.Timeout, nodePath)
	case errors.Is(err, context.Canceled):
		return coordination.NewError(coordination.Interrupted, nodePath)
	default:
		return coordination.NewError(coordination.Unavailable, nodePath+": "+err.Error())
	}
}
