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
	"path"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/fleetmux/fleetmux/go/coordination"
)

// counterRetries bounds the compare-and-swap loop in Add. Contention on a
// single pool's counter is low (one owner process plus the failover
// manager), so conflicts beyond a handful indicate something broken.
const counterRetries = 8

// Put is part of the coordination.Conn interface.
// A non-zero ttl is implemented with a fresh lease per write: the new write
// carries a new lease, and the previous lease expires without effect because
// the key no longer references it. That gives refresh-on-upsert semantics
// without keepalive goroutines.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	nodePath := path.Join(s.root, key)

	var opts []clientv3.OpOption
	if ttl > 0 {
		lease, err := s.cli.Grant(ctx, int64(ttl.Seconds()))
		if err != nil {
			return convertError(err, nodePath)
		}
		opts = append(opts, clientv3.WithLease(lease.ID))
	}

	if _, err := s.cli.Put(ctx, nodePath, string(value), opts...); err != nil {
		return convertError(err, nodePath)
	}
	return nil
}

// Get is part of the coordination.Conn interface.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	nodePath := path.Join(s.root, key)

	resp, err := s.cli.Get(ctx, nodePath)
	if err != nil {
		return nil, convertError(err, nodePath)
	}
	if len(resp.Kvs) != 1 {
		return nil, coordination.NewError(coordination.NoNode, nodePath)
	}
	return resp.Kvs[0].Value, nil
}

// List is part of the coordination.Conn interface.
func (s *Store) List(ctx context.Context, prefix string) ([]coordination.KV, error) {
	nodePathPrefix := path.Join(s.root, prefix) + "/"

	resp, err := s.cli.Get(ctx, nodePathPrefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, convertError(err, nodePathPrefix)
	}
	if len(resp.Kvs) == 0 {
		return nil, coordination.NewError(coordination.NoNode, nodePathPrefix)
	}

	results := make([]coordination.KV, len(resp.Kvs))
	for n, kv := range resp.Kvs {
		results[n] = coordination.KV{
			// Strip the root so callers see the same keys they wrote.
			Key:   strippedKey(string(kv.Key), s.root),
			Value: kv.Value,
		}
	}
	return results, nil
}

func strippedKey(fullPath, root string) string {
	rel, err := relPath(fullPath, root)
	if err != nil {
		return fullPath
	}
	return rel
}

func relPath(fullPath, root string) (string, error) {
	if root == "" || root == "/" {
		return fullPath, nil
	}
	prefix := root
	if prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	if len(fullPath) > len(prefix) && fullPath[:len(prefix)] == prefix {
		return fullPath[len(prefix):], nil
	}
	return "", coordination.NewError(coordination.BadInput, "key "+fullPath+" outside root "+root)
}

// Add is part of the coordination.Conn interface.
// Counters are plain decimal values updated through a compare-and-swap
// transaction on the key's mod revision.
func (s *Store) Add(ctx context.Context, key string, delta int64) (int64, error) {
	nodePath := path.Join(s.root, key)

	for range counterRetries {
		resp, err := s.cli.Get(ctx, nodePath)
		if err != nil {
			return 0, convertError(err, nodePath)
		}

		var current int64
		var cmp clientv3.Cmp
		if len(resp.Kvs) == 0 {
			// Key absent: the transaction only succeeds if it is still
			// absent at commit time.
			cmp = clientv3.Compare(clientv3.Version(nodePath), "=", 0)
		} else {
			current, err = strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
			if err != nil {
				return 0, coordination.NewError(coordination.BadInput, "counter "+nodePath+" holds non-integer value")
			}
			cmp = clientv3.Compare(clientv3.ModRevision(nodePath), "=", resp.Kvs[0].ModRevision)
		}

		next := current + delta
		if next < 0 {
			next = 0
		}

		txnresp, err := s.cli.Txn(ctx).
			If(cmp).
			Then(clientv3.OpPut(nodePath, strconv.FormatInt(next, 10))).
			Commit()
		if err != nil {
			return 0, convertError(err, nodePath)
		}
		if txnresp.Succeeded {
			return next, nil
		}
		// Lost the race; re-read and retry.
	}
	return 0, coordination.NewError(coordination.Interrupted, "counter contention on "+nodePath)
}

// Delete is part of the coordination.Conn interface.
func (s *Store) Delete(ctx context.Context, key string) error {
	nodePath := path.Join(s.root, key)

	resp, err := s.cli.Delete(ctx, nodePath)
	if err != nil {
		return convertError(err, nodePath)
	}
	if resp.Deleted != 1 {
		return coordination.NewError(coordination.NoNode, nodePath)
	}
	return nil
}
