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

/*
Package etcdstore implements coordination.Conn with etcd as the backend.

We expect the following behavior from the etcd client library:

  - Get and Delete return ErrorCodeKeyNotFound if the node doesn't exist.
  - Intermediate directories are always created automatically if necessary.

We follow these conventions within this package:

  - Call convertError(err) on any errors returned from the etcd client
    library. Functions defined in this package can be assumed to have
    already converted errors as necessary.
*/
package etcdstore

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/spf13/pflag"
	"go.etcd.io/etcd/client/pkg/v3/tlsutil"
	"google.golang.org/grpc"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/fleetmux/fleetmux/go/coordination"
)

var (
	clientCertPath string
	clientKeyPath  string
	serverCaPath   string
)

var _ coordination.Conn = (*Store)(nil)

// Factory is the etcd coordination.Factory implementation.
type Factory struct{}

// Create is part of the coordination.Factory interface.
func (Factory) Create(root string, serverAddrs []string) (coordination.Conn, error) {
	return NewStore(serverAddrs, root)
}

func init() {
	coordination.RegisterFactory("etcd", Factory{})
}

// RegisterFlags registers the etcd TLS flags. Binaries that open an etcd
// store call this before parsing flags.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&clientCertPath, "store-etcd-tls-cert", clientCertPath, "path to the client cert to use to connect to the etcd coordination store, requires store-etcd-tls-key, enables TLS")
	fs.StringVar(&clientKeyPath, "store-etcd-tls-key", clientKeyPath, "path to the client key to use to connect to the etcd coordination store, enables TLS")
	fs.StringVar(&serverCaPath, "store-etcd-tls-ca", serverCaPath, "path to the ca to use to validate the server cert when connecting to the etcd coordination store")
}

// Store is the implementation of coordination.Conn for etcd.
type Store struct {
	// cli is the v3 client.
	cli *clientv3.Client

	// root is the key prefix for this store.
	root string
}

func newTLSConfig(certPath, keyPath, caPath string) (*tls.Config, error) {
	var tlscfg *tls.Config
	// If TLS is enabled, attach TLS config info.
	if certPath != "" && keyPath != "" {
		var (
			cert *tls.Certificate
			cp   *x509.CertPool
			err  error
		)

		cert, err = tlsutil.NewCert(certPath, keyPath, nil)
		if err != nil {
			return nil, err
		}

		if caPath != "" {
			cp, err = tlsutil.NewCertPool([]string{caPath})
			if err != nil {
				return nil, err
			}
		}

		tlscfg = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			RootCAs:            cp,
			InsecureSkipVerify: false,
		}
		if cert != nil {
			tlscfg.Certificates = []tls.Certificate{*cert}
		}
	}
	return tlscfg, nil
}

// NewStoreWithOpts creates a new store with the provided TLS options.
func NewStoreWithOpts(serverAddrs []string, root, certPath, keyPath, caPath string) (*Store, error) {
	config := clientv3.Config{
		Endpoints:   serverAddrs,
		DialTimeout: time.Second,
		DialOptions: []grpc.DialOption{grpc.WithBlock()}, //nolint:staticcheck
	}

	tlscfg, err := newTLSConfig(certPath, keyPath, caPath)
	if err != nil {
		return nil, err
	}

	config.TLS = tlscfg

	cli, err := clientv3.New(config)
	if err != nil {
		return nil, err
	}

	return &Store{
		cli:  cli,
		root: root,
	}, nil
}

// NewStore returns a new etcd-backed store using the process-wide TLS
// settings.
func NewStore(serverAddrs []string, root string) (*Store, error) {
	return NewStoreWithOpts(serverAddrs, root, clientCertPath, clientKeyPath, serverCaPath)
}

// Close is part of the coordination.Conn interface.
// It will nil out the client, so any attempt to re-use this store will panic.
func (s *Store) Close() error {
	if err := s.cli.Close(); err != nil {
		return err
	}
	s.cli = nil
	return nil
}
