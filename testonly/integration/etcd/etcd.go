// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package etcd contains a helper to start an embedded etcd server for tests.
package etcd

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

const (
	// MaxEtcdStartAttempts is the max number of start attempts made before it fails.
	MaxEtcdStartAttempts = 3

	defaultTimeout = 5 * time.Second
	tempDirPrefix  = "quotagate-etcd-"
)

// StartEtcd starts an embedded etcd on random local ports and returns it
// with a connected client. The returned cleanup func closes both and removes
// the data directory; it must always be called.
func StartEtcd() (e *embed.Etcd, c *clientv3.Client, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", tempDirPrefix)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup = func() {
		if c != nil {
			c.Close()
		}
		if e != nil {
			e.Close()
		}
		os.RemoveAll(dir)
	}

	for i := 0; i < MaxEtcdStartAttempts; i++ {
		e, err = tryStartEtcd(dir)
		if err == nil || !strings.Contains(err.Error(), "address already in use") {
			break
		}
	}
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("failed to start etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(defaultTimeout):
		cleanup()
		return nil, nil, nil, errors.New("timed out waiting for etcd to start")
	}

	c, err = clientv3.New(clientv3.Config{
		Endpoints:   []string{e.Config().ListenClientUrls[0].String()},
		DialTimeout: defaultTimeout,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return e, c, cleanup, nil
}

func freeURL() (*url.URL, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return url.Parse("http://" + l.Addr().String())
}

func tryStartEtcd(dir string) (*embed.Etcd, error) {
	clientURL, err := freeURL()
	if err != nil {
		return nil, err
	}
	peerURL, err := freeURL()
	if err != nil {
		return nil, err
	}

	cfg := embed.NewConfig()
	cfg.Dir = dir
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.InitialCluster = fmt.Sprintf("%s=%v", cfg.Name, peerURL)
	cfg.Logger = "zap"
	cfg.LogLevel = "error"
	return embed.StartEtcd(cfg)
}
