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

// Package etcd holds helpers for connecting to etcd.
package etcd

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultTimeout bounds connecting to etcd and the first status check.
const DefaultTimeout = 5 * time.Second

// Endpoints splits a comma-separated list of etcd servers, dropping blank
// entries.
func Endpoints(servers string) []string {
	var eps []string
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			eps = append(eps, s)
		}
	}
	return eps
}

// NewClient returns a client of the etcd cluster listed in servers, or nil if
// the list is empty. It fails unless one of the servers answers a status
// request; each server gets timeout to answer, zero means DefaultTimeout.
func NewClient(servers string, timeout time.Duration) (*clientv3.Client, error) {
	eps := Endpoints(servers)
	if len(eps) == 0 {
		return nil, nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c, err := clientv3.New(clientv3.Config{Endpoints: eps, DialTimeout: timeout})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ep := range eps {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_, lastErr = c.Status(ctx, ep)
		cancel()
		if lastErr == nil {
			return c, nil
		}
	}
	c.Close()
	return nil, fmt.Errorf("no etcd server of %v answered: %w", eps, lastErr)
}
