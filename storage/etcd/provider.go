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

package etcd

import (
	"errors"
	"flag"
	"fmt"

	"github.com/quotagate/quotagate/monitoring"
	"github.com/quotagate/quotagate/rules"
	"github.com/quotagate/quotagate/storage"
	"github.com/quotagate/quotagate/tier"
	etcdutil "github.com/quotagate/quotagate/util/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"
	"k8s.io/klog/v2"
)

var (
	etcdServers = flag.String("etcd_servers", "", "A comma-separated list of etcd servers")
	etcdPrefix  = flag.String("etcd_prefix", "quotagate/", "Prefix of all keys read and written in etcd")
	etcdTimeout = flag.Duration("etcd_timeout", etcdutil.DefaultTimeout, "Timeout of connecting to etcd")
)

func init() {
	if err := storage.RegisterProvider("etcd", newEtcdStorageProvider); err != nil {
		klog.Fatalf("Failed to register storage provider etcd: %v", err)
	}
}

type etcdProvider struct {
	client *clientv3.Client
	s      *Storage
}

func newEtcdStorageProvider(_ monitoring.MetricFactory) (storage.Provider, error) {
	client, err := etcdutil.NewClient(*etcdServers, *etcdTimeout)
	if client == nil && err == nil {
		return nil, errors.New("--etcd_servers is required by the etcd storage provider")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd at %v: %w", *etcdServers, err)
	}
	klog.Infof("Using etcd storage at %v under %q", *etcdServers, *etcdPrefix)
	return &etcdProvider{client: client, s: New(client, *etcdPrefix)}, nil
}

func (p *etcdProvider) RuleStorage() rules.Storage { return p.s }

func (p *etcdProvider) PlanSource() tier.PlanSource { return p.s }

func (p *etcdProvider) AdminStorage() storage.AdminStorage { return p.s }

func (p *etcdProvider) Close() error { return p.client.Close() }
