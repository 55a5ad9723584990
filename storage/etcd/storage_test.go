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
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/quotagate/quotagate/storage"
	"github.com/quotagate/quotagate/storage/testonly"
	etcdtest "github.com/quotagate/quotagate/testonly/integration/etcd"
	"github.com/quotagate/quotagate/util/flagsaver"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var client *clientv3.Client

func TestStorage(t *testing.T) {
	n := 0
	testonly.RunStorageTests(t, func(t *testing.T) testonly.Storage {
		n++
		return New(client, fmt.Sprintf("test-%d/", n))
	})
}

func TestPrefixesAreIsolated(t *testing.T) {
	ctx := context.Background()
	a, b := New(client, "isolated-a/"), New(client, "isolated-b/")
	if err := a.SetTenantPlan(ctx, "acme", "premium"); err != nil {
		t.Fatalf("SetTenantPlan()=%v", err)
	}
	if err := a.CreateRule(ctx, testonly.Rule("r1", nil)); err != nil {
		t.Fatalf("CreateRule()=%v", err)
	}
	if _, err := b.TenantPlan(ctx, "acme"); err == nil {
		t.Error("TenantPlan() under another prefix: got nil err")
	}
	if err := b.CreateRule(ctx, testonly.Rule("r1", nil)); err != nil {
		t.Errorf("CreateRule() under another prefix=%v", err)
	}
}

func TestMain(m *testing.M) {
	_, c, cleanup, err := etcdtest.StartEtcd()
	if err != nil {
		panic(fmt.Sprintf("StartEtcd(): %v", err))
	}
	client = c
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func TestProvider(t *testing.T) {
	flagsaver.Set(t, "etcd_servers", strings.Join(client.Endpoints(), ","), "etcd_prefix", "provider/")
	p, err := storage.NewProvider("etcd", nil)
	if err != nil {
		t.Fatalf("NewProvider(etcd)=%v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.AdminStorage().SetTenantPlan(ctx, "acme", "enterprise"); err != nil {
		t.Fatalf("SetTenantPlan()=%v", err)
	}
	plan, err := New(client, "provider/").TenantPlan(ctx, "acme")
	if err != nil || plan != "enterprise" {
		t.Errorf("TenantPlan()=%q, %v; want \"enterprise\", nil", plan, err)
	}
}

func TestProviderNeedsServers(t *testing.T) {
	flagsaver.Set(t, "etcd_servers", "")
	if _, err := storage.NewProvider("etcd", nil); err == nil {
		t.Error("NewProvider(etcd) without servers: got nil err")
	}
}
