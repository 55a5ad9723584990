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
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	etcdtest "github.com/quotagate/quotagate/testonly/integration/etcd"
)

func TestEndpoints(t *testing.T) {
	for _, test := range []struct {
		servers string
		want    []string
	}{
		{servers: "", want: nil},
		{servers: " , ", want: nil},
		{servers: "http://a:2379", want: []string{"http://a:2379"}},
		{servers: "http://a:2379, http://b:2379,", want: []string{"http://a:2379", "http://b:2379"}},
	} {
		if diff := cmp.Diff(test.want, Endpoints(test.servers)); diff != "" {
			t.Errorf("Endpoints(%q) diff (-want +got):\n%s", test.servers, diff)
		}
	}
}

func TestNewClientWithoutServers(t *testing.T) {
	c, err := NewClient(" ", 0)
	if err != nil || c != nil {
		t.Errorf("NewClient(\" \")=%v, %v; want nil, nil", c, err)
	}
}

func TestNewClient(t *testing.T) {
	_, running, cleanup, err := etcdtest.StartEtcd()
	if err != nil {
		t.Fatalf("StartEtcd()=%v", err)
	}
	defer cleanup()

	// A dead server ahead of a live one is skipped.
	servers := "http://127.0.0.1:1," + strings.Join(running.Endpoints(), ",")
	c, err := NewClient(servers, time.Second)
	if err != nil {
		t.Fatalf("NewClient(%q)=%v", servers, err)
	}
	c.Close()
}

func TestNewClientUnreachable(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", 100*time.Millisecond)
	if err == nil {
		c.Close()
		t.Fatal("NewClient() of an unreachable server succeeded")
	}
}
