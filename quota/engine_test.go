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

package quota_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/quotagate/quotagate/monitoring"
	"github.com/quotagate/quotagate/quota"
	"github.com/quotagate/quotagate/quota/localtb"
	"github.com/quotagate/quotagate/quota/redis/redistb"
	"github.com/quotagate/quotagate/util/clock"
	"github.com/redis/go-redis/v9"
)

var (
	start  = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	params = quota.Params{Limit: 60, Burst: 5, RefillPerSecond: 1}
)

// flakyStore wraps a Store and fails while down is set.
type flakyStore struct {
	quota.Store

	mu      sync.Mutex
	down    bool
	updates int
	pings   int
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyStore) Update(ctx context.Context, key string, ttl time.Duration, fn quota.UpdateFunc) error {
	f.mu.Lock()
	f.updates++
	down := f.down
	f.mu.Unlock()
	if down {
		return errors.New("connection refused")
	}
	return f.Store.Update(ctx, key, ttl, fn)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.down {
		return errors.New("connection refused")
	}
	return nil
}

func (f *flakyStore) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates, f.pings
}

func TestEngineRemote(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ts := clock.NewFake(start)
	e, err := quota.NewEngine(quota.EngineOptions{
		Remote:     redistb.New(rdb, "admission/"),
		Local:      localtb.New(ts, 0),
		TimeSource: ts,
	})
	if err != nil {
		t.Fatalf("NewEngine()=%v", err)
	}

	for i := 0; i < params.Burst; i++ {
		res, err := e.CheckAndConsume(ctx, "tenants/acme/minute", params)
		if err != nil {
			t.Fatalf("CheckAndConsume()=%v", err)
		}
		want := quota.Result{Allowed: true, Remaining: params.Burst - 1 - i, Limit: 60, ResetAt: start.Add(time.Hour), Backend: quota.BackendRemote}
		if diff := cmp.Diff(want, res); diff != "" {
			t.Fatalf("check %d diff (-want +got):\n%s", i, diff)
		}
	}
	res, err := e.CheckAndConsume(ctx, "tenants/acme/minute", params)
	if err != nil {
		t.Fatalf("CheckAndConsume()=%v", err)
	}
	if res.Allowed || res.RetryAfter != time.Second {
		t.Errorf("CheckAndConsume() on empty bucket=%+v; want denied with 1s retry", res)
	}
	if !mr.Exists("admission/tenants/acme/minute") {
		t.Error("bucket not stored in Redis")
	}
}

func TestEngineFallbackAndRecovery(t *testing.T) {
	ctx := context.Background()
	ts := clock.NewFake(start)
	remote := &flakyStore{Store: localtb.New(ts, 0)}
	local := localtb.New(ts, 0)
	mf := monitoring.InertMetricFactory{}
	e, err := quota.NewEngine(quota.EngineOptions{
		Remote:        remote,
		Local:         local,
		ProbeInterval: 30 * time.Second,
		TimeSource:    ts,
		MetricFactory: mf,
	})
	if err != nil {
		t.Fatalf("NewEngine()=%v", err)
	}

	remote.setDown(true)
	res, err := e.CheckAndConsume(ctx, "k", params)
	if err != nil {
		t.Fatalf("CheckAndConsume()=%v", err)
	}
	if !res.Allowed || res.Backend != quota.BackendLocal {
		t.Errorf("CheckAndConsume() with remote down=%+v; want allowed by local", res)
	}
	if e.RemoteAvailable() {
		t.Error("RemoteAvailable()=true after remote failure")
	}

	// Within the probe interval the remote store is not touched at all.
	for i := 0; i < 3; i++ {
		ts.Advance(time.Second)
		if _, err := e.CheckAndConsume(ctx, "k", params); err != nil {
			t.Fatalf("CheckAndConsume()=%v", err)
		}
	}
	if updates, pings := remote.counts(); updates != 1 || pings != 0 {
		t.Errorf("remote updates=%d pings=%d; want 1 and 0", updates, pings)
	}

	// A due probe that fails keeps the engine local.
	ts.Advance(30 * time.Second)
	if res, _ := e.CheckAndConsume(ctx, "k", params); res.Backend != quota.BackendLocal {
		t.Errorf("Backend=%q; want %q", res.Backend, quota.BackendLocal)
	}
	if _, pings := remote.counts(); pings != 1 {
		t.Errorf("pings=%d; want 1", pings)
	}

	remote.setDown(false)
	ts.Advance(10 * time.Second)
	if res, _ := e.CheckAndConsume(ctx, "k", params); res.Backend != quota.BackendLocal {
		t.Errorf("Backend before next probe=%q; want %q", res.Backend, quota.BackendLocal)
	}
	ts.Advance(30 * time.Second)
	res, err = e.CheckAndConsume(ctx, "k", params)
	if err != nil {
		t.Fatalf("CheckAndConsume()=%v", err)
	}
	if res.Backend != quota.BackendRemote || !e.RemoteAvailable() {
		t.Errorf("after recovery Backend=%q available=%v; want remote", res.Backend, e.RemoteAvailable())
	}
}

func TestEngineLocalOnly(t *testing.T) {
	ts := clock.NewFake(start)
	e, err := quota.NewEngine(quota.EngineOptions{Local: localtb.New(ts, 0), TimeSource: ts})
	if err != nil {
		t.Fatalf("NewEngine()=%v", err)
	}
	res, err := e.CheckAndConsume(context.Background(), "k", params)
	if err != nil || res.Backend != quota.BackendLocal {
		t.Errorf("CheckAndConsume()=%+v, %v; want local decision", res, err)
	}
	if e.RemoteAvailable() {
		t.Error("RemoteAvailable()=true without a remote store")
	}
}

func TestEngineErrors(t *testing.T) {
	if _, err := quota.NewEngine(quota.EngineOptions{}); err == nil {
		t.Error("NewEngine() without a local store succeeded")
	}

	ts := clock.NewFake(start)
	remote := &flakyStore{Store: localtb.New(ts, 0)}
	e, err := quota.NewEngine(quota.EngineOptions{Remote: remote, Local: localtb.New(ts, 0), TimeSource: ts})
	if err != nil {
		t.Fatalf("NewEngine()=%v", err)
	}
	if _, err := e.CheckAndConsume(context.Background(), "k", quota.Params{Limit: 1}); err == nil {
		t.Error("CheckAndConsume() with zero burst succeeded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.CheckAndConsume(ctx, "k", params); !errors.Is(err, context.Canceled) {
		t.Errorf("CheckAndConsume() on canceled context=%v; want %v", err, context.Canceled)
	}
	if !e.RemoteAvailable() {
		t.Error("caller cancellation marked the remote store unavailable")
	}
}

func TestEngineRemoteConcurrent(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	e, err := quota.NewEngine(quota.EngineOptions{
		Remote: redistb.New(rdb, "admission/"),
		Local:  localtb.New(clock.System, 0),
	})
	if err != nil {
		t.Fatalf("NewEngine()=%v", err)
	}
	p := quota.Params{Limit: 5, Burst: 5, RefillPerSecond: 0.001}
	const callers = 64

	var mu sync.Mutex
	allowed, local := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.CheckAndConsume(context.Background(), "tenants/acme/minute", p)
			if err != nil {
				t.Errorf("CheckAndConsume()=%v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Allowed {
				allowed++
			}
			if res.Backend != quota.BackendRemote {
				local++
			}
		}()
	}
	wg.Wait()
	if allowed != p.Burst {
		t.Errorf("allowed=%d; want %d", allowed, p.Burst)
	}
	if local != 0 {
		t.Errorf("%d checks decided by the local store; want 0", local)
	}
	if !e.RemoteAvailable() {
		t.Error("RemoteAvailable()=false after concurrent checks")
	}
}

// contendedStore loses every update race.
type contendedStore struct{}

func (contendedStore) Update(context.Context, string, time.Duration, quota.UpdateFunc) error {
	return quota.ErrContention
}

func TestEngineContentionKeepsRemote(t *testing.T) {
	ts := clock.NewFake(start)
	local := localtb.New(ts, 0)
	e, err := quota.NewEngine(quota.EngineOptions{Remote: contendedStore{}, Local: local, TimeSource: ts})
	if err != nil {
		t.Fatalf("NewEngine()=%v", err)
	}
	if _, err := e.CheckAndConsume(context.Background(), "k", params); !errors.Is(err, quota.ErrContention) {
		t.Errorf("CheckAndConsume()=%v; want %v", err, quota.ErrContention)
	}
	if !e.RemoteAvailable() {
		t.Error("contention marked the remote store unavailable")
	}
	if n := local.Len(); n != 0 {
		t.Errorf("local store holds %d buckets; want 0", n)
	}
}

// TestBackendEquivalence runs the same sequence of checks against the Redis
// store and the local store and expects identical decisions.
func TestBackendEquivalence(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	p := quota.Params{Limit: 100, Burst: 4, RefillPerSecond: 0.4}
	offsets := []time.Duration{0, 0, 0, 0, 0, time.Second, 2500 * time.Millisecond, 3 * time.Second, 10 * time.Second,
		10 * time.Second, 11 * time.Second, 30 * time.Minute, 61 * time.Minute, 61 * time.Minute}

	run := func(remote quota.Store, ts *clock.FakeTimeSource) []quota.Result {
		e, err := quota.NewEngine(quota.EngineOptions{Remote: remote, Local: localtb.New(ts, 0), TimeSource: ts, RemoteTimeout: 5 * time.Second})
		if err != nil {
			t.Fatalf("NewEngine()=%v", err)
		}
		var got []quota.Result
		for _, off := range offsets {
			ts.Set(start.Add(off))
			res, err := e.CheckAndConsume(ctx, "equivalence", p)
			if err != nil {
				t.Fatalf("CheckAndConsume()=%v", err)
			}
			got = append(got, res)
		}
		return got
	}

	ignoreBackend := cmpopts.IgnoreFields(quota.Result{}, "Backend")
	redisTS, localTS := clock.NewFake(start), clock.NewFake(start)
	fromRedis := run(redistb.New(rdb, "eq/"), redisTS)
	fromLocal := run(localtb.New(localTS, 0), localTS)
	if diff := cmp.Diff(fromLocal, fromRedis, ignoreBackend); diff != "" {
		t.Errorf("redis and local decisions differ (-local +redis):\n%s", diff)
	}
}
