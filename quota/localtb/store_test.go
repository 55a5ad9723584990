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

package localtb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/quotagate/quotagate/quota"
	"github.com/quotagate/quotagate/util/clock"
)

var start = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func increment(cur quota.State, found bool) quota.State {
	if !found {
		cur = quota.State{}
	}
	cur.Tokens++
	return cur
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	ts := clock.NewFake(start)
	s := New(ts, 0)

	var founds []bool
	fn := func(cur quota.State, found bool) quota.State {
		founds = append(founds, found)
		return increment(cur, found)
	}
	for i := 0; i < 3; i++ {
		if err := s.Update(ctx, "k", time.Minute, fn); err != nil {
			t.Fatalf("Update()=%v", err)
		}
	}
	if diff := cmp.Diff([]bool{false, true, true}, founds); diff != "" {
		t.Errorf("found sequence diff (-want +got):\n%s", diff)
	}
	got, ok := s.Get("k")
	if !ok || got.Tokens != 3 {
		t.Errorf("Get()=%+v, %v; want 3 tokens", got, ok)
	}

	ts.Advance(time.Minute)
	if _, ok := s.Get("k"); ok {
		t.Error("Get() returned an expired bucket")
	}
	if err := s.Update(ctx, "k", time.Minute, fn); err != nil {
		t.Fatalf("Update()=%v", err)
	}
	if founds[len(founds)-1] {
		t.Error("Update() after expiry saw found=true")
	}
}

func TestUpdateCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(clock.NewFake(start), 0)
	called := false
	err := s.Update(ctx, "k", time.Minute, func(cur quota.State, _ bool) quota.State {
		called = true
		return cur
	})
	if err == nil || called {
		t.Errorf("Update() on canceled context = %v, called=%v; want error and no call", err, called)
	}
}

func TestUpdateConcurrent(t *testing.T) {
	ctx := context.Background()
	s := New(clock.NewFake(start), 0)
	const workers, perWorker = 20, 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if err := s.Update(ctx, "shared", time.Hour, increment); err != nil {
					t.Errorf("Update()=%v", err)
				}
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get("shared")
	if want := float64(workers * perWorker); got.Tokens != want {
		t.Errorf("Tokens=%v; want %v", got.Tokens, want)
	}
}

func TestConcurrentTakeNeverOverconsumes(t *testing.T) {
	ctx := context.Background()
	ts := clock.NewFake(start)
	s := New(ts, 0)
	p := quota.Params{Limit: 10, Burst: 10, RefillPerSecond: 0.001}
	const callers = 64

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res quota.Result
			err := s.Update(ctx, "bucket", time.Hour, func(cur quota.State, found bool) quota.State {
				next, r := quota.Take(cur, found, ts.Now(), p)
				res = r
				return next
			})
			if err != nil {
				t.Errorf("Update()=%v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != p.Burst {
		t.Errorf("allowed=%d; want %d", allowed, p.Burst)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	ts := clock.NewFake(start)
	s := New(ts, 0)

	for _, k := range []string{"a", "b"} {
		if err := s.Update(ctx, k, time.Minute, increment); err != nil {
			t.Fatalf("Update(%q)=%v", k, err)
		}
	}
	if err := s.Update(ctx, "c", time.Hour, increment); err != nil {
		t.Fatalf("Update(c)=%v", err)
	}

	if got := s.Sweep(); got != 0 {
		t.Errorf("Sweep() before expiry=%d; want 0", got)
	}
	ts.Advance(2 * time.Minute)
	if got := s.Sweep(); got != 2 {
		t.Errorf("Sweep()=%d; want 2", got)
	}
	if got := s.Len(); got != 1 {
		t.Errorf("Len()=%d; want 1", got)
	}
	if _, ok := s.Get("c"); !ok {
		t.Error("live bucket was swept")
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	ts := clock.NewFake(start)
	s := New(ts, time.Millisecond)
	if err := s.Update(ctx, "k", time.Second, increment); err != nil {
		t.Fatalf("Update()=%v", err)
	}
	ts.Advance(time.Hour)

	s.Start(ctx)
	s.Start(ctx)
	deadline := time.Now().Add(5 * time.Second)
	for s.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if got := s.Len(); got != 0 {
		t.Errorf("Len() after background sweep=%d; want 0", got)
	}
}
