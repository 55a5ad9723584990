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

// Package localtb keeps token buckets in process memory. It is the fallback
// store used when the shared remote store is unreachable.
package localtb

import (
	"context"
	"sync"
	"time"

	"github.com/quotagate/quotagate/quota"
	"github.com/quotagate/quotagate/util/clock"
	"k8s.io/klog/v2"
)

// DefaultSweepInterval is how often expired buckets are removed.
const DefaultSweepInterval = time.Minute

type entry struct {
	mu      sync.Mutex
	state   quota.State
	expires time.Time
	deleted bool
}

// Store is an in-memory quota.Store. Updates lock only the bucket they touch.
type Store struct {
	ts            clock.TimeSource
	sweepInterval time.Duration

	entries sync.Map // string -> *entry

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a new, empty Store. A zero sweepInterval means
// DefaultSweepInterval.
func New(ts clock.TimeSource, sweepInterval time.Duration) *Store {
	if ts == nil {
		ts = clock.System
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Store{ts: ts, sweepInterval: sweepInterval}
}

// Update implements quota.Store.
func (s *Store) Update(ctx context.Context, key string, ttl time.Duration, fn quota.UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for {
		e := s.load(key)
		e.mu.Lock()
		if e.deleted {
			// Swept between lookup and lock.
			e.mu.Unlock()
			continue
		}
		now := s.ts.Now()
		found := !e.expires.IsZero() && now.Before(e.expires)
		e.state = fn(e.state, found)
		e.expires = now.Add(ttl)
		e.mu.Unlock()
		return nil
	}
}

func (s *Store) load(key string) *entry {
	if v, ok := s.entries.Load(key); ok {
		return v.(*entry)
	}
	v, _ := s.entries.LoadOrStore(key, &entry{})
	return v.(*entry)
}

// Get returns the live state stored under key, if any.
func (s *Store) Get(key string) (quota.State, bool) {
	v, ok := s.entries.Load(key)
	if !ok {
		return quota.State{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted || e.expires.IsZero() || !s.ts.Now().Before(e.expires) {
		return quota.State{}, false
	}
	return e.state, true
}

// Len returns the number of buckets held, including expired ones that have
// not been swept yet.
func (s *Store) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep removes expired buckets and returns how many were removed. Buckets
// that are being updated are skipped until the next sweep.
func (s *Store) Sweep() int {
	now := s.ts.Now()
	removed := 0
	s.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		if !e.mu.TryLock() {
			return true
		}
		if !e.expires.IsZero() && !now.Before(e.expires) {
			e.deleted = true
			s.entries.CompareAndDelete(k, v)
			removed++
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Start runs the sweeper in the background until ctx is done or Stop is
// called. Calling Start on a running Store has no effect.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop stops the sweeper and waits for it to exit.
func (s *Store) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Store) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				klog.V(1).Infof("swept %d expired local buckets", n)
			}
		}
	}
}
