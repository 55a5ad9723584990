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

package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/quotagate/quotagate/monitoring"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Storage reads rules from the configuration store.
type Storage interface {
	// EffectiveRule returns the enabled rule that governs q, or nil if no
	// rule matches.
	EffectiveRule(ctx context.Context, q Query) (*Rule, error)
}

const (
	// DefaultCacheTTL is how long a resolved rule is reused.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultNegativeTTL is how long the absence of a rule is reused.
	DefaultNegativeTTL = 30 * time.Second
	// DefaultCacheEntries bounds the number of cached resolutions.
	DefaultCacheEntries = 100000
	// DefaultLookupTimeout bounds each configuration store query.
	DefaultLookupTimeout = 500 * time.Millisecond
)

// ResolverOptions configures a Resolver. Zero values select defaults.
type ResolverOptions struct {
	CacheTTL      time.Duration
	NegativeTTL   time.Duration
	CacheEntries  int64
	// Timeout bounds each storage query, whatever the caller's deadline.
	Timeout       time.Duration
	MetricFactory monitoring.MetricFactory
}

// Resolver resolves effective rules, caching results per query.
type Resolver struct {
	storage     Storage
	ttl         time.Duration
	negativeTTL time.Duration
	timeout     time.Duration
	cache       *ristretto.Cache
	group       singleflight.Group
	// generation prefixes cache keys. Invalidate moves to a new generation
	// and entries of older ones are never read again.
	generation  atomic.Uint64

	lookups monitoring.Counter
}

// noRule is cached for queries without an effective rule.
type noRule struct{}

// NewResolver returns a Resolver reading from storage. Close releases its
// cache.
func NewResolver(storage Storage, opts ResolverOptions) (*Resolver, error) {
	if storage == nil {
		return nil, errors.New("rule resolver needs a storage")
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.CacheEntries <= 0 {
		opts.CacheEntries = DefaultCacheEntries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLookupTimeout
	}
	if opts.MetricFactory == nil {
		opts.MetricFactory = monitoring.InertMetricFactory{}
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * opts.CacheEntries,
		MaxCost:     opts.CacheEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating rule cache: %w", err)
	}
	return &Resolver{
		storage:     storage,
		ttl:         opts.CacheTTL,
		negativeTTL: opts.NegativeTTL,
		timeout:     opts.Timeout,
		cache:       cache,
		lookups:     opts.MetricFactory.NewCounter("rule_lookups", "Number of rule resolutions by result", "result"),
	}, nil
}

// ResolveConfig returns the effective rule for q, or nil if there is none.
// Storage errors are returned and not cached.
//
// Concurrent misses for one query share a single storage lookup, bounded by
// the resolver's timeout and not by any one caller's context. A caller whose
// context is done stops waiting for it.
func (r *Resolver) ResolveConfig(ctx context.Context, q Query) (*Rule, error) {
	key := strconv.FormatUint(r.generation.Load(), 10) + "/" + q.cacheKey()
	if v, ok := r.cache.Get(key); ok {
		r.lookups.Inc("cached")
		if rule, ok := v.(*Rule); ok {
			return rule, nil
		}
		return nil, nil
	}

	ch := r.group.DoChan(key, func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		rule, err := r.storage.EffectiveRule(lctx, q)
		if err != nil {
			return nil, err
		}
		if rule == nil {
			r.cache.SetWithTTL(key, noRule{}, 1, r.negativeTTL)
		} else {
			r.cache.SetWithTTL(key, rule, 1, r.ttl)
		}
		r.cache.Wait()
		return rule, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		r.lookups.Inc("canceled")
		return nil, ctx.Err()
	}
	if res.Err != nil {
		r.lookups.Inc("error")
		klog.Warningf("resolving rule for %+v: %v", q, res.Err)
		return nil, fmt.Errorf("resolving rule: %w", res.Err)
	}
	rule := res.Val.(*Rule)
	if rule == nil {
		r.lookups.Inc("none")
	} else {
		r.lookups.Inc("resolved")
	}
	return rule, nil
}

// Invalidate makes every cached resolution unreachable, so that rule changes
// take effect immediately. It is safe to call while rules are resolved.
func (r *Resolver) Invalidate() {
	r.generation.Add(1)
}

// Close stops the cache's background goroutines.
func (r *Resolver) Close() {
	r.cache.Close()
}
