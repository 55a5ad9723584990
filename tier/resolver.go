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

package tier

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/quotagate/quotagate/monitoring"
	"github.com/quotagate/quotagate/util/clock"
	"k8s.io/klog/v2"
)

// ErrNoPlan is returned by a PlanSource for tenants without a plan.
var ErrNoPlan = errors.New("tenant has no plan")

// PlanSource looks up the subscription plan of a tenant.
type PlanSource interface {
	// TenantPlan returns the raw plan name of the tenant, or ErrNoPlan.
	TenantPlan(ctx context.Context, tenantID string) (string, error)
}

const (
	// DefaultCacheTTL is how long a resolved tier is reused.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultErrorTTL is how long the default tier substituted after a
	// lookup failure is reused.
	DefaultErrorTTL = 30 * time.Second
	// DefaultCacheSize bounds the number of tenants cached.
	DefaultCacheSize = 10000
	// DefaultLookupTimeout bounds each plan lookup.
	DefaultLookupTimeout = 500 * time.Millisecond
)

// ResolverOptions configures a Resolver. Zero values select defaults.
type ResolverOptions struct {
	CacheTTL      time.Duration
	ErrorTTL      time.Duration
	CacheSize     int
	Timeout       time.Duration
	TimeSource    clock.TimeSource
	MetricFactory monitoring.MetricFactory
}

type cachedTier struct {
	name    Name
	expires time.Time
}

// Resolver maps tenants to tiers of a catalog. Lookups are cached per
// tenant; an entry is dropped when it is read after it expired.
type Resolver struct {
	catalog  *Catalog
	source   PlanSource
	ttl      time.Duration
	errorTTL time.Duration
	timeout  time.Duration
	ts       clock.TimeSource
	cache    *lru.Cache[string, cachedTier]

	lookups monitoring.Counter
}

// NewResolver returns a Resolver reading plans from source.
func NewResolver(catalog *Catalog, source PlanSource, opts ResolverOptions) (*Resolver, error) {
	if catalog == nil || source == nil {
		return nil, errors.New("tier resolver needs a catalog and a plan source")
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.ErrorTTL <= 0 {
		opts.ErrorTTL = DefaultErrorTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLookupTimeout
	}
	if opts.TimeSource == nil {
		opts.TimeSource = clock.System
	}
	if opts.MetricFactory == nil {
		opts.MetricFactory = monitoring.InertMetricFactory{}
	}
	cache, err := lru.New[string, cachedTier](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		catalog:  catalog,
		source:   source,
		ttl:      opts.CacheTTL,
		errorTTL: opts.ErrorTTL,
		timeout:  opts.Timeout,
		ts:       opts.TimeSource,
		cache:    cache,
		lookups:  opts.MetricFactory.NewCounter("tier_lookups", "Number of tenant tier resolutions by result", "result"),
	}, nil
}

// Catalog returns the catalog tiers are resolved against.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// ResolveTier returns the tier of tenantID. It never fails: tenants with a
// missing or unknown plan, and lookup errors, resolve to the default tier.
// Each plan lookup is bounded by the resolver's timeout.
func (r *Resolver) ResolveTier(ctx context.Context, tenantID string) Name {
	now := r.ts.Now()
	if c, ok := r.cache.Get(tenantID); ok {
		if now.Before(c.expires) {
			r.lookups.Inc("cached")
			return c.name
		}
		r.cache.Remove(tenantID)
	}

	ttl := r.ttl
	name := r.catalog.Default().Name
	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	plan, err := r.source.TenantPlan(lctx, tenantID)
	cancel()
	switch {
	case errors.Is(err, ErrNoPlan):
		r.lookups.Inc("no_plan")
	case err != nil && ctx.Err() != nil:
		// The caller's context ended; nothing is cached.
		r.lookups.Inc("canceled")
		return name
	case err != nil:
		klog.Warningf("tier lookup for tenant %q failed, using %s: %v", tenantID, name, err)
		r.lookups.Inc("error")
		ttl = r.errorTTL
	default:
		if t, ok := r.catalog.Lookup(Parse(plan)); ok {
			name = t.Name
			r.lookups.Inc("resolved")
		} else {
			klog.V(1).Infof("tenant %q has plan %q outside the catalog, using %s", tenantID, plan, name)
			r.lookups.Inc("unknown_plan")
		}
	}
	r.cache.Add(tenantID, cachedTier{name: name, expires: now.Add(ttl)})
	return name
}

// Invalidate drops the cached tier of tenantID.
func (r *Resolver) Invalidate(tenantID string) {
	r.cache.Remove(tenantID)
}
