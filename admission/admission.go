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

// Package admission decides whether a request is admitted by checking the
// minute, hour and tenant-aggregate token buckets of its subject.
package admission

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/quotagate/quotagate/monitoring"
	"github.com/quotagate/quotagate/quota"
	"github.com/quotagate/quotagate/rules"
	"github.com/quotagate/quotagate/tier"
	"github.com/quotagate/quotagate/util/clock"
	"k8s.io/klog/v2"
)

// aggregateFactor is the ratio between a tenant's aggregate hourly limit and
// the hourly limit of its effective rule.
const aggregateFactor = 10

// Status is the kind of a Decision.
type Status int

const (
	// StatusAllowed means every bucket admitted the request.
	StatusAllowed Status = iota
	// StatusDenied means a bucket is exhausted.
	StatusDenied
	// StatusUnconfigured means no rule governs the request. The request is
	// admitted but no limit applies.
	StatusUnconfigured
	// StatusUnlimited means admission control is disabled.
	StatusUnlimited
	// StatusFailOpen means the check failed and the request was admitted
	// without being counted.
	StatusFailOpen
)

func (s Status) String() string {
	switch s {
	case StatusAllowed:
		return "allowed"
	case StatusDenied:
		return "denied"
	case StatusUnconfigured:
		return "unconfigured"
	case StatusUnlimited:
		return "unlimited"
	case StatusFailOpen:
		return "fail-open"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Window names the bucket a Decision was taken from.
type Window string

// Windows checked, in order.
const (
	WindowNone      Window = ""
	WindowMinute    Window = "minute"
	WindowHour      Window = "hour"
	WindowAggregate Window = "tenant"
)

// RequestContext identifies the caller of a request.
type RequestContext struct {
	// UserID is optional. Without it the tenant is the subject.
	UserID   string
	TenantID string
	Tier     tier.Name
	// Endpoint is optional.
	Endpoint string
}

// Decision is the outcome of an admission check.
type Decision struct {
	Status  Status
	Allowed bool
	// Remaining and Limit are zero unless Status is StatusAllowed,
	// StatusDenied or StatusUnlimited.
	Remaining int
	Limit     int
	ResetAt   time.Time
	// RetryAfter is only set when the request is denied.
	RetryAfter time.Duration

	// Tier is the tier the request was checked as.
	Tier tier.Name
	// HourlyLimit is the requests-per-hour of the effective rule.
	HourlyLimit int
	// Window is the bucket the decision reports on.
	Window Window
	// RuleID is the effective rule, if any.
	RuleID string
}

// ConfigResolver resolves the effective rule of a request.
type ConfigResolver interface {
	ResolveConfig(ctx context.Context, q rules.Query) (*rules.Rule, error)
}

// BucketChecker consumes tokens from buckets.
type BucketChecker interface {
	CheckAndConsume(ctx context.Context, key string, p quota.Params) (quota.Result, error)
}

// Options configures a Service.
type Options struct {
	// Disabled turns every check into StatusUnlimited.
	Disabled bool

	TimeSource    clock.TimeSource
	MetricFactory monitoring.MetricFactory
}

// Service runs admission checks.
type Service struct {
	config   ConfigResolver
	buckets  BucketChecker
	disabled bool
	ts       clock.TimeSource

	decisions    monitoring.Counter
	failOpens    monitoring.Counter
	checkLatency monitoring.Histogram
}

// NewService returns a Service resolving rules with config and keeping
// buckets in buckets.
func NewService(config ConfigResolver, buckets BucketChecker, opts Options) *Service {
	mf := opts.MetricFactory
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	ts := opts.TimeSource
	if ts == nil {
		ts = clock.System
	}
	return &Service{
		config:       config,
		buckets:      buckets,
		disabled:     opts.Disabled,
		ts:           ts,
		decisions:    mf.NewCounter("admission_decisions", "Number of admission decisions by status and window", "status", "window"),
		failOpens:    mf.NewCounter("admission_fail_open", "Number of requests admitted because the check failed, by reason", "reason"),
		checkLatency: mf.NewHistogram("admission_check_seconds", "Latency of admission checks by status", "status"),
	}
}

// CheckRateLimit decides whether the request described by rc is admitted.
// The minute, hour and tenant-aggregate buckets are checked in that order,
// stopping at the first denial. If all admit, the decision reports the
// minute or hour bucket with fewer remaining tokens.
//
// CheckRateLimit never fails: errors and panics admit the request.
func (s *Service) CheckRateLimit(ctx context.Context, rc RequestContext) (d Decision) {
	ctx, end := monitoring.StartSpan(ctx, "admission.CheckRateLimit")
	defer end()
	start := s.ts.Now()
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("admission check for tenant %q panicked, admitting request: %v\n%s", rc.TenantID, r, debug.Stack())
			d = s.failOpen(rc, "panic")
		}
		s.decisions.Inc(d.Status.String(), string(d.Window))
		s.checkLatency.Observe(clock.SecondsSince(s.ts, start), d.Status.String())
	}()

	if s.disabled {
		return Decision{
			Status:    StatusUnlimited,
			Allowed:   true,
			Remaining: quota.MaxTokens,
			Limit:     quota.MaxTokens,
			Tier:      rc.Tier,
		}
	}

	rule, err := s.config.ResolveConfig(ctx, rules.Query{
		TenantID: rc.TenantID,
		UserID:   rc.UserID,
		Endpoint: rc.Endpoint,
		Tier:     rc.Tier,
	})
	if err != nil {
		klog.Warningf("no admission rule for tenant %q, admitting request: %v", rc.TenantID, err)
	}
	if rule == nil {
		return Decision{Status: StatusUnconfigured, Allowed: true, Tier: rc.Tier}
	}

	checks := []struct {
		window Window
		key    quota.Spec
		params quota.Params
	}{
		{
			window: WindowMinute,
			key:    subject(rc, quota.Minute),
			params: quota.Params{
				Limit:           rule.RequestsPerMinute,
				Burst:           rule.BurstLimit,
				RefillPerSecond: float64(rule.RequestsPerMinute*60) / 3600,
			},
		},
		{
			window: WindowHour,
			key:    subject(rc, quota.Hour),
			params: quota.Params{
				Limit:           rule.RequestsPerHour,
				Burst:           rule.BurstLimit,
				RefillPerSecond: float64(rule.RequestsPerHour) / 3600,
			},
		},
		{
			window: WindowAggregate,
			key:    quota.Spec{Group: quota.TenantAggregate, Window: quota.Hour, TenantID: rc.TenantID},
			params: aggregateParams(rule.RequestsPerHour),
		},
	}

	var passed [2]Decision
	for i, c := range checks {
		res, err := s.buckets.CheckAndConsume(ctx, c.key.Name(), c.params)
		if err != nil {
			klog.Warningf("checking bucket %s, admitting request: %v", c.key, err)
			return s.failOpen(rc, "bucket")
		}
		dec := Decision{
			Status:      StatusAllowed,
			Allowed:     res.Allowed,
			Remaining:   res.Remaining,
			Limit:       res.Limit,
			ResetAt:     res.ResetAt,
			RetryAfter:  res.RetryAfter,
			Tier:        rc.Tier,
			HourlyLimit: rule.RequestsPerHour,
			Window:      c.window,
			RuleID:      rule.ID,
		}
		if !res.Allowed {
			dec.Status = StatusDenied
			return dec
		}
		if i < len(passed) {
			passed[i] = dec
		}
	}

	if passed[1].Remaining < passed[0].Remaining {
		return passed[1]
	}
	return passed[0]
}

func (s *Service) failOpen(rc RequestContext, reason string) Decision {
	s.failOpens.Inc(reason)
	return Decision{Status: StatusFailOpen, Allowed: true, Tier: rc.Tier}
}

// subject returns the bucket of the request's user, or of its tenant if it
// carries no user.
func subject(rc RequestContext, w quota.Window) quota.Spec {
	if rc.UserID != "" {
		return quota.Spec{Group: quota.User, Window: w, TenantID: rc.TenantID, UserID: rc.UserID}
	}
	return quota.Spec{Group: quota.Tenant, Window: w, TenantID: rc.TenantID}
}

func aggregateParams(requestsPerHour int) quota.Params {
	limit := requestsPerHour * aggregateFactor
	return quota.Params{
		Limit:           limit,
		Burst:           limit / aggregateFactor,
		RefillPerSecond: float64(limit) / 3600,
	}
}

// RetryAfterSeconds returns d.RetryAfter in whole seconds, rounded up.
func (d Decision) RetryAfterSeconds() int {
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

// String returns a short description of d for logs.
func (d Decision) String() string {
	if d.Window == WindowNone {
		return d.Status.String()
	}
	return fmt.Sprintf("%s/%s remaining=%d limit=%d", d.Status, d.Window, d.Remaining, d.Limit)
}
