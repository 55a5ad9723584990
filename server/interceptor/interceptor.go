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

// Package interceptor applies admission control to HTTP and gRPC requests.
package interceptor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/quotagate/quotagate/admission"
	"github.com/quotagate/quotagate/tier"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"
)

// Response headers describing the quota a request was checked against.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderTier       = "X-RateLimit-Tier"
	HeaderPolicy     = "X-RateLimit-Policy"
	HeaderRetryAfter = "Retry-After"
)

// Request headers (and gRPC metadata keys) identifying the caller.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderRole     = "X-Role"

	adminRole = "admin"
)

// Checker runs admission checks.
type Checker interface {
	CheckRateLimit(ctx context.Context, rc admission.RequestContext) admission.Decision
}

// TierResolver returns the tier of a tenant.
type TierResolver interface {
	ResolveTier(ctx context.Context, tenantID string) tier.Name
}

// Identity is the caller of a request, as established by an upstream
// authentication layer.
type Identity struct {
	TenantID string
	UserID   string
	Admin    bool
}

// IdentityFunc extracts the caller of an HTTP request.
type IdentityFunc func(r *http.Request) Identity

// HeaderIdentity reads the caller from the X-Tenant-ID, X-User-ID and
// X-Role request headers.
func HeaderIdentity(r *http.Request) Identity {
	return Identity{
		TenantID: r.Header.Get(HeaderTenantID),
		UserID:   r.Header.Get(HeaderUserID),
		Admin:    r.Header.Get(HeaderRole) == adminRole,
	}
}

// metadataIdentity reads the caller from incoming gRPC metadata, using the
// same keys as HeaderIdentity.
func metadataIdentity(ctx context.Context) Identity {
	md, _ := metadata.FromIncomingContext(ctx)
	get := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}
	return Identity{
		TenantID: get(HeaderTenantID),
		UserID:   get(HeaderUserID),
		Admin:    get(HeaderRole) == adminRole,
	}
}

// AdmissionInterceptor checks requests against their quotas before they are
// handled.
type AdmissionInterceptor struct {
	Checker Checker
	// Tiers resolves the tier of the calling tenant. Without it requests are
	// checked with tier.Unknown.
	Tiers TierResolver
	// Catalog provides the upgrade hint of rejections. Optional.
	Catalog *tier.Catalog

	// ExcludedPaths lists URL path prefixes (or gRPC full method prefixes)
	// that are never checked.
	ExcludedPaths []string
	// Identity extracts the HTTP caller. Defaults to HeaderIdentity.
	Identity IdentityFunc
	// SkipAdmin exempts administrative callers.
	SkipAdmin bool

	// DryRun controls whether denials actually block requests (if set to
	// true, no requests are blocked).
	DryRun bool
}

// Before runs the admission check of a request for endpoint. It reports
// whether the request was checked at all; unchecked requests carry no quota
// headers.
func (i *AdmissionInterceptor) Before(ctx context.Context, id Identity, endpoint string) (d admission.Decision, checked bool) {
	incRequestCounter()
	if i.excluded(endpoint) {
		return admission.Decision{}, false
	}
	if id.TenantID == "" {
		incRequestSkippedCounter(noTenantReason)
		return admission.Decision{}, false
	}
	if id.Admin && i.SkipAdmin {
		incRequestSkippedCounter(adminReason)
		return admission.Decision{}, false
	}

	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("admission check of %s for tenant %q panicked, admitting request: %v\n%s", endpoint, id.TenantID, r, debug.Stack())
			incRequestSkippedCounter(panicReason)
			d, checked = admission.Decision{Status: admission.StatusFailOpen, Allowed: true}, false
		}
	}()

	t := tier.Unknown
	if i.Tiers != nil {
		t = i.Tiers.ResolveTier(ctx, id.TenantID)
	}
	d = i.Checker.CheckRateLimit(ctx, admission.RequestContext{
		UserID:   id.UserID,
		TenantID: id.TenantID,
		Tier:     t,
		Endpoint: endpoint,
	})
	if !d.Allowed {
		if i.DryRun {
			klog.Warningf("(DryRun) Request to %s by tenant %q user %q not denied due to dry run mode: %v", endpoint, id.TenantID, id.UserID, d)
			incRequestDryRunCounter(d.Tier.String())
			d.Allowed = true
			d.RetryAfter = 0
			return d, true
		}
		incRequestDeniedCounter(d.Tier.String(), string(d.Window))
	}
	return d, true
}

func (i *AdmissionInterceptor) excluded(endpoint string) bool {
	for _, p := range i.ExcludedPaths {
		if strings.HasPrefix(endpoint, p) {
			return true
		}
	}
	return false
}

// Headers returns the response headers describing d.
func Headers(d admission.Decision) http.Header {
	h := make(http.Header)
	if d.Tier != tier.Unknown {
		h.Set(HeaderTier, d.Tier.String())
	}
	switch d.Status {
	case admission.StatusUnconfigured:
		h.Set(HeaderPolicy, "unconfigured")
		return h
	case admission.StatusUnlimited:
		h.Set(HeaderPolicy, "disabled")
		return h
	case admission.StatusFailOpen:
		h.Set(HeaderPolicy, "fail-open")
		return h
	}
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, d.ResetAt.UTC().Format(time.RFC3339))
	if !d.Allowed {
		h.Set(HeaderRetryAfter, strconv.Itoa(d.RetryAfterSeconds()))
	}
	return h
}

// Rejection is the body of a 429 response.
type Rejection struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	Tier       string `json:"tier"`
	Upgrade    string `json:"upgrade"`
}

func (i *AdmissionInterceptor) rejection(d admission.Decision) Rejection {
	retry := d.RetryAfterSeconds()
	return Rejection{
		Error:      "rate_limit_exceeded",
		Message:    fmt.Sprintf("Rate limit exceeded for the %s tier (%d requests per hour). Retry in %d seconds.", d.Tier, d.HourlyLimit, retry),
		RetryAfter: retry,
		Limit:      d.Limit,
		Remaining:  0,
		Tier:       d.Tier.String(),
		Upgrade:    i.upgradeHint(d.Tier),
	}
}

func (i *AdmissionInterceptor) upgradeHint(n tier.Name) string {
	if i.Catalog != nil {
		if next, ok := i.Catalog.Upgrade(n); ok {
			return fmt.Sprintf("Upgrade to the %s tier for up to %d requests per hour.", next.Name, next.RequestsPerHour)
		}
	}
	return "Contact support to raise your limits."
}

// Middleware returns an http.Handler that checks requests before passing
// them on to next, and rejects them with 429 Too Many Requests when their
// quota is exhausted.
func (i *AdmissionInterceptor) Middleware(next http.Handler) http.Handler {
	identity := i.Identity
	if identity == nil {
		identity = HeaderIdentity
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, checked := i.Before(r.Context(), identity(r), r.URL.Path)
		if !checked {
			next.ServeHTTP(w, r)
			return
		}
		for k, v := range Headers(d) {
			w.Header()[k] = v
		}
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		if err := json.NewEncoder(w).Encode(i.rejection(d)); err != nil {
			klog.V(1).Infof("writing rejection: %v", err)
		}
	})
}

// UnaryServerInterceptor checks unary RPCs, identifying callers by the
// x-tenant-id, x-user-id and x-role metadata. Quota headers are sent as
// response header metadata; exhausted quotas fail the RPC with
// codes.ResourceExhausted.
func (i *AdmissionInterceptor) UnaryServerInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	d, checked := i.Before(ctx, metadataIdentity(ctx), info.FullMethod)
	if !checked {
		return handler(ctx, req)
	}
	md := metadata.MD{}
	for k, v := range Headers(d) {
		md.Append(strings.ToLower(k), v...)
	}
	if err := grpc.SetHeader(ctx, md); err != nil {
		klog.V(1).Infof("setting quota headers of %s: %v", info.FullMethod, err)
	}
	if !d.Allowed {
		return nil, status.Error(codes.ResourceExhausted, i.rejection(d).Message)
	}
	return handler(ctx, req)
}
