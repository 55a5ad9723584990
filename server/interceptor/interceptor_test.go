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

package interceptor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/quotagate/quotagate/admission"
	"github.com/quotagate/quotagate/monitoring"
	"github.com/quotagate/quotagate/tier"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var resetAt = time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC)

// fakeChecker returns a fixed decision and records the checked contexts.
type fakeChecker struct {
	decision admission.Decision
	panics   bool
	checked  []admission.RequestContext
}

func (f *fakeChecker) CheckRateLimit(ctx context.Context, rc admission.RequestContext) admission.Decision {
	f.checked = append(f.checked, rc)
	if f.panics {
		panic("boom")
	}
	d := f.decision
	d.Tier = rc.Tier
	return d
}

type fakeTiers map[string]tier.Name

func (f fakeTiers) ResolveTier(_ context.Context, tenantID string) tier.Name {
	return f[tenantID]
}

var (
	allowed = admission.Decision{
		Status:      admission.StatusAllowed,
		Allowed:     true,
		Remaining:   7,
		Limit:       10,
		ResetAt:     resetAt,
		HourlyLimit: 100,
		Window:      admission.WindowMinute,
	}
	denied = admission.Decision{
		Status:      admission.StatusDenied,
		Limit:       100,
		ResetAt:     resetAt,
		RetryAfter:  35500 * time.Millisecond,
		HourlyLimit: 100,
		Window:      admission.WindowHour,
	}
)

func TestMiddleware(t *testing.T) {
	for _, test := range []struct {
		desc        string
		decision    admission.Decision
		headers     map[string]string
		path        string
		skipAdmin   bool
		dryRun      bool
		wantChecked bool
		wantCode    int
		wantHeaders map[string]string
		wantBody    *Rejection
	}{
		{
			desc:     "excludedPath",
			decision: denied,
			headers:  map[string]string{HeaderTenantID: "acme"},
			path:     "/healthz",
			wantCode: http.StatusOK,
		},
		{
			desc:     "noTenant",
			decision: denied,
			path:     "/api/items",
			wantCode: http.StatusOK,
		},
		{
			desc:      "adminSkipped",
			decision:  denied,
			headers:   map[string]string{HeaderTenantID: "acme", HeaderRole: "admin"},
			path:      "/api/items",
			skipAdmin: true,
			wantCode:  http.StatusOK,
		},
		{
			desc:        "adminChecked",
			decision:    allowed,
			headers:     map[string]string{HeaderTenantID: "acme", HeaderRole: "admin"},
			path:        "/api/items",
			wantChecked: true,
			wantCode:    http.StatusOK,
			wantHeaders: map[string]string{HeaderLimit: "10", HeaderRemaining: "7", HeaderReset: "2026-03-04T13:00:00Z", HeaderTier: "free"},
		},
		{
			desc:        "allowed",
			decision:    allowed,
			headers:     map[string]string{HeaderTenantID: "acme", HeaderUserID: "alice"},
			path:        "/api/items",
			wantChecked: true,
			wantCode:    http.StatusOK,
			wantHeaders: map[string]string{HeaderLimit: "10", HeaderRemaining: "7", HeaderReset: "2026-03-04T13:00:00Z", HeaderTier: "free"},
		},
		{
			desc:        "denied",
			decision:    denied,
			headers:     map[string]string{HeaderTenantID: "acme", HeaderUserID: "alice"},
			path:        "/api/items",
			wantChecked: true,
			wantCode:    http.StatusTooManyRequests,
			wantHeaders: map[string]string{HeaderLimit: "100", HeaderRemaining: "0", HeaderTier: "free", HeaderRetryAfter: "36"},
			wantBody: &Rejection{
				Error:      "rate_limit_exceeded",
				Message:    "Rate limit exceeded for the free tier (100 requests per hour). Retry in 36 seconds.",
				RetryAfter: 36,
				Limit:      100,
				Tier:       "free",
				Upgrade:    "Upgrade to the standard tier for up to 1000 requests per hour.",
			},
		},
		{
			desc:        "dryRun",
			decision:    denied,
			headers:     map[string]string{HeaderTenantID: "acme"},
			path:        "/api/items",
			dryRun:      true,
			wantChecked: true,
			wantCode:    http.StatusOK,
			wantHeaders: map[string]string{HeaderRemaining: "0", HeaderRetryAfter: ""},
		},
		{
			desc:        "unconfigured",
			decision:    admission.Decision{Status: admission.StatusUnconfigured, Allowed: true},
			headers:     map[string]string{HeaderTenantID: "acme"},
			path:        "/api/items",
			wantChecked: true,
			wantCode:    http.StatusOK,
			wantHeaders: map[string]string{HeaderPolicy: "unconfigured", HeaderLimit: "", HeaderRemaining: ""},
		},
		{
			desc:        "disabled",
			decision:    admission.Decision{Status: admission.StatusUnlimited, Allowed: true},
			headers:     map[string]string{HeaderTenantID: "acme"},
			path:        "/api/items",
			wantChecked: true,
			wantCode:    http.StatusOK,
			wantHeaders: map[string]string{HeaderPolicy: "disabled", HeaderLimit: ""},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			checker := &fakeChecker{decision: test.decision}
			i := &AdmissionInterceptor{
				Checker:       checker,
				Tiers:         fakeTiers{"acme": tier.Free},
				Catalog:       tier.DefaultCatalog(),
				ExcludedPaths: []string{"/healthz", "/metrics"},
				SkipAdmin:     test.skipAdmin,
				DryRun:        test.dryRun,
			}
			handled := false
			h := i.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handled = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, test.path, nil)
			for k, v := range test.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if got := len(checker.checked) > 0; got != test.wantChecked {
				t.Errorf("checked=%v, want %v", got, test.wantChecked)
			}
			if got, want := rec.Code, test.wantCode; got != want {
				t.Errorf("status code=%d, want %d", got, want)
			}
			if got, want := handled, test.wantCode == http.StatusOK; got != want {
				t.Errorf("handled=%v, want %v", got, want)
			}
			for k, want := range test.wantHeaders {
				if got := rec.Header().Get(k); got != want {
					t.Errorf("header %s=%q, want %q", k, got, want)
				}
			}
			if test.wantBody != nil {
				var got Rejection
				if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
					t.Fatalf("decoding body %q: %v", rec.Body.String(), err)
				}
				if diff := cmp.Diff(*test.wantBody, got); diff != "" {
					t.Errorf("rejection diff (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestMiddlewarePassesRequestContext(t *testing.T) {
	checker := &fakeChecker{decision: allowed}
	i := &AdmissionInterceptor{Checker: checker, Tiers: fakeTiers{"acme": tier.Premium}}
	h := i.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/api/reports?x=1", nil)
	req.Header.Set(HeaderTenantID, "acme")
	req.Header.Set(HeaderUserID, "alice")
	h.ServeHTTP(httptest.NewRecorder(), req)

	want := []admission.RequestContext{{UserID: "alice", TenantID: "acme", Tier: tier.Premium, Endpoint: "/api/reports"}}
	if diff := cmp.Diff(want, checker.checked); diff != "" {
		t.Errorf("checked contexts diff (-want +got):\n%s", diff)
	}
}

func TestMiddlewareRecoversPanics(t *testing.T) {
	i := &AdmissionInterceptor{Checker: &fakeChecker{panics: true}}
	handled := false
	h := i.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { handled = true }))
	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.Header.Set(HeaderTenantID, "acme")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !handled {
		t.Error("request was not handled after a panicking check")
	}
	if got := rec.Header().Get(HeaderLimit); got != "" {
		t.Errorf("header %s=%q, want none", HeaderLimit, got)
	}
}

func TestUpgradeHint(t *testing.T) {
	i := &AdmissionInterceptor{Catalog: tier.DefaultCatalog()}
	for _, test := range []struct {
		tier tier.Name
		want string
	}{
		{tier: tier.Free, want: "Upgrade to the standard tier for up to 1000 requests per hour."},
		{tier: tier.Premium, want: "Upgrade to the enterprise tier for up to 100000 requests per hour."},
		{tier: tier.Enterprise, want: "Contact support to raise your limits."},
		{tier: tier.Internal, want: "Contact support to raise your limits."},
	} {
		if got := i.upgradeHint(test.tier); got != test.want {
			t.Errorf("upgradeHint(%v)=%q, want %q", test.tier, got, test.want)
		}
	}
}

func TestDeniedMetrics(t *testing.T) {
	var mf monitoring.InertMetricFactory
	InitMetrics(mf)

	i := &AdmissionInterceptor{Checker: &fakeChecker{decision: denied}, Tiers: fakeTiers{"acme": tier.Free}}
	for n := 0; n < 3; n++ {
		i.Before(context.Background(), Identity{TenantID: "acme"}, "/api/items")
	}
	i.Before(context.Background(), Identity{}, "/api/items")

	if got, want := requestCounter.Value(), 4.0; got != want {
		t.Errorf("interceptor_request_count=%v, want %v", got, want)
	}
	if got, want := requestDeniedCounter.Value("free", "hour"), 3.0; got != want {
		t.Errorf("interceptor_request_denied_count=%v, want %v", got, want)
	}
	if got, want := requestSkippedCounter.Value(noTenantReason), 1.0; got != want {
		t.Errorf("interceptor_request_skipped_count=%v, want %v", got, want)
	}
}

func startHealthServer(t *testing.T, i *AdmissionInterceptor) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.UnaryInterceptor(i.UnaryServerInterceptor))
	healthpb.RegisterHealthServer(s, health.NewServer())
	go func() {
		if err := s.Serve(lis); err != nil {
			t.Errorf("Serve()=%v", err)
		}
	}()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient()=%v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestUnaryServerInterceptor(t *testing.T) {
	for _, test := range []struct {
		desc        string
		decision    admission.Decision
		md          []string
		wantCode    codes.Code
		wantHeaders map[string]string
	}{
		{
			desc:     "noTenant",
			decision: denied,
			wantCode: codes.OK,
		},
		{
			desc:        "allowed",
			decision:    allowed,
			md:          []string{"x-tenant-id", "acme", "x-user-id", "alice"},
			wantCode:    codes.OK,
			wantHeaders: map[string]string{"x-ratelimit-limit": "10", "x-ratelimit-remaining": "7", "x-ratelimit-tier": "free"},
		},
		{
			desc:        "denied",
			decision:    denied,
			md:          []string{"x-tenant-id", "acme"},
			wantCode:    codes.ResourceExhausted,
			wantHeaders: map[string]string{"x-ratelimit-remaining": "0", "retry-after": "36"},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			checker := &fakeChecker{decision: test.decision}
			client := startHealthServer(t, &AdmissionInterceptor{Checker: checker, Tiers: fakeTiers{"acme": tier.Free}})

			ctx := context.Background()
			if len(test.md) > 0 {
				ctx = metadata.AppendToOutgoingContext(ctx, test.md...)
			}
			var hdr metadata.MD
			_, err := client.Check(ctx, &healthpb.HealthCheckRequest{}, grpc.Header(&hdr))
			if got := status.Code(err); got != test.wantCode {
				t.Fatalf("Check()=%v, want code %v", err, test.wantCode)
			}
			for k, want := range test.wantHeaders {
				if got := hdr.Get(k); len(got) != 1 || got[0] != want {
					t.Errorf("header %s=%q, want %q", k, got, want)
				}
			}
			if len(checker.checked) > 0 {
				if got, want := checker.checked[0].Endpoint, "/grpc.health.v1.Health/Check"; got != want {
					t.Errorf("Endpoint=%q, want %q", got, want)
				}
			}
		})
	}
}
