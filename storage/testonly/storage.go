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

// Package testonly holds checks shared by every configuration store.
package testonly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/quotagate/quotagate/rules"
	"github.com/quotagate/quotagate/storage"
	"github.com/quotagate/quotagate/tier"
)

// Storage is the full surface of a configuration store.
type Storage interface {
	rules.Storage
	tier.PlanSource
	storage.AdminStorage
}

// NewStorageFunc returns an empty Storage.
type NewStorageFunc func(t *testing.T) Storage

var created = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

// Rule returns an enabled rule with valid limits, adjusted by mod.
func Rule(id string, mod func(*rules.Rule)) *rules.Rule {
	r := &rules.Rule{
		ID:                id,
		Name:              "rule " + id,
		RequestsPerHour:   1000,
		RequestsPerMinute: 50,
		BurstLimit:        100,
		Enabled:           true,
		CreatedAt:         created,
	}
	if mod != nil {
		mod(r)
	}
	return r
}

// RunStorageTests runs the shared checks, each against a new Storage.
func RunStorageTests(t *testing.T, newStorage NewStorageFunc) {
	for _, test := range []struct {
		name string
		fn   func(*testing.T, Storage)
	}{
		{name: "EffectiveRulePatterns", fn: testEffectiveRulePatterns},
		{name: "EffectiveRuleOrdering", fn: testEffectiveRuleOrdering},
		{name: "CreateAndDeleteRule", fn: testCreateAndDeleteRule},
		{name: "TenantPlan", fn: testTenantPlan},
	} {
		t.Run(test.name, func(t *testing.T) {
			test.fn(t, newStorage(t))
		})
	}
}

func mustCreate(t *testing.T, s Storage, rs ...*rules.Rule) {
	t.Helper()
	for _, r := range rs {
		if err := s.CreateRule(context.Background(), r); err != nil {
			t.Fatalf("CreateRule(%s)=%v", r.ID, err)
		}
	}
}

func effectiveID(t *testing.T, s Storage, q rules.Query) string {
	t.Helper()
	r, err := s.EffectiveRule(context.Background(), q)
	if err != nil {
		t.Fatalf("EffectiveRule(%+v)=%v", q, err)
	}
	if r == nil {
		return ""
	}
	return r.ID
}

func testEffectiveRulePatterns(t *testing.T, s Storage) {
	// Later rules are newer, so with equal priorities the loosest rule that
	// matches wins. Each query below is built to match a single pattern.
	mustCreate(t, s,
		Rule("p6", func(r *rules.Rule) { r.Tier = tier.Premium }),
		Rule("p5", func(r *rules.Rule) { r.Endpoint, r.CreatedAt = "/v1/search", created.Add(1*time.Second) }),
		Rule("p4", func(r *rules.Rule) { r.TenantID, r.CreatedAt = "t4", created.Add(2*time.Second) }),
		Rule("p3", func(r *rules.Rule) { r.TenantID, r.UserID, r.CreatedAt = "t3", "u3", created.Add(3*time.Second) }),
		Rule("p2", func(r *rules.Rule) { r.TenantID, r.Endpoint, r.CreatedAt = "t2", "/v1/orders", created.Add(4*time.Second) }),
		Rule("p1", func(r *rules.Rule) {
			r.TenantID, r.UserID, r.Endpoint, r.CreatedAt = "t1", "u1", "/v1/orders", created.Add(5*time.Second)
		}),
		Rule("off", func(r *rules.Rule) { r.TenantID, r.Enabled, r.Priority = "t1", false, 100 }),
	)

	for _, test := range []struct {
		desc string
		q    rules.Query
		want string
	}{
		{desc: "tenantUserEndpoint", q: rules.Query{TenantID: "t1", UserID: "u1", Endpoint: "/v1/orders", Tier: tier.Free}, want: "p1"},
		{desc: "tenantEndpoint", q: rules.Query{TenantID: "t2", UserID: "anyone", Endpoint: "/v1/orders", Tier: tier.Free}, want: "p2"},
		{desc: "tenantUser", q: rules.Query{TenantID: "t3", UserID: "u3", Endpoint: "/v1/other", Tier: tier.Free}, want: "p3"},
		{desc: "tenantOnly", q: rules.Query{TenantID: "t4", Tier: tier.Free}, want: "p4"},
		{desc: "globalEndpoint", q: rules.Query{TenantID: "t9", Endpoint: "/v1/search", Tier: tier.Free}, want: "p5"},
		{desc: "globalTier", q: rules.Query{TenantID: "t9", Tier: tier.Premium}, want: "p6"},
		{desc: "nothing", q: rules.Query{TenantID: "t9", UserID: "u1", Endpoint: "/v1/orders", Tier: tier.Free}},
		{desc: "disabledIgnored", q: rules.Query{TenantID: "t1", UserID: "u2", Tier: tier.Free}},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if got := effectiveID(t, s, test.q); got != test.want {
				t.Errorf("EffectiveRule()=%q; want %q", got, test.want)
			}
		})
	}

	got, err := s.EffectiveRule(context.Background(), rules.Query{TenantID: "t1", UserID: "u1", Endpoint: "/v1/orders"})
	if err != nil {
		t.Fatalf("EffectiveRule()=%v", err)
	}
	want := Rule("p1", func(r *rules.Rule) {
		r.TenantID, r.UserID, r.Endpoint, r.CreatedAt = "t1", "u1", "/v1/orders", created.Add(5*time.Second)
	})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EffectiveRule() diff (-want +got):\n%s", diff)
	}
}

func testEffectiveRuleOrdering(t *testing.T, s Storage) {
	ctx := context.Background()
	q := rules.Query{TenantID: "acme", UserID: "alice", Endpoint: "/v1/orders", Tier: tier.Standard}
	mustCreate(t, s,
		Rule("default", func(r *rules.Rule) { r.Tier = tier.Standard }),
		Rule("tenant", func(r *rules.Rule) { r.TenantID = "acme" }),
	)
	if got, want := effectiveID(t, s, q), "tenant"; got != want {
		t.Errorf("equal priority and age: EffectiveRule()=%q; want the more specific %q", got, want)
	}

	mustCreate(t, s, Rule("newer", func(r *rules.Rule) { r.Tier, r.CreatedAt = tier.Standard, created.Add(time.Minute) }))
	if got, want := effectiveID(t, s, q), "newer"; got != want {
		t.Errorf("EffectiveRule()=%q; want the newest %q", got, want)
	}

	mustCreate(t, s, Rule("urgent", func(r *rules.Rule) { r.Endpoint, r.Priority = "/v1/orders", 5 }))
	if got, want := effectiveID(t, s, q), "urgent"; got != want {
		t.Errorf("EffectiveRule()=%q; want the highest priority %q", got, want)
	}

	if err := s.DeleteRule(ctx, "urgent"); err != nil {
		t.Fatalf("DeleteRule()=%v", err)
	}
	for i := 0; i < 3; i++ {
		if got, want := effectiveID(t, s, q), "newer"; got != want {
			t.Errorf("after delete, EffectiveRule()=%q; want %q", got, want)
		}
	}
}

func testCreateAndDeleteRule(t *testing.T, s Storage) {
	ctx := context.Background()
	r := Rule("r1", func(r *rules.Rule) { r.TenantID = "acme" })
	mustCreate(t, s, r)
	if err := s.CreateRule(ctx, r); !errors.Is(err, storage.ErrRuleExists) {
		t.Errorf("CreateRule() duplicate=%v; want %v", err, storage.ErrRuleExists)
	}
	if err := s.CreateRule(ctx, Rule("bad", nil)); err == nil {
		t.Error("CreateRule() of an unscoped rule succeeded")
	}
	if err := s.DeleteRule(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRule()=%v", err)
	}
	if err := s.DeleteRule(ctx, "r1"); !errors.Is(err, storage.ErrRuleNotFound) {
		t.Errorf("DeleteRule() again=%v; want %v", err, storage.ErrRuleNotFound)
	}
	if got := effectiveID(t, s, rules.Query{TenantID: "acme"}); got != "" {
		t.Errorf("EffectiveRule() after delete=%q; want none", got)
	}
}

func testTenantPlan(t *testing.T, s Storage) {
	ctx := context.Background()
	if _, err := s.TenantPlan(ctx, "acme"); !errors.Is(err, tier.ErrNoPlan) {
		t.Errorf("TenantPlan() unknown tenant=%v; want %v", err, tier.ErrNoPlan)
	}
	for _, plan := range []string{"Premium", "enterprise"} {
		if err := s.SetTenantPlan(ctx, "acme", plan); err != nil {
			t.Fatalf("SetTenantPlan(%q)=%v", plan, err)
		}
		got, err := s.TenantPlan(ctx, "acme")
		if err != nil || got != plan {
			t.Errorf("TenantPlan()=%q, %v; want %q", got, err, plan)
		}
	}
}
