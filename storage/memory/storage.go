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

// Package memory provides an in-memory configuration store, for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/quotagate/quotagate/monitoring"
	"github.com/quotagate/quotagate/rules"
	"github.com/quotagate/quotagate/storage"
	"github.com/quotagate/quotagate/tier"
	"k8s.io/klog/v2"
)

func init() {
	if err := storage.RegisterProvider("memory", newProvider); err != nil {
		klog.Fatalf("Failed to register storage provider memory: %v", err)
	}
}

const degree = 8

// Storage keeps rules in a B-tree ordered by precedence, so the effective
// rule for a query is the first matching rule found in order.
type Storage struct {
	mu    sync.RWMutex
	rules *btree.BTreeG[*rules.Rule]
	byID  map[string]*rules.Rule
	plans map[string]string
}

// New returns an empty Storage.
func New() *Storage {
	return &Storage{
		rules: btree.NewG(degree, rules.Precedes),
		byID:  make(map[string]*rules.Rule),
		plans: make(map[string]string),
	}
}

// EffectiveRule implements rules.Storage.
func (s *Storage) EffectiveRule(ctx context.Context, q rules.Query) (*rules.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *rules.Rule
	s.rules.Ascend(func(r *rules.Rule) bool {
		if r.Match(q) != rules.NoMatch {
			found = r
			return false
		}
		return true
	})
	if found == nil {
		return nil, nil
	}
	ret := *found
	return &ret, nil
}

// TenantPlan implements tier.PlanSource.
func (s *Storage) TenantPlan(ctx context.Context, tenantID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[tenantID]
	if !ok {
		return "", tier.ErrNoPlan
	}
	return plan, nil
}

// CreateRule implements storage.AdminStorage.
func (s *Storage) CreateRule(ctx context.Context, r *rules.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; ok {
		return storage.ErrRuleExists
	}
	cp := *r
	s.byID[r.ID] = &cp
	s.rules.ReplaceOrInsert(&cp)
	return nil
}

// DeleteRule implements storage.AdminStorage.
func (s *Storage) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return storage.ErrRuleNotFound
	}
	delete(s.byID, id)
	s.rules.Delete(r)
	return nil
}

// SetTenantPlan implements storage.AdminStorage.
func (s *Storage) SetTenantPlan(ctx context.Context, tenantID, plan string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[tenantID] = plan
	return nil
}

// Len returns the number of rules stored.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.Len()
}

type provider struct {
	s *Storage
}

func newProvider(_ monitoring.MetricFactory) (storage.Provider, error) {
	return &provider{s: New()}, nil
}

func (p *provider) RuleStorage() rules.Storage { return p.s }
func (p *provider) PlanSource() tier.PlanSource { return p.s }
func (p *provider) AdminStorage() storage.AdminStorage { return p.s }
func (p *provider) Close() error { return nil }
