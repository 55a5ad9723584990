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

// Package storage defines the configuration stores admission rules and
// tenant plans are read from, and a registry of their implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/quotagate/quotagate/monitoring"
	"github.com/quotagate/quotagate/rules"
	"github.com/quotagate/quotagate/tier"
)

var (
	// ErrRuleExists is returned when creating a rule whose ID is taken.
	ErrRuleExists = errors.New("rule already exists")
	// ErrRuleNotFound is returned when deleting a rule that does not exist.
	ErrRuleNotFound = errors.New("rule not found")
)

// AdminStorage writes rules and plans. Admission servers only use it to
// seed tier defaults; everything else is managed by external tooling.
type AdminStorage interface {
	// CreateRule stores a new rule, or returns ErrRuleExists.
	CreateRule(ctx context.Context, r *rules.Rule) error
	// DeleteRule removes a rule, or returns ErrRuleNotFound.
	DeleteRule(ctx context.Context, id string) error
	// SetTenantPlan sets the plan of a tenant.
	SetTenantPlan(ctx context.Context, tenantID, plan string) error
}

// Provider is an interface which allows admission binaries to use different
// storage implementations.
type Provider interface {
	// RuleStorage returns the storage rules are resolved from.
	RuleStorage() rules.Storage
	// PlanSource returns the storage tenant plans are read from.
	PlanSource() tier.PlanSource
	// AdminStorage returns the write side of the storage.
	AdminStorage() AdminStorage

	// Close closes the underlying storage.
	Close() error
}

// NewProviderFunc is the signature of a function which can be registered to
// provide instances of storage providers.
type NewProviderFunc func(monitoring.MetricFactory) (Provider, error)

var (
	spMu     sync.RWMutex
	spByName = make(map[string]NewProviderFunc)
)

// RegisterProvider registers the given storage Provider.
func RegisterProvider(name string, sp NewProviderFunc) error {
	spMu.Lock()
	defer spMu.Unlock()

	if _, exists := spByName[name]; exists {
		return fmt.Errorf("storage provider %v already registered", name)
	}
	spByName[name] = sp
	return nil
}

// NewProvider returns a new Provider instance of the type specified by name.
func NewProvider(name string, mf monitoring.MetricFactory) (Provider, error) {
	spMu.RLock()
	sp := spByName[name]
	spMu.RUnlock()

	if sp == nil {
		return nil, fmt.Errorf("no such storage provider %v", name)
	}
	return sp(mf)
}

// Providers returns the sorted names of all registered storage providers.
func Providers() []string {
	spMu.RLock()
	defer spMu.RUnlock()

	r := make([]string, 0, len(spByName))
	for k := range spByName {
		r = append(r, k)
	}
	sort.Strings(r)
	return r
}

// SeedRules creates rs, skipping rules that already exist. It returns the
// number of rules created.
func SeedRules(ctx context.Context, as AdminStorage, rs []*rules.Rule) (int, error) {
	created := 0
	for _, r := range rs {
		err := as.CreateRule(ctx, r)
		switch {
		case errors.Is(err, ErrRuleExists):
		case err != nil:
			return created, fmt.Errorf("seeding rule %s: %w", r.ID, err)
		default:
			created++
		}
	}
	return created, nil
}
