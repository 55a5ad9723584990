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

// Package etcd provides an etcd-based configuration store. Rules are kept as
// JSON documents under <prefix>rules/<id> and tenant plans as plain values
// under <prefix>plans/<tenant>.
package etcd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quotagate/quotagate/rules"
	"github.com/quotagate/quotagate/storage"
	"github.com/quotagate/quotagate/tier"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// Storage is a configuration store backed by etcd.
type Storage struct {
	client *clientv3.Client
	prefix string
}

// New returns a Storage that keeps its keys under prefix.
func New(client *clientv3.Client, prefix string) *Storage {
	return &Storage{client: client, prefix: prefix}
}

func (s *Storage) ruleKey(id string) string      { return s.prefix + "rules/" + id }
func (s *Storage) planKey(tenant string) string { return s.prefix + "plans/" + tenant }

// EffectiveRule implements rules.Storage. All rules are listed and the
// effective one is selected client-side.
func (s *Storage) EffectiveRule(ctx context.Context, q rules.Query) (*rules.Rule, error) {
	resp, err := s.client.Get(ctx, s.ruleKey(""), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing rules: %w", err)
	}
	candidates := make([]*rules.Rule, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		r := &rules.Rule{}
		if err := json.Unmarshal(kv.Value, r); err != nil {
			return nil, fmt.Errorf("decoding rule %s: %w", kv.Key, err)
		}
		candidates = append(candidates, r)
	}
	return rules.Select(candidates, q), nil
}

// TenantPlan implements tier.PlanSource.
func (s *Storage) TenantPlan(ctx context.Context, tenantID string) (string, error) {
	resp, err := s.client.Get(ctx, s.planKey(tenantID))
	if err != nil {
		return "", fmt.Errorf("reading tenant plan: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", tier.ErrNoPlan
	}
	return string(resp.Kvs[0].Value), nil
}

// CreateRule implements storage.AdminStorage.
func (s *Storage) CreateRule(ctx context.Context, r *rules.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := s.ruleKey(r.ID)
	_, err = concurrency.NewSTMSerializable(ctx, s.client, func(stm concurrency.STM) error {
		if stm.Rev(key) != 0 {
			return storage.ErrRuleExists
		}
		stm.Put(key, string(value))
		return nil
	})
	return err
}

// DeleteRule implements storage.AdminStorage.
func (s *Storage) DeleteRule(ctx context.Context, id string) error {
	resp, err := s.client.Delete(ctx, s.ruleKey(id))
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return storage.ErrRuleNotFound
	}
	return nil
}

// SetTenantPlan implements storage.AdminStorage.
func (s *Storage) SetTenantPlan(ctx context.Context, tenantID, plan string) error {
	_, err := s.client.Put(ctx, s.planKey(tenantID), plan)
	return err
}
