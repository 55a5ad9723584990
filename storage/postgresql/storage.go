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

// Package postgresql provides a PostgreSQL-based configuration store.
package postgresql

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quotagate/quotagate/rules"
	"github.com/quotagate/quotagate/storage"
	"github.com/quotagate/quotagate/tier"
	"k8s.io/klog/v2"
)

// Schema creates the tables used by Storage.
//
//go:embed schema/storage.sql
var Schema string

const (
	ruleColumns = `id, name, tier, tenant_id, user_id, endpoint, requests_per_hour, requests_per_minute,
		burst_limit, enabled, priority, created_at`

	// selectEffectiveRuleSQL matches the six rule patterns in one query.
	// Specificity is the number of scope columns set.
	selectEffectiveRuleSQL = `SELECT ` + ruleColumns + `
		FROM admission_rules
		WHERE enabled AND (
			(tenant_id = $1 AND user_id = $2 AND endpoint = $3) OR
			(tenant_id = $1 AND user_id IS NULL AND endpoint = $3) OR
			(tenant_id = $1 AND user_id = $2 AND endpoint IS NULL) OR
			(tenant_id = $1 AND user_id IS NULL AND endpoint IS NULL) OR
			(tenant_id IS NULL AND user_id IS NULL AND endpoint = $3) OR
			(tenant_id IS NULL AND user_id IS NULL AND endpoint IS NULL AND tier = $4))
		ORDER BY priority DESC, created_at DESC,
			(tenant_id IS NOT NULL)::int + (user_id IS NOT NULL)::int + (endpoint IS NOT NULL)::int DESC,
			id ASC
		LIMIT 1`
	insertRuleSQL = `INSERT INTO admission_rules(` + ruleColumns + `)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	deleteRuleSQL = `DELETE FROM admission_rules WHERE id = $1`
	selectPlanSQL = `SELECT plan_type FROM tenant_plans WHERE tenant_id = $1`
	upsertPlanSQL = `INSERT INTO tenant_plans(tenant_id, plan_type) VALUES($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET plan_type = EXCLUDED.plan_type`
)

// OpenDB opens a connection pool to the database at uri.
func OpenDB(uri string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(context.Background(), uri)
	if err != nil {
		// Don't log uri as it could contain credentials.
		klog.Warningf("Could not open PostgreSQL database, check config: %s", err)
		return nil, err
	}
	return pool, nil
}

// Storage is a configuration store backed by PostgreSQL.
type Storage struct {
	db *pgxpool.Pool
}

// New returns a Storage using db.
func New(db *pgxpool.Pool) *Storage {
	return &Storage{db: db}
}

// EffectiveRule implements rules.Storage.
func (s *Storage) EffectiveRule(ctx context.Context, q rules.Query) (*rules.Rule, error) {
	var r rules.Rule
	var tierName, tenantID, userID, endpoint *string
	err := s.db.QueryRow(ctx, selectEffectiveRuleSQL, q.TenantID, q.UserID, q.Endpoint, q.Tier.String()).Scan(
		&r.ID, &r.Name, &tierName, &tenantID, &userID, &endpoint,
		&r.RequestsPerHour, &r.RequestsPerMinute, &r.BurstLimit, &r.Enabled, &r.Priority, &r.CreatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("selecting effective rule: %w", err)
	}
	r.Tier = tier.Parse(deref(tierName))
	r.TenantID, r.UserID, r.Endpoint = deref(tenantID), deref(userID), deref(endpoint)
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// TenantPlan implements tier.PlanSource.
func (s *Storage) TenantPlan(ctx context.Context, tenantID string) (string, error) {
	var plan string
	err := s.db.QueryRow(ctx, selectPlanSQL, tenantID).Scan(&plan)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "", tier.ErrNoPlan
	case err != nil:
		return "", fmt.Errorf("selecting tenant plan: %w", err)
	}
	return plan, nil
}

// CreateRule implements storage.AdminStorage.
func (s *Storage) CreateRule(ctx context.Context, r *rules.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	var tierName *string
	if r.Tier != tier.Unknown {
		n := r.Tier.String()
		tierName = &n
	}
	_, err := s.db.Exec(ctx, insertRuleSQL,
		r.ID, r.Name, tierName, nullable(r.TenantID), nullable(r.UserID), nullable(r.Endpoint),
		r.RequestsPerHour, r.RequestsPerMinute, r.BurstLimit, r.Enabled, r.Priority, r.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return storage.ErrRuleExists
	}
	return err
}

// DeleteRule implements storage.AdminStorage.
func (s *Storage) DeleteRule(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, deleteRuleSQL, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrRuleNotFound
	}
	return nil
}

// SetTenantPlan implements storage.AdminStorage.
func (s *Storage) SetTenantPlan(ctx context.Context, tenantID, plan string) error {
	_, err := s.db.Exec(ctx, upsertPlanSQL, tenantID, plan)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
