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

// Package mysql provides a MySQL-based configuration store.
package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
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
	errNumDuplicate = 1062

	ruleColumns = `Id, Name, Tier, TenantId, UserId, Endpoint, RequestsPerHour, RequestsPerMinute,
		BurstLimit, Enabled, Priority, CreatedAt`

	// selectEffectiveRuleSQL matches the six rule patterns in one query.
	// Specificity is the number of scope columns set.
	selectEffectiveRuleSQL = `SELECT ` + ruleColumns + `
		FROM AdmissionRules
		WHERE Enabled = TRUE AND (
			(TenantId = ? AND UserId = ? AND Endpoint = ?) OR
			(TenantId = ? AND UserId IS NULL AND Endpoint = ?) OR
			(TenantId = ? AND UserId = ? AND Endpoint IS NULL) OR
			(TenantId = ? AND UserId IS NULL AND Endpoint IS NULL) OR
			(TenantId IS NULL AND UserId IS NULL AND Endpoint = ?) OR
			(TenantId IS NULL AND UserId IS NULL AND Endpoint IS NULL AND Tier = ?))
		ORDER BY Priority DESC, CreatedAt DESC,
			(TenantId IS NOT NULL) + (UserId IS NOT NULL) + (Endpoint IS NOT NULL) DESC,
			Id ASC
		LIMIT 1`
	insertRuleSQL = `INSERT INTO AdmissionRules(` + ruleColumns + `)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	deleteRuleSQL      = `DELETE FROM AdmissionRules WHERE Id = ?`
	selectPlanSQL      = `SELECT PlanType FROM TenantPlans WHERE TenantId = ?`
	replacePlanSQL     = `REPLACE INTO TenantPlans(TenantId, PlanType) VALUES(?, ?)`
	setStrictModeSQL   = `SET sql_mode = 'STRICT_ALL_TABLES'`
	defaultOpenTimeout = 10 * time.Second
)

// OpenDB opens the database at dsn. Times are always read and written in UTC.
func OpenDB(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		// Don't log the DSN as it could contain credentials.
		return nil, fmt.Errorf("parsing MySQL DSN: %v", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		klog.Warningf("Could not open MySQL database, check config: %s", err)
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultOpenTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, setStrictModeSQL); err != nil {
		klog.Warningf("Failed to set strict mode on mysql db: %s", err)
		db.Close()
		return nil, err
	}
	return db, nil
}

// Storage is a configuration store backed by MySQL.
type Storage struct {
	db *sql.DB
}

// New returns a Storage using db, which must have been opened by OpenDB or
// with parseTime enabled.
func New(db *sql.DB) *Storage {
	return &Storage{db: db}
}

// EffectiveRule implements rules.Storage.
func (s *Storage) EffectiveRule(ctx context.Context, q rules.Query) (*rules.Rule, error) {
	row := s.db.QueryRowContext(ctx, selectEffectiveRuleSQL,
		q.TenantID, q.UserID, q.Endpoint,
		q.TenantID, q.Endpoint,
		q.TenantID, q.UserID,
		q.TenantID,
		q.Endpoint,
		q.Tier.String())

	var r rules.Rule
	var tierName, tenantID, userID, endpoint sql.NullString
	err := row.Scan(&r.ID, &r.Name, &tierName, &tenantID, &userID, &endpoint,
		&r.RequestsPerHour, &r.RequestsPerMinute, &r.BurstLimit, &r.Enabled, &r.Priority, &r.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("selecting effective rule: %w", err)
	}
	r.Tier = tier.Parse(tierName.String)
	r.TenantID, r.UserID, r.Endpoint = tenantID.String, userID.String, endpoint.String
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// TenantPlan implements tier.PlanSource.
func (s *Storage) TenantPlan(ctx context.Context, tenantID string) (string, error) {
	var plan string
	err := s.db.QueryRowContext(ctx, selectPlanSQL, tenantID).Scan(&plan)
	switch {
	case errors.Is(err, sql.ErrNoRows):
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
	var tierName sql.NullString
	if r.Tier != tier.Unknown {
		tierName = sql.NullString{String: r.Tier.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, insertRuleSQL,
		r.ID, r.Name, tierName, nullable(r.TenantID), nullable(r.UserID), nullable(r.Endpoint),
		r.RequestsPerHour, r.RequestsPerMinute, r.BurstLimit, r.Enabled, r.Priority, r.CreatedAt.UTC())
	if isDuplicateErr(err) {
		return storage.ErrRuleExists
	}
	return err
}

// DeleteRule implements storage.AdminStorage.
func (s *Storage) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, deleteRuleSQL, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrRuleNotFound
	}
	return nil
}

// SetTenantPlan implements storage.AdminStorage.
func (s *Storage) SetTenantPlan(ctx context.Context, tenantID, plan string) error {
	_, err := s.db.ExecContext(ctx, replacePlanSQL, tenantID, plan)
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isDuplicateErr(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errNumDuplicate
}
