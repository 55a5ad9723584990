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

// Package testdb creates new MySQL and PostgreSQL databases for tests.
package testdb

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/klog/v2"
)

const (
	// MySQLURIEnv is the name of the ENV variable checked for the test MySQL
	// instance URI to use.
	MySQLURIEnv = "TEST_MYSQL_URI"
	// PostgreSQLURIEnv is the name of the ENV variable checked for the test
	// PostgreSQL instance URI to use.
	PostgreSQLURIEnv = "TEST_POSTGRESQL_URI"

	defaultTestMySQLURI      = "root@tcp(127.0.0.1)/"
	defaultTestPostgreSQLURI = "postgresql:///postgres?host=localhost&user=postgres&password=postgres"

	availabilityTimeout = 2 * time.Second
)

// We use ENV variables, rather than flags, so that only the tests that need
// a database pick them up.
func mysqlURI() string {
	if e := os.Getenv(MySQLURIEnv); len(e) > 0 {
		return e
	}
	return defaultTestMySQLURI
}

func postgresqlURI() string {
	if e := os.Getenv(PostgreSQLURIEnv); len(e) > 0 {
		return e
	}
	return defaultTestPostgreSQLURI
}

// MySQLAvailable indicates whether the configured MySQL database is available.
func MySQLAvailable() bool {
	db, err := sql.Open("mysql", mysqlURI())
	if err != nil {
		klog.Infof("sql.Open(): %v", err)
		return false
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), availabilityTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		klog.Infof("db.Ping(): %v", err)
		return false
	}
	return true
}

// PostgreSQLAvailable indicates whether the configured PostgreSQL database
// is available.
func PostgreSQLAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), availabilityTimeout)
	defer cancel()
	pool, err := pgxpool.New(ctx, postgresqlURI())
	if err != nil {
		klog.Infof("pgxpool.New(): %v", err)
		return false
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		klog.Infof("pool.Ping(): %v", err)
		return false
	}
	return true
}

// SkipIfNoMySQL is a test helper that skips tests that require a MySQL.
func SkipIfNoMySQL(t *testing.T) {
	t.Helper()
	if !MySQLAvailable() {
		t.Skip("Skipping test as MySQL not available")
	}
}

// SkipIfNoPostgreSQL is a test helper that skips tests that require a
// PostgreSQL.
func SkipIfNoPostgreSQL(t *testing.T) {
	t.Helper()
	if !PostgreSQLAvailable() {
		t.Skip("Skipping test as PostgreSQL not available")
	}
}

func newDBName() string {
	return fmt.Sprintf("admission_%v", time.Now().UnixNano())
}

// NewMySQLDB creates a randomly-named MySQL database holding schema. The
// returned function drops it.
func NewMySQLDB(ctx context.Context, schema string) (*sql.DB, func(context.Context), error) {
	admin, err := sql.Open("mysql", mysqlURI())
	if err != nil {
		return nil, nil, err
	}
	defer admin.Close()

	name := newDBName()
	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+name); err != nil {
		return nil, nil, fmt.Errorf("creating database %s: %v", name, err)
	}

	cfg, err := mysql.ParseDSN(mysqlURI())
	if err != nil {
		return nil, nil, err
	}
	cfg.DBName = name
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, nil, err
	}
	done := func(ctx context.Context) {
		defer db.Close()
		if _, err := db.ExecContext(ctx, "DROP DATABASE "+name); err != nil {
			klog.Warningf("Failed to drop test database %q: %v", name, err)
		}
	}
	for _, stmt := range statements(schema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			done(ctx)
			return nil, nil, fmt.Errorf("error running statement %q: %v", stmt, err)
		}
	}
	return db, done, nil
}

// NewPostgreSQLDB creates a randomly-named PostgreSQL database holding
// schema. The returned function drops it.
func NewPostgreSQLDB(ctx context.Context, schema string) (*pgxpool.Pool, func(context.Context), error) {
	admin, err := pgxpool.New(ctx, postgresqlURI())
	if err != nil {
		return nil, nil, err
	}
	defer admin.Close()

	name := newDBName()
	if _, err := admin.Exec(ctx, "CREATE DATABASE "+name); err != nil {
		return nil, nil, fmt.Errorf("creating database %s: %v", name, err)
	}

	cfg, err := pgxpool.ParseConfig(postgresqlURI())
	if err != nil {
		return nil, nil, err
	}
	cfg.ConnConfig.Database = name
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	done := func(ctx context.Context) {
		pool.Close()
		admin, err := pgxpool.New(ctx, postgresqlURI())
		if err != nil {
			klog.Warningf("Failed to reconnect to drop test database %q: %v", name, err)
			return
		}
		defer admin.Close()
		if _, err := admin.Exec(ctx, "DROP DATABASE "+name); err != nil {
			klog.Warningf("Failed to drop test database %q: %v", name, err)
		}
	}
	for _, stmt := range statements(schema) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			done(ctx)
			return nil, nil, fmt.Errorf("error running statement %q: %v", stmt, err)
		}
	}
	return pool, done, nil
}

// statements splits a schema script into statements, dropping comments.
func statements(script string) []string {
	buf := &bytes.Buffer{}
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' || strings.HasPrefix(line, "--") {
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	var ret []string
	for _, stmt := range strings.Split(buf.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			ret = append(ret, stmt)
		}
	}
	return ret
}
