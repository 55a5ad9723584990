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

package postgresql

import (
	"flag"
	"fmt"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quotagate/quotagate/monitoring"
	"github.com/quotagate/quotagate/rules"
	"github.com/quotagate/quotagate/storage"
	"github.com/quotagate/quotagate/tier"
	"k8s.io/klog/v2"
)

var (
	postgreSQLURI        = flag.String("postgresql_uri", "postgresql:///admission?host=localhost&user=admission", "Connection URI for PostgreSQL database")
	postgresqlTLSCA      = flag.String("postgresql_tls_ca", "", "Path to the CA certificate file for PostgreSQL TLS connection ")
	postgresqlVerifyFull = flag.Bool("postgresql_verify_full", false, "Enable full TLS verification for PostgreSQL (sslmode=verify-full). If false, only sslmode=verify-ca is used.")
)

func init() {
	if err := storage.RegisterProvider("postgresql", newPostgreSQLStorageProvider); err != nil {
		klog.Fatalf("Failed to register storage provider postgresql: %v", err)
	}
}

type postgresqlProvider struct {
	db *pgxpool.Pool
	s  *Storage
}

func newPostgreSQLStorageProvider(_ monitoring.MetricFactory) (storage.Provider, error) {
	uri, err := connectionURI(*postgreSQLURI, *postgresqlTLSCA, *postgresqlVerifyFull)
	if err != nil {
		return nil, err
	}
	db, err := OpenDB(uri)
	if err != nil {
		return nil, err
	}
	return &postgresqlProvider{db: db, s: New(db)}, nil
}

// connectionURI adds the TLS settings to uri when a CA file is given.
func connectionURI(uri, caFile string, verifyFull bool) (string, error) {
	if caFile == "" {
		return uri, nil
	}
	if _, err := os.Stat(caFile); err != nil {
		return "", fmt.Errorf("postgresql CA file error: %w", err)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid postgresql URI: %w", err)
	}
	q := u.Query()
	q.Set("sslrootcert", caFile)
	if verifyFull {
		q.Set("sslmode", "verify-full")
	} else if q.Get("sslmode") == "" {
		q.Set("sslmode", "verify-ca")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (p *postgresqlProvider) RuleStorage() rules.Storage { return p.s }

func (p *postgresqlProvider) PlanSource() tier.PlanSource { return p.s }

func (p *postgresqlProvider) AdminStorage() storage.AdminStorage { return p.s }

func (p *postgresqlProvider) Close() error {
	p.db.Close()
	return nil
}
