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

package mysql

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"flag"
	"os"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/quotagate/quotagate/monitoring"
	"github.com/quotagate/quotagate/rules"
	"github.com/quotagate/quotagate/storage"
	"github.com/quotagate/quotagate/tier"
	"k8s.io/klog/v2"
)

var (
	mySQLURI        = flag.String("mysql_uri", "admission:admission@tcp(127.0.0.1:3306)/admission", "Connection URI for MySQL database")
	maxConns        = flag.Int("mysql_max_conns", 0, "Maximum connections to the database")
	maxIdle         = flag.Int("mysql_max_idle_conns", -1, "Maximum idle database connections in the connection pool")
	mySQLTLSCA      = flag.String("mysql_tls_ca", "", "Path to the CA certificate file for MySQL TLS connection ")
	mySQLServerName = flag.String("mysql_server_name", "", "Name of the MySQL server to be used as the Server Name in the TLS configuration")

	mysqlMu sync.Mutex
)

func init() {
	if err := storage.RegisterProvider("mysql", newMySQLStorageProvider); err != nil {
		klog.Fatalf("Failed to register storage provider mysql: %v", err)
	}
}

type mysqlProvider struct {
	db *sql.DB
	s  *Storage
}

func newMySQLStorageProvider(_ monitoring.MetricFactory) (storage.Provider, error) {
	mysqlMu.Lock()
	defer mysqlMu.Unlock()

	cfg, err := mysql.ParseDSN(*mySQLURI)
	if err != nil {
		return nil, err
	}
	if *mySQLTLSCA != "" {
		if err := registerMySQLTLSConfig(); err != nil {
			return nil, err
		}
		cfg.TLSConfig = "custom"
	}
	db, err := OpenDB(cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	if *maxConns > 0 {
		db.SetMaxOpenConns(*maxConns)
	}
	if *maxIdle >= 0 {
		db.SetMaxIdleConns(*maxIdle)
	}
	return &mysqlProvider{db: db, s: New(db)}, nil
}

func (p *mysqlProvider) RuleStorage() rules.Storage { return p.s }

func (p *mysqlProvider) PlanSource() tier.PlanSource { return p.s }

func (p *mysqlProvider) AdminStorage() storage.AdminStorage { return p.s }

func (p *mysqlProvider) Close() error {
	return p.db.Close()
}

// registerMySQLTLSConfig registers a custom TLS config for MySQL using a
// provided CA file and optional server name. Requires mysqlMu to be locked.
func registerMySQLTLSConfig() error {
	rootCertPool := x509.NewCertPool()
	pem, err := os.ReadFile(*mySQLTLSCA)
	if err != nil {
		return err
	}
	if ok := rootCertPool.AppendCertsFromPEM(pem); !ok {
		return errors.New("failed to append PEM")
	}
	return mysql.RegisterTLSConfig("custom", &tls.Config{
		RootCAs:    rootCertPool,
		ServerName: *mySQLServerName,
	})
}
