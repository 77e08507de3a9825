package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"groupcast/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tenant_configs (
	tenant_id  TEXT PRIMARY KEY REFERENCES tenants(id),
	config     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) EnsureTenant(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, created_at) VALUES(?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		tenantID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListTenants(ctx context.Context) ([]TenantRecord, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, created_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TenantRecord
	for rows.Next() {
		var id, created string
		if err := rows.Scan(&id, &created); err != nil {
			return nil, err
		}
		at, _ := time.Parse(time.RFC3339Nano, created)
		out = append(out, TenantRecord{ID: id, CreatedAt: at})
	}
	return out, rows.Err()
}

func (s *sqliteStore) LoadTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		`SELECT config FROM tenant_configs WHERE tenant_id = ?`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultTenantConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	var cfg TenantConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("corrupt config for tenant %s: %w", tenantID, err)
	}
	return &cfg, nil
}

func (s *sqliteStore) SaveTenantConfig(ctx context.Context, tenantID string, cfg *TenantConfig) error {
	if cfg == nil {
		return errors.New("nil tenant config")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tenant_configs(tenant_id, config, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET config=excluded.config, updated_at=excluded.updated_at`,
		tenantID, string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}
