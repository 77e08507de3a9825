package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"groupcast/pkg/logx"
)

// fileStore keeps one JSON document per tenant:
//
//	<root>/tenants.json                 (registry records)
//	<root>/tenants/<id>/config.json     (per-tenant configuration)
//
// Writes go through a temp file + rename so a crash never leaves a
// half-written document behind.
type fileStore struct {
	log  logx.Logger
	root string

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("store.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Join(root, "tenants"), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, root: root}, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) EnsureTenant(ctx context.Context, tenantID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.readRegistryLocked()
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.ID == tenantID {
			return nil
		}
	}
	recs = append(recs, TenantRecord{ID: tenantID, CreatedAt: time.Now().UTC()})
	return s.writeRegistryLocked(recs)
}

func (s *fileStore) ListTenants(ctx context.Context) ([]TenantRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.readRegistryLocked()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	return recs, nil
}

func (s *fileStore) LoadTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.configPath(tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTenantConfig(), nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return DefaultTenantConfig(), nil
	}
	var cfg TenantConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *fileStore) SaveTenantConfig(ctx context.Context, tenantID string, cfg *TenantConfig) error {
	_ = ctx
	if cfg == nil {
		return errors.New("nil tenant config")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.configPath(tenantID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicWriteJSON(path, cfg)
}

func (s *fileStore) configPath(tenantID string) string {
	return filepath.Join(s.root, "tenants", tenantID, "config.json")
}

func (s *fileStore) registryPath() string {
	return filepath.Join(s.root, "tenants.json")
}

func (s *fileStore) readRegistryLocked() ([]TenantRecord, error) {
	b, err := os.ReadFile(s.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var recs []TenantRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *fileStore) writeRegistryLocked(recs []TenantRecord) error {
	return atomicWriteJSON(s.registryPath(), recs)
}

func atomicWriteJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
