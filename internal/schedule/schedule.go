// Package schedule arms tenant broadcast timers on a single cron runner.
//
// Each installable schedule definition becomes one cron entry. Reinstall
// is whole-set: the tenant's existing entries are removed first, then the
// current installable set is armed, so edits and deactivations take
// effect atomically.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"groupcast/internal/content"
	"groupcast/internal/dispatch"
	"groupcast/internal/session"
	"groupcast/internal/store"
	"groupcast/pkg/logx"
)

type Config struct {
	// Timezone for all cron evaluation, e.g. "Asia/Jakarta". Empty means
	// the process-local zone.
	Timezone string
}

// Manager owns the cron runner and the per-tenant entry bookkeeping.
type Manager struct {
	log      logx.Logger
	cron     *cron.Cron
	registry *session.Registry
	db       store.Store
	source   content.Source
	disp     *dispatch.Dispatcher

	baseCtx context.Context

	mu      sync.Mutex
	entries map[string][]cron.EntryID
}

func NewManager(baseCtx context.Context, cfg Config, log logx.Logger, registry *session.Registry, db store.Store, source content.Source, disp *dispatch.Dispatcher) (*Manager, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule: load timezone %q: %w", cfg.Timezone, err)
		}
	}
	return &Manager{
		log:      log,
		cron:     cron.New(cron.WithLocation(loc)),
		registry: registry,
		db:       db,
		source:   source,
		disp:     disp,
		baseCtx:  baseCtx,
		entries:  map[string][]cron.EntryID{},
	}, nil
}

// Start begins cron evaluation. Entries may be installed before or after.
func (m *Manager) Start() { m.cron.Start() }

// Stop halts cron evaluation and waits for running jobs.
func (m *Manager) Stop(ctx context.Context) {
	done := m.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Install replaces the tenant's armed timers with the installable subset
// of defs. Definitions that are inactive, have no days, or no selected
// groups are skipped.
func (m *Manager) Install(tenantID string, defs []store.ScheduleDefinition) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.entries[tenantID] {
		m.cron.Remove(id)
	}
	delete(m.entries, tenantID)

	armed := 0
	for _, def := range defs {
		if !def.Installable() {
			continue
		}
		if !def.Valid() {
			m.log.Warn("schedule skipped, time fields out of range",
				logx.String("tenant", tenantID),
				logx.String("schedule", def.ID))
			continue
		}
		def := def
		id, err := m.cron.AddFunc(cronSpec(def), func() { m.fire(tenantID, def) })
		if err != nil {
			m.log.Warn("schedule arm failed",
				logx.String("tenant", tenantID),
				logx.String("schedule", def.ID),
				logx.Err(err))
			continue
		}
		m.entries[tenantID] = append(m.entries[tenantID], id)
		armed++
		m.log.Info("schedule armed",
			logx.String("tenant", tenantID),
			logx.String("schedule", def.ID),
			logx.String("spec", cronSpec(def)))
	}
	return armed
}

// Uninstall removes every timer for the tenant.
func (m *Manager) Uninstall(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.entries[tenantID] {
		m.cron.Remove(id)
	}
	delete(m.entries, tenantID)
}

// Armed returns how many entries the tenant currently has.
func (m *Manager) Armed(tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[tenantID])
}

// fire runs one scheduled broadcast. A firing while the session is not
// live is skipped, not queued.
func (m *Manager) fire(tenantID string, def store.ScheduleDefinition) {
	log := m.log.With(logx.String("tenant", tenantID), logx.String("schedule", def.ID))

	sess, err := m.registry.Get(tenantID)
	if err != nil || !sess.Live() {
		log.Warn("schedule fired while session not connected, skipping")
		return
	}

	cfg := store.DefaultTenantConfig()
	if m.db != nil {
		loaded, err := m.db.LoadTenantConfig(m.baseCtx, tenantID)
		if err != nil {
			log.Error("tenant config load failed, run aborted", logx.Err(err))
			return
		}
		cfg = loaded
	}

	ctx, cancel := context.WithTimeout(m.baseCtx, 30*time.Minute)
	defer cancel()

	payload, err := m.source.Latest(ctx, cfg.Content)
	if err != nil {
		log.Error("content fetch failed, run aborted", logx.Err(err))
		return
	}

	res, err := m.disp.Run(ctx, sess, def.SelectedGroups, payload, dispatch.Pacing{
		DelayBetweenGroups: cfg.AntiBan.DelayBetweenGroups,
		MaxGroupsPerBatch:  cfg.AntiBan.MaxGroupsPerBatch,
		BatchDelay:         cfg.AntiBan.BatchDelay,
	})
	if err != nil {
		log.Warn("scheduled run rejected", logx.Err(err))
		return
	}
	log.Info("scheduled run complete",
		logx.String("job", res.JobID),
		logx.Int("success", res.SuccessCount),
		logx.Int("errors", res.ErrorCount))
}

// cronSpec renders "minute hour * * days" with days as a comma list
// (0=Sunday, cron convention).
func cronSpec(def store.ScheduleDefinition) string {
	days := append([]int(nil), def.Days...)
	sort.Ints(days)
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return fmt.Sprintf("%d %d * * %s", def.Minute, def.Hour, strings.Join(parts, ","))
}
