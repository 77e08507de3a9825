package store

import (
	"context"
	"errors"
	"time"

	"groupcast/internal/transport"
)

var ErrDisabled = errors.New("store disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": per-tenant JSON files under Path
//   - "sqlite": a SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AntiBanSettings paces a tenant's dispatch runs. Delays are in seconds,
// matching the persisted shape consumed by the web layer.
type AntiBanSettings struct {
	DelayBetweenGroups   int `json:"delayBetweenGroups"`
	DelayBetweenMessages int `json:"delayBetweenMessages"`
	MaxGroupsPerBatch    int `json:"maxGroupsPerBatch"`
	BatchDelay           int `json:"batchDelay"`
}

// ScheduleDefinition is one recurring broadcast trigger.
type ScheduleDefinition struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Active         bool                    `json:"active"`
	Minute         int                     `json:"minute"` // 0-59
	Hour           int                     `json:"hour"`   // 0-23
	Days           []int                   `json:"days"`   // weekdays, Sunday=0
	SelectedGroups []transport.RecipientID `json:"selectedGroups"`
}

// Installable reports whether the definition qualifies for a timer:
// active, at least one weekday, at least one recipient. Non-installable
// definitions are skipped at install time, not rejected.
func (d ScheduleDefinition) Installable() bool {
	return d.Active && len(d.Days) > 0 && len(d.SelectedGroups) > 0
}

// Valid reports whether the time fields are in range.
func (d ScheduleDefinition) Valid() bool {
	if d.Minute < 0 || d.Minute > 59 || d.Hour < 0 || d.Hour > 23 {
		return false
	}
	for _, day := range d.Days {
		if day < 0 || day > 6 {
			return false
		}
	}
	return true
}

// ContentConfig configures the tenant's content source lookup.
type ContentConfig struct {
	YouTubeAPIKey string `json:"youtubeApiKey"`
	ChannelID     string `json:"channelId"`
}

// TenantConfig is the per-tenant configuration record. Saved whole,
// last-write-wins.
type TenantConfig struct {
	AntiBan   AntiBanSettings      `json:"antiBanSettings"`
	Schedules []ScheduleDefinition `json:"schedules"`
	Content   ContentConfig        `json:"contentSourceConfig"`
}

// DefaultTenantConfig returns the settings applied to tenants that have
// never saved a config.
func DefaultTenantConfig() *TenantConfig {
	return &TenantConfig{
		AntiBan: AntiBanSettings{
			DelayBetweenGroups:   5,
			DelayBetweenMessages: 2,
			MaxGroupsPerBatch:    10,
			BatchDelay:           30,
		},
	}
}

// TenantRecord is one entry in the global tenant registry.
type TenantRecord struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Store persists tenant records and per-tenant configuration.
// Load returns defaults (not an error) for tenants without a saved config.
type Store interface {
	EnsureTenant(ctx context.Context, tenantID string) error
	ListTenants(ctx context.Context) ([]TenantRecord, error)
	LoadTenantConfig(ctx context.Context, tenantID string) (*TenantConfig, error)
	SaveTenantConfig(ctx context.Context, tenantID string, cfg *TenantConfig) error
	Close() error
}
