package config

import (
	"context"
	"fmt"
	"time"

	"groupcast/internal/transport"
)

// Validate checks a parsed config for structural problems before it is
// committed. Used both at boot and as the Watch validator.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Transport.Driver == "" {
		return fmt.Errorf("transport.driver is required")
	}
	found := false
	for _, d := range transport.Drivers() {
		if d == cfg.Transport.Driver {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("transport.driver: unknown driver %q (have %v)", cfg.Transport.Driver, transport.Drivers())
	}

	switch cfg.Storage.Driver {
	case "", "none", "file", "sqlite":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if (cfg.Storage.Driver == "file" || cfg.Storage.Driver == "sqlite") && cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	if _, err := ParseDurationField("session.reconnect_backoff", cfg.Session.ReconnectBackoff); err != nil {
		return err
	}
	if cfg.Session.MaxRetries < 0 {
		return fmt.Errorf("session.max_retries must be >= 0")
	}

	if cfg.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	if a := cfg.Alerts; a != nil && a.Enabled {
		if a.Token == "" {
			return fmt.Errorf("alerts.token is required when alerts are enabled")
		}
		if a.ChatID == 0 {
			return fmt.Errorf("alerts.chat_id is required when alerts are enabled")
		}
		if _, err := ParseDurationField("alerts.poll_timeout", a.PollTimeout); err != nil {
			return err
		}
	}
	return nil
}
