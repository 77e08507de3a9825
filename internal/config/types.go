package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Transport TransportConfig `json:"transport"`
	Storage   StorageConfig   `json:"storage"`
	Session   SessionConfig   `json:"session,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Alerts    *AlertConfig    `json:"alerts,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TransportConfig selects the protocol driver and where it keeps
// per-tenant authentication material.
type TransportConfig struct {
	Driver  string `json:"driver"`
	DataDir string `json:"data_dir"`
}

// StorageConfig controls tenant persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./groupcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SessionConfig tunes the reconnect policy. Zero values use the
// defaults (3 retries, 5s backoff).
type SessionConfig struct {
	MaxRetries int `json:"max_retries,omitempty"`
	// ReconnectBackoff is a Go duration string (e.g. "5s").
	ReconnectBackoff string `json:"reconnect_backoff,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
}

type NotifyConfig struct {
	// LogLinesPerSec caps per-tenant log-line push events. 0 = default.
	LogLinesPerSec int `json:"log_lines_per_sec,omitempty"`
}

// AlertConfig controls the optional operator alert channel (Telegram).
type AlertConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}
