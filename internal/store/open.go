package store

import (
	"fmt"
	"strings"

	"groupcast/pkg/logx"
)

// Open constructs the configured store driver.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "file":
		return openFile(cfg, log)
	case "sqlite":
		return openSQLite(cfg, log)
	case "", "none":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
