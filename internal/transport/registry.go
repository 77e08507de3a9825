package transport

import (
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a transport driver.
//
// Driver values:
//   - "dev": in-process loopback transport (no external protocol client);
//     useful for local runs and integration tests.
//   - anything else: must be registered by an imported protocol adapter.
type Config struct {
	Driver  string
	DataDir string // root for per-tenant auth/session material
}

// OpenFactory constructs a Factory for the configured driver.
type OpenFactory func(cfg Config) (Factory, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]OpenFactory{}
)

// Register makes a transport driver available by name. Protocol adapters
// call this from an init function.
func Register(name string, open OpenFactory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic(fmt.Sprintf("transport: driver %q registered twice", name))
	}
	drivers[name] = open
}

// Open builds the Factory for cfg.Driver.
func Open(cfg Config) (Factory, error) {
	driversMu.RLock()
	open, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown driver %q (registered: %v)", cfg.Driver, Drivers())
	}
	return open(cfg)
}

// Drivers lists registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for name := range drivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
