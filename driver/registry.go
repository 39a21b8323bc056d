package driver

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/syssam/objectql/internal/oqerr"
)

// Config is the datasource configuration handed to a driver factory.
type Config struct {
	// Driver names the registered factory: "memory", "sql", "redis",
	// "remote".
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the backend connection string for sql-style drivers;
	// Dialect selects the SQL flavor (sqlite, mysql, postgres).
	DSN     string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	Dialect string `json:"dialect,omitempty" yaml:"dialect,omitempty"`

	// URL is the endpoint for url-style drivers (redis, remote).
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Pool bounds, honored by drivers owning a connection pool.
	MinPoolSize int `json:"min_pool_size,omitempty" yaml:"min_pool_size,omitempty"`
	MaxPoolSize int `json:"max_pool_size,omitempty" yaml:"max_pool_size,omitempty"`

	// Options carries driver-specific settings.
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`

	// Logger is injected by the runtime; factories may ignore it.
	Logger *zap.Logger `json:"-" yaml:"-"`
}

// Factory constructs an unconnected driver from its configuration.
type Factory func(cfg Config) (Driver, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a driver factory available under the given name. It
// is intended to be called from driver package init functions, in the
// manner of database/sql. Registering a duplicate name panics.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("objectql/driver: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("objectql/driver: Register called twice for driver " + name)
	}
	factories[name] = f
}

// Drivers returns the sorted names of the registered factories.
func Drivers() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open constructs a driver from cfg and connects it.
func Open(ctx context.Context, cfg Config) (Driver, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Driver]
	factoriesMu.RUnlock()
	if !ok {
		return nil, oqerr.Newf(oqerr.DriverConnection,
			"unknown driver %q (registered: %v)", cfg.Driver, Drivers())
	}
	d, err := f(cfg)
	if err != nil {
		return nil, oqerr.Wrap(oqerr.DriverConnection, err)
	}
	if err := d.Connect(ctx); err != nil {
		return nil, oqerr.Wrap(oqerr.DriverConnection, err)
	}
	return d, nil
}
