// Package objectql is a metadata-driven data-access runtime: objects
// are described by declarative definitions, queried through a single
// universal surface, and stored by pluggable drivers. The Runtime wires
// the schema registry, the validator, the hook dispatcher and the
// configured datasources together; a Context scopes every operation to
// a caller identity.
package objectql

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/internal/oqerr"
	"github.com/syssam/objectql/schema"
	"github.com/syssam/objectql/validator"
)

// DefaultDatasource is the datasource serving objects that name none.
const DefaultDatasource = "default"

// remotePrefix tags datasources bootstrapped from a remote instance.
const remotePrefix = "remote:"

// Config assembles a Runtime.
type Config struct {
	// Datasources maps datasource names to driver configurations. One
	// entry should be named "default".
	Datasources map[string]driver.Config `json:"datasources" yaml:"datasources"`

	// Objects registers inline object definitions under the runtime's
	// own package id.
	Objects []*schema.Object `json:"objects,omitempty" yaml:"objects,omitempty"`

	// PackageDir, when set, is loaded as a directory of metadata
	// packages (one subdirectory per package).
	PackageDir string `json:"package_dir,omitempty" yaml:"package_dir,omitempty"`

	// Remotes lists base URLs of remote instances whose objects are
	// federated into this one. An unreachable remote is logged and
	// skipped; it never fails startup.
	Remotes []string `json:"remotes,omitempty" yaml:"remotes,omitempty"`

	// Registry overrides the runtime's schema registry; a nil value
	// gets a fresh one.
	Registry *schema.Registry `json:"-" yaml:"-"`

	Logger *zap.Logger `json:"-" yaml:"-"`
}

// Runtime is the assembled engine. It is safe for concurrent use.
type Runtime struct {
	registry    *schema.Registry
	loader      *schema.Loader
	dispatcher  *Dispatcher
	validator   *validator.Validator
	datasources map[string]driver.Driver
	log         *zap.Logger
}

// New assembles a runtime from cfg: registers the inline objects, loads
// the package directory, opens every datasource and bootstraps the
// remotes. On error the already-opened datasources are closed.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = schema.NewRegistry()
	}
	rt := &Runtime{
		registry:    registry,
		dispatcher:  NewDispatcher(),
		validator:   validator.New(),
		datasources: make(map[string]driver.Driver),
		log:         log,
	}
	rt.loader = schema.NewLoader(registry, log)

	for _, obj := range cfg.Objects {
		if err := registry.RegisterObject(obj, schema.Contribution{}); err != nil {
			rt.Close()
			return nil, err
		}
	}
	if cfg.PackageDir != "" {
		if err := rt.loader.LoadDir(cfg.PackageDir); err != nil {
			rt.Close()
			return nil, err
		}
	}

	for name, dc := range cfg.Datasources {
		dc.Logger = log
		if dc.Driver == "remote" {
			dc.Options = withRegistry(dc.Options, registry)
		}
		d, err := driver.Open(ctx, dc)
		if err != nil {
			rt.Close()
			return nil, oqerr.Wrap(oqerr.DriverConnection, err)
		}
		rt.datasources[name] = d
		log.Info("datasource ready", zap.String("name", name), zap.String("driver", dc.Driver))
	}

	for _, base := range cfg.Remotes {
		rt.addRemote(ctx, base)
	}
	return rt, nil
}

// addRemote opens a federation driver against base and registers it
// under "remote:<base>". Failures are logged and skipped so one dead
// remote never takes the whole instance down.
func (rt *Runtime) addRemote(ctx context.Context, base string) {
	name := remotePrefix + base
	d, err := driver.Open(ctx, driver.Config{
		Driver:  "remote",
		URL:     base,
		Options: withRegistry(nil, rt.registry),
		Logger:  rt.log,
	})
	if err != nil {
		rt.log.Warn("remote unavailable, skipping", zap.String("remote", base), zap.Error(err))
		return
	}
	rt.datasources[name] = d
	rt.log.Info("remote federated", zap.String("remote", base))
}

func withRegistry(opts map[string]any, registry *schema.Registry) map[string]any {
	if opts == nil {
		opts = make(map[string]any, 1)
	}
	opts["registry"] = registry
	return opts
}

// Close closes every datasource. The first error wins; the remaining
// datasources are still closed.
func (rt *Runtime) Close() error {
	var first error
	for name, d := range rt.datasources {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
		delete(rt.datasources, name)
	}
	return first
}

// Registry exposes the schema registry for metadata listings.
func (rt *Runtime) Registry() *schema.Registry { return rt.registry }

// On registers a lifecycle hook for (event, object) and returns its
// remover.
func (rt *Runtime) On(event Event, object string, fn Hook) (remove func()) {
	return rt.dispatcher.On(event, object, fn)
}

// RegisterAction registers the handler of (object, action).
func (rt *Runtime) RegisterAction(object, action string, fn ActionHandler) error {
	return rt.dispatcher.RegisterAction(object, action, fn)
}

// AddPackage loads one metadata package directory into the registry.
func (rt *Runtime) AddPackage(dir string) (string, error) {
	return rt.loader.LoadPackage(dir)
}

// RemovePackage withdraws a package's contributions atomically.
func (rt *Runtime) RemovePackage(packageID string) {
	rt.registry.RemovePackage(packageID)
}

// WatchPackages hot-reloads the package directory on file changes until
// ctx is cancelled.
func (rt *Runtime) WatchPackages(ctx context.Context, dir string) error {
	return rt.loader.Watch(ctx, dir)
}

// Datasource returns the named open driver.
func (rt *Runtime) Datasource(name string) (driver.Driver, error) {
	if d, ok := rt.datasources[name]; ok {
		return d, nil
	}
	return nil, oqerr.Newf(oqerr.DriverConnection, "unknown datasource %q", name)
}

// DatasourceInfo lists the open datasources and their capability
// vectors, for the metadata surface.
func (rt *Runtime) DatasourceInfo() map[string]driver.Capabilities {
	out := make(map[string]driver.Capabilities, len(rt.datasources))
	for name, d := range rt.datasources {
		out[name] = d.Capabilities()
	}
	return out
}

// CheckHealth pings every datasource and returns the first failure.
func (rt *Runtime) CheckHealth(ctx context.Context) error {
	for name, d := range rt.datasources {
		if err := d.CheckHealth(ctx); err != nil {
			return oqerr.Wrapf(oqerr.DriverConnection, err, "datasource %q unhealthy", name)
		}
	}
	return nil
}

// OperationsFor returns the datasource driver serving the named
// object. The federation endpoint uses it to execute proxied
// operations below the repository pipeline.
func (rt *Runtime) OperationsFor(object string) (driver.Operations, error) {
	obj, err := rt.registry.Object(object)
	if err != nil {
		return nil, err
	}
	name := obj.Datasource
	if name == "" {
		name = DefaultDatasource
	}
	return rt.Datasource(name)
}

// operationsFor picks the operation surface of an object for a context:
// the open transaction when it belongs to the object's datasource,
// otherwise the datasource driver itself.
func (rt *Runtime) operationsFor(obj *schema.Object, c *Context) (driver.Operations, error) {
	name := obj.Datasource
	if name == "" {
		name = DefaultDatasource
	}
	if c.tx != nil && c.txSource == name {
		return c.tx, nil
	}
	d, err := rt.Datasource(name)
	if err != nil && strings.HasPrefix(name, remotePrefix) {
		return nil, oqerr.Newf(oqerr.DriverConnection, "remote datasource %q is not connected", name)
	}
	return d, err
}
