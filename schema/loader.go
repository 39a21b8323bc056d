package schema

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/syssam/objectql/internal/oqerr"
)

// Loader reads metadata packages from disk into a Registry. A package
// is a directory of definition files; its directory name is the
// package id, so RemovePackage can drop the unit again.
//
// Recognized files: *.object.yml (an Object), *.view.yml (a View).
type Loader struct {
	registry *Registry
	log      *zap.Logger
}

// NewLoader returns a Loader feeding the given registry.
func NewLoader(registry *Registry, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{registry: registry, log: log}
}

// LoadDir loads every immediate subdirectory of root as one package.
func (l *Loader) LoadDir(root string) error {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return oqerr.Wrap(oqerr.Internal, err)
	}
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		if _, err := l.LoadPackage(filepath.Join(root, d.Name())); err != nil {
			return err
		}
	}
	return nil
}

// LoadPackage loads one package directory and returns its package id.
func (l *Loader) LoadPackage(dir string) (string, error) {
	packageID := filepath.Base(dir)
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return "", oqerr.Wrap(oqerr.Internal, err)
	}
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		path := filepath.Join(dir, d.Name())
		switch {
		case strings.HasSuffix(d.Name(), ".object.yml"), strings.HasSuffix(d.Name(), ".object.yaml"):
			if err := l.loadObject(path, packageID); err != nil {
				return "", err
			}
		case strings.HasSuffix(d.Name(), ".view.yml"), strings.HasSuffix(d.Name(), ".view.yaml"):
			if err := l.loadView(path, packageID); err != nil {
				return "", err
			}
		}
	}
	l.log.Info("metadata package loaded", zap.String("package", packageID))
	return packageID, nil
}

// Reload drops the package and loads it again as a unit.
func (l *Loader) Reload(dir string) error {
	l.registry.RemovePackage(filepath.Base(dir))
	_, err := l.LoadPackage(dir)
	return err
}

func (l *Loader) loadObject(path, packageID string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return oqerr.Wrap(oqerr.Internal, err)
	}
	var def struct {
		Object    `yaml:",inline"`
		Ownership Ownership `yaml:"ownership"`
		Priority  int       `yaml:"priority"`
	}
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return oqerr.Newf(oqerr.Validation, "parsing %s: %v", path, err)
	}
	obj := def.Object
	return l.registry.RegisterObject(&obj, Contribution{
		PackageID: packageID,
		Ownership: def.Ownership,
		Priority:  def.Priority,
	})
}

func (l *Loader) loadView(path, packageID string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return oqerr.Wrap(oqerr.Internal, err)
	}
	var v View
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return oqerr.Newf(oqerr.Validation, "parsing %s: %v", path, err)
	}
	return l.registry.RegisterView(&v, Contribution{PackageID: packageID})
}

// Watch reloads packages when their files change, until the context is
// cancelled. Events are coalesced per package directory; a failed
// reload logs and leaves the previous definitions removed, matching
// the remove-then-add unit semantics.
func (l *Loader) Watch(ctx context.Context, root string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return oqerr.Wrap(oqerr.Internal, err)
	}
	defer watcher.Close()

	if err := watcher.Add(root); err != nil {
		return oqerr.Wrap(oqerr.Internal, err)
	}
	dirents, err := os.ReadDir(root)
	if err != nil {
		return oqerr.Wrap(oqerr.Internal, err)
	}
	for _, d := range dirents {
		if d.IsDir() {
			if err := watcher.Add(filepath.Join(root, d.Name())); err != nil {
				return oqerr.Wrap(oqerr.Internal, err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			dir := filepath.Dir(event.Name)
			if dir == root {
				// A package directory appeared or vanished.
				dir = event.Name
				if event.Op&fsnotify.Create != 0 {
					_ = watcher.Add(dir)
				}
			}
			if err := l.Reload(dir); err != nil {
				l.log.Warn("metadata package reload failed",
					zap.String("package", filepath.Base(dir)), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("metadata watcher error", zap.Error(err))
		}
	}
}
