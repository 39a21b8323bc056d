package schema

import (
	"sort"
	"sync"

	"github.com/syssam/objectql/internal/oqerr"
)

// Kind selects a metadata store inside the Registry.
type Kind string

// The metadata kinds the Registry stores.
const (
	KindObject Kind = "object"
	KindView   Kind = "view"
)

// Ownership tags how a package contributes to a definition.
type Ownership string

// A package either owns a definition or extends one owned elsewhere.
const (
	Own    Ownership = "own"
	Extend Ownership = "extend"
)

// Contribution carries the provenance of one registered definition.
// The zero value is an anonymous owning contribution with priority 0.
type Contribution struct {
	PackageID string
	Ownership Ownership
	Priority  int
}

type contributor struct {
	Contribution
	def any
}

type entry struct {
	contributors []contributor
}

// Registry is the sole source of truth for schemas. It is read-mostly
// after boot; package add/remove is atomic with respect to concurrent
// readers under a single-writer, many-reader discipline.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]map[string]*entry
	order   map[Kind][]string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Kind]map[string]*entry),
		order:   make(map[Kind][]string),
	}
}

// RegisterObject stores the object definition under its FQN. Multiple
// packages may contribute to the same FQN; resolution follows the
// ownership and priority rules of Get.
func (r *Registry) RegisterObject(obj *Object, c Contribution) error {
	if obj == nil || obj.Name == "" {
		return oqerr.New(oqerr.Validation, "object definition requires a name")
	}
	if c.PackageID != "" && IsReservedNamespace(obj.Namespace) {
		return oqerr.Newf(oqerr.Forbidden, "namespace %q is reserved", obj.Namespace)
	}
	for name, f := range obj.Fields {
		if f == nil || !f.Type.Valid() {
			return oqerr.Newf(oqerr.Validation, "object %q: field %q has an unknown type", obj.Name, name)
		}
	}
	return r.register(KindObject, obj.FQN(), obj, c)
}

// RegisterView stores a view definition under its name.
func (r *Registry) RegisterView(v *View, c Contribution) error {
	if v == nil || v.Name == "" {
		return oqerr.New(oqerr.Validation, "view definition requires a name")
	}
	return r.register(KindView, v.Name, v, c)
}

func (r *Registry) register(kind Kind, name string, def any, c Contribution) error {
	if c.Ownership == "" {
		c.Ownership = Own
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byName, ok := r.entries[kind]
	if !ok {
		byName = make(map[string]*entry)
		r.entries[kind] = byName
	}
	e, ok := byName[name]
	if !ok {
		e = &entry{}
		byName[name] = e
		r.order[kind] = append(r.order[kind], name)
	}
	e.contributors = append(e.contributors, contributor{Contribution: c, def: def})
	return nil
}

// Get returns the resolved definition for (kind, name). Resolution
// picks the lowest-priority owning contributor and merges extending
// contributors over it in priority order; when no contributor owns the
// name, the lowest-priority contributor wins outright.
func (r *Registry) Get(kind Kind, name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind][name]
	if !ok || len(e.contributors) == 0 {
		return nil, oqerr.Newf(oqerr.NotFound, "%s %q is not registered", kind, name)
	}
	return resolve(e.contributors), nil
}

// Object returns the resolved object definition for the given FQN.
func (r *Registry) Object(name string) (*Object, error) {
	def, err := r.Get(KindObject, name)
	if err != nil {
		return nil, err
	}
	return def.(*Object), nil
}

// View returns the resolved view definition for the given name.
func (r *Registry) View(name string) (*View, error) {
	def, err := r.Get(KindView, name)
	if err != nil {
		return nil, err
	}
	return def.(*View), nil
}

// List returns the resolved definitions of a kind in insertion order.
func (r *Registry) List(kind Kind) []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]any, 0, len(r.order[kind]))
	for _, name := range r.order[kind] {
		if e, ok := r.entries[kind][name]; ok && len(e.contributors) > 0 {
			out = append(out, resolve(e.contributors))
		}
	}
	return out
}

// Objects returns every resolved object definition in insertion order.
func (r *Registry) Objects() []*Object {
	defs := r.List(KindObject)
	out := make([]*Object, len(defs))
	for i, d := range defs {
		out[i] = d.(*Object)
	}
	return out
}

// Views returns every resolved view definition in insertion order.
func (r *Registry) Views() []*View {
	defs := r.List(KindView)
	out := make([]*View, len(defs))
	for i, d := range defs {
		out[i] = d.(*View)
	}
	return out
}

// RemovePackage removes every definition contributed by the package,
// atomically with respect to readers. Names left without contributors
// disappear from listings.
func (r *Registry) RemovePackage(packageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, byName := range r.entries {
		kept := r.order[kind][:0]
		for _, name := range r.order[kind] {
			e := byName[name]
			cs := e.contributors[:0]
			for _, c := range e.contributors {
				if c.PackageID != packageID {
					cs = append(cs, c)
				}
			}
			e.contributors = cs
			if len(cs) == 0 {
				delete(byName, name)
				continue
			}
			kept = append(kept, name)
		}
		r.order[kind] = kept
	}
}

// ResolveReference resolves the target object of a lookup or
// master_detail field. Registration permits dangling targets (late
// binding); the first read through the field validates the reference.
func (r *Registry) ResolveReference(objectName, fieldName string) (*Object, error) {
	obj, err := r.Object(objectName)
	if err != nil {
		return nil, err
	}
	f := obj.Field(fieldName)
	if f == nil {
		return nil, oqerr.Newf(oqerr.NotFound, "object %q has no field %q", objectName, fieldName)
	}
	if !f.Type.Reference() {
		return nil, oqerr.Newf(oqerr.Validation, "field %q of %q is not a reference", fieldName, objectName)
	}
	target, err := r.Object(f.ReferenceTo)
	if err != nil {
		return nil, oqerr.Newf(oqerr.NotFound,
			"field %q of %q references unknown object %q", fieldName, objectName, f.ReferenceTo)
	}
	return target, nil
}

// resolve merges contributors into a single definition. Callers hold
// at least a read lock.
func resolve(cs []contributor) any {
	sorted := make([]contributor, len(cs))
	copy(sorted, cs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	var base *contributor
	for i := range sorted {
		if sorted[i].Ownership == Own {
			base = &sorted[i]
			break
		}
	}
	if base == nil {
		// Nobody owns the name: the lowest-priority contributor wins.
		return sorted[0].def
	}
	obj, ok := base.def.(*Object)
	if !ok {
		return base.def
	}
	merged := obj.Clone()
	for i := range sorted {
		c := &sorted[i]
		if c.Ownership != Extend {
			continue
		}
		if ext, ok := c.def.(*Object); ok {
			mergeObject(merged, ext)
		}
	}
	return merged
}

func mergeObject(dst, ext *Object) {
	if ext.Label != "" {
		dst.Label = ext.Label
	}
	if ext.Datasource != "" {
		dst.Datasource = ext.Datasource
	}
	for name, f := range ext.Fields {
		fc := *f
		dst.Fields[name] = &fc
	}
	if len(ext.Actions) > 0 && dst.Actions == nil {
		dst.Actions = make(map[string]*Action, len(ext.Actions))
	}
	for name, a := range ext.Actions {
		ac := *a
		dst.Actions[name] = &ac
	}
	dst.Validations = append(dst.Validations, ext.Validations...)
	dst.Listeners = append(dst.Listeners, ext.Listeners...)
	if ext.Permissions != nil {
		pc := *ext.Permissions
		dst.Permissions = &pc
	}
}
