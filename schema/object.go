package schema

import (
	"strings"

	"github.com/go-openapi/inflect"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// System fields are present on every object semantically even when the
// definition omits them. The Repository stamps them on write.
const (
	FieldID        = "_id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldCreatedBy = "created_by"
	FieldUpdatedBy = "updated_by"
	FieldSpaceID   = "space_id"
)

// SystemFields lists the reserved field names in stamping order.
var SystemFields = []string{
	FieldID, FieldCreatedAt, FieldUpdatedAt,
	FieldCreatedBy, FieldUpdatedBy, FieldSpaceID,
}

// IsSystemField reports whether name is reserved.
func IsSystemField(name string) bool {
	switch name {
	case FieldID, FieldCreatedAt, FieldUpdatedAt, FieldCreatedBy, FieldUpdatedBy, FieldSpaceID:
		return true
	}
	return false
}

// Reserved namespaces never prefix a fully-qualified name and cannot
// be claimed by packages.
var reservedNamespaces = map[string]bool{
	"base":   true,
	"system": true,
}

// IsReservedNamespace reports whether ns is reserved.
func IsReservedNamespace(ns string) bool { return reservedNamespaces[ns] }

// FQN returns the fully-qualified object name: namespace__short,
// unless the namespace is absent or reserved, in which case the short
// name stands alone.
func FQN(namespace, short string) string {
	if namespace == "" || reservedNamespaces[namespace] {
		return short
	}
	return namespace + "__" + short
}

// Object is the schema of one entity: typed fields, lifecycle
// listeners, named actions, validation rules and permissions, bound to
// a datasource.
type Object struct {
	Name      string `json:"name" yaml:"name"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Label     string `json:"label,omitempty" yaml:"label,omitempty"`

	Fields      map[string]*Field  `json:"fields" yaml:"fields"`
	Listeners   []string           `json:"listeners,omitempty" yaml:"listeners,omitempty"`
	Actions     map[string]*Action `json:"actions,omitempty" yaml:"actions,omitempty"`
	Validations []*Rule            `json:"validations,omitempty" yaml:"validations,omitempty"`
	Permissions *Permissions       `json:"permissions,omitempty" yaml:"permissions,omitempty"`

	// Datasource names the driver configuration serving this object.
	// Remote objects carry "remote:<baseURL>".
	Datasource string `json:"datasource,omitempty" yaml:"datasource,omitempty"`
}

// Permissions are coarse per-role gates consulted by the Repository.
type Permissions struct {
	AllowRead   []string `json:"allow_read,omitempty" yaml:"allow_read,omitempty"`
	AllowCreate []string `json:"allow_create,omitempty" yaml:"allow_create,omitempty"`
	AllowEdit   []string `json:"allow_edit,omitempty" yaml:"allow_edit,omitempty"`
	AllowDelete []string `json:"allow_delete,omitempty" yaml:"allow_delete,omitempty"`
}

// FQN returns the object's fully-qualified name.
func (o *Object) FQN() string { return FQN(o.Namespace, o.Name) }

// DisplayLabel returns the declared label, or one derived from the
// short name ("remote_user" becomes "Remote User").
func (o *Object) DisplayLabel() string {
	if o.Label != "" {
		return o.Label
	}
	return cases.Title(language.English).String(inflect.Humanize(o.Name))
}

// Plural returns the pluralized short name, used by metadata listings.
func (o *Object) Plural() string { return inflect.Pluralize(o.Name) }

// Field returns the named field, or nil. System fields absent from the
// definition resolve to implicit definitions.
func (o *Object) Field(name string) *Field {
	if f, ok := o.Fields[name]; ok {
		return f
	}
	if IsSystemField(name) {
		return implicitSystemField(name)
	}
	return nil
}

// Clone returns a deep copy; Registry resolution merges into copies so
// contributors stay pristine.
func (o *Object) Clone() *Object {
	cp := *o
	cp.Fields = make(map[string]*Field, len(o.Fields))
	for name, f := range o.Fields {
		fc := *f
		cp.Fields[name] = &fc
	}
	if o.Actions != nil {
		cp.Actions = make(map[string]*Action, len(o.Actions))
		for name, a := range o.Actions {
			ac := *a
			cp.Actions[name] = &ac
		}
	}
	if o.Validations != nil {
		cp.Validations = make([]*Rule, len(o.Validations))
		copy(cp.Validations, o.Validations)
	}
	if o.Listeners != nil {
		cp.Listeners = append([]string(nil), o.Listeners...)
	}
	if o.Permissions != nil {
		pc := *o.Permissions
		cp.Permissions = &pc
	}
	return &cp
}

func implicitSystemField(name string) *Field {
	switch name {
	case FieldID, FieldCreatedBy, FieldUpdatedBy, FieldSpaceID:
		return &Field{Type: TypeText, Label: labelFor(name)}
	case FieldCreatedAt, FieldUpdatedAt:
		return &Field{Type: TypeDatetime, Label: labelFor(name)}
	}
	return nil
}

func labelFor(name string) string {
	return cases.Title(language.English).String(inflect.Humanize(strings.TrimPrefix(name, "_")))
}

// View is a named listing over an object: a column subset with an
// optional baked-in filter and ordering.
type View struct {
	Name    string   `json:"name" yaml:"name"`
	Label   string   `json:"label,omitempty" yaml:"label,omitempty"`
	Object  string   `json:"object" yaml:"object"`
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
	Filter  any      `json:"filter,omitempty" yaml:"filter,omitempty"`
	Sort    []string `json:"sort,omitempty" yaml:"sort,omitempty"`
}
