package schema

// ActionKind distinguishes record-targeted actions from global ones.
type ActionKind string

// The action kinds. Record actions require a target record id; global
// actions reject one.
const (
	ActionRecord ActionKind = "record"
	ActionGlobal ActionKind = "global"
)

// Action is a named, object-scoped operation beyond CRUD. Params
// describe the accepted input with field-like descriptors so the
// validator can reuse the field checks.
type Action struct {
	Kind   ActionKind        `json:"kind" yaml:"kind"`
	Label  string            `json:"label,omitempty" yaml:"label,omitempty"`
	Params map[string]*Field `json:"params,omitempty" yaml:"params,omitempty"`
}
