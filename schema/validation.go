package schema

// RuleKind tags the validation rule variants.
type RuleKind string

// The rule variants.
const (
	RuleField        RuleKind = "field"
	RuleCrossField   RuleKind = "cross_field"
	RuleStateMachine RuleKind = "state_machine"
)

// Severity grades a validation result.
type Severity string

// The severity levels. Only errors make a result invalid.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Operation names a mutation kind for rule triggers.
type Operation string

// The trigger operations.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Transition describes the allowed exits from one state of a
// state-machine rule.
type Transition struct {
	AllowedNext []string `json:"allowed_next" yaml:"allowed_next"`
	IsTerminal  bool     `json:"is_terminal,omitempty" yaml:"is_terminal,omitempty"`
}

// Rule is a single validation rule. Kind selects which of the variant
// fields apply:
//
//   - field: Field plus the constraint set of the field definition.
//   - cross_field: Field, Operator and CompareTo or Value.
//   - state_machine: Field and Transitions.
//
// Trigger defaults to all operations when empty. When Fields is set,
// the rule only runs if one of those fields changed.
type Rule struct {
	Kind      RuleKind    `json:"kind" yaml:"kind"`
	Name      string      `json:"name,omitempty" yaml:"name,omitempty"`
	Message   string      `json:"message,omitempty" yaml:"message,omitempty"`
	ErrorCode string      `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	Severity  Severity    `json:"severity,omitempty" yaml:"severity,omitempty"`
	Trigger   []Operation `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Fields    []string    `json:"fields,omitempty" yaml:"fields,omitempty"`

	Field string `json:"field,omitempty" yaml:"field,omitempty"`

	// cross_field
	Operator  string `json:"operator,omitempty" yaml:"operator,omitempty"`
	CompareTo string `json:"compare_to,omitempty" yaml:"compare_to,omitempty"`
	Value     any    `json:"value,omitempty" yaml:"value,omitempty"`

	// state_machine
	Transitions map[string]*Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// AppliesTo reports whether the rule runs for the given operation.
// An empty trigger set means all operations.
func (r *Rule) AppliesTo(op Operation) bool {
	if len(r.Trigger) == 0 {
		return true
	}
	for _, t := range r.Trigger {
		if t == op {
			return true
		}
	}
	return false
}

// WatchesAny reports whether the rule should run given the set of
// changed fields. An empty Fields set watches everything.
func (r *Rule) WatchesAny(changed []string) bool {
	if len(r.Fields) == 0 {
		return true
	}
	for _, f := range r.Fields {
		for _, c := range changed {
			if f == c {
				return true
			}
		}
	}
	return false
}

// EffectiveSeverity returns the declared severity, defaulting to error.
func (r *Rule) EffectiveSeverity() Severity {
	if r.Severity == "" {
		return SeverityError
	}
	return r.Severity
}
