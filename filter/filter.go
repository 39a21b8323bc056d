// Package filter defines the FilterCondition AST consumed by drivers,
// the normalizer between the legacy array/object filter forms and the
// AST, and the reference evaluator used by drivers without native
// filtering.
package filter

import (
	"fmt"
)

// Op is a comparison operator.
type Op string

// The closed operator set for comparison conditions.
const (
	OpEQ         Op = "="
	OpNE         Op = "!="
	OpLT         Op = "<"
	OpLTE        Op = "<="
	OpGT         Op = ">"
	OpGTE        Op = ">="
	OpIn         Op = "in"
	OpNotIn      Op = "nin"
	OpContains   Op = "contains"
	OpStartsWith Op = "startswith"
	OpEndsWith   Op = "endswith"
	OpLike       Op = "like"
	OpBetween    Op = "between"
)

// Valid reports whether op belongs to the operator set.
func (op Op) Valid() bool {
	switch op {
	case OpEQ, OpNE, OpLT, OpLTE, OpGT, OpGTE, OpIn, OpNotIn,
		OpContains, OpStartsWith, OpEndsWith, OpLike, OpBetween:
		return true
	}
	return false
}

// Condition is the canonical filter representation. It is a closed
// union over Comparison, And, Or and Not.
type Condition interface {
	condition()
	fmt.Stringer
}

// Comparison matches records whose field relates to Value under Op.
type Comparison struct {
	Field string
	Op    Op
	Value any
}

// And matches records satisfying every child condition.
type And struct {
	Children []Condition
}

// Or matches records satisfying at least one child condition.
type Or struct {
	Children []Condition
}

// Not matches records not satisfying the child condition.
type Not struct {
	Child Condition
}

func (*Comparison) condition() {}
func (*And) condition()        {}
func (*Or) condition()         {}
func (*Not) condition()        {}

// String returns a compact debug representation.
func (c *Comparison) String() string {
	return fmt.Sprintf("(%s %s %v)", c.Field, c.Op, c.Value)
}

// String returns a compact debug representation.
func (c *And) String() string { return joinChildren("and", c.Children) }

// String returns a compact debug representation.
func (c *Or) String() string { return joinChildren("or", c.Children) }

// String returns a compact debug representation.
func (c *Not) String() string { return fmt.Sprintf("(not %s)", c.Child) }

func joinChildren(sep string, children []Condition) string {
	s := "("
	for i, ch := range children {
		if i > 0 {
			s += " " + sep + " "
		}
		s += ch.String()
	}
	return s + ")"
}

// NewComparison returns a comparison condition.
func NewComparison(field string, op Op, value any) *Comparison {
	return &Comparison{Field: field, Op: op, Value: value}
}

// NewAnd returns the conjunction of the given conditions. Nil children
// are dropped; a single remaining child is returned unwrapped.
func NewAnd(children ...Condition) Condition {
	return combine(children, func(cs []Condition) Condition { return &And{Children: cs} })
}

// NewOr returns the disjunction of the given conditions. Nil children
// are dropped; a single remaining child is returned unwrapped.
func NewOr(children ...Condition) Condition {
	return combine(children, func(cs []Condition) Condition { return &Or{Children: cs} })
}

// NewNot returns the negation of the given condition.
func NewNot(child Condition) Condition {
	if child == nil {
		return nil
	}
	return &Not{Child: child}
}

func combine(children []Condition, wrap func([]Condition) Condition) Condition {
	cs := make([]Condition, 0, len(children))
	for _, c := range children {
		if c != nil {
			cs = append(cs, c)
		}
	}
	switch len(cs) {
	case 0:
		return nil
	case 1:
		return cs[0]
	}
	return wrap(cs)
}
