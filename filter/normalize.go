package filter

import (
	"sort"

	"github.com/syssam/objectql/internal/oqerr"
)

// Operator aliases accepted in the object filter form.
var dollarOps = map[string]Op{
	"$eq":    OpEQ,
	"$ne":    OpNE,
	"$gt":    OpGT,
	"$gte":   OpGTE,
	"$lt":    OpLT,
	"$lte":   OpLTE,
	"$in":    OpIn,
	"$nin":   OpNotIn,
	"$regex": OpLike,
}

// Normalize converts any well-formed filter input into the canonical
// Condition form. Accepted inputs:
//
//   - nil (no filter)
//   - Condition (returned as-is)
//   - legacy array form: [[field, op, value], "and"|"or", ...]
//   - a single triple: [field, op, value]
//   - object form: {field: value} or {field: {$op: value}}
//
// Mixed logical separators in the array form associate left-to-right
// with no precedence; a bare list is an implicit "and". Ill-formed
// input fails with VALIDATION_ERROR.
func Normalize(input any) (Condition, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case Condition:
		return v, nil
	case []any:
		return normalizeArray(v)
	case map[string]any:
		return normalizeObject(v)
	default:
		return nil, oqerr.Newf(oqerr.Validation, "unsupported filter form %T", input)
	}
}

func normalizeArray(items []any) (Condition, error) {
	if len(items) == 0 {
		return nil, nil
	}
	// A bare triple: ["status", "=", "active"].
	if isTriple(items) {
		return normalizeTriple(items)
	}
	var (
		acc     Condition
		pending = "and" // connector for the next condition
	)
	for i := 0; i < len(items); i++ {
		switch item := items[i].(type) {
		case string:
			if item != "and" && item != "or" {
				return nil, oqerr.Newf(oqerr.Validation, "invalid logical separator %q", item)
			}
			if acc == nil {
				return nil, oqerr.New(oqerr.Validation, "filter cannot start with a logical separator")
			}
			pending = item
		default:
			cond, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			if cond == nil {
				continue
			}
			acc = attach(acc, pending, cond)
			pending = "and"
		}
	}
	if acc == nil {
		return nil, oqerr.New(oqerr.Validation, "empty filter expression")
	}
	return acc, nil
}

// attach folds cond into acc left-to-right, flattening runs of the
// same connector so that a 'and' b 'and' c yields one And node.
func attach(acc Condition, connector string, cond Condition) Condition {
	if acc == nil {
		return cond
	}
	if connector == "or" {
		if or, ok := acc.(*Or); ok {
			or.Children = append(or.Children, cond)
			return or
		}
		return &Or{Children: []Condition{acc, cond}}
	}
	if and, ok := acc.(*And); ok {
		and.Children = append(and.Children, cond)
		return and
	}
	return &And{Children: []Condition{acc, cond}}
}

func isTriple(items []any) bool {
	if len(items) != 3 {
		return false
	}
	_, fieldOK := items[0].(string)
	op, opOK := items[1].(string)
	return fieldOK && opOK && Op(op).Valid()
}

func normalizeTriple(items []any) (Condition, error) {
	field, ok := items[0].(string)
	if !ok || field == "" {
		return nil, oqerr.Newf(oqerr.Validation, "invalid filter field %v", items[0])
	}
	opStr, ok := items[1].(string)
	if !ok {
		return nil, oqerr.Newf(oqerr.Validation, "invalid filter operator %v", items[1])
	}
	op := Op(opStr)
	if !op.Valid() {
		return nil, oqerr.Newf(oqerr.Validation, "unknown filter operator %q", opStr)
	}
	return &Comparison{Field: field, Op: op, Value: items[2]}, nil
}

func normalizeObject(m map[string]any) (Condition, error) {
	if len(m) == 0 {
		return nil, nil
	}
	children := make([]Condition, 0, len(m))
	for _, field := range sortedKeys(m) {
		value := m[field]
		ops, ok := value.(map[string]any)
		if !ok {
			// {field: value} is shorthand for equality.
			children = append(children, &Comparison{Field: field, Op: OpEQ, Value: value})
			continue
		}
		for _, name := range sortedKeys(ops) {
			op, ok := dollarOps[name]
			if !ok {
				return nil, oqerr.Newf(oqerr.Validation, "unknown filter operator %q for field %q", name, field)
			}
			children = append(children, &Comparison{Field: field, Op: op, Value: ops[name]})
		}
	}
	return NewAnd(children...), nil
}

// ToArray converts a canonical Condition back to the legacy array
// form, the inverse of Normalize over array inputs. Not conditions
// have no array representation and fail with VALIDATION_ERROR.
func ToArray(cond Condition) ([]any, error) {
	switch c := cond.(type) {
	case nil:
		return nil, nil
	case *Comparison:
		return []any{c.Field, string(c.Op), c.Value}, nil
	case *And:
		return childrenToArray(c.Children, "and")
	case *Or:
		return childrenToArray(c.Children, "or")
	case *Not:
		return nil, oqerr.New(oqerr.Validation, "negation has no legacy array form")
	default:
		return nil, oqerr.Newf(oqerr.Validation, "unsupported condition type %T", cond)
	}
}

func childrenToArray(children []Condition, sep string) ([]any, error) {
	out := make([]any, 0, len(children)*2)
	for i, child := range children {
		if i > 0 {
			out = append(out, sep)
		}
		switch c := child.(type) {
		case *Comparison:
			out = append(out, []any{c.Field, string(c.Op), c.Value})
		default:
			nested, err := ToArray(child)
			if err != nil {
				return nil, err
			}
			out = append(out, nested)
		}
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic output keeps the normalizer total and testable.
	sort.Strings(keys)
	return keys
}
