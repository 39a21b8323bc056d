package sqldriver

import (
	"fmt"
	"strings"

	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/internal/oqerr"
)

// where compiles a filter condition to a SQL predicate with ?
// placeholders. A nil condition compiles to the empty string.
func (d dialect) where(cond filter.Condition) (string, []any, error) {
	if cond == nil {
		return "", nil, nil
	}
	switch c := cond.(type) {
	case *filter.Comparison:
		return d.comparison(c)
	case *filter.And:
		return d.connective(c.Children, " AND ")
	case *filter.Or:
		return d.connective(c.Children, " OR ")
	case *filter.Not:
		inner, args, err := d.where(c.Child)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + inner + ")", args, nil
	}
	return "", nil, oqerr.Newf(oqerr.DriverQuery, "unknown condition %T", cond)
}

func (d dialect) connective(children []filter.Condition, sep string) (string, []any, error) {
	parts := make([]string, 0, len(children))
	var args []any
	for _, child := range children {
		sql, cargs, err := d.where(child)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sql+")")
		args = append(args, cargs...)
	}
	return strings.Join(parts, sep), args, nil
}

func (d dialect) comparison(c *filter.Comparison) (string, []any, error) {
	expr, err := d.field(c.Field, isNumeric(c.Value))
	if err != nil {
		return "", nil, err
	}
	switch c.Op {
	case filter.OpEQ:
		if c.Value == nil {
			return expr + " IS NULL", nil, nil
		}
		return expr + " = ?", []any{c.Value}, nil
	case filter.OpNE:
		if c.Value == nil {
			return expr + " IS NOT NULL", nil, nil
		}
		// Records missing the field count as "not equal".
		return "(" + expr + " != ? OR " + expr + " IS NULL)", []any{c.Value}, nil
	case filter.OpLT, filter.OpLTE, filter.OpGT, filter.OpGTE:
		return fmt.Sprintf("%s %s ?", expr, c.Op), []any{c.Value}, nil
	case filter.OpIn, filter.OpNotIn:
		return d.inList(expr, c)
	case filter.OpContains:
		return expr + ` LIKE ? ESCAPE '\'`, []any{"%" + escapeLike(str(c.Value)) + "%"}, nil
	case filter.OpStartsWith:
		return expr + ` LIKE ? ESCAPE '\'`, []any{escapeLike(str(c.Value)) + "%"}, nil
	case filter.OpEndsWith:
		return expr + ` LIKE ? ESCAPE '\'`, []any{"%" + escapeLike(str(c.Value))}, nil
	case filter.OpLike:
		pattern := str(c.Value)
		if strings.ContainsAny(pattern, "%_") {
			return expr + " LIKE ?", []any{pattern}, nil
		}
		if d.regexpOp == "" {
			return "", nil, oqerr.Newf(oqerr.DriverUnsupported,
				"dialect %q cannot evaluate regular expressions", d.name)
		}
		return fmt.Sprintf("%s %s ?", expr, d.regexpOp), []any{pattern}, nil
	case filter.OpBetween:
		bounds, ok := asList(c.Value)
		if !ok || len(bounds) != 2 {
			return "", nil, oqerr.Newf(oqerr.Validation, "between on %q takes [low, high]", c.Field)
		}
		expr, err = d.field(c.Field, isNumeric(bounds[0]))
		if err != nil {
			return "", nil, err
		}
		return expr + " BETWEEN ? AND ?", []any{bounds[0], bounds[1]}, nil
	}
	return "", nil, oqerr.Newf(oqerr.Validation, "unknown operator %q", c.Op)
}

func (d dialect) inList(expr string, c *filter.Comparison) (string, []any, error) {
	values, ok := asList(c.Value)
	if !ok {
		return "", nil, oqerr.Newf(oqerr.Validation, "%s on %q takes a list", c.Op, c.Field)
	}
	if len(values) == 0 {
		if c.Op == filter.OpIn {
			return "1 = 0", nil, nil
		}
		return "1 = 1", nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	if c.Op == filter.OpIn {
		return fmt.Sprintf("%s IN (%s)", expr, placeholders), values, nil
	}
	return fmt.Sprintf("(%s NOT IN (%s) OR %s IS NULL)", expr, placeholders, expr), values, nil
}

// orderBy compiles sort keys, preserving the null ordering contract:
// nulls last ascending, first descending.
func (d dialect) orderBy(keys []driver.Sort) (string, error) {
	if len(keys) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		expr, err := d.field(k.Field, d.name != "postgres")
		if err != nil {
			return "", err
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("(%s IS NULL) %s", expr, dir), expr+" "+dir)
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

// limitOffset renders pagination. The dialects disagree on OFFSET
// without LIMIT, hence the sentinels.
func (d dialect) limitOffset(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		switch d.name {
		case "postgres":
			return fmt.Sprintf(" OFFSET %d", offset)
		case "mysql":
			return fmt.Sprintf(" LIMIT 18446744073709551615 OFFSET %d", offset)
		default:
			return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
		}
	}
	return ""
}

func normalize(where any) (filter.Condition, error) {
	return filter.Normalize(where)
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, uint, uint64, float32, float64:
		return true
	}
	return false
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
