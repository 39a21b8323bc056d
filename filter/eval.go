package filter

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/syssam/objectql/internal/oqerr"
)

// Match reports whether the record satisfies the condition. A nil
// condition matches every record. It is the reference evaluator used
// by drivers without native filtering and by the validator for
// cross-field rules.
func Match(cond Condition, record map[string]any) (bool, error) {
	switch c := cond.(type) {
	case nil:
		return true, nil
	case *Comparison:
		return Compare(c.Op, record[c.Field], c.Value)
	case *And:
		for _, child := range c.Children {
			ok, err := Match(child, record)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *Or:
		for _, child := range c.Children {
			ok, err := Match(child, record)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *Not:
		ok, err := Match(c.Child, record)
		return !ok, err
	default:
		return false, oqerr.Newf(oqerr.Validation, "unsupported condition type %T", cond)
	}
}

// Compare evaluates a single operator against two values. Numeric
// values compare after float64 coercion; everything else compares by
// its string form for the ordering operators.
func Compare(op Op, a, b any) (bool, error) {
	switch op {
	case OpEQ:
		return equal(a, b), nil
	case OpNE:
		return !equal(a, b), nil
	case OpLT, OpLTE, OpGT, OpGTE:
		cmp, ok := order(a, b)
		if !ok {
			return false, nil
		}
		switch op {
		case OpLT:
			return cmp < 0, nil
		case OpLTE:
			return cmp <= 0, nil
		case OpGT:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case OpIn:
		return contains(b, a), nil
	case OpNotIn:
		return !contains(b, a), nil
	case OpContains:
		// String containment, or membership when the field holds a list.
		if isSlice(a) {
			return contains(a, b), nil
		}
		return strings.Contains(str(a), str(b)), nil
	case OpStartsWith:
		return strings.HasPrefix(str(a), str(b)), nil
	case OpEndsWith:
		return strings.HasSuffix(str(a), str(b)), nil
	case OpLike:
		return like(str(a), str(b))
	case OpBetween:
		bounds, ok := b.([]any)
		if !ok || len(bounds) != 2 {
			return false, oqerr.New(oqerr.Validation, "between requires a two-element bound list")
		}
		lo, okLo := order(a, bounds[0])
		hi, okHi := order(a, bounds[1])
		return okLo && okHi && lo >= 0 && hi <= 0, nil
	default:
		return false, oqerr.Newf(oqerr.Validation, "unknown filter operator %q", op)
	}
}

// equal compares two values with numeric coercion.
func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Equal(bt)
		}
	}
	return reflect.DeepEqual(a, b) || str(a) == str(b)
}

// order returns -1/0/1 for a<b, a==b, a>b. The second return is false
// when either side is nil or the values are unordered.
func order(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
	}
	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			return at.Compare(bt), true
		}
	}
	return strings.Compare(str(a), str(b)), true
}

// contains reports whether list holds a value equal to v.
func contains(list, v any) bool {
	rv := reflect.ValueOf(list)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(rv.Index(i).Interface(), v) {
			return true
		}
	}
	return false
}

func isSlice(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.IsValid() && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array)
}

// like matches SQL LIKE patterns (% any run, _ single rune) and plain
// regular expressions when the pattern carries no LIKE wildcard.
func like(s, pattern string) (bool, error) {
	var expr string
	if strings.ContainsAny(pattern, "%_") {
		var sb strings.Builder
		sb.WriteString("(?i)^")
		for _, r := range pattern {
			switch r {
			case '%':
				sb.WriteString(".*")
			case '_':
				sb.WriteString(".")
			default:
				sb.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		sb.WriteString("$")
		expr = sb.String()
	} else {
		expr = pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false, oqerr.Newf(oqerr.InvalidRegex, "invalid pattern %q: %v", pattern, err)
	}
	return re.MatchString(s), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// toTime recognizes timestamps so ordering compares instants, not
// strings. RFC 3339 renderings vary in fractional-second width, which
// breaks lexicographic comparison.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if len(t) < len("2006-01-02T15:04:05Z") {
			return time.Time{}, false
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// OrderValues compares two values for sorting. Nil compares greater
// than any value, so ascending sorts place nulls last and descending
// sorts (which negate the result) place them first, matching the
// driver ordering contract.
func OrderValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	c, _ := order(a, b)
	return c
}
