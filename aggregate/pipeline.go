// Package aggregate implements the reference aggregation pipeline over
// in-memory records. Drivers lacking native aggregation delegate to
// it, which keeps the stage and accumulator semantics identical across
// backends.
package aggregate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/internal/oqerr"
)

// Run executes the pipeline over the records. Stages come from the
// closed set $match, $group, $sort, $project, $limit and $skip; each
// stage document holds exactly one stage key.
func Run(records []driver.Record, pipeline []map[string]any) ([]driver.Record, error) {
	out := records
	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, oqerr.New(oqerr.Validation, "each pipeline stage takes exactly one operator")
		}
		var err error
		for name, arg := range stage {
			switch name {
			case "$match":
				out, err = runMatch(out, arg)
			case "$group":
				out, err = runGroup(out, arg)
			case "$sort":
				out, err = runSort(out, arg)
			case "$project":
				out, err = runProject(out, arg)
			case "$limit":
				out, err = runLimit(out, arg)
			case "$skip":
				out, err = runSkip(out, arg)
			default:
				err = oqerr.Newf(oqerr.Validation, "unknown pipeline stage %q", name)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// eval resolves a pipeline expression against a record: "$name" reads
// the field, anything else is a literal.
func eval(expr any, rec driver.Record) any {
	if s, ok := expr.(string); ok && strings.HasPrefix(s, "$") {
		return rec[s[1:]]
	}
	return expr
}

// evalID additionally accepts a composite document, evaluating each
// entry, so $group can key on several fields at once.
func evalID(expr any, rec driver.Record) any {
	if doc, ok := expr.(map[string]any); ok {
		key := make(map[string]any, len(doc))
		for name, e := range doc {
			key[name] = eval(e, rec)
		}
		return key
	}
	return eval(expr, rec)
}

func runMatch(records []driver.Record, arg any) ([]driver.Record, error) {
	cond, err := filter.Normalize(arg)
	if err != nil {
		return nil, err
	}
	out := records[:0:0]
	for _, rec := range records {
		ok, err := filter.Match(cond, rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

type group struct {
	key  any
	recs []driver.Record
}

func runGroup(records []driver.Record, arg any) ([]driver.Record, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, oqerr.New(oqerr.Validation, "$group takes a document")
	}
	idExpr, ok := spec["_id"]
	if !ok {
		return nil, oqerr.New(oqerr.Validation, "$group requires an _id expression")
	}

	// Group in first-seen order so output is deterministic before $sort.
	var groups []*group
	index := make(map[string]*group)
	for _, rec := range records {
		key := evalID(idExpr, rec)
		ks := keyString(key)
		g, ok := index[ks]
		if !ok {
			g = &group{key: key}
			index[ks] = g
			groups = append(groups, g)
		}
		g.recs = append(g.recs, rec)
	}

	out := make([]driver.Record, 0, len(groups))
	for _, g := range groups {
		row := driver.Record{"_id": g.key}
		for name, accAny := range spec {
			if name == "_id" {
				continue
			}
			acc, ok := accAny.(map[string]any)
			if !ok || len(acc) != 1 {
				return nil, oqerr.Newf(oqerr.Validation, "accumulator %q takes a single-operator document", name)
			}
			for op, expr := range acc {
				v, err := accumulate(op, expr, g.recs)
				if err != nil {
					return nil, err
				}
				row[name] = v
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func accumulate(op string, expr any, recs []driver.Record) (any, error) {
	switch op {
	case "$sum":
		var sum float64
		for _, rec := range recs {
			if f, ok := toFloat(eval(expr, rec)); ok {
				sum += f
			}
		}
		return sum, nil
	case "$avg":
		var sum float64
		var n int
		for _, rec := range recs {
			if f, ok := toFloat(eval(expr, rec)); ok {
				sum += f
				n++
			}
		}
		if n == 0 {
			return nil, nil
		}
		return sum / float64(n), nil
	case "$min", "$max":
		var best any
		for _, rec := range recs {
			v := eval(expr, rec)
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			cmp := filter.OrderValues(v, best)
			if (op == "$min" && cmp < 0) || (op == "$max" && cmp > 0) {
				best = v
			}
		}
		return best, nil
	case "$first":
		if len(recs) == 0 {
			return nil, nil
		}
		return eval(expr, recs[0]), nil
	case "$last":
		if len(recs) == 0 {
			return nil, nil
		}
		return eval(expr, recs[len(recs)-1]), nil
	case "$push":
		out := make([]any, 0, len(recs))
		for _, rec := range recs {
			out = append(out, eval(expr, rec))
		}
		return out, nil
	case "$addToSet":
		var out []any
		seen := make(map[string]bool)
		for _, rec := range recs {
			v := eval(expr, rec)
			ks := keyString(v)
			if !seen[ks] {
				seen[ks] = true
				out = append(out, v)
			}
		}
		return out, nil
	default:
		return nil, oqerr.Newf(oqerr.Validation, "unknown accumulator %q", op)
	}
}

func runSort(records []driver.Record, arg any) ([]driver.Record, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, oqerr.New(oqerr.Validation, "$sort takes a document of field directions")
	}
	keys := make([]driver.Sort, 0, len(spec))
	for _, field := range sortedKeys(spec) {
		dir, ok := toFloat(spec[field])
		if !ok || (dir != 1 && dir != -1) {
			return nil, oqerr.Newf(oqerr.Validation, "$sort direction for %q must be 1 or -1", field)
		}
		keys = append(keys, driver.Sort{Field: field, Desc: dir < 0})
	}
	out := make([]driver.Record, len(records))
	copy(out, records)
	SortBy(out, keys)
	return out, nil
}

// SortBy sorts records stably by the given keys, left-to-right. Null
// values sort last ascending and first descending.
func SortBy(records []driver.Record, keys []driver.Sort) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, k := range keys {
			cmp := filter.OrderValues(records[i][k.Field], records[j][k.Field])
			if k.Desc {
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
}

func runProject(records []driver.Record, arg any) ([]driver.Record, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, oqerr.New(oqerr.Validation, "$project takes a document")
	}
	out := make([]driver.Record, len(records))
	for i, rec := range records {
		row := make(driver.Record, len(spec))
		for name, expr := range spec {
			switch v := expr.(type) {
			case bool:
				if v {
					row[name] = rec[name]
				}
			case int, int64, float64:
				if f, _ := toFloat(v); f != 0 {
					row[name] = rec[name]
				}
			default:
				row[name] = eval(expr, rec)
			}
		}
		out[i] = row
	}
	return out, nil
}

func runLimit(records []driver.Record, arg any) ([]driver.Record, error) {
	n, ok := toFloat(arg)
	if !ok || n < 0 {
		return nil, oqerr.New(oqerr.Validation, "$limit takes a non-negative number")
	}
	return driver.Page(records, int(n), 0), nil
}

func runSkip(records []driver.Record, arg any) ([]driver.Record, error) {
	n, ok := toFloat(arg)
	if !ok || n < 0 {
		return nil, oqerr.New(oqerr.Validation, "$skip takes a non-negative number")
	}
	return driver.Page(records, 0, int(n)), nil
}

func keyString(v any) string {
	if v == nil {
		return "\x00nil"
	}
	if s, ok := v.(string); ok {
		return "s:" + s
	}
	if f, ok := toFloat(v); ok {
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	}
	return "v:" + fmt.Sprintf("%v", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
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
