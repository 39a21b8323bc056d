package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/objectql/internal/oqerr"
)

func TestNormalizeTriple(t *testing.T) {
	cond, err := Normalize([]any{"status", "=", "active"})
	require.NoError(t, err)
	cmp, ok := cond.(*Comparison)
	require.True(t, ok)
	assert.Equal(t, "status", cmp.Field)
	assert.Equal(t, OpEQ, cmp.Op)
	assert.Equal(t, "active", cmp.Value)
}

func TestNormalizeArrayConnectors(t *testing.T) {
	t.Run("implicit and", func(t *testing.T) {
		cond, err := Normalize([]any{
			[]any{"a", "=", 1},
			[]any{"b", "=", 2},
		})
		require.NoError(t, err)
		and, ok := cond.(*And)
		require.True(t, ok)
		assert.Len(t, and.Children, 2)
	})

	t.Run("explicit or", func(t *testing.T) {
		cond, err := Normalize([]any{
			[]any{"a", "=", 1},
			"or",
			[]any{"b", "=", 2},
		})
		require.NoError(t, err)
		or, ok := cond.(*Or)
		require.True(t, ok)
		assert.Len(t, or.Children, 2)
	})

	t.Run("mixed connectors bind left to right", func(t *testing.T) {
		// a or b and c reads as (a or b) and c: no precedence.
		cond, err := Normalize([]any{
			[]any{"a", "=", 1},
			"or",
			[]any{"b", "=", 2},
			"and",
			[]any{"c", "=", 3},
		})
		require.NoError(t, err)
		and, ok := cond.(*And)
		require.True(t, ok)
		require.Len(t, and.Children, 2)
		_, ok = and.Children[0].(*Or)
		assert.True(t, ok)
	})

	t.Run("same connector flattens", func(t *testing.T) {
		cond, err := Normalize([]any{
			[]any{"a", "=", 1},
			"and",
			[]any{"b", "=", 2},
			"and",
			[]any{"c", "=", 3},
		})
		require.NoError(t, err)
		and, ok := cond.(*And)
		require.True(t, ok)
		assert.Len(t, and.Children, 3)
	})

	t.Run("leading connector rejected", func(t *testing.T) {
		_, err := Normalize([]any{"and", []any{"a", "=", 1}})
		require.Error(t, err)
		assert.Equal(t, oqerr.Validation, oqerr.CodeOf(err))
	})

	t.Run("unknown separator rejected", func(t *testing.T) {
		_, err := Normalize([]any{[]any{"a", "=", 1}, "xor", []any{"b", "=", 2}})
		require.Error(t, err)
		assert.Equal(t, oqerr.Validation, oqerr.CodeOf(err))
	})
}

func TestNormalizeObjectForm(t *testing.T) {
	cond, err := Normalize(map[string]any{
		"age":  map[string]any{"$gte": 18, "$lt": 65},
		"name": "alice",
	})
	require.NoError(t, err)
	and, ok := cond.(*And)
	require.True(t, ok)
	require.Len(t, and.Children, 3)

	// Keys are visited in sorted order, so the shape is deterministic.
	first := and.Children[0].(*Comparison)
	assert.Equal(t, "age", first.Field)
	assert.Equal(t, OpGTE, first.Op)
	last := and.Children[2].(*Comparison)
	assert.Equal(t, "name", last.Field)
	assert.Equal(t, OpEQ, last.Op)
}

func TestNormalizeObjectRegexAlias(t *testing.T) {
	cond, err := Normalize(map[string]any{"name": map[string]any{"$regex": "^a"}})
	require.NoError(t, err)
	cmp, ok := cond.(*Comparison)
	require.True(t, ok)
	assert.Equal(t, OpLike, cmp.Op)
}

func TestNormalizeRejectsUnknownOperator(t *testing.T) {
	_, err := Normalize([]any{"a", "~~", 1})
	require.Error(t, err)
	assert.Equal(t, oqerr.Validation, oqerr.CodeOf(err))

	_, err = Normalize(map[string]any{"a": map[string]any{"$near": 1}})
	require.Error(t, err)
	assert.Equal(t, oqerr.Validation, oqerr.CodeOf(err))
}

func TestToArrayRoundTrip(t *testing.T) {
	in := []any{
		[]any{"a", "=", 1},
		"or",
		[]any{"b", ">", 2},
	}
	cond, err := Normalize(in)
	require.NoError(t, err)
	out, err := ToArray(cond)
	require.NoError(t, err)
	back, err := Normalize(out)
	require.NoError(t, err)
	assert.Equal(t, cond.String(), back.String())
}

func TestToArrayRejectsNot(t *testing.T) {
	cond := NewNot(NewComparison("a", OpEQ, 1))
	_, err := ToArray(cond)
	require.Error(t, err)
	assert.Equal(t, oqerr.Validation, oqerr.CodeOf(err))
}

func TestMatch(t *testing.T) {
	rec := map[string]any{"name": "alice", "age": 30, "tags": []any{"a", "b"}}

	cases := []struct {
		name   string
		filter any
		want   bool
	}{
		{"eq", []any{"name", "=", "alice"}, true},
		{"ne missing field", []any{"ghost", "!=", "x"}, true},
		{"numeric coercion", []any{"age", ">=", 30.0}, true},
		{"in", []any{"name", "in", []any{"bob", "alice"}}, true},
		{"nin", []any{"name", "nin", []any{"bob"}}, true},
		{"contains list", []any{"tags", "contains", "b"}, true},
		{"startswith", []any{"name", "startswith", "al"}, true},
		{"between", []any{"age", "between", []any{18, 65}}, true},
		{"or", []any{[]any{"name", "=", "bob"}, "or", []any{"age", "=", 30}}, true},
		{"and fails", []any{[]any{"name", "=", "bob"}, "and", []any{"age", "=", 30}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cond, err := Normalize(tc.filter)
			require.NoError(t, err)
			ok, err := Match(cond, rec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestMatchInvalidRegex(t *testing.T) {
	cond, err := Normalize([]any{"name", "like", "("})
	require.NoError(t, err)
	_, err = Match(cond, map[string]any{"name": "alice"})
	require.Error(t, err)
	assert.Equal(t, oqerr.InvalidRegex, oqerr.CodeOf(err))
}

func TestOrderValuesNulls(t *testing.T) {
	// Nil sorts after any value ascending; descending negation flips it.
	assert.Positive(t, OrderValues(nil, "a"))
	assert.Negative(t, OrderValues("a", nil))
	assert.Zero(t, OrderValues(nil, nil))
	assert.Negative(t, OrderValues(1, 2))
	assert.Positive(t, OrderValues("b", "a"))
	assert.Zero(t, OrderValues(int64(3), 3.0))
}

func TestToArrayComparisonIsFlatTriple(t *testing.T) {
	out, err := ToArray(NewComparison("title", OpEQ, "alpha"))
	require.NoError(t, err)
	assert.Equal(t, []any{"title", "=", "alpha"}, out)

	back, err := Normalize(out)
	require.NoError(t, err)
	cmp, ok := back.(*Comparison)
	require.True(t, ok)
	assert.Equal(t, "title", cmp.Field)
}

func TestCompareTimestamps(t *testing.T) {
	// RFC 3339 trims trailing fraction zeros, so instants must compare
	// as times rather than strings.
	later, earlier := "2026-01-01T00:00:00.21Z", "2026-01-01T00:00:00.2Z"

	ok, err := Compare(OpGT, later, earlier)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Compare(OpEQ, "2026-01-01T00:00:00.20Z", earlier)
	require.NoError(t, err)
	assert.True(t, ok, "equal instants with different widths")

	ok, err = Compare(OpLT, "2026-01-01T00:00:00Z", "2026-01-01T00:00:01Z")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Negative(t, OrderValues(earlier, later))
}
