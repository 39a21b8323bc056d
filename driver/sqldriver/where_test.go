package sqldriver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/internal/oqerr"
)

func compile(t *testing.T, d dialect, where any) (string, []any) {
	t.Helper()
	cond, err := filter.Normalize(where)
	require.NoError(t, err)
	sql, args, err := d.where(cond)
	require.NoError(t, err)
	return sql, args
}

func TestWhereSQLite(t *testing.T) {
	d := dialects["sqlite"]

	t.Run("equals", func(t *testing.T) {
		sql, args := compile(t, d, []any{"status", "=", "open"})
		assert.Equal(t, "json_extract(doc, '$.status') = ?", sql)
		assert.Equal(t, []any{"open"}, args)
	})

	t.Run("equals null", func(t *testing.T) {
		sql, args := compile(t, d, []any{"status", "=", nil})
		assert.Equal(t, "json_extract(doc, '$.status') IS NULL", sql)
		assert.Empty(t, args)
	})

	t.Run("not equals includes missing fields", func(t *testing.T) {
		sql, _ := compile(t, d, []any{"status", "!=", "open"})
		assert.Equal(t, "(json_extract(doc, '$.status') != ? OR json_extract(doc, '$.status') IS NULL)", sql)
	})

	t.Run("id routes to its column", func(t *testing.T) {
		sql, args := compile(t, d, []any{"_id", "=", "t1"})
		assert.Equal(t, "id = ?", sql)
		assert.Equal(t, []any{"t1"}, args)
	})

	t.Run("in list", func(t *testing.T) {
		sql, args := compile(t, d, []any{"status", "in", []any{"open", "doing"}})
		assert.Equal(t, "json_extract(doc, '$.status') IN (?, ?)", sql)
		assert.Len(t, args, 2)
	})

	t.Run("empty in never matches", func(t *testing.T) {
		sql, args := compile(t, d, []any{"status", "in", []any{}})
		assert.Equal(t, "1 = 0", sql)
		assert.Empty(t, args)
	})

	t.Run("empty not in always matches", func(t *testing.T) {
		sql, _ := compile(t, d, []any{"status", "nin", []any{}})
		assert.Equal(t, "1 = 1", sql)
	})

	t.Run("not in includes missing fields", func(t *testing.T) {
		sql, _ := compile(t, d, []any{"status", "nin", []any{"done"}})
		assert.Equal(t, "(json_extract(doc, '$.status') NOT IN (?) OR json_extract(doc, '$.status') IS NULL)", sql)
	})

	t.Run("contains escapes like metacharacters", func(t *testing.T) {
		sql, args := compile(t, d, []any{"title", "contains", "50%_off"})
		assert.Equal(t, `json_extract(doc, '$.title') LIKE ? ESCAPE '\'`, sql)
		assert.Equal(t, []any{`%50\%\_off%`}, args)
	})

	t.Run("like with wildcards stays like", func(t *testing.T) {
		sql, args := compile(t, d, []any{"title", "like", "a%"})
		assert.Equal(t, "json_extract(doc, '$.title') LIKE ?", sql)
		assert.Equal(t, []any{"a%"}, args)
	})

	t.Run("raw regex is unsupported", func(t *testing.T) {
		cond, err := filter.Normalize([]any{"title", "like", "^a.*z$"})
		require.NoError(t, err)
		_, _, err = d.where(cond)
		require.Error(t, err)
		assert.Equal(t, oqerr.DriverUnsupported, oqerr.CodeOf(err))
	})

	t.Run("between", func(t *testing.T) {
		sql, args := compile(t, d, []any{"qty", "between", []any{1, 10}})
		assert.Equal(t, "json_extract(doc, '$.qty') BETWEEN ? AND ?", sql)
		assert.Equal(t, []any{1, 10}, args)
	})

	t.Run("connectives parenthesize children", func(t *testing.T) {
		sql, args := compile(t, d, []any{
			[]any{"a", "=", 1},
			"or",
			[]any{"b", "=", 2},
		})
		assert.Equal(t, "(json_extract(doc, '$.a') = ?) OR (json_extract(doc, '$.b') = ?)", sql)
		assert.Equal(t, []any{1, 2}, args)
	})

	t.Run("not wraps its child", func(t *testing.T) {
		cond := filter.NewNot(filter.NewComparison("a", filter.OpEQ, 1))
		sql, _, err := d.where(cond)
		require.NoError(t, err)
		assert.Equal(t, "NOT (json_extract(doc, '$.a') = ?)", sql)
	})

	t.Run("hostile field names are rejected", func(t *testing.T) {
		cond := filter.NewComparison("a; DROP TABLE x", filter.OpEQ, 1)
		_, _, err := d.where(cond)
		require.Error(t, err)
		assert.Equal(t, oqerr.DriverQuery, oqerr.CodeOf(err))
	})
}

func TestWherePostgres(t *testing.T) {
	d := dialects["postgres"]

	t.Run("numeric comparisons cast", func(t *testing.T) {
		sql, _ := compile(t, d, []any{"qty", ">", 5})
		assert.Equal(t, "(doc->>'qty')::numeric > ?", sql)
	})

	t.Run("string comparisons stay text", func(t *testing.T) {
		sql, _ := compile(t, d, []any{"status", "=", "open"})
		assert.Equal(t, "doc->>'status' = ?", sql)
	})

	t.Run("raw regex uses tilde", func(t *testing.T) {
		sql, args := compile(t, d, []any{"title", "like", "^a.*z$"})
		assert.Equal(t, "doc->>'title' ~ ?", sql)
		assert.Equal(t, []any{"^a.*z$"}, args)
	})
}

func TestWhereMySQL(t *testing.T) {
	d := dialects["mysql"]

	t.Run("numeric extract skips unquote", func(t *testing.T) {
		sql, _ := compile(t, d, []any{"qty", ">=", 3})
		assert.Equal(t, "JSON_EXTRACT(doc, '$.qty') >= ?", sql)
	})

	t.Run("string extract unquotes", func(t *testing.T) {
		sql, _ := compile(t, d, []any{"status", "=", "open"})
		assert.Equal(t, "JSON_UNQUOTE(JSON_EXTRACT(doc, '$.status')) = ?", sql)
	})

	t.Run("raw regex uses REGEXP", func(t *testing.T) {
		sql, _ := compile(t, d, []any{"title", "like", "^a"})
		assert.Equal(t, "JSON_UNQUOTE(JSON_EXTRACT(doc, '$.title')) REGEXP ?", sql)
	})
}

func TestOrderBy(t *testing.T) {
	d := dialects["sqlite"]

	t.Run("empty", func(t *testing.T) {
		sql, err := d.orderBy(nil)
		require.NoError(t, err)
		assert.Empty(t, sql)
	})

	t.Run("null ordering pairs", func(t *testing.T) {
		sql, err := d.orderBy([]driver.Sort{{Field: "rank"}, {Field: "title", Desc: true}})
		require.NoError(t, err)
		assert.Equal(t,
			" ORDER BY (json_extract(doc, '$.rank') IS NULL) ASC, json_extract(doc, '$.rank') ASC, "+
				"(json_extract(doc, '$.title') IS NULL) DESC, json_extract(doc, '$.title') DESC",
			sql)
	})
}

func TestLimitOffset(t *testing.T) {
	cases := []struct {
		dialect       string
		limit, offset int
		want          string
	}{
		{"sqlite", 10, 5, " LIMIT 10 OFFSET 5"},
		{"sqlite", 10, 0, " LIMIT 10"},
		{"sqlite", 0, 5, " LIMIT -1 OFFSET 5"},
		{"mysql", 0, 5, " LIMIT 18446744073709551615 OFFSET 5"},
		{"postgres", 0, 5, " OFFSET 5"},
		{"postgres", 0, 0, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, dialects[tc.dialect].limitOffset(tc.limit, tc.offset))
	}
}

func TestDialectFor(t *testing.T) {
	_, err := dialectFor("oracle")
	require.Error(t, err)
	assert.Equal(t, oqerr.DriverConnection, oqerr.CodeOf(err))
}
