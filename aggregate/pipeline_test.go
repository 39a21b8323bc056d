package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/internal/oqerr"
)

func employees() []driver.Record {
	return []driver.Record{
		{"_id": "1", "name": "ann", "department": "IT", "salary": 80000},
		{"_id": "2", "name": "bob", "department": "HR", "salary": 60000},
		{"_id": "3", "name": "cat", "department": "IT", "salary": 90000},
	}
}

func TestGroupAvgSort(t *testing.T) {
	out, err := Run(employees(), []map[string]any{
		{"$group": map[string]any{
			"_id":        "$department",
			"avg_salary": map[string]any{"$avg": "$salary"},
		}},
		{"$sort": map[string]any{"avg_salary": -1}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "IT", out[0]["_id"])
	assert.Equal(t, 85000.0, out[0]["avg_salary"])
	assert.Equal(t, "HR", out[1]["_id"])
	assert.Equal(t, 60000.0, out[1]["avg_salary"])
}

func TestMatchProjectLimitSkip(t *testing.T) {
	out, err := Run(employees(), []map[string]any{
		{"$match": []any{"department", "=", "IT"}},
		{"$sort": map[string]any{"salary": 1}},
		{"$project": map[string]any{"name": true, "pay": "$salary"}},
		{"$skip": 1},
		{"$limit": 5},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "cat", out[0]["name"])
	assert.Equal(t, 90000, out[0]["pay"])
	_, hasSalary := out[0]["salary"]
	assert.False(t, hasSalary, "unprojected fields are dropped")
}

func TestAccumulators(t *testing.T) {
	recs := []driver.Record{
		{"g": "a", "v": 1, "tag": "x"},
		{"g": "a", "v": 3, "tag": "x"},
		{"g": "a", "v": nil, "tag": "y"},
	}
	out, err := Run(recs, []map[string]any{
		{"$group": map[string]any{
			"_id":   "$g",
			"total": map[string]any{"$sum": "$v"},
			"min":   map[string]any{"$min": "$v"},
			"max":   map[string]any{"$max": "$v"},
			"first": map[string]any{"$first": "$v"},
			"last":  map[string]any{"$last": "$tag"},
			"all":   map[string]any{"$push": "$tag"},
			"tags":  map[string]any{"$addToSet": "$tag"},
			"n":     map[string]any{"$sum": 1},
		}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	row := out[0]
	assert.Equal(t, 4.0, row["total"])
	assert.Equal(t, 1, row["min"])
	assert.Equal(t, 3, row["max"])
	assert.Equal(t, 1, row["first"])
	assert.Equal(t, "y", row["last"])
	assert.Equal(t, []any{"x", "x", "y"}, row["all"])
	assert.Equal(t, []any{"x", "y"}, row["tags"])
	assert.Equal(t, 3.0, row["n"], "a literal 1 counts every record")
}

func TestGroupCompositeKey(t *testing.T) {
	recs := []driver.Record{
		{"a": "x", "b": 1},
		{"a": "x", "b": 1},
		{"a": "x", "b": 2},
	}
	out, err := Run(recs, []map[string]any{
		{"$group": map[string]any{
			"_id": map[string]any{"a": "$a", "b": "$b"},
			"n":   map[string]any{"$sum": 1},
		}},
	})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestGroupNilAvg(t *testing.T) {
	recs := []driver.Record{{"g": "a", "v": nil}, {"g": "a"}}
	out, err := Run(recs, []map[string]any{
		{"$group": map[string]any{"_id": "$g", "avg": map[string]any{"$avg": "$v"}}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Nil(t, out[0]["avg"], "no numeric inputs yields null")
}

func TestSortNullOrdering(t *testing.T) {
	recs := []driver.Record{
		{"_id": "1", "v": 2},
		{"_id": "2"},
		{"_id": "3", "v": 1},
	}
	out, err := Run(recs, []map[string]any{{"$sort": map[string]any{"v": 1}}})
	require.NoError(t, err)
	assert.Equal(t, "2", out[2]["_id"], "nulls sort last ascending")

	out, err = Run(recs, []map[string]any{{"$sort": map[string]any{"v": -1}}})
	require.NoError(t, err)
	assert.Equal(t, "2", out[0]["_id"], "nulls sort first descending")
}

func TestPipelineErrors(t *testing.T) {
	cases := []struct {
		name     string
		pipeline []map[string]any
	}{
		{"unknown stage", []map[string]any{{"$explode": 1}}},
		{"two keys per stage", []map[string]any{{"$limit": 1, "$skip": 1}}},
		{"group without id", []map[string]any{{"$group": map[string]any{"n": map[string]any{"$sum": 1}}}}},
		{"unknown accumulator", []map[string]any{{"$group": map[string]any{"_id": "$g", "n": map[string]any{"$median": "$v"}}}}},
		{"bad sort direction", []map[string]any{{"$sort": map[string]any{"v": 2}}}},
		{"negative limit", []map[string]any{{"$limit": -1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Run(employees(), tc.pipeline)
			require.Error(t, err)
			assert.Equal(t, oqerr.Validation, oqerr.CodeOf(err))
		})
	}
}
