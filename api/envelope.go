package api

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/syssam/objectql"
	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
)

// findArgs is the serializable query envelope accepted by the
// adapters. The filter arrives in its array or object form; limit/top
// and skip/offset are interchangeable aliases. Expansion of reference
// fields is accepted for compatibility and currently a no-op.
type findArgs struct {
	Fields    []string         `json:"fields,omitempty"`
	Filters   any              `json:"filters,omitempty"`
	Sort      sortList         `json:"sort,omitempty"`
	Limit     *int             `json:"limit,omitempty"`
	Top       *int             `json:"top,omitempty"`
	Skip      *int             `json:"skip,omitempty"`
	Offset    *int             `json:"offset,omitempty"`
	Expand    []string         `json:"expand,omitempty"`
	GroupBy   []string         `json:"groupBy,omitempty"`
	Aggregate []map[string]any `json:"aggregate,omitempty"`
	WithCount bool             `json:"withCount,omitempty"`
}

// toQuery normalizes the envelope into the driver query AST.
func (a *findArgs) toQuery(object string) (*driver.Query, error) {
	if a == nil {
		return &driver.Query{Object: object}, nil
	}
	where, err := filter.Normalize(a.Filters)
	if err != nil {
		return nil, err
	}
	q := &driver.Query{
		Object:    object,
		Fields:    a.Fields,
		Where:     where,
		OrderBy:   a.Sort,
		GroupBy:   a.GroupBy,
		Aggregate: a.Aggregate,
		WithCount: a.WithCount,
	}
	switch {
	case a.Limit != nil:
		q.Limit = *a.Limit
	case a.Top != nil:
		q.Limit = *a.Top
	}
	switch {
	case a.Skip != nil:
		q.Offset = *a.Skip
	case a.Offset != nil:
		q.Offset = *a.Offset
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, objectql.NewError(objectql.CodeValidation, "limit and skip must not be negative")
	}
	return q, nil
}

// sortList decodes ordering keys from any of the accepted shapes:
// [{"field":"due","desc":true}], ["due desc","title"] or "due desc".
type sortList []driver.Sort

func (s *sortList) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		*s = parseSortString(raw)
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(b, &elems); err != nil {
		return err
	}
	out := make(sortList, 0, len(elems))
	for _, elem := range elems {
		if len(elem) > 0 && elem[0] == '"' {
			var key string
			if err := json.Unmarshal(elem, &key); err != nil {
				return err
			}
			out = append(out, parseSortString(key)...)
			continue
		}
		var key driver.Sort
		if err := json.Unmarshal(elem, &key); err != nil {
			return err
		}
		out = append(out, key)
	}
	*s = out
	return nil
}

// parseSortString parses "field dir" keys from a comma-joined string.
func parseSortString(raw string) sortList {
	var out sortList
	for _, key := range strings.Split(raw, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		field, dir, _ := strings.Cut(key, " ")
		out = append(out, driver.Sort{
			Field: field,
			Desc:  strings.EqualFold(strings.TrimSpace(dir), "desc"),
		})
	}
	return out
}

// findOneArgs addresses one record: a bare id string on the wire, or
// the object form with an id or a narrowing filter.
type findOneArgs struct {
	ID      string   `json:"id,omitempty"`
	Filters any      `json:"filters,omitempty"`
	Fields  []string `json:"fields,omitempty"`
	Expand  []string `json:"expand,omitempty"`
}

func (a *findOneArgs) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(b, &a.ID)
	}
	type plain findOneArgs
	return json.Unmarshal(b, (*plain)(a))
}

// listMeta is the pagination block of list responses.
type listMeta struct {
	Total   int64 `json:"total"`
	Page    int   `json:"page"`
	Size    int   `json:"size"`
	Pages   int   `json:"pages"`
	HasNext bool  `json:"has_next"`
}

// listPayload shapes a query result as {items, meta}. The meta block
// is derived from the query's pagination and the total count.
func listPayload(q *driver.Query, res *driver.QueryResult) map[string]any {
	items := res.Value
	if items == nil {
		items = []driver.Record{}
	}
	body := map[string]any{"items": items}
	if res.Count == nil {
		return body
	}
	total := *res.Count
	meta := listMeta{Total: total, Page: 1, Size: len(items), Pages: 1}
	if q.Limit > 0 {
		meta.Size = q.Limit
		meta.Page = q.Offset/q.Limit + 1
		meta.Pages = int((total + int64(q.Limit) - 1) / int64(q.Limit))
	}
	meta.HasNext = int64(q.Offset+len(items)) < total
	body["meta"] = meta
	return body
}

// typed adorns a single-record payload with its object name.
func typed(object string, rec driver.Record) driver.Record {
	out := make(driver.Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out["@type"] = object
	return out
}

// Command is the serializable write-command envelope.
type Command struct {
	Type    driver.CommandType `json:"type"`
	Object  string             `json:"object"`
	ID      string             `json:"id,omitempty"`
	IDs     []string           `json:"ids,omitempty"`
	Data    driver.Record      `json:"data,omitempty"`
	Records []driver.Record    `json:"records,omitempty"`
	Updates driver.Record      `json:"updates,omitempty"`
	Where   any                `json:"where,omitempty"`
}

// ToCommand normalizes the envelope into the driver command.
func (c *Command) ToCommand() (*driver.Command, error) {
	where, err := filter.Normalize(c.Where)
	if err != nil {
		return nil, err
	}
	return &driver.Command{
		Type:    c.Type,
		Object:  c.Object,
		ID:      c.ID,
		IDs:     c.IDs,
		Data:    c.Data,
		Records: c.Records,
		Updates: c.Updates,
		Where:   where,
	}, nil
}

// Operation is one request on the operation endpoint: the op name, the
// target object and the op-specific args member.
type Operation struct {
	Op     string          `json:"op"`
	Object string          `json:"object,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}
