// Package memdriver provides the in-memory reference driver. It
// implements the complete query contract, including the aggregation
// pipeline, and serves as the behavioral baseline the other drivers
// are tested against.
package memdriver

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/syssam/objectql/aggregate"
	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/internal/oqerr"
)

func init() {
	driver.Register("memory", func(driver.Config) (driver.Driver, error) {
		return New(), nil
	})
}

// Memory is an in-memory driver keeping records per object under a
// read/write mutex. Transactions are snapshot-based: a Tx copies the
// store, mutates the copy, and commit swaps it in.
type Memory struct {
	mu sync.RWMutex
	st state
}

// New returns an empty in-memory driver.
func New() *Memory {
	return &Memory{st: state{tables: make(map[string][]driver.Record)}}
}

// Connect implements driver.Driver. The store needs no connection.
func (m *Memory) Connect(context.Context) error { return nil }

// Close implements driver.Driver.
func (m *Memory) Close() error { return nil }

// CheckHealth implements driver.Driver.
func (m *Memory) CheckHealth(context.Context) error { return nil }

// Capabilities implements driver.Driver.
func (m *Memory) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		Transactions:      true,
		JSONFields:        true,
		ArrayFields:       true,
		QueryFilters:      true,
		QueryAggregations: true,
		QuerySorting:      true,
		QueryPagination:   true,
	}
}

// Find implements driver.Operations.
func (m *Memory) Find(ctx context.Context, object string, q *driver.Query) ([]driver.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.find(ctx, object, q)
}

// FindOne implements driver.Operations.
func (m *Memory) FindOne(ctx context.Context, object, id string, q *driver.Query) (driver.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.findOne(ctx, object, id, q)
}

// Create implements driver.Operations.
func (m *Memory) Create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.create(ctx, object, data)
}

// Update implements driver.Operations.
func (m *Memory) Update(ctx context.Context, object, id string, data driver.Record) (driver.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.update(ctx, object, id, data)
}

// Delete implements driver.Operations.
func (m *Memory) Delete(ctx context.Context, object, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.delete(ctx, object, id)
}

// Count implements driver.Operations.
func (m *Memory) Count(ctx context.Context, object string, where any) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.count(ctx, object, where)
}

// Distinct implements driver.Operations.
func (m *Memory) Distinct(ctx context.Context, object, field string, where any) ([]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.distinct(ctx, object, field, where)
}

// Aggregate implements driver.Operations.
func (m *Memory) Aggregate(ctx context.Context, object string, pipeline []map[string]any) ([]driver.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.aggregate(ctx, object, pipeline)
}

// ExecuteQuery implements driver.Operations.
func (m *Memory) ExecuteQuery(ctx context.Context, q *driver.Query) (*driver.QueryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.executeQuery(ctx, q)
}

// ExecuteCommand implements driver.Operations.
func (m *Memory) ExecuteCommand(ctx context.Context, cmd *driver.Command) (*driver.CommandResult, error) {
	return driver.RunCommand(ctx, m, cmd)
}

// Tx implements driver.Driver.
func (m *Memory) Tx(context.Context) (driver.Tx, error) {
	m.mu.RLock()
	snapshot := m.st.clone()
	m.mu.RUnlock()
	return &memTx{owner: m, st: snapshot}, nil
}

// memTx operates on a private snapshot; commit swaps it into the
// owning store. Concurrent transactions are last-write-wins, which is
// sufficient for the reference driver.
type memTx struct {
	owner *Memory
	st    state
	done  bool
}

func (t *memTx) Commit() error {
	if t.done {
		return oqerr.New(oqerr.DriverQuery, "transaction already finished")
	}
	t.done = true
	t.owner.mu.Lock()
	t.owner.st = t.st
	t.owner.mu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return oqerr.New(oqerr.DriverQuery, "transaction already finished")
	}
	t.done = true
	return nil
}

func (t *memTx) Find(ctx context.Context, object string, q *driver.Query) ([]driver.Record, error) {
	return t.st.find(ctx, object, q)
}

func (t *memTx) FindOne(ctx context.Context, object, id string, q *driver.Query) (driver.Record, error) {
	return t.st.findOne(ctx, object, id, q)
}

func (t *memTx) Create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	return t.st.create(ctx, object, data)
}

func (t *memTx) Update(ctx context.Context, object, id string, data driver.Record) (driver.Record, error) {
	return t.st.update(ctx, object, id, data)
}

func (t *memTx) Delete(ctx context.Context, object, id string) error {
	return t.st.delete(ctx, object, id)
}

func (t *memTx) Count(ctx context.Context, object string, where any) (int64, error) {
	return t.st.count(ctx, object, where)
}

func (t *memTx) Distinct(ctx context.Context, object, field string, where any) ([]any, error) {
	return t.st.distinct(ctx, object, field, where)
}

func (t *memTx) Aggregate(ctx context.Context, object string, pipeline []map[string]any) ([]driver.Record, error) {
	return t.st.aggregate(ctx, object, pipeline)
}

func (t *memTx) ExecuteQuery(ctx context.Context, q *driver.Query) (*driver.QueryResult, error) {
	return t.st.executeQuery(ctx, q)
}

func (t *memTx) ExecuteCommand(ctx context.Context, cmd *driver.Command) (*driver.CommandResult, error) {
	return driver.RunCommand(ctx, t, cmd)
}

// state holds the actual tables. It performs no locking; callers hold
// the owner's mutex or own the snapshot exclusively.
type state struct {
	tables map[string][]driver.Record
}

func (s state) clone() state {
	tables := make(map[string][]driver.Record, len(s.tables))
	for object, recs := range s.tables {
		cp := make([]driver.Record, len(recs))
		for i, rec := range recs {
			cp[i] = cloneRecord(rec)
		}
		tables[object] = cp
	}
	return state{tables: tables}
}

func cloneRecord(rec driver.Record) driver.Record {
	cp := make(driver.Record, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	return cp
}

func (s state) matching(object string, where any) ([]driver.Record, error) {
	cond, err := filter.Normalize(where)
	if err != nil {
		return nil, err
	}
	var out []driver.Record
	for _, rec := range s.tables[object] {
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

func (s state) find(ctx context.Context, object string, q *driver.Query) ([]driver.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if q == nil {
		q = &driver.Query{Object: object}
	}
	matched, err := s.matching(object, q.Where)
	if err != nil {
		return nil, err
	}
	aggregate.SortBy(matched, q.OrderBy)
	matched = driver.Page(matched, q.Limit, q.Offset)
	out := make([]driver.Record, len(matched))
	for i, rec := range matched {
		out[i] = cloneRecord(rec)
	}
	return driver.Project(out, q.Fields), nil
}

func (s state) findOne(ctx context.Context, object, id string, q *driver.Query) (driver.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, rec := range s.tables[object] {
		if rec["_id"] == id {
			out := cloneRecord(rec)
			if q != nil && len(q.Fields) > 0 {
				return driver.Project([]driver.Record{out}, q.Fields)[0], nil
			}
			return out, nil
		}
	}
	return nil, nil
}

func (s state) create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec := cloneRecord(data)
	id, _ := rec["_id"].(string)
	if id == "" {
		id = uuid.NewString()
		rec["_id"] = id
	}
	for _, existing := range s.tables[object] {
		if existing["_id"] == id {
			return nil, oqerr.Newf(oqerr.Conflict, "duplicate id %q in %q", id, object)
		}
	}
	s.tables[object] = append(s.tables[object], rec)
	return cloneRecord(rec), nil
}

func (s state) update(ctx context.Context, object, id string, data driver.Record) (driver.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i, rec := range s.tables[object] {
		if rec["_id"] == id {
			updated := cloneRecord(rec)
			for k, v := range data {
				if k == "_id" {
					continue
				}
				updated[k] = v
			}
			s.tables[object][i] = updated
			return cloneRecord(updated), nil
		}
	}
	return nil, oqerr.Newf(oqerr.NotFound, "%s %q not found", object, id)
}

func (s state) delete(ctx context.Context, object, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	recs := s.tables[object]
	for i, rec := range recs {
		if rec["_id"] == id {
			s.tables[object] = append(recs[:i:i], recs[i+1:]...)
			return nil
		}
	}
	return oqerr.Newf(oqerr.NotFound, "%s %q not found", object, id)
}

func (s state) count(ctx context.Context, object string, where any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	matched, err := s.matching(object, where)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

func (s state) distinct(ctx context.Context, object, field string, where any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched, err := s.matching(object, where)
	if err != nil {
		return nil, err
	}
	pipeline := []map[string]any{{"$group": map[string]any{"_id": "$" + field}}}
	rows, err := aggregate.Run(matched, pipeline)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, row["_id"])
	}
	return out, nil
}

func (s state) aggregate(ctx context.Context, object string, pipeline []map[string]any) ([]driver.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return aggregate.Run(s.tables[object], pipeline)
}

func (s state) executeQuery(ctx context.Context, q *driver.Query) (*driver.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched, err := s.matching(q.Object, q.Where)
	if err != nil {
		return nil, err
	}
	res := &driver.QueryResult{}
	if q.WithCount {
		total := int64(len(matched))
		res.Count = &total
	}
	if len(q.Aggregate) > 0 {
		res.Value, err = aggregate.Run(matched, q.Aggregate)
		return res, err
	}
	if len(q.GroupBy) > 0 {
		id := make(map[string]any, len(q.GroupBy))
		for _, f := range q.GroupBy {
			id[f] = "$" + f
		}
		res.Value, err = aggregate.Run(matched, []map[string]any{
			{"$group": map[string]any{"_id": id, "count": map[string]any{"$sum": 1}}},
		})
		return res, err
	}
	aggregate.SortBy(matched, q.OrderBy)
	matched = driver.Page(matched, q.Limit, q.Offset)
	out := make([]driver.Record, len(matched))
	for i, rec := range matched {
		out[i] = cloneRecord(rec)
	}
	res.Value = driver.Project(out, q.Fields)
	return res, nil
}

var _ driver.Driver = (*Memory)(nil)
var _ driver.Tx = (*memTx)(nil)
