// Package kvdriver stores records in Redis, msgpack-encoded under
// oq:<object>:<id> with a per-object id set for enumeration. Filters,
// sorting and aggregation run through the shared reference
// implementation over the loaded records; the backend is a plain
// key-value store.
package kvdriver

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/syssam/objectql/aggregate"
	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/internal/oqerr"
)

func init() {
	driver.Register("redis", func(cfg driver.Config) (driver.Driver, error) {
		return New(cfg), nil
	})
}

const keyPrefix = "oq:"

// Redis is the key-value driver.
type Redis struct {
	cfg    driver.Config
	client *redis.Client
	log    *zap.Logger
}

// New builds an unconnected driver from cfg. The URL takes the
// redis://host:port/db form.
func New(cfg driver.Config) *Redis {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{cfg: cfg, log: log}
}

// Connect implements driver.Driver.
func (r *Redis) Connect(ctx context.Context) error {
	opts, err := redis.ParseURL(r.cfg.URL)
	if err != nil {
		return oqerr.Wrap(oqerr.DriverConnection, err)
	}
	if r.cfg.MaxPoolSize > 0 {
		opts.PoolSize = r.cfg.MaxPoolSize
	}
	r.client = redis.NewClient(opts)
	return oqerr.Wrap(oqerr.DriverConnection, r.client.Ping(ctx).Err())
}

// Close implements driver.Driver.
func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// CheckHealth implements driver.Driver.
func (r *Redis) CheckHealth(ctx context.Context) error {
	return oqerr.Wrap(oqerr.DriverConnection, r.client.Ping(ctx).Err())
}

// Capabilities implements driver.Driver. Redis offers no transactional
// bracket over the record operations, so Tx is unsupported.
func (r *Redis) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		JSONFields:        true,
		ArrayFields:       true,
		QueryFilters:      true,
		QueryAggregations: true,
		QuerySorting:      true,
		QueryPagination:   true,
	}
}

// Tx implements driver.Driver.
func (r *Redis) Tx(context.Context) (driver.Tx, error) {
	return nil, oqerr.New(oqerr.DriverUnsupported, "redis driver does not support transactions")
}

func setKey(object string) string { return keyPrefix + object }

func recordKey(object, id string) string { return keyPrefix + object + ":" + id }

// loadAll materializes every record of object. The per-object id set
// drives a single MGET.
func (r *Redis) loadAll(ctx context.Context, object string) ([]driver.Record, error) {
	ids, err := r.client.SMembers(ctx, setKey(object)).Result()
	if err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(object, id)
	}
	raw, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	out := make([]driver.Record, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			continue
		}
		rec, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Redis) matching(ctx context.Context, object string, where any) ([]driver.Record, error) {
	cond, err := filter.Normalize(where)
	if err != nil {
		return nil, err
	}
	all, err := r.loadAll(ctx, object)
	if err != nil {
		return nil, err
	}
	var out []driver.Record
	for _, rec := range all {
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

// Find implements driver.Operations.
func (r *Redis) Find(ctx context.Context, object string, q *driver.Query) ([]driver.Record, error) {
	if q == nil {
		q = &driver.Query{Object: object}
	}
	matched, err := r.matching(ctx, object, q.Where)
	if err != nil {
		return nil, err
	}
	aggregate.SortBy(matched, q.OrderBy)
	matched = driver.Page(matched, q.Limit, q.Offset)
	return driver.Project(matched, q.Fields), nil
}

// FindOne implements driver.Operations.
func (r *Redis) FindOne(ctx context.Context, object, id string, q *driver.Query) (driver.Record, error) {
	raw, err := r.client.Get(ctx, recordKey(object, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	rec, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if q != nil && len(q.Fields) > 0 {
		return driver.Project([]driver.Record{rec}, q.Fields)[0], nil
	}
	return rec, nil
}

// Create implements driver.Operations.
func (r *Redis) Create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	rec := clone(data)
	id, _ := rec["_id"].(string)
	if id == "" {
		id = uuid.NewString()
		rec["_id"] = id
	}
	raw, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	stored, err := r.client.SetNX(ctx, recordKey(object, id), raw, 0).Result()
	if err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	if !stored {
		return nil, oqerr.Newf(oqerr.Conflict, "duplicate id %q in %q", id, object)
	}
	if err := r.client.SAdd(ctx, setKey(object), id).Err(); err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	return rec, nil
}

// Update implements driver.Operations.
func (r *Redis) Update(ctx context.Context, object, id string, data driver.Record) (driver.Record, error) {
	current, err := r.FindOne(ctx, object, id, nil)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, oqerr.Newf(oqerr.NotFound, "%s %q not found", object, id)
	}
	for k, v := range data {
		if k == "_id" {
			continue
		}
		current[k] = v
	}
	raw, err := msgpack.Marshal(current)
	if err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	if err := r.client.Set(ctx, recordKey(object, id), raw, 0).Err(); err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	return current, nil
}

// Delete implements driver.Operations.
func (r *Redis) Delete(ctx context.Context, object, id string) error {
	n, err := r.client.Del(ctx, recordKey(object, id)).Result()
	if err != nil {
		return oqerr.Wrap(oqerr.DriverQuery, err)
	}
	if n == 0 {
		return oqerr.Newf(oqerr.NotFound, "%s %q not found", object, id)
	}
	return oqerr.Wrap(oqerr.DriverQuery, r.client.SRem(ctx, setKey(object), id).Err())
}

// Count implements driver.Operations.
func (r *Redis) Count(ctx context.Context, object string, where any) (int64, error) {
	if where == nil {
		n, err := r.client.SCard(ctx, setKey(object)).Result()
		return n, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	matched, err := r.matching(ctx, object, where)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// Distinct implements driver.Operations.
func (r *Redis) Distinct(ctx context.Context, object, field string, where any) ([]any, error) {
	matched, err := r.matching(ctx, object, where)
	if err != nil {
		return nil, err
	}
	rows, err := aggregate.Run(matched, []map[string]any{
		{"$group": map[string]any{"_id": "$" + field}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, row["_id"])
	}
	return out, nil
}

// Aggregate implements driver.Operations.
func (r *Redis) Aggregate(ctx context.Context, object string, pipeline []map[string]any) ([]driver.Record, error) {
	all, err := r.loadAll(ctx, object)
	if err != nil {
		return nil, err
	}
	return aggregate.Run(all, pipeline)
}

// ExecuteQuery implements driver.Operations.
func (r *Redis) ExecuteQuery(ctx context.Context, q *driver.Query) (*driver.QueryResult, error) {
	matched, err := r.matching(ctx, q.Object, q.Where)
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
	res.Value = driver.Project(driver.Page(matched, q.Limit, q.Offset), q.Fields)
	return res, nil
}

// ExecuteCommand implements driver.Operations.
func (r *Redis) ExecuteCommand(ctx context.Context, cmd *driver.Command) (*driver.CommandResult, error) {
	return driver.RunCommand(ctx, r, cmd)
}

// decode restores a record. Msgpack round-trips string-keyed maps; the
// nested map keys come back as interface keys and are normalized.
func decode(raw []byte) (driver.Record, error) {
	var rec map[string]any
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	return normalizeValue(rec).(map[string]any), nil
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, item := range x {
			x[k] = normalizeValue(item)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			if s, ok := k.(string); ok {
				out[s] = normalizeValue(item)
			}
		}
		return out
	case []any:
		for i, item := range x {
			x[i] = normalizeValue(item)
		}
		return x
	}
	return v
}

func clone(rec driver.Record) driver.Record {
	cp := make(driver.Record, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	return cp
}

var _ driver.Driver = (*Redis)(nil)
