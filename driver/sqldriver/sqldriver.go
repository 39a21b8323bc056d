// Package sqldriver stores records as JSON documents in a relational
// table, one table per object, addressed through sqlx. Filters, sorting
// and pagination compile to SQL; aggregation pipelines run through the
// shared reference implementation over the matching rows. The sqlite,
// mysql and postgres dialects are supported.
package sqldriver

import (
	"context"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/syssam/objectql/aggregate"
	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/internal/oqerr"
)

func init() {
	driver.Register("sql", func(cfg driver.Config) (driver.Driver, error) {
		return New(cfg)
	})
}

// SQL is the relational document driver.
type SQL struct {
	cfg     driver.Config
	dialect dialect
	db      *sqlx.DB
	log     *zap.Logger

	mu     sync.Mutex
	tables map[string]bool
}

// New builds an unconnected driver from cfg. The dialect must be one
// of sqlite, mysql or postgres.
func New(cfg driver.Config) (*SQL, error) {
	dl, err := dialectFor(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &SQL{cfg: cfg, dialect: dl, log: log, tables: make(map[string]bool)}, nil
}

// Connect implements driver.Driver.
func (d *SQL) Connect(ctx context.Context) error {
	db, err := sqlx.ConnectContext(ctx, d.dialect.driverName, d.cfg.DSN)
	if err != nil {
		return oqerr.Wrap(oqerr.DriverConnection, err)
	}
	if d.cfg.MaxPoolSize > 0 {
		db.SetMaxOpenConns(d.cfg.MaxPoolSize)
	}
	if d.cfg.MinPoolSize > 0 {
		db.SetMaxIdleConns(d.cfg.MinPoolSize)
	}
	d.db = db
	return nil
}

// Close implements driver.Driver.
func (d *SQL) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// CheckHealth implements driver.Driver.
func (d *SQL) CheckHealth(ctx context.Context) error {
	return oqerr.Wrap(oqerr.DriverConnection, d.db.PingContext(ctx))
}

// Capabilities implements driver.Driver.
func (d *SQL) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		Transactions:      true,
		JSONFields:        true,
		QueryFilters:      true,
		QueryAggregations: true,
		QuerySorting:      true,
		QueryPagination:   true,
	}
}

// Tx implements driver.Driver.
func (d *SQL) Tx(ctx context.Context) (driver.Tx, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	return &sqlTx{d: d, tx: tx}, nil
}

// ensureTable lazily creates the document table of an object. DDL runs
// on the pool, never inside a transaction.
func (d *SQL) ensureTable(ctx context.Context, object string) (string, error) {
	if err := validIdent(object); err != nil {
		return "", err
	}
	table := d.dialect.quote(object)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tables[object] {
		return table, nil
	}
	ddl := strings.Replace(d.dialect.createTable, "%s", table, 1)
	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return "", oqerr.Wrap(oqerr.DriverQuery, err)
	}
	d.tables[object] = true
	return table, nil
}

func (d *SQL) find(ctx context.Context, ext sqlx.ExtContext, object string, q *driver.Query) ([]driver.Record, error) {
	if q == nil {
		q = &driver.Query{Object: object}
	}
	table, err := d.ensureTable(ctx, object)
	if err != nil {
		return nil, err
	}
	where, args, err := d.dialect.where(q.Where)
	if err != nil {
		return nil, err
	}
	order, err := d.dialect.orderBy(q.OrderBy)
	if err != nil {
		return nil, err
	}
	query := "SELECT id, doc FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	query += order + d.dialect.limitOffset(q.Limit, q.Offset)

	rows, err := ext.QueryxContext(ctx, ext.Rebind(query), args...)
	if err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	defer rows.Close()
	var out []driver.Record
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, oqerr.Wrap(oqerr.DriverQuery, err)
		}
		rec, err := decodeDoc(id, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	return driver.Project(out, q.Fields), nil
}

func (d *SQL) findOne(ctx context.Context, ext sqlx.ExtContext, object, id string, q *driver.Query) (driver.Record, error) {
	table, err := d.ensureTable(ctx, object)
	if err != nil {
		return nil, err
	}
	row := ext.QueryRowxContext(ctx, ext.Rebind("SELECT doc FROM "+table+" WHERE id = ?"), id)
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, nil
		}
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	rec, err := decodeDoc(id, doc)
	if err != nil {
		return nil, err
	}
	if q != nil && len(q.Fields) > 0 {
		return driver.Project([]driver.Record{rec}, q.Fields)[0], nil
	}
	return rec, nil
}

func (d *SQL) create(ctx context.Context, ext sqlx.ExtContext, object string, data driver.Record) (driver.Record, error) {
	table, err := d.ensureTable(ctx, object)
	if err != nil {
		return nil, err
	}
	rec := clone(data)
	id, _ := rec["_id"].(string)
	if id == "" {
		id = uuid.NewString()
		rec["_id"] = id
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	_, err = ext.ExecContext(ctx, ext.Rebind("INSERT INTO "+table+" (id, doc) VALUES (?, ?)"), id, doc)
	if err != nil {
		if isDuplicate(err) {
			return nil, oqerr.Newf(oqerr.Conflict, "duplicate id %q in %q", id, object)
		}
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	return rec, nil
}

func (d *SQL) update(ctx context.Context, ext sqlx.ExtContext, object, id string, data driver.Record) (driver.Record, error) {
	current, err := d.findOne(ctx, ext, object, id, nil)
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
	doc, err := json.Marshal(current)
	if err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	table := d.dialect.quote(object)
	if _, err := ext.ExecContext(ctx, ext.Rebind("UPDATE "+table+" SET doc = ? WHERE id = ?"), doc, id); err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	return current, nil
}

func (d *SQL) delete(ctx context.Context, ext sqlx.ExtContext, object, id string) error {
	table, err := d.ensureTable(ctx, object)
	if err != nil {
		return err
	}
	res, err := ext.ExecContext(ctx, ext.Rebind("DELETE FROM "+table+" WHERE id = ?"), id)
	if err != nil {
		return oqerr.Wrap(oqerr.DriverQuery, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return oqerr.Newf(oqerr.NotFound, "%s %q not found", object, id)
	}
	return nil
}

func (d *SQL) count(ctx context.Context, ext sqlx.ExtContext, object string, where any) (int64, error) {
	table, err := d.ensureTable(ctx, object)
	if err != nil {
		return 0, err
	}
	cond, err := normalize(where)
	if err != nil {
		return 0, err
	}
	pred, args, err := d.dialect.where(cond)
	if err != nil {
		return 0, err
	}
	query := "SELECT COUNT(*) FROM " + table
	if pred != "" {
		query += " WHERE " + pred
	}
	var n int64
	if err := ext.QueryRowxContext(ctx, ext.Rebind(query), args...).Scan(&n); err != nil {
		return 0, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	return n, nil
}

func (d *SQL) distinct(ctx context.Context, ext sqlx.ExtContext, object, field string, where any) ([]any, error) {
	cond, err := normalize(where)
	if err != nil {
		return nil, err
	}
	matched, err := d.find(ctx, ext, object, &driver.Query{Object: object, Where: cond})
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

func (d *SQL) aggregatePipe(ctx context.Context, ext sqlx.ExtContext, object string, pipeline []map[string]any) ([]driver.Record, error) {
	all, err := d.find(ctx, ext, object, nil)
	if err != nil {
		return nil, err
	}
	return aggregate.Run(all, pipeline)
}

func (d *SQL) executeQuery(ctx context.Context, ext sqlx.ExtContext, q *driver.Query) (*driver.QueryResult, error) {
	res := &driver.QueryResult{}
	if q.WithCount {
		total, err := d.count(ctx, ext, q.Object, q.Where)
		if err != nil {
			return nil, err
		}
		res.Count = &total
	}
	if len(q.Aggregate) > 0 || len(q.GroupBy) > 0 {
		matched, err := d.find(ctx, ext, q.Object, &driver.Query{Object: q.Object, Where: q.Where})
		if err != nil {
			return nil, err
		}
		if len(q.Aggregate) > 0 {
			res.Value, err = aggregate.Run(matched, q.Aggregate)
			return res, err
		}
		id := make(map[string]any, len(q.GroupBy))
		for _, f := range q.GroupBy {
			id[f] = "$" + f
		}
		res.Value, err = aggregate.Run(matched, []map[string]any{
			{"$group": map[string]any{"_id": id, "count": map[string]any{"$sum": 1}}},
		})
		return res, err
	}
	value, err := d.find(ctx, ext, q.Object, q)
	if err != nil {
		return nil, err
	}
	res.Value = value
	return res, nil
}

// Find implements driver.Operations.
func (d *SQL) Find(ctx context.Context, object string, q *driver.Query) ([]driver.Record, error) {
	return d.find(ctx, d.db, object, q)
}

// FindOne implements driver.Operations.
func (d *SQL) FindOne(ctx context.Context, object, id string, q *driver.Query) (driver.Record, error) {
	return d.findOne(ctx, d.db, object, id, q)
}

// Create implements driver.Operations.
func (d *SQL) Create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	return d.create(ctx, d.db, object, data)
}

// Update implements driver.Operations.
func (d *SQL) Update(ctx context.Context, object, id string, data driver.Record) (driver.Record, error) {
	return d.update(ctx, d.db, object, id, data)
}

// Delete implements driver.Operations.
func (d *SQL) Delete(ctx context.Context, object, id string) error {
	return d.delete(ctx, d.db, object, id)
}

// Count implements driver.Operations.
func (d *SQL) Count(ctx context.Context, object string, where any) (int64, error) {
	return d.count(ctx, d.db, object, where)
}

// Distinct implements driver.Operations.
func (d *SQL) Distinct(ctx context.Context, object, field string, where any) ([]any, error) {
	return d.distinct(ctx, d.db, object, field, where)
}

// Aggregate implements driver.Operations.
func (d *SQL) Aggregate(ctx context.Context, object string, pipeline []map[string]any) ([]driver.Record, error) {
	return d.aggregatePipe(ctx, d.db, object, pipeline)
}

// ExecuteQuery implements driver.Operations.
func (d *SQL) ExecuteQuery(ctx context.Context, q *driver.Query) (*driver.QueryResult, error) {
	return d.executeQuery(ctx, d.db, q)
}

// ExecuteCommand implements driver.Operations.
func (d *SQL) ExecuteCommand(ctx context.Context, cmd *driver.Command) (*driver.CommandResult, error) {
	return driver.RunCommand(ctx, d, cmd)
}

// sqlTx routes the operation surface through one open transaction.
type sqlTx struct {
	d  *SQL
	tx *sqlx.Tx
}

func (t *sqlTx) Commit() error   { return oqerr.Wrap(oqerr.DriverQuery, t.tx.Commit()) }
func (t *sqlTx) Rollback() error { return oqerr.Wrap(oqerr.DriverQuery, t.tx.Rollback()) }

func (t *sqlTx) Find(ctx context.Context, object string, q *driver.Query) ([]driver.Record, error) {
	return t.d.find(ctx, t.tx, object, q)
}

func (t *sqlTx) FindOne(ctx context.Context, object, id string, q *driver.Query) (driver.Record, error) {
	return t.d.findOne(ctx, t.tx, object, id, q)
}

func (t *sqlTx) Create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	return t.d.create(ctx, t.tx, object, data)
}

func (t *sqlTx) Update(ctx context.Context, object, id string, data driver.Record) (driver.Record, error) {
	return t.d.update(ctx, t.tx, object, id, data)
}

func (t *sqlTx) Delete(ctx context.Context, object, id string) error {
	return t.d.delete(ctx, t.tx, object, id)
}

func (t *sqlTx) Count(ctx context.Context, object string, where any) (int64, error) {
	return t.d.count(ctx, t.tx, object, where)
}

func (t *sqlTx) Distinct(ctx context.Context, object, field string, where any) ([]any, error) {
	return t.d.distinct(ctx, t.tx, object, field, where)
}

func (t *sqlTx) Aggregate(ctx context.Context, object string, pipeline []map[string]any) ([]driver.Record, error) {
	return t.d.aggregatePipe(ctx, t.tx, object, pipeline)
}

func (t *sqlTx) ExecuteQuery(ctx context.Context, q *driver.Query) (*driver.QueryResult, error) {
	return t.d.executeQuery(ctx, t.tx, q)
}

func (t *sqlTx) ExecuteCommand(ctx context.Context, cmd *driver.Command) (*driver.CommandResult, error) {
	return driver.RunCommand(ctx, t, cmd)
}

func decodeDoc(id string, doc []byte) (driver.Record, error) {
	rec := driver.Record{}
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, oqerr.Wrap(oqerr.DriverQuery, err)
	}
	rec["_id"] = id
	return rec, nil
}

func clone(rec driver.Record) driver.Record {
	cp := make(driver.Record, len(rec))
	for k, v := range rec {
		cp[k] = v
	}
	return cp
}

func isDuplicate(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

var _ driver.Driver = (*SQL)(nil)
var _ driver.Tx = (*sqlTx)(nil)
