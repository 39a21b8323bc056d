package objectql

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/internal/oqerr"
	"github.com/syssam/objectql/schema"
	"github.com/syssam/objectql/validator"
)

// Repository is the object-scoped data surface bound to a Context. All
// operations run the full pipeline: permission check, lifecycle hooks,
// validation and driver dispatch, honoring any open transaction on the
// object's datasource.
type Repository struct {
	ctx    *Context
	object string
}

// Find returns the records matching the query. Before-hooks may narrow
// the query (row-level restriction included); after-hooks may replace
// the result.
func (r *Repository) Find(ctx context.Context, q *driver.Query) ([]driver.Record, error) {
	obj, ops, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.allow(obj, permRead); err != nil {
		return nil, err
	}
	h := r.hookCtx()
	h.Query = copyQuery(q, obj.FQN())
	if err := r.dispatch(ctx, BeforeFind, h); err != nil {
		return nil, err
	}
	records, err := ops.Find(ctx, obj.FQN(), h.Query)
	if err != nil {
		return nil, err
	}
	h.Result = records
	if err := r.dispatch(ctx, AfterFind, h); err != nil {
		return nil, err
	}
	if out, ok := h.Result.([]driver.Record); ok {
		return out, nil
	}
	return records, nil
}

// FindOne returns the record with the given id, or nil when the id is
// unknown. Find hooks apply; a row-level restriction that excludes the
// record hides it.
func (r *Repository) FindOne(ctx context.Context, id string, q *driver.Query) (driver.Record, error) {
	obj, ops, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.allow(obj, permRead); err != nil {
		return nil, err
	}
	h := r.hookCtx()
	h.ID = id
	h.Query = copyQuery(q, obj.FQN())
	if err := r.dispatch(ctx, BeforeFind, h); err != nil {
		return nil, err
	}
	rec, err := ops.FindOne(ctx, obj.FQN(), id, h.Query)
	if err != nil {
		return nil, err
	}
	if rec != nil && h.Query.Where != nil {
		ok, err := matchRestriction(h.Query.Where, rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			rec = nil
		}
	}
	h.Result = rec
	if err := r.dispatch(ctx, AfterFind, h); err != nil {
		return nil, err
	}
	if out, ok := h.Result.(driver.Record); ok {
		return out, nil
	}
	return rec, nil
}

// Query runs a unified query, returning the value plus the total count
// when the query requested one. Find hooks apply.
func (r *Repository) Query(ctx context.Context, q *driver.Query) (*driver.QueryResult, error) {
	obj, ops, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.allow(obj, permRead); err != nil {
		return nil, err
	}
	h := r.hookCtx()
	h.Query = copyQuery(q, obj.FQN())
	if err := r.dispatch(ctx, BeforeFind, h); err != nil {
		return nil, err
	}
	res, err := ops.ExecuteQuery(ctx, h.Query)
	if err != nil {
		return nil, err
	}
	h.Result = res
	if err := r.dispatch(ctx, AfterFind, h); err != nil {
		return nil, err
	}
	if out, ok := h.Result.(*driver.QueryResult); ok {
		return out, nil
	}
	return res, nil
}

// Count returns the number of records matching the filter. Count hooks
// apply, so row-level restriction narrows the count too.
func (r *Repository) Count(ctx context.Context, where any) (int64, error) {
	obj, ops, err := r.resolve(ctx)
	if err != nil {
		return 0, err
	}
	if err := r.allow(obj, permRead); err != nil {
		return 0, err
	}
	cond, err := normalizeWhere(where)
	if err != nil {
		return 0, err
	}
	h := r.hookCtx()
	h.Query = &driver.Query{Object: obj.FQN(), Where: cond}
	if err := r.dispatch(ctx, BeforeCount, h); err != nil {
		return 0, err
	}
	n, err := ops.Count(ctx, obj.FQN(), h.Query.Where)
	if err != nil {
		return 0, err
	}
	h.Result = n
	if err := r.dispatch(ctx, AfterCount, h); err != nil {
		return 0, err
	}
	if out, ok := h.Result.(int64); ok {
		return out, nil
	}
	return n, nil
}

// Distinct returns the distinct values of field over the matching
// records.
func (r *Repository) Distinct(ctx context.Context, field string, where any) ([]any, error) {
	obj, ops, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.allow(obj, permRead); err != nil {
		return nil, err
	}
	cond, err := normalizeWhere(where)
	if err != nil {
		return nil, err
	}
	return ops.Distinct(ctx, obj.FQN(), field, cond)
}

// Aggregate runs the aggregation pipeline over the object.
func (r *Repository) Aggregate(ctx context.Context, pipeline []map[string]any) ([]driver.Record, error) {
	obj, ops, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.allow(obj, permRead); err != nil {
		return nil, err
	}
	return ops.Aggregate(ctx, obj.FQN(), pipeline)
}

// Create inserts a record. Field defaults fill absent fields and the
// system fields are stamped before the before-hooks run, so hooks
// observe the final identity fields; the validation rules then gate
// the write.
func (r *Repository) Create(ctx context.Context, data driver.Record) (driver.Record, error) {
	obj, ops, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.allow(obj, permCreate); err != nil {
		return nil, err
	}
	rec := cloneRecord(data)
	applyDefaults(obj, rec)
	r.stampCreate(rec)

	h := r.hookCtx()
	h.Data = rec
	if err := r.dispatch(ctx, BeforeCreate, h); err != nil {
		return nil, err
	}

	res := r.ctx.rt.validator.Validate(obj, &validator.Context{
		Record:    rec,
		Operation: schema.OpCreate,
	})
	if err := res.Err(); err != nil {
		return nil, err
	}

	created, err := ops.Create(ctx, obj.FQN(), rec)
	if err != nil {
		return nil, err
	}
	h.Result = created
	if err := r.dispatch(ctx, AfterCreate, h); err != nil {
		return nil, err
	}
	if out, ok := h.Result.(driver.Record); ok {
		return out, nil
	}
	return created, nil
}

// Update patches the record with the given id. The previous record is
// fetched first so hooks and the validator can compare old and new
// values; unknown ids surface NOT_FOUND.
func (r *Repository) Update(ctx context.Context, id string, data driver.Record) (driver.Record, error) {
	obj, ops, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.allow(obj, permEdit); err != nil {
		return nil, err
	}
	previous, err := ops.FindOne(ctx, obj.FQN(), id, nil)
	if err != nil {
		return nil, err
	}
	if previous == nil {
		return nil, oqerr.Newf(oqerr.NotFound, "%s %q not found", obj.FQN(), id)
	}

	rec := cloneRecord(data)
	r.stampUpdate(rec)

	h := r.hookCtx()
	h.ID = id
	h.Data = rec
	h.PreviousData = cloneRecord(previous)
	if err := r.dispatch(ctx, BeforeUpdate, h); err != nil {
		return nil, err
	}

	changed := changedFields(rec, previous)
	merged := cloneRecord(previous)
	for name, value := range rec {
		merged[name] = value
	}
	res := r.ctx.rt.validator.Validate(obj, &validator.Context{
		Record:        merged,
		Previous:      previous,
		Operation:     schema.OpUpdate,
		ChangedFields: changed,
	})
	if err := res.Err(); err != nil {
		return nil, err
	}

	updated, err := ops.Update(ctx, obj.FQN(), id, rec)
	if err != nil {
		return nil, err
	}
	h.Result = updated
	if err := r.dispatch(ctx, AfterUpdate, h); err != nil {
		return nil, err
	}
	if out, ok := h.Result.(driver.Record); ok {
		return out, nil
	}
	return updated, nil
}

// Delete removes the record with the given id. Delete-triggered rules
// run against the stored record before removal.
func (r *Repository) Delete(ctx context.Context, id string) error {
	obj, ops, err := r.resolve(ctx)
	if err != nil {
		return err
	}
	if err := r.allow(obj, permDelete); err != nil {
		return err
	}
	previous, err := ops.FindOne(ctx, obj.FQN(), id, nil)
	if err != nil {
		return err
	}
	if previous == nil {
		return oqerr.Newf(oqerr.NotFound, "%s %q not found", obj.FQN(), id)
	}

	h := r.hookCtx()
	h.ID = id
	h.PreviousData = cloneRecord(previous)
	if err := r.dispatch(ctx, BeforeDelete, h); err != nil {
		return err
	}

	res := r.ctx.rt.validator.Validate(obj, &validator.Context{
		Record:    previous,
		Previous:  previous,
		Operation: schema.OpDelete,
	})
	if err := res.Err(); err != nil {
		return err
	}

	if err := ops.Delete(ctx, obj.FQN(), id); err != nil {
		return err
	}
	return r.dispatch(ctx, AfterDelete, h)
}

// UpdateMany patches every record matching the filter through the full
// update pipeline and returns the number updated. The first failure
// stops the run; records already written stay written unless the call
// runs inside a transaction.
func (r *Repository) UpdateMany(ctx context.Context, where any, data driver.Record) (int64, error) {
	cond, err := normalizeWhere(where)
	if err != nil {
		return 0, err
	}
	matches, err := r.Find(ctx, &driver.Query{Where: cond, Fields: []string{schema.FieldID}})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range matches {
		id, _ := rec[schema.FieldID].(string)
		if _, err := r.Update(ctx, id, data); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// DeleteMany removes every record matching the filter through the full
// delete pipeline and returns the number removed.
func (r *Repository) DeleteMany(ctx context.Context, where any) (int64, error) {
	cond, err := normalizeWhere(where)
	if err != nil {
		return 0, err
	}
	matches, err := r.Find(ctx, &driver.Query{Where: cond, Fields: []string{schema.FieldID}})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range matches {
		id, _ := rec[schema.FieldID].(string)
		if err := r.Delete(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Execute runs a named action. Record actions require the id of an
// existing record; global actions reject one. Input is validated
// against the action's param descriptors before the handler runs.
func (r *Repository) Execute(ctx context.Context, action, id string, input map[string]any) (any, error) {
	obj, ops, err := r.resolve(ctx)
	if err != nil {
		return nil, err
	}
	def, ok := obj.Actions[action]
	if !ok {
		return nil, oqerr.Newf(oqerr.NotFound, "object %q has no action %q", obj.FQN(), action)
	}
	switch def.Kind {
	case schema.ActionGlobal:
		if id != "" {
			return nil, oqerr.Newf(oqerr.Validation, "action %q is global and takes no record id", action)
		}
	default:
		if id == "" {
			return nil, oqerr.Newf(oqerr.Validation, "action %q requires a record id", action)
		}
		rec, err := ops.FindOne(ctx, obj.FQN(), id, nil)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, oqerr.Newf(oqerr.NotFound, "%s %q not found", obj.FQN(), id)
		}
	}
	if len(def.Params) > 0 {
		if err := r.ctx.rt.validator.ValidateParams(def.Params, input).Err(); err != nil {
			return nil, err
		}
	}
	handler, ok := r.ctx.rt.dispatcher.Action(obj.FQN(), action)
	if !ok {
		return nil, oqerr.Newf(oqerr.NotFound, "action %q on %q has no registered handler", action, obj.FQN())
	}
	return handler(ctx, &ActionRequest{
		Object: obj.FQN(),
		Action: action,
		ID:     id,
		Input:  input,
		Ctx:    r.ctx,
		State:  make(map[string]any),
	})
}

func (r *Repository) resolve(ctx context.Context) (*schema.Object, driver.Operations, error) {
	obj, err := r.ctx.rt.registry.Object(r.object)
	if err != nil {
		return nil, nil, err
	}
	ops, err := r.ctx.rt.operationsFor(obj, r.ctx)
	if err != nil {
		return nil, nil, err
	}
	return obj, ops, nil
}

func (r *Repository) hookCtx() *HookContext {
	return &HookContext{
		Ctx:    r.ctx,
		Object: r.object,
		State:  make(map[string]any),
	}
}

func (r *Repository) dispatch(ctx context.Context, event Event, h *HookContext) error {
	return r.ctx.rt.dispatcher.Dispatch(ctx, event, r.object, h)
}

type permission int

const (
	permRead permission = iota
	permCreate
	permEdit
	permDelete
)

// allow gates the operation on the object's permissions. System
// contexts bypass the check; objects without a permission block are
// open; an empty role list closes the gate to everyone else.
func (r *Repository) allow(obj *schema.Object, p permission) error {
	if r.ctx.IsSystem || obj.Permissions == nil {
		return nil
	}
	var roles []string
	switch p {
	case permCreate:
		roles = obj.Permissions.AllowCreate
	case permEdit:
		roles = obj.Permissions.AllowEdit
	case permDelete:
		roles = obj.Permissions.AllowDelete
	default:
		roles = obj.Permissions.AllowRead
	}
	for _, allowed := range roles {
		for _, role := range r.ctx.Roles {
			if role == allowed {
				return nil
			}
		}
	}
	return oqerr.Newf(oqerr.Forbidden, "user %q may not access %q", r.ctx.UserID, obj.FQN())
}

func (r *Repository) stampCreate(rec driver.Record) {
	if _, ok := rec[schema.FieldID]; !ok {
		rec[schema.FieldID] = uuid.NewString()
	}
	now := nowStamp()
	rec[schema.FieldCreatedAt] = now
	rec[schema.FieldUpdatedAt] = now
	rec[schema.FieldCreatedBy] = r.ctx.UserID
	rec[schema.FieldUpdatedBy] = r.ctx.UserID
	if r.ctx.SpaceID != "" {
		if _, ok := rec[schema.FieldSpaceID]; !ok {
			rec[schema.FieldSpaceID] = r.ctx.SpaceID
		}
	}
}

func (r *Repository) stampUpdate(rec driver.Record) {
	rec[schema.FieldUpdatedAt] = nowStamp()
	rec[schema.FieldUpdatedBy] = r.ctx.UserID
	delete(rec, schema.FieldCreatedAt)
	delete(rec, schema.FieldCreatedBy)
}

// stampFormat is RFC 3339 with a fixed nine-digit fraction. The fixed
// width keeps lexicographic order equal to time order, which datetime
// filtering and sorting rely on.
const stampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// nowStamp returns the current instant as an ISO-8601 UTC string.
// Nanosecond precision keeps consecutive stamps strictly ordered.
func nowStamp() string {
	return time.Now().UTC().Format(stampFormat)
}

func applyDefaults(obj *schema.Object, rec driver.Record) {
	for name, f := range obj.Fields {
		if f.DefaultValue == nil {
			continue
		}
		if _, ok := rec[name]; !ok {
			rec[name] = f.DefaultValue
		}
	}
}

func changedFields(data, previous driver.Record) []string {
	var out []string
	for name, value := range data {
		if prev, ok := previous[name]; !ok || !reflect.DeepEqual(value, prev) {
			out = append(out, name)
		}
	}
	return out
}

func cloneRecord(rec driver.Record) driver.Record {
	out := make(driver.Record, len(rec))
	for name, value := range rec {
		out[name] = value
	}
	return out
}

func normalizeWhere(where any) (filter.Condition, error) {
	return filter.Normalize(where)
}

// matchRestriction re-checks a hook-narrowed filter against a record
// fetched by id, so row-level restriction hides records on FindOne too.
func matchRestriction(cond filter.Condition, rec driver.Record) (bool, error) {
	return filter.Match(cond, rec)
}

func copyQuery(q *driver.Query, object string) *driver.Query {
	out := &driver.Query{Object: object}
	if q != nil {
		*out = *q
		out.Object = object
	}
	return out
}
