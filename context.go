package objectql

import (
	"context"

	"go.uber.org/zap"

	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/internal/oqerr"
)

// UserInfo identifies the caller of a Context.
type UserInfo struct {
	UserID   string
	UserName string
	Roles    []string
	SpaceID  string
	IsSystem bool
}

// Context binds a user identity to a runtime. Every data operation
// flows through one; permissions, row-level restriction and system
// stamping all read from it. A Context is immutable: with-style
// derivation covers the transactional variant.
type Context struct {
	rt *Runtime

	UserID   string
	UserName string
	Roles    []string
	SpaceID  string

	// IsSystem bypasses permission checks and Restrict.
	IsSystem bool

	// tx is the open transaction of a Transaction callback, with the
	// datasource it belongs to. Nil outside a transaction.
	tx       driver.Tx
	txSource string
}

// Context returns a request context for the given user.
func (rt *Runtime) Context(user UserInfo) *Context {
	return &Context{
		rt:       rt,
		UserID:   user.UserID,
		UserName: user.UserName,
		Roles:    user.Roles,
		SpaceID:  user.SpaceID,
		IsSystem: user.IsSystem,
	}
}

// SystemContext returns a context that bypasses permissions and
// row-level restriction, for trusted internal work.
func (rt *Runtime) SystemContext() *Context {
	return rt.Context(UserInfo{UserID: "system", UserName: "system", IsSystem: true})
}

// Object returns the repository of the named object bound to this
// context. Resolution is lazy; an unknown object surfaces NOT_FOUND on
// the first operation.
func (c *Context) Object(name string) *Repository {
	return &Repository{ctx: c, object: name}
}

// InTx reports whether the context runs inside a transaction.
func (c *Context) InTx() bool { return c.tx != nil }

// Transaction runs fn inside a driver transaction on the named
// datasource ("" means default). Repositories derived from the callback
// context route their operations through the transaction; fn returning
// an error rolls back, otherwise the transaction commits. A nested call
// on the same datasource joins the open transaction.
func (c *Context) Transaction(ctx context.Context, datasource string, fn func(tc *Context) error) error {
	if datasource == "" {
		datasource = DefaultDatasource
	}
	if c.tx != nil {
		if c.txSource != datasource {
			return oqerr.Newf(oqerr.DriverUnsupported,
				"cannot open a transaction on %q inside one on %q", datasource, c.txSource)
		}
		return fn(c)
	}
	d, err := c.rt.Datasource(datasource)
	if err != nil {
		return err
	}
	if !d.Capabilities().Transactions {
		return oqerr.Newf(oqerr.DriverUnsupported, "datasource %q does not support transactions", datasource)
	}
	tx, err := d.Tx(ctx)
	if err != nil {
		return err
	}
	tc := *c
	tc.tx = tx
	tc.txSource = datasource
	if err := fn(&tc); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			c.rt.log.Warn("transaction rollback failed", zap.Error(rerr))
		}
		return err
	}
	return tx.Commit()
}

// API is the minimal CRUD surface exposed to hooks and action
// handlers. It reuses the caller's context, so permissions, hooks and
// any open transaction apply to nested operations too.
type API struct {
	ctx *Context
}

// Find runs a query against the named object.
func (a *API) Find(ctx context.Context, object string, q *driver.Query) ([]driver.Record, error) {
	return a.ctx.Object(object).Find(ctx, q)
}

// FindOne returns one record by id, or nil when absent.
func (a *API) FindOne(ctx context.Context, object, id string) (driver.Record, error) {
	return a.ctx.Object(object).FindOne(ctx, id, nil)
}

// Create inserts a record.
func (a *API) Create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	return a.ctx.Object(object).Create(ctx, data)
}

// Update patches a record by id.
func (a *API) Update(ctx context.Context, object, id string, data driver.Record) (driver.Record, error) {
	return a.ctx.Object(object).Update(ctx, id, data)
}

// Delete removes a record by id.
func (a *API) Delete(ctx context.Context, object, id string) error {
	return a.ctx.Object(object).Delete(ctx, id)
}
