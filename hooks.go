package objectql

import (
	"context"
	"reflect"
	"sync"

	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/internal/oqerr"
)

// Event names a lifecycle hook point. Hooks are scoped per object and
// fire in registration order.
type Event string

// The hook events.
const (
	BeforeFind   Event = "beforeFind"
	AfterFind    Event = "afterFind"
	BeforeCount  Event = "beforeCount"
	AfterCount   Event = "afterCount"
	BeforeCreate Event = "beforeCreate"
	AfterCreate  Event = "afterCreate"
	BeforeUpdate Event = "beforeUpdate"
	AfterUpdate  Event = "afterUpdate"
	BeforeDelete Event = "beforeDelete"
	AfterDelete  Event = "afterDelete"
)

// HookContext is the single mutable value handed to every hook of an
// operation. Before-hooks mutate Data or Query to steer the driver
// call; after-hooks may replace Result. State is scratch shared by the
// before/after pair of one operation. PreviousData is immutable inside
// hooks.
type HookContext struct {
	Ctx          *Context
	Object       string
	ID           string
	Data         driver.Record
	PreviousData driver.Record
	Query        *driver.Query
	State        map[string]any
	Result       any
}

// IsModified reports whether the field differs between Data and
// PreviousData.
func (h *HookContext) IsModified(field string) bool {
	if h.Data == nil {
		return false
	}
	value, ok := h.Data[field]
	if !ok {
		return false
	}
	if h.PreviousData == nil {
		return true
	}
	return !reflect.DeepEqual(value, h.PreviousData[field])
}

// API returns the minimal object-CRUD surface bound to the hook's
// request context, for correlated side effects from inside hooks and
// action handlers.
func (h *HookContext) API() *API { return &API{ctx: h.Ctx} }

// Restrict ANDs the condition into the operation's query, the
// row-level-security primitive. It is a no-op for system contexts.
func (h *HookContext) Restrict(cond filter.Condition) {
	if h.Ctx != nil && h.Ctx.IsSystem {
		return
	}
	if h.Query == nil {
		h.Query = &driver.Query{Object: h.Object}
	}
	h.Query.Where = filter.NewAnd(h.Query.Where, cond)
}

// Hook is a lifecycle handler. Hooks may block; the dispatcher awaits
// each one before invoking the next so downstream handlers observe
// upstream mutations. Returning an error aborts the operation (and, in
// writes, the transaction) with the error surfaced as-is.
type Hook func(ctx context.Context, h *HookContext) error

// ActionRequest carries one action invocation.
type ActionRequest struct {
	Object string
	Action string
	ID     string
	Input  map[string]any
	Ctx    *Context
	State  map[string]any
}

// API returns the object-CRUD surface bound to the request context.
func (r *ActionRequest) API() *API { return &API{ctx: r.Ctx} }

// ActionHandler executes a named action. Its return value becomes the
// operation response.
type ActionHandler func(ctx context.Context, req *ActionRequest) (any, error)

type hookKey struct {
	event  Event
	object string
}

type actionKey struct {
	object string
	action string
}

type registeredHook struct {
	id int
	fn Hook
}

// Dispatcher is the process-wide hook and action registry. Hooks are
// keyed by (event, object) and kept in registration order; actions are
// keyed by (object, action) and unique.
type Dispatcher struct {
	mu      sync.RWMutex
	nextID  int
	hooks   map[hookKey][]registeredHook
	actions map[actionKey]ActionHandler
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		hooks:   make(map[hookKey][]registeredHook),
		actions: make(map[actionKey]ActionHandler),
	}
}

// On registers a hook for (event, object) and returns its remover.
// Removal does not reorder the remaining hooks.
func (d *Dispatcher) On(event Event, object string, fn Hook) (remove func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	key := hookKey{event: event, object: object}
	d.hooks[key] = append(d.hooks[key], registeredHook{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		hooks := d.hooks[key]
		for i, h := range hooks {
			if h.id == id {
				d.hooks[key] = append(hooks[:i:i], hooks[i+1:]...)
				return
			}
		}
	}
}

// RegisterAction registers the single handler of (object, action).
func (d *Dispatcher) RegisterAction(object, action string, fn ActionHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := actionKey{object: object, action: action}
	if _, dup := d.actions[key]; dup {
		return oqerr.Newf(oqerr.Conflict, "action %q on %q is already registered", action, object)
	}
	d.actions[key] = fn
	return nil
}

// Action returns the handler of (object, action), if registered.
func (d *Dispatcher) Action(object, action string) (ActionHandler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.actions[actionKey{object: object, action: action}]
	return fn, ok
}

// Dispatch invokes the hooks of (event, object) sequentially in
// registration order. The first error aborts the chain.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event, object string, h *HookContext) error {
	d.mu.RLock()
	hooks := d.hooks[hookKey{event: event, object: object}]
	fns := make([]Hook, len(hooks))
	for i, rh := range hooks {
		fns[i] = rh.fn
	}
	d.mu.RUnlock()
	for _, fn := range fns {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ctx, h); err != nil {
			return err
		}
	}
	return nil
}
