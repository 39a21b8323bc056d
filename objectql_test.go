package objectql

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/schema"

	_ "github.com/syssam/objectql/driver/memdriver"
)

func taskObject() *schema.Object {
	return &schema.Object{
		Name: "tasks",
		Fields: map[string]*schema.Field{
			"title": {Type: schema.TypeText, Required: true},
			"status": {Type: schema.TypeSelect, Options: []schema.SelectOption{
				{Label: "Open", Value: "open"},
				{Label: "Doing", Value: "doing"},
				{Label: "Done", Value: "done"},
			}, DefaultValue: "open"},
			"owner": {Type: schema.TypeText},
		},
		Validations: []*schema.Rule{{
			Kind:  schema.RuleStateMachine,
			Name:  "status_flow",
			Field: "status",
			Transitions: map[string]*schema.Transition{
				"open":  {AllowedNext: []string{"doing", "done"}},
				"doing": {AllowedNext: []string{"open", "done"}},
				"done":  {IsTerminal: true},
			},
		}},
	}
}

func newRuntime(t *testing.T, objects ...*schema.Object) *Runtime {
	t.Helper()
	if len(objects) == 0 {
		objects = []*schema.Object{taskObject()}
	}
	rt, err := New(context.Background(), Config{
		Datasources: map[string]driver.Config{
			DefaultDatasource: {Driver: "memory"},
		},
		Objects: objects,
	})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func userContext(rt *Runtime) *Context {
	return rt.Context(UserInfo{UserID: "u1", UserName: "Alice", Roles: []string{"staff"}, SpaceID: "s1"})
}

func TestCreateStampsSystemFields(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	tasks := userContext(rt).Object("tasks")

	rec, err := tasks.Create(ctx, driver.Record{"title": "write the docs"})
	require.NoError(t, err)

	assert.NotEmpty(t, rec["_id"])
	assert.Equal(t, "u1", rec["created_by"])
	assert.Equal(t, "u1", rec["updated_by"])
	assert.Equal(t, "s1", rec["space_id"])
	require.NotEmpty(t, rec["created_at"])
	assert.Equal(t, rec["created_at"], rec["updated_at"], "both stamps agree on create")
	assert.Equal(t, "open", rec["status"], "field defaults fill absent fields")
}

func TestUpdateStamps(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	tasks := userContext(rt).Object("tasks")

	created, err := tasks.Create(ctx, driver.Record{"title": "one"})
	require.NoError(t, err)
	id := created["_id"].(string)

	updated, err := tasks.Update(ctx, id, driver.Record{
		"title":      "two",
		"created_by": "intruder",
		"created_at": "1999-01-01T00:00:00Z",
	})
	require.NoError(t, err)

	assert.Equal(t, "two", updated["title"])
	assert.Equal(t, "u1", updated["created_by"], "creation stamps cannot be overwritten")
	assert.Equal(t, created["created_at"], updated["created_at"])
	before, err := time.Parse(time.RFC3339Nano, created["updated_at"].(string))
	require.NoError(t, err)
	after, err := time.Parse(time.RFC3339Nano, updated["updated_at"].(string))
	require.NoError(t, err)
	assert.True(t, after.After(before), "the update stamp advances")
}

func TestUpdateUnknownID(t *testing.T) {
	rt := newRuntime(t)
	tasks := userContext(rt).Object("tasks")
	_, err := tasks.Update(context.Background(), "ghost", driver.Record{"title": "x"})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestValidationGatesWrites(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	tasks := userContext(rt).Object("tasks")

	_, err := tasks.Create(ctx, driver.Record{"status": "open"})
	require.Error(t, err, "required title missing")
	assert.Equal(t, CodeValidation, CodeOf(err))

	created, err := tasks.Create(ctx, driver.Record{"title": "t", "status": "done"})
	require.NoError(t, err, "creation picks any initial state")

	_, err = tasks.Update(ctx, created["_id"].(string), driver.Record{"status": "open"})
	require.Error(t, err, "done is terminal")
	assert.Equal(t, CodeInvalidTransition, CodeOf(err))
}

func TestBeforeCreateHookMutatesData(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	rt.On(BeforeCreate, "tasks", func(_ context.Context, h *HookContext) error {
		h.Data["owner"] = h.Ctx.UserID
		return nil
	})
	tasks := userContext(rt).Object("tasks")

	rec, err := tasks.Create(ctx, driver.Record{"title": "t"})
	require.NoError(t, err)
	assert.Equal(t, "u1", rec["owner"])
}

func TestBeforeHooksObserveStamps(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	var seenID, seenCreatedBy string
	rt.On(BeforeCreate, "tasks", func(_ context.Context, h *HookContext) error {
		seenID, _ = h.Data["_id"].(string)
		seenCreatedBy, _ = h.Data["created_by"].(string)
		return nil
	})
	var seenUpdatedAt string
	rt.On(BeforeUpdate, "tasks", func(_ context.Context, h *HookContext) error {
		seenUpdatedAt, _ = h.Data["updated_at"].(string)
		return nil
	})
	tasks := userContext(rt).Object("tasks")

	rec, err := tasks.Create(ctx, driver.Record{"title": "t"})
	require.NoError(t, err)
	assert.NotEmpty(t, seenID, "the id is assigned before the create hooks run")
	assert.Equal(t, rec["_id"], seenID)
	assert.Equal(t, "u1", seenCreatedBy)

	updated, err := tasks.Update(ctx, rec["_id"].(string), driver.Record{"title": "u"})
	require.NoError(t, err)
	assert.NotEmpty(t, seenUpdatedAt, "the update stamp is set before the update hooks run")
	assert.Equal(t, updated["updated_at"], seenUpdatedAt)
}

func TestStampsAreFixedWidth(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	tasks := userContext(rt).Object("tasks")

	rec, err := tasks.Create(ctx, driver.Record{"title": "t"})
	require.NoError(t, err)

	stamp, _ := rec["created_at"].(string)
	require.NotEmpty(t, stamp)
	// A nine-digit fraction keeps string order equal to time order.
	assert.Len(t, stamp, len("2006-01-02T15:04:05.000000000Z"))
	assert.True(t, strings.HasSuffix(stamp, "Z"), "stamps are UTC")
	parsed, err := time.Parse(time.RFC3339Nano, stamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Minute)
}

func TestHookErrorAbortsOperation(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	boom := errors.New("nope")
	rt.On(BeforeCreate, "tasks", func(context.Context, *HookContext) error { return boom })
	tasks := userContext(rt).Object("tasks")

	_, err := tasks.Create(ctx, driver.Record{"title": "t"})
	require.ErrorIs(t, err, boom)

	n, err := tasks.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing was written")
}

func TestHookOrderAndRemoval(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	var order []string
	rt.On(BeforeCreate, "tasks", func(context.Context, *HookContext) error {
		order = append(order, "first")
		return nil
	})
	remove := rt.On(BeforeCreate, "tasks", func(context.Context, *HookContext) error {
		order = append(order, "second")
		return nil
	})
	tasks := userContext(rt).Object("tasks")

	_, err := tasks.Create(ctx, driver.Record{"title": "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)

	remove()
	order = nil
	_, err = tasks.Create(ctx, driver.Record{"title": "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, order)
}

func TestAfterFindReplacesResult(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	rt.On(AfterFind, "tasks", func(_ context.Context, h *HookContext) error {
		if records, ok := h.Result.([]driver.Record); ok {
			for _, rec := range records {
				delete(rec, "owner")
			}
			h.Result = records
		}
		return nil
	})
	tasks := userContext(rt).Object("tasks")

	_, err := tasks.Create(ctx, driver.Record{"title": "t", "owner": "secret"})
	require.NoError(t, err)
	out, err := tasks.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.NotContains(t, out[0], "owner")
}

func TestRestrictRowLevelSecurity(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	rt.On(BeforeFind, "tasks", func(_ context.Context, h *HookContext) error {
		h.Restrict(filter.NewComparison("owner", filter.OpEQ, h.Ctx.UserID))
		return nil
	})
	rt.On(BeforeCount, "tasks", func(_ context.Context, h *HookContext) error {
		h.Restrict(filter.NewComparison("owner", filter.OpEQ, h.Ctx.UserID))
		return nil
	})

	sys := rt.SystemContext().Object("tasks")
	mine, err := sys.Create(ctx, driver.Record{"title": "mine", "owner": "u1"})
	require.NoError(t, err)
	_, err = sys.Create(ctx, driver.Record{"title": "theirs", "owner": "u2"})
	require.NoError(t, err)

	tasks := userContext(rt).Object("tasks")

	out, err := tasks.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "mine", out[0]["title"])

	n, err := tasks.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	theirs, err := sys.Find(ctx, &driver.Query{Where: mustCond(t, []any{"owner", "=", "u2"})})
	require.NoError(t, err)
	require.Len(t, theirs, 1)

	hidden, err := tasks.FindOne(ctx, theirs[0]["_id"].(string), nil)
	require.NoError(t, err)
	assert.Nil(t, hidden, "restriction hides by-id reads too")

	visible, err := tasks.FindOne(ctx, mine["_id"].(string), nil)
	require.NoError(t, err)
	assert.NotNil(t, visible)

	all, err := sys.Find(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2, "system contexts bypass restriction")
}

func TestPermissions(t *testing.T) {
	ctx := context.Background()
	obj := taskObject()
	obj.Permissions = &schema.Permissions{
		AllowRead:   []string{"staff", "admin"},
		AllowCreate: []string{"admin"},
		AllowEdit:   []string{"admin"},
		AllowDelete: nil, // nobody
	}
	rt := newRuntime(t, obj)

	admin := rt.Context(UserInfo{UserID: "a1", Roles: []string{"admin"}}).Object("tasks")
	staff := rt.Context(UserInfo{UserID: "u1", Roles: []string{"staff"}}).Object("tasks")

	rec, err := admin.Create(ctx, driver.Record{"title": "t"})
	require.NoError(t, err)
	id := rec["_id"].(string)

	_, err = staff.Create(ctx, driver.Record{"title": "nope"})
	require.Error(t, err)
	assert.Equal(t, CodeForbidden, CodeOf(err))

	_, err = staff.Find(ctx, nil)
	require.NoError(t, err, "staff may read")

	err = admin.Delete(ctx, id)
	require.Error(t, err)
	assert.Equal(t, CodeForbidden, CodeOf(err), "an empty role list denies everyone")

	require.NoError(t, rt.SystemContext().Object("tasks").Delete(ctx, id), "system bypasses permissions")
}

func TestTransactionCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	c := userContext(rt)

	err := c.Transaction(ctx, "", func(tc *Context) error {
		assert.True(t, tc.InTx())
		_, err := tc.Object("tasks").Create(ctx, driver.Record{"title": "committed"})
		return err
	})
	require.NoError(t, err)

	boom := errors.New("abort")
	err = c.Transaction(ctx, "", func(tc *Context) error {
		if _, err := tc.Object("tasks").Create(ctx, driver.Record{"title": "doomed"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := c.Object("tasks").Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the committed write survives")
}

func TestNestedTransactionJoins(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	c := userContext(rt)

	err := c.Transaction(ctx, "", func(outer *Context) error {
		return outer.Transaction(ctx, "", func(inner *Context) error {
			assert.Same(t, outer, inner, "same-datasource nesting joins the open transaction")
			_, err := inner.Object("tasks").Create(ctx, driver.Record{"title": "joined"})
			return err
		})
	})
	require.NoError(t, err)

	err = c.Transaction(ctx, "", func(outer *Context) error {
		return outer.Transaction(ctx, "other", func(*Context) error { return nil })
	})
	require.Error(t, err)
	assert.Equal(t, CodeDriverUnsupported, CodeOf(err), "transactions never span datasources")
}

func TestActions(t *testing.T) {
	ctx := context.Background()
	obj := taskObject()
	obj.Actions = map[string]*schema.Action{
		"close": {Kind: schema.ActionRecord, Params: map[string]*schema.Field{
			"reason": {Type: schema.TypeText, Required: true},
		}},
		"purge": {Kind: schema.ActionGlobal},
	}
	rt := newRuntime(t, obj)
	require.NoError(t, rt.RegisterAction("tasks", "close", func(ctx context.Context, req *ActionRequest) (any, error) {
		return req.API().Update(ctx, req.Object, req.ID, driver.Record{"status": "done"})
	}))

	err := rt.RegisterAction("tasks", "close", func(context.Context, *ActionRequest) (any, error) { return nil, nil })
	require.Error(t, err)
	assert.Equal(t, CodeConflict, CodeOf(err), "one handler per action")

	tasks := userContext(rt).Object("tasks")
	rec, err := tasks.Create(ctx, driver.Record{"title": "t"})
	require.NoError(t, err)
	id := rec["_id"].(string)

	t.Run("record action runs its handler", func(t *testing.T) {
		out, err := tasks.Execute(ctx, "close", id, map[string]any{"reason": "shipped"})
		require.NoError(t, err)
		assert.Equal(t, "done", out.(driver.Record)["status"])
	})

	t.Run("record action requires an id", func(t *testing.T) {
		_, err := tasks.Execute(ctx, "close", "", map[string]any{"reason": "x"})
		require.Error(t, err)
		assert.Equal(t, CodeValidation, CodeOf(err))
	})

	t.Run("record action requires an existing record", func(t *testing.T) {
		_, err := tasks.Execute(ctx, "close", "ghost", map[string]any{"reason": "x"})
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("params are validated", func(t *testing.T) {
		_, err := tasks.Execute(ctx, "close", id, nil)
		require.Error(t, err)
		assert.Equal(t, CodeValidation, CodeOf(err))
	})

	t.Run("global action rejects an id", func(t *testing.T) {
		_, err := tasks.Execute(ctx, "purge", id, nil)
		require.Error(t, err)
		assert.Equal(t, CodeValidation, CodeOf(err))
	})

	t.Run("global action without a handler", func(t *testing.T) {
		_, err := tasks.Execute(ctx, "purge", "", nil)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := tasks.Execute(ctx, "explode", id, nil)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})
}

func TestUpdateManyAndDeleteMany(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	tasks := userContext(rt).Object("tasks")

	for _, title := range []string{"a", "b", "c"} {
		_, err := tasks.Create(ctx, driver.Record{"title": title, "status": "open"})
		require.NoError(t, err)
	}

	n, err := tasks.UpdateMany(ctx, []any{"status", "=", "open"}, driver.Record{"status": "doing"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = tasks.Count(ctx, []any{"status", "=", "doing"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = tasks.DeleteMany(ctx, []any{"status", "=", "doing"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = tasks.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueryWithCount(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	tasks := userContext(rt).Object("tasks")

	for _, title := range []string{"a", "b", "c"} {
		_, err := tasks.Create(ctx, driver.Record{"title": title})
		require.NoError(t, err)
	}

	res, err := tasks.Query(ctx, &driver.Query{Limit: 2, WithCount: true})
	require.NoError(t, err)
	require.NotNil(t, res.Count)
	assert.Equal(t, int64(3), *res.Count)
	assert.Len(t, res.Value, 2)
}

func TestUnknownObject(t *testing.T) {
	rt := newRuntime(t)
	_, err := userContext(rt).Object("ghosts").Find(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func mustCond(t *testing.T, where any) filter.Condition {
	t.Helper()
	cond, err := filter.Normalize(where)
	require.NoError(t, err)
	return cond
}
