package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/internal/oqerr"
	"github.com/syssam/objectql/schema"
)

// gotRequest mirrors the operation envelope with the args kept raw so
// tests can decode them per op.
type gotRequest struct {
	Op     string          `json:"op"`
	Object string          `json:"object"`
	Args   json.RawMessage `json:"args"`
}

// fakeInstance serves the metadata and operation endpoints of a remote
// ObjectQL instance.
type fakeInstance struct {
	objects []*schema.Object
	views   []*schema.View
	handle  func(req *gotRequest) (any, *wireError)
	calls   atomic.Int64
}

func (f *fakeInstance) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/metadata/objects", func(w http.ResponseWriter, _ *http.Request) {
		summaries := make([]map[string]any, len(f.objects))
		for i, obj := range f.objects {
			summaries[i] = map[string]any{"name": obj.Name, "label": obj.Label}
		}
		json.NewEncoder(w).Encode(map[string]any{"objects": summaries})
	})
	mux.HandleFunc("/api/metadata/objects/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/api/metadata/objects/")
		for _, obj := range f.objects {
			if obj.Name == name {
				json.NewEncoder(w).Encode(obj)
				return
			}
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/api/metadata/views", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(f.views)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/objectql", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		var req gotRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data, werr := f.handle(&req)
		if werr != nil {
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": werr})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newConnected(t *testing.T, f *fakeInstance, opts map[string]any) (*Remote, *schema.Registry) {
	t.Helper()
	srv := f.server(t)
	registry := schema.NewRegistry()
	r := New(driver.Config{URL: srv.URL, Options: opts}, registry)
	require.NoError(t, r.Connect(context.Background()))
	return r, registry
}

func remoteTasks() []*schema.Object {
	return []*schema.Object{{
		Name:   "tickets",
		Label:  "Tickets",
		Fields: map[string]*schema.Field{"title": {Type: schema.TypeText}},
	}}
}

func TestConnectRegistersMetadata(t *testing.T) {
	f := &fakeInstance{
		objects: remoteTasks(),
		views:   []*schema.View{{Name: "open_tickets", Object: "tickets"}},
	}
	r, registry := newConnected(t, f, nil)

	// Connect lists the summaries, then pulls each full definition.
	obj, err := registry.Object("tickets")
	require.NoError(t, err)
	assert.Equal(t, r.packageID(), obj.Datasource, "objects rebind to the remote datasource")
	require.Contains(t, obj.Fields, "title", "full definitions are fetched per object")

	v, err := registry.View("open_tickets")
	require.NoError(t, err)
	assert.Equal(t, "tickets", v.Object)

	require.NoError(t, r.CheckHealth(context.Background()))

	require.NoError(t, r.Close())
	_, err = registry.Object("tickets")
	require.Error(t, err, "closing withdraws the registrations")
}

func TestFindSendsArrayFilter(t *testing.T) {
	var got *gotRequest
	f := &fakeInstance{objects: remoteTasks()}
	f.handle = func(req *gotRequest) (any, *wireError) {
		got = req
		return map[string]any{"items": []driver.Record{{"_id": "1", "title": "alpha"}}}, nil
	}
	r, _ := newConnected(t, f, nil)

	cond, err := filter.Normalize([]any{"title", "=", "alpha"})
	require.NoError(t, err)
	out, err := r.Find(context.Background(), "tickets", &driver.Query{
		Object: "tickets",
		Where:  cond,
		Limit:  5,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "alpha", out[0]["title"])

	require.NotNil(t, got)
	assert.Equal(t, "find", got.Op)
	assert.Equal(t, "tickets", got.Object)
	var args wireFindArgs
	require.NoError(t, json.Unmarshal(got.Args, &args))
	assert.Equal(t, 5, args.Limit)
	assert.Equal(t, []any{"title", "=", "alpha"}, args.Filters, "the filter travels as a flat triple")
}

func TestExecuteQueryUnwrapsMeta(t *testing.T) {
	f := &fakeInstance{objects: remoteTasks()}
	f.handle = func(req *gotRequest) (any, *wireError) {
		if req.Op != "find" {
			return nil, &wireError{Code: "VALIDATION_ERROR", Message: "unexpected op " + req.Op}
		}
		return map[string]any{
			"items": []driver.Record{{"_id": "1"}},
			"meta":  map[string]any{"total": 9, "page": 1, "size": 1},
		}, nil
	}
	r, _ := newConnected(t, f, nil)

	res, err := r.ExecuteQuery(context.Background(), &driver.Query{
		Object: "tickets", Limit: 1, WithCount: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Value, 1)
	require.NotNil(t, res.Count)
	assert.Equal(t, int64(9), *res.Count)
}

func TestCreateStripsTypeAdornment(t *testing.T) {
	f := &fakeInstance{objects: remoteTasks()}
	f.handle = func(*gotRequest) (any, *wireError) {
		return driver.Record{"_id": "1", "title": "x", "@type": "tickets"}, nil
	}
	r, _ := newConnected(t, f, nil)

	rec, err := r.Create(context.Background(), "tickets", driver.Record{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, "1", rec["_id"])
	assert.NotContains(t, rec, "@type")
}

func TestFindOneMapsNotFoundToNil(t *testing.T) {
	f := &fakeInstance{objects: remoteTasks()}
	f.handle = func(*gotRequest) (any, *wireError) {
		return nil, &wireError{Code: "NOT_FOUND", Message: "gone"}
	}
	r, _ := newConnected(t, f, nil)

	rec, err := r.FindOne(context.Background(), "tickets", "ghost", nil)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCallDoesNotRetryFinalErrors(t *testing.T) {
	f := &fakeInstance{objects: remoteTasks()}
	f.handle = func(*gotRequest) (any, *wireError) {
		return nil, &wireError{Code: "VALIDATION_ERROR", Message: "title is required"}
	}
	r, _ := newConnected(t, f, nil)

	_, err := r.Create(context.Background(), "tickets", driver.Record{})
	require.Error(t, err)
	assert.Equal(t, oqerr.Validation, oqerr.CodeOf(err))
	assert.Equal(t, int64(1), f.calls.Load(), "validation failures are final")
}

func TestCallRetriesTransientErrors(t *testing.T) {
	f := &fakeInstance{objects: remoteTasks()}
	f.handle = func(*gotRequest) (any, *wireError) {
		if f.calls.Load() < 3 {
			return nil, &wireError{Code: "DRIVER_CONNECTION_FAILED", Message: "flaky"}
		}
		return driver.Record{"_id": "1"}, nil
	}
	r, _ := newConnected(t, f, nil)

	rec, err := r.Create(context.Background(), "tickets", driver.Record{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, "1", rec["_id"])
	assert.Equal(t, int64(3), f.calls.Load())
}

func TestRetryAttemptsConfigurable(t *testing.T) {
	f := &fakeInstance{objects: remoteTasks()}
	f.handle = func(*gotRequest) (any, *wireError) {
		return nil, &wireError{Code: "DRIVER_CONNECTION_FAILED", Message: "down"}
	}
	r, _ := newConnected(t, f, map[string]any{
		"retry_attempts": 2,
		"retry_backoff":  "1ms",
	})

	_, err := r.Create(context.Background(), "tickets", driver.Record{"title": "x"})
	require.Error(t, err)
	assert.Equal(t, oqerr.DriverConnection, oqerr.CodeOf(err))
	assert.Equal(t, int64(2), f.calls.Load(), "attempts are bounded by the option")
}

func TestCountSendsNormalizedWhere(t *testing.T) {
	var got *gotRequest
	f := &fakeInstance{objects: remoteTasks()}
	f.handle = func(req *gotRequest) (any, *wireError) {
		got = req
		return map[string]any{"total": 42}, nil
	}
	r, _ := newConnected(t, f, nil)

	n, err := r.Count(context.Background(), "tickets", map[string]any{"status": "open"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	require.NotNil(t, got)
	assert.Equal(t, "count", got.Op)
	var args struct {
		Filters []any `json:"filters"`
	}
	require.NoError(t, json.Unmarshal(got.Args, &args))
	assert.Equal(t, []any{"status", "=", "open"}, args.Filters)
}

func TestExecuteCommand(t *testing.T) {
	f := &fakeInstance{objects: remoteTasks()}
	f.handle = func(req *gotRequest) (any, *wireError) {
		var args struct {
			Command *wireCommand `json:"command"`
		}
		if req.Op != "executeCommand" || json.Unmarshal(req.Args, &args) != nil || args.Command == nil {
			return nil, &wireError{Code: "VALIDATION_ERROR", Message: "bad envelope"}
		}
		return driver.CommandResult{Success: true, Affected: 2}, nil
	}
	r, _ := newConnected(t, f, nil)

	res, err := r.ExecuteCommand(context.Background(), &driver.Command{
		Type:    driver.CmdUpdateMany,
		Object:  "tickets",
		Updates: driver.Record{"status": "done"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(2), res.Affected)
}

func TestTxUnsupported(t *testing.T) {
	r := New(driver.Config{URL: "http://localhost:0"}, schema.NewRegistry())
	_, err := r.Tx(context.Background())
	require.Error(t, err)
	assert.Equal(t, oqerr.DriverUnsupported, oqerr.CodeOf(err))
}

func TestFactoryRequiresRegistry(t *testing.T) {
	_, err := driver.Open(context.Background(), driver.Config{Driver: "remote", URL: "http://localhost:0"})
	require.Error(t, err)
	assert.Equal(t, oqerr.DriverConnection, oqerr.CodeOf(err))
}
