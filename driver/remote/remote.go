// Package remote federates the objects of another ObjectQL instance
// into the local registry. Connect fetches the remote metadata and
// registers every object under the "remote:<base>" datasource; the
// data operations proxy to the remote operation endpoint with retry
// and exponential backoff.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/internal/oqerr"
	"github.com/syssam/objectql/schema"
)

func init() {
	driver.Register("remote", func(cfg driver.Config) (driver.Driver, error) {
		registry, _ := cfg.Options["registry"].(*schema.Registry)
		if registry == nil {
			return nil, oqerr.New(oqerr.DriverConnection, "remote driver requires a schema registry")
		}
		return New(cfg, registry), nil
	})
}

// Retry defaults, overridable through Config.Options: retry_attempts,
// retry_backoff, retry_max_backoff.
const (
	requestTimeout      = 30 * time.Second
	defaultMaxAttempts  = 10
	defaultFirstBackoff = 100 * time.Millisecond
	defaultMaxBackoff   = 5 * time.Second
)

// Remote proxies the operation surface of one remote instance.
type Remote struct {
	base     string
	registry *schema.Registry
	client   *http.Client
	log      *zap.Logger

	maxAttempts  int
	firstBackoff time.Duration
	maxBackoff   time.Duration
}

// New builds an unconnected federation driver against cfg.URL.
func New(cfg driver.Config, registry *schema.Registry) *Remote {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Remote{
		base:         cfg.URL,
		registry:     registry,
		client:       &http.Client{Timeout: requestTimeout},
		log:          log,
		maxAttempts:  intOption(cfg.Options, "retry_attempts", defaultMaxAttempts),
		firstBackoff: durationOption(cfg.Options, "retry_backoff", defaultFirstBackoff),
		maxBackoff:   durationOption(cfg.Options, "retry_max_backoff", defaultMaxBackoff),
	}
}

func intOption(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}

func durationOption(opts map[string]any, key string, def time.Duration) time.Duration {
	switch v := opts[key].(type) {
	case time.Duration:
		if v > 0 {
			return v
		}
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// packageID tags every registration of this remote so Close can
// withdraw them atomically.
func (r *Remote) packageID() string { return "remote:" + r.base }

// objectSummaries is the shape of the remote metadata listing.
type objectSummaries struct {
	Objects []struct {
		Name  string `json:"name"`
		Label string `json:"label,omitempty"`
	} `json:"objects"`
}

// Connect lists the remote objects, fetches every full definition, and
// registers objects and views locally rebound to this driver's
// datasource.
func (r *Remote) Connect(ctx context.Context) error {
	var summaries objectSummaries
	var views []*schema.View
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.getJSON(gctx, "/api/metadata/objects", &summaries)
	})
	g.Go(func() error {
		return r.getJSON(gctx, "/api/metadata/views", &views)
	})
	if err := g.Wait(); err != nil {
		return oqerr.Wrapf(oqerr.DriverConnection, err, "fetch metadata of %s", r.base)
	}

	objects := make([]*schema.Object, len(summaries.Objects))
	g, gctx = errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, summary := range summaries.Objects {
		i, summary := i, summary
		g.Go(func() error {
			var obj schema.Object
			if err := r.getJSON(gctx, "/api/metadata/objects/"+summary.Name, &obj); err != nil {
				return err
			}
			mu.Lock()
			objects[i] = &obj
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return oqerr.Wrapf(oqerr.DriverConnection, err, "fetch object definitions of %s", r.base)
	}

	c := schema.Contribution{PackageID: r.packageID()}
	for _, obj := range objects {
		obj.Datasource = r.packageID()
		if err := r.registry.RegisterObject(obj, c); err != nil {
			r.log.Warn("skipping remote object", zap.String("object", obj.FQN()), zap.Error(err))
		}
	}
	for _, v := range views {
		if err := r.registry.RegisterView(v, c); err != nil {
			r.log.Warn("skipping remote view", zap.String("view", v.Name), zap.Error(err))
		}
	}
	r.log.Info("remote metadata loaded",
		zap.String("remote", r.base), zap.Int("objects", len(objects)), zap.Int("views", len(views)))
	return nil
}

// Close withdraws the remote's registrations.
func (r *Remote) Close() error {
	r.registry.RemovePackage(r.packageID())
	return nil
}

// CheckHealth implements driver.Driver.
func (r *Remote) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/healthz", nil)
	if err != nil {
		return oqerr.Wrap(oqerr.DriverConnection, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return oqerr.Wrap(oqerr.DriverConnection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oqerr.Newf(oqerr.DriverConnection, "remote %s unhealthy: %s", r.base, resp.Status)
	}
	return nil
}

// Capabilities implements driver.Driver. The remote executes queries
// itself; transactions never span instances.
func (r *Remote) Capabilities() driver.Capabilities {
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
func (r *Remote) Tx(context.Context) (driver.Tx, error) {
	return nil, oqerr.New(oqerr.DriverUnsupported, "transactions cannot span remote instances")
}

// wireRequest is the operation envelope: op, target object and the
// per-op args member.
type wireRequest struct {
	Op     string `json:"op"`
	Object string `json:"object,omitempty"`
	Args   any    `json:"args,omitempty"`
}

// wireFindArgs carries a query; the filter travels in its array form.
type wireFindArgs struct {
	Fields    []string         `json:"fields,omitempty"`
	Filters   any              `json:"filters,omitempty"`
	Sort      []driver.Sort    `json:"sort,omitempty"`
	Limit     int              `json:"limit,omitempty"`
	Skip      int              `json:"skip,omitempty"`
	GroupBy   []string         `json:"groupBy,omitempty"`
	Aggregate []map[string]any `json:"aggregate,omitempty"`
	WithCount bool             `json:"withCount,omitempty"`
}

func toFindArgs(q *driver.Query) (*wireFindArgs, error) {
	if q == nil {
		return &wireFindArgs{}, nil
	}
	out := &wireFindArgs{
		Fields:    q.Fields,
		Sort:      q.OrderBy,
		Limit:     q.Limit,
		Skip:      q.Offset,
		GroupBy:   q.GroupBy,
		Aggregate: q.Aggregate,
		WithCount: q.WithCount,
	}
	if q.Where != nil {
		filters, err := filter.ToArray(q.Where)
		if err != nil {
			return nil, err
		}
		out.Filters = filters
	}
	return out, nil
}

type wireCommand struct {
	Type    driver.CommandType `json:"type"`
	Object  string             `json:"object"`
	ID      string             `json:"id,omitempty"`
	IDs     []string           `json:"ids,omitempty"`
	Data    driver.Record      `json:"data,omitempty"`
	Records []driver.Record    `json:"records,omitempty"`
	Updates driver.Record      `json:"updates,omitempty"`
	Where   any                `json:"where,omitempty"`
}

type wireError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type wireResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

// wireList is the shape of list responses.
type wireList struct {
	Items []driver.Record `json:"items"`
	Meta  *wireMeta       `json:"meta,omitempty"`
}

type wireMeta struct {
	Total int64 `json:"total"`
}

// stripType drops the "@type" adornment single-record responses carry.
func stripType(rec driver.Record) driver.Record {
	delete(rec, "@type")
	return rec
}

// Find implements driver.Operations.
func (r *Remote) Find(ctx context.Context, object string, q *driver.Query) ([]driver.Record, error) {
	args, err := toFindArgs(q)
	if err != nil {
		return nil, err
	}
	var out wireList
	if err := r.call(ctx, &wireRequest{Op: "find", Object: object, Args: args}, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// FindOne implements driver.Operations.
func (r *Remote) FindOne(ctx context.Context, object, id string, q *driver.Query) (driver.Record, error) {
	args := map[string]any{"id": id}
	if q != nil && len(q.Fields) > 0 {
		args["fields"] = q.Fields
	}
	var out driver.Record
	err := r.call(ctx, &wireRequest{Op: "findOne", Object: object, Args: args}, &out)
	if oqerr.Has(err, oqerr.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return stripType(out), nil
}

// Create implements driver.Operations.
func (r *Remote) Create(ctx context.Context, object string, data driver.Record) (driver.Record, error) {
	var out driver.Record
	if err := r.call(ctx, &wireRequest{Op: "create", Object: object, Args: data}, &out); err != nil {
		return nil, err
	}
	return stripType(out), nil
}

// Update implements driver.Operations.
func (r *Remote) Update(ctx context.Context, object, id string, data driver.Record) (driver.Record, error) {
	var out driver.Record
	err := r.call(ctx, &wireRequest{
		Op:     "update",
		Object: object,
		Args:   map[string]any{"id": id, "data": data},
	}, &out)
	if err != nil {
		return nil, err
	}
	return stripType(out), nil
}

// Delete implements driver.Operations.
func (r *Remote) Delete(ctx context.Context, object, id string) error {
	return r.call(ctx, &wireRequest{
		Op:     "delete",
		Object: object,
		Args:   map[string]any{"id": id},
	}, nil)
}

// Count implements driver.Operations.
func (r *Remote) Count(ctx context.Context, object string, where any) (int64, error) {
	filters, err := whereWire(where)
	if err != nil {
		return 0, err
	}
	var out struct {
		Total int64 `json:"total"`
	}
	err = r.call(ctx, &wireRequest{
		Op:     "count",
		Object: object,
		Args:   map[string]any{"filters": filters},
	}, &out)
	return out.Total, err
}

// Distinct implements driver.Operations.
func (r *Remote) Distinct(ctx context.Context, object, field string, where any) ([]any, error) {
	filters, err := whereWire(where)
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []any `json:"items"`
	}
	err = r.call(ctx, &wireRequest{
		Op:     "distinct",
		Object: object,
		Args:   map[string]any{"field": field, "filters": filters},
	}, &out)
	return out.Items, err
}

// Aggregate implements driver.Operations.
func (r *Remote) Aggregate(ctx context.Context, object string, pipeline []map[string]any) ([]driver.Record, error) {
	var out wireList
	err := r.call(ctx, &wireRequest{
		Op:     "aggregate",
		Object: object,
		Args:   map[string]any{"pipeline": pipeline},
	}, &out)
	return out.Items, err
}

// ExecuteQuery implements driver.Operations.
func (r *Remote) ExecuteQuery(ctx context.Context, q *driver.Query) (*driver.QueryResult, error) {
	args, err := toFindArgs(q)
	if err != nil {
		return nil, err
	}
	var out wireList
	if err := r.call(ctx, &wireRequest{Op: "find", Object: q.Object, Args: args}, &out); err != nil {
		return nil, err
	}
	res := &driver.QueryResult{Value: out.Items}
	if q.WithCount && out.Meta != nil {
		total := out.Meta.Total
		res.Count = &total
	}
	return res, nil
}

// ExecuteCommand implements driver.Operations.
func (r *Remote) ExecuteCommand(ctx context.Context, cmd *driver.Command) (*driver.CommandResult, error) {
	wire := &wireCommand{
		Type:    cmd.Type,
		Object:  cmd.Object,
		ID:      cmd.ID,
		IDs:     cmd.IDs,
		Data:    cmd.Data,
		Records: cmd.Records,
		Updates: cmd.Updates,
	}
	if cmd.Where != nil {
		where, err := filter.ToArray(cmd.Where)
		if err != nil {
			return nil, err
		}
		wire.Where = where
	}
	out := &driver.CommandResult{}
	err := r.call(ctx, &wireRequest{
		Op:     "executeCommand",
		Object: cmd.Object,
		Args:   map[string]any{"command": wire},
	}, out)
	return out, err
}

func whereWire(where any) (any, error) {
	cond, err := filter.Normalize(where)
	if err != nil {
		return nil, err
	}
	if cond == nil {
		return nil, nil
	}
	return filter.ToArray(cond)
}

// call posts one operation to the remote, retrying transient failures
// with exponential backoff. Errors carrying a non-retryable code
// surface immediately.
func (r *Remote) call(ctx context.Context, req *wireRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return oqerr.Wrap(oqerr.DriverQuery, err)
	}
	backoff := r.firstBackoff
	var last error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		last = r.post(ctx, body, out)
		if last == nil || !oqerr.Retryable(last) {
			return last
		}
		r.log.Debug("retrying remote call",
			zap.String("op", req.Op), zap.Int("attempt", attempt), zap.Error(last))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
	return last
}

func (r *Remote) post(ctx context.Context, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/api/objectql", bytes.NewReader(body))
	if err != nil {
		return oqerr.Wrap(oqerr.DriverConnection, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return oqerr.Wrap(oqerr.DriverConnection, err)
	}
	defer resp.Body.Close()

	var envelope wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return oqerr.Wrapf(oqerr.DriverQuery, err, "malformed response from %s", r.base)
	}
	if envelope.Error != nil {
		e := oqerr.New(oqerr.Code(envelope.Error.Code), envelope.Error.Message)
		for k, v := range envelope.Error.Details {
			e = e.WithDetail(k, v)
		}
		return e
	}
	if !envelope.Success {
		return oqerr.Newf(oqerr.DriverQuery, "remote %s reported failure (%s)", r.base, resp.Status)
	}
	if out == nil || len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return oqerr.Wrap(oqerr.DriverQuery, err)
	}
	return nil
}

func (r *Remote) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ driver.Driver = (*Remote)(nil)
