package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/syssam/objectql"
	"github.com/syssam/objectql/driver"
)

// The JSON-RPC 2.0 error codes. Application failures travel as
// -32000 with the typed error body in the data member.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
	rpcAppError       = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// paramError marks a handler-side params failure; serveOne maps it to
// -32602 instead of an application error.
type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

func paramErrorf(format string, a ...any) error {
	return &paramError{msg: fmt.Sprintf(format, a...)}
}

// rpcArgs are the bound parameters of one call, keyed by name.
type rpcArgs map[string]json.RawMessage

// str returns the named string argument, or "" when absent.
func (a rpcArgs) str(key string) (string, error) {
	raw, ok := a[key]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", paramErrorf("parameter %q must be a string", key)
	}
	return s, nil
}

// decode unmarshals the named argument into out; absent arguments
// leave out untouched.
func (a rpcArgs) decode(key string, out any) error {
	raw, ok := a[key]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return paramErrorf("malformed parameter %q: %v", key, err)
	}
	return nil
}

// rpcMethod is one entry of the method table: the positional parameter
// order and the handler. Public methods serve without identity.
type rpcMethod struct {
	params  []string
	public  bool
	handler func(s *Server, reqCtx context.Context, ctx *objectql.Context, args rpcArgs) (any, error)
}

// The method table. Positional params bind left to right by these
// names; named params bind directly.
var rpcMethods = map[string]rpcMethod{
	"object.find":        {params: []string{"object", "query"}, handler: rpcObjectFind},
	"object.get":         {params: []string{"object", "id", "fields"}, handler: rpcObjectGet},
	"object.create":      {params: []string{"object", "data"}, handler: rpcObjectCreate},
	"object.update":      {params: []string{"object", "id", "data"}, handler: rpcObjectUpdate},
	"object.delete":      {params: []string{"object", "id"}, handler: rpcObjectDelete},
	"object.count":       {params: []string{"object", "filters"}, handler: rpcObjectCount},
	"action.execute":     {params: []string{"object", "action", "id", "input"}, handler: rpcActionExecute},
	"action.list":        {params: []string{"object"}, public: true, handler: rpcActionList},
	"metadata.list":      {public: true, handler: rpcMetadataList},
	"metadata.get":       {params: []string{"object"}, public: true, handler: rpcMetadataGet},
	"metadata.getAll":    {public: true, handler: rpcMetadataGetAll},
	"view.get":           {params: []string{"view"}, public: true, handler: rpcViewGet},
}

// Registered in init to break the initialization cycle between
// rpcMethods and the handlers that enumerate it.
func init() {
	rpcMethods["system.listMethods"] = rpcMethod{public: true, handler: rpcListMethods}
	rpcMethods["system.describe"] = rpcMethod{public: true, handler: rpcDescribe}
}

// handleRPC serves POST /api/jsonrpc: single requests and batches.
// Notifications (requests without an id) produce no response entry.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusOK, errResponse(nil, rpcParseError, "cannot read request"))
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		writeJSON(w, http.StatusOK, errResponse(nil, rpcParseError, "empty request"))
		return
	}

	ctx, ctxErr := s.context(r)

	if body[0] == '[' {
		var reqs []rpcRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			writeJSON(w, http.StatusOK, errResponse(nil, rpcParseError, "malformed batch"))
			return
		}
		if len(reqs) == 0 {
			writeJSON(w, http.StatusOK, errResponse(nil, rpcInvalidRequest, "empty batch"))
			return
		}
		out := make([]rpcResponse, 0, len(reqs))
		for i := range reqs {
			if resp, ok := s.serveOne(r.Context(), ctx, ctxErr, &reqs[i]); ok {
				out = append(out, resp)
			}
		}
		if len(out) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, errResponse(nil, rpcParseError, "malformed request"))
		return
	}
	resp, ok := s.serveOne(r.Context(), ctx, ctxErr, &req)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// serveOne evaluates one request. The bool is false for notifications.
// The method resolves before the params bind, so an unknown method is
// -32601 regardless of its params.
func (s *Server) serveOne(reqCtx context.Context, ctx *objectql.Context, ctxErr error, req *rpcRequest) (rpcResponse, bool) {
	notification := len(req.ID) == 0 || string(req.ID) == "null"
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errResponse(req.ID, rpcInvalidRequest, "not a jsonrpc 2.0 request"), !notification
	}
	method, ok := rpcMethods[req.Method]
	if !ok {
		return errResponse(req.ID, rpcMethodNotFound, "method not found"), !notification
	}
	args, err := bindParams(method.params, req.Params)
	if err != nil {
		return errResponse(req.ID, rpcInvalidParams, err.Error()), !notification
	}
	if !method.public && ctxErr != nil {
		return appError(req.ID, ctxErr), !notification
	}
	result, err := method.handler(s, reqCtx, ctx, args)
	if err != nil {
		var pe *paramError
		if errors.As(err, &pe) {
			return errResponse(req.ID, rpcInvalidParams, pe.msg), !notification
		}
		return appError(req.ID, err), !notification
	}
	return rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID}, !notification
}

// bindParams maps the params member onto the method's parameter names.
// Arrays bind positionally, objects bind by name; absent params bind
// to nothing.
func bindParams(sig []string, raw json.RawMessage) (rpcArgs, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return rpcArgs{}, nil
	}
	switch raw[0] {
	case '{':
		var named rpcArgs
		if err := json.Unmarshal(raw, &named); err != nil {
			return nil, errors.New("malformed params")
		}
		return named, nil
	case '[':
		var positional []json.RawMessage
		if err := json.Unmarshal(raw, &positional); err != nil {
			return nil, errors.New("malformed params")
		}
		if len(positional) > len(sig) {
			return nil, errors.New("too many positional params")
		}
		args := make(rpcArgs, len(positional))
		for i, value := range positional {
			args[sig[i]] = value
		}
		return args, nil
	}
	return nil, errors.New("params must be an array or an object")
}

func rpcObjectFind(s *Server, reqCtx context.Context, ctx *objectql.Context, args rpcArgs) (any, error) {
	object, err := args.str("object")
	if err != nil {
		return nil, err
	}
	var query findArgs
	if err := args.decode("query", &query); err != nil {
		return nil, err
	}
	q, err := query.toQuery(object)
	if err != nil {
		return nil, err
	}
	q.WithCount = true
	res, err := ctx.Object(object).Query(reqCtx, q)
	if err != nil {
		return nil, err
	}
	return listPayload(q, res), nil
}

func rpcObjectGet(s *Server, reqCtx context.Context, ctx *objectql.Context, args rpcArgs) (any, error) {
	object, err := args.str("object")
	if err != nil {
		return nil, err
	}
	id, err := args.str("id")
	if err != nil {
		return nil, err
	}
	var q *driver.Query
	var fields []string
	if err := args.decode("fields", &fields); err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		q = &driver.Query{Fields: fields}
	}
	rec, err := ctx.Object(object).FindOne(reqCtx, id, q)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, objectql.NewErrorf(objectql.CodeNotFound, "%s %q not found", object, id)
	}
	return rec, nil
}

func rpcObjectCreate(s *Server, reqCtx context.Context, ctx *objectql.Context, args rpcArgs) (any, error) {
	object, err := args.str("object")
	if err != nil {
		return nil, err
	}
	var data driver.Record
	if err := args.decode("data", &data); err != nil {
		return nil, err
	}
	return ctx.Object(object).Create(reqCtx, data)
}

func rpcObjectUpdate(s *Server, reqCtx context.Context, ctx *objectql.Context, args rpcArgs) (any, error) {
	object, err := args.str("object")
	if err != nil {
		return nil, err
	}
	id, err := args.str("id")
	if err != nil {
		return nil, err
	}
	var data driver.Record
	if err := args.decode("data", &data); err != nil {
		return nil, err
	}
	return ctx.Object(object).Update(reqCtx, id, data)
}

func rpcObjectDelete(s *Server, reqCtx context.Context, ctx *objectql.Context, args rpcArgs) (any, error) {
	object, err := args.str("object")
	if err != nil {
		return nil, err
	}
	id, err := args.str("id")
	if err != nil {
		return nil, err
	}
	if err := ctx.Object(object).Delete(reqCtx, id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "id": id}, nil
}

// rpcObjectCount returns the bare matching count. Without a target
// object there is nothing to count, which is zero rather than an
// error.
func rpcObjectCount(s *Server, reqCtx context.Context, ctx *objectql.Context, args rpcArgs) (any, error) {
	object, err := args.str("object")
	if err != nil {
		return nil, err
	}
	if object == "" {
		return int64(0), nil
	}
	var filters any
	if err := args.decode("filters", &filters); err != nil {
		return nil, err
	}
	return ctx.Object(object).Count(reqCtx, filters)
}

func rpcActionExecute(s *Server, reqCtx context.Context, ctx *objectql.Context, args rpcArgs) (any, error) {
	object, err := args.str("object")
	if err != nil {
		return nil, err
	}
	action, err := args.str("action")
	if err != nil {
		return nil, err
	}
	id, err := args.str("id")
	if err != nil {
		return nil, err
	}
	var input map[string]any
	if err := args.decode("input", &input); err != nil {
		return nil, err
	}
	return ctx.Object(object).Execute(reqCtx, action, id, input)
}

func rpcActionList(s *Server, _ context.Context, _ *objectql.Context, args rpcArgs) (any, error) {
	object, err := args.str("object")
	if err != nil {
		return nil, err
	}
	obj, err := s.rt.Registry().Object(object)
	if err != nil {
		return nil, err
	}
	return map[string]any{"actions": obj.Actions}, nil
}

func rpcMetadataList(s *Server, _ context.Context, _ *objectql.Context, _ rpcArgs) (any, error) {
	objects := s.rt.Registry().Objects()
	summaries := make([]map[string]any, len(objects))
	for i, obj := range objects {
		summaries[i] = map[string]any{"name": obj.FQN(), "label": obj.DisplayLabel()}
	}
	return map[string]any{"objects": summaries}, nil
}

func rpcMetadataGet(s *Server, _ context.Context, _ *objectql.Context, args rpcArgs) (any, error) {
	object, err := args.str("object")
	if err != nil {
		return nil, err
	}
	return s.rt.Registry().Object(object)
}

func rpcMetadataGetAll(s *Server, _ context.Context, _ *objectql.Context, _ rpcArgs) (any, error) {
	return s.rt.Registry().Objects(), nil
}

func rpcViewGet(s *Server, _ context.Context, _ *objectql.Context, args rpcArgs) (any, error) {
	name, err := args.str("view")
	if err != nil {
		return nil, err
	}
	return s.rt.Registry().View(name)
}

func rpcListMethods(*Server, context.Context, *objectql.Context, rpcArgs) (any, error) {
	names := make([]string, 0, len(rpcMethods))
	for name := range rpcMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func rpcDescribe(*Server, context.Context, *objectql.Context, rpcArgs) (any, error) {
	out := make(map[string][]string, len(rpcMethods))
	for name, m := range rpcMethods {
		params := m.params
		if params == nil {
			params = []string{}
		}
		out[name] = params
	}
	return out, nil
}

func errResponse(id json.RawMessage, code int, message string) rpcResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: message}, ID: id}
}

func appError(id json.RawMessage, err error) rpcResponse {
	body := errorBody(err)
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return rpcResponse{
		JSONRPC: "2.0",
		Error:   &rpcError{Code: rpcAppError, Message: body.Message, Data: body},
		ID:      id,
	}
}
