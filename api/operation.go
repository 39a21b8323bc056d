package api

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/syssam/objectql"
	"github.com/syssam/objectql/driver"
	"github.com/syssam/objectql/filter"
)

// handleOperation executes one request of the operation envelope, the
// wire form the federation driver emits. Data ops go straight to the
// datasource driver serving the object: the calling instance has
// already run its repository pipeline. Actions are the exception; they
// execute through the local pipeline under the caller's identity.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	var op Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, objectql.NewErrorf(objectql.CodeValidation, "malformed operation: %v", err))
		return
	}
	data, err := s.runOperation(r, &op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, data)
}

// decodeArgs unpacks the args member; absent args decode as the zero
// value.
func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return objectql.NewErrorf(objectql.CodeValidation, "malformed args: %v", err)
	}
	return nil
}

func (s *Server) runOperation(r *http.Request, op *Operation) (any, error) {
	ctx := r.Context()
	if op.Op == "action" {
		return s.runActionOp(r, op)
	}
	ops, err := s.rt.OperationsFor(op.Object)
	if err != nil {
		return nil, err
	}
	switch op.Op {
	case "find":
		var args findArgs
		if err := decodeArgs(op.Args, &args); err != nil {
			return nil, err
		}
		q, err := args.toQuery(op.Object)
		if err != nil {
			return nil, err
		}
		q.WithCount = true
		res, err := ops.ExecuteQuery(ctx, q)
		if err != nil {
			return nil, err
		}
		return listPayload(q, res), nil
	case "findOne":
		var args findOneArgs
		if err := decodeArgs(op.Args, &args); err != nil {
			return nil, err
		}
		return s.runFindOne(r, ops, op.Object, &args)
	case "create":
		var data driver.Record
		if err := decodeArgs(op.Args, &data); err != nil {
			return nil, err
		}
		rec, err := ops.Create(ctx, op.Object, data)
		if err != nil {
			return nil, err
		}
		return typed(op.Object, rec), nil
	case "update":
		var args struct {
			ID   string        `json:"id"`
			Data driver.Record `json:"data"`
		}
		if err := decodeArgs(op.Args, &args); err != nil {
			return nil, err
		}
		rec, err := ops.Update(ctx, op.Object, args.ID, args.Data)
		if err != nil {
			return nil, err
		}
		return typed(op.Object, rec), nil
	case "delete":
		var args struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(op.Args, &args); err != nil {
			return nil, err
		}
		if err := ops.Delete(ctx, op.Object, args.ID); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true, "id": args.ID}, nil
	case "count":
		var args struct {
			Filters any `json:"filters"`
		}
		if err := decodeArgs(op.Args, &args); err != nil {
			return nil, err
		}
		where, err := filter.Normalize(args.Filters)
		if err != nil {
			return nil, err
		}
		total, err := ops.Count(ctx, op.Object, where)
		if err != nil {
			return nil, err
		}
		return map[string]any{"total": total}, nil
	case "createMany":
		var records []driver.Record
		if err := decodeArgs(op.Args, &records); err != nil {
			return nil, err
		}
		res, err := ops.ExecuteCommand(ctx, &driver.Command{
			Type: driver.CmdInsertMany, Object: op.Object, Records: records,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"items": res.Data}, nil
	case "updateMany":
		var args struct {
			Filters any           `json:"filters"`
			Data    driver.Record `json:"data"`
		}
		if err := decodeArgs(op.Args, &args); err != nil {
			return nil, err
		}
		where, err := filter.Normalize(args.Filters)
		if err != nil {
			return nil, err
		}
		res, err := ops.ExecuteCommand(ctx, &driver.Command{
			Type: driver.CmdUpdateMany, Object: op.Object, Where: where, Updates: args.Data,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"affected": res.Affected}, nil
	case "deleteMany":
		var args struct {
			Filters any `json:"filters"`
		}
		if err := decodeArgs(op.Args, &args); err != nil {
			return nil, err
		}
		where, err := filter.Normalize(args.Filters)
		if err != nil {
			return nil, err
		}
		res, err := ops.ExecuteCommand(ctx, &driver.Command{
			Type: driver.CmdDeleteMany, Object: op.Object, Where: where,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"affected": res.Affected}, nil
	case "distinct":
		var args struct {
			Field   string `json:"field"`
			Filters any    `json:"filters"`
		}
		if err := decodeArgs(op.Args, &args); err != nil {
			return nil, err
		}
		where, err := filter.Normalize(args.Filters)
		if err != nil {
			return nil, err
		}
		items, err := ops.Distinct(ctx, op.Object, args.Field, where)
		if err != nil {
			return nil, err
		}
		return map[string]any{"items": items}, nil
	case "aggregate":
		var args struct {
			Pipeline []map[string]any `json:"pipeline"`
		}
		if err := decodeArgs(op.Args, &args); err != nil {
			return nil, err
		}
		items, err := ops.Aggregate(ctx, op.Object, args.Pipeline)
		if err != nil {
			return nil, err
		}
		return map[string]any{"items": items}, nil
	case "executeCommand":
		var args struct {
			Command *Command `json:"command"`
		}
		if err := decodeArgs(op.Args, &args); err != nil {
			return nil, err
		}
		if args.Command == nil {
			return nil, objectql.NewError(objectql.CodeValidation, "executeCommand requires a command")
		}
		cmd, err := args.Command.ToCommand()
		if err != nil {
			return nil, err
		}
		return ops.ExecuteCommand(ctx, cmd)
	}
	return nil, objectql.NewErrorf(objectql.CodeValidation, "unknown operation %q", op.Op)
}

// runFindOne resolves the record by id, or by a narrowing filter when
// the args carry no id. A miss is NOT_FOUND.
func (s *Server) runFindOne(r *http.Request, ops driver.Operations, object string, args *findOneArgs) (any, error) {
	ctx := r.Context()
	var rec driver.Record
	if args.ID != "" {
		var q *driver.Query
		if len(args.Fields) > 0 {
			q = &driver.Query{Object: object, Fields: args.Fields}
		}
		found, err := ops.FindOne(ctx, object, args.ID, q)
		if err != nil {
			return nil, err
		}
		rec = found
	} else {
		where, err := filter.Normalize(args.Filters)
		if err != nil {
			return nil, err
		}
		matched, err := ops.Find(ctx, object, &driver.Query{
			Object: object, Fields: args.Fields, Where: where, Limit: 1,
		})
		if err != nil {
			return nil, err
		}
		if len(matched) > 0 {
			rec = matched[0]
		}
	}
	if rec == nil {
		return nil, objectql.NewErrorf(objectql.CodeNotFound, "%s record not found", object)
	}
	return typed(object, rec), nil
}

// runActionOp executes a named action through the repository pipeline
// under the identity headers of the request.
func (s *Server) runActionOp(r *http.Request, op *Operation) (any, error) {
	ctx, err := s.context(r)
	if err != nil {
		return nil, err
	}
	var args struct {
		Action string         `json:"action"`
		ID     string         `json:"id,omitempty"`
		Input  map[string]any `json:"input,omitempty"`
	}
	if err := decodeArgs(op.Args, &args); err != nil {
		return nil, err
	}
	return ctx.Object(op.Object).Execute(r.Context(), args.Action, args.ID, args.Input)
}
