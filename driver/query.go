package driver

import (
	"context"

	"github.com/syssam/objectql/filter"
	"github.com/syssam/objectql/internal/oqerr"
)

// Sort is one ordering key. Keys apply left-to-right; sorting is
// stable, and null values sort last ascending, first descending.
type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query is the universal query AST consumed by drivers.
type Query struct {
	Object    string           `json:"object"`
	Fields    []string         `json:"fields,omitempty"`
	Where     filter.Condition `json:"-"`
	OrderBy   []Sort           `json:"orderBy,omitempty"`
	Limit     int              `json:"limit,omitempty"`
	Offset    int              `json:"offset,omitempty"`
	GroupBy   []string         `json:"groupBy,omitempty"`
	Aggregate []map[string]any `json:"aggregate,omitempty"`

	// WithCount asks ExecuteQuery for the unpaginated total.
	WithCount bool `json:"withCount,omitempty"`
}

// QueryResult is the unified query response: the value rows plus the
// total count when requested.
type QueryResult struct {
	Value []Record `json:"value"`
	Count *int64   `json:"count,omitempty"`
}

// CommandType names a unified write command.
type CommandType string

// The command set.
const (
	CmdInsert     CommandType = "insert"
	CmdUpdate     CommandType = "update"
	CmdDelete     CommandType = "delete"
	CmdInsertMany CommandType = "insertMany"
	CmdUpdateMany CommandType = "updateMany"
	CmdDeleteMany CommandType = "deleteMany"
)

// Command is the unified write envelope consumed by ExecuteCommand.
type Command struct {
	Type    CommandType      `json:"type"`
	Object  string           `json:"object"`
	ID      string           `json:"id,omitempty"`
	IDs     []string         `json:"ids,omitempty"`
	Data    Record           `json:"data,omitempty"`
	Records []Record         `json:"records,omitempty"`
	Updates Record           `json:"updates,omitempty"`
	Where   filter.Condition `json:"-"`
}

// CommandResult reports the outcome of a command.
type CommandResult struct {
	Success  bool     `json:"success"`
	Data     []Record `json:"data,omitempty"`
	Affected int64    `json:"affected"`
	Error    string   `json:"error,omitempty"`
}

// Page applies the offset-then-limit pagination contract to an
// in-memory record slice. Offset skips before limit caps.
func Page(records []Record, limit, offset int) []Record {
	if offset > 0 {
		if offset >= len(records) {
			return nil
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

// Project narrows records to the requested fields. The id field is
// always retained. An empty field list returns records unchanged.
func Project(records []Record, fields []string) []Record {
	if len(fields) == 0 {
		return records
	}
	keep := make(map[string]bool, len(fields)+1)
	keep["_id"] = true
	for _, f := range fields {
		keep[f] = true
	}
	out := make([]Record, len(records))
	for i, rec := range records {
		nr := make(Record, len(keep))
		for k, v := range rec {
			if keep[k] {
				nr[k] = v
			}
		}
		out[i] = nr
	}
	return out
}

// RunCommand decomposes a command into the basic operations of ops.
// Drivers without a native batch path delegate their ExecuteCommand to
// it. Batch inserts stop at the first failure; matched updates and
// deletes report the affected count.
func RunCommand(ctx context.Context, ops Operations, cmd *Command) (*CommandResult, error) {
	switch cmd.Type {
	case CmdInsert:
		rec, err := ops.Create(ctx, cmd.Object, cmd.Data)
		if err != nil {
			return failure(err), err
		}
		return &CommandResult{Success: true, Data: []Record{rec}, Affected: 1}, nil
	case CmdUpdate:
		rec, err := ops.Update(ctx, cmd.Object, cmd.ID, cmd.Data)
		if err != nil {
			return failure(err), err
		}
		return &CommandResult{Success: true, Data: []Record{rec}, Affected: 1}, nil
	case CmdDelete:
		if err := ops.Delete(ctx, cmd.Object, cmd.ID); err != nil {
			return failure(err), err
		}
		return &CommandResult{Success: true, Affected: 1}, nil
	case CmdInsertMany:
		out := make([]Record, 0, len(cmd.Records))
		for _, data := range cmd.Records {
			rec, err := ops.Create(ctx, cmd.Object, data)
			if err != nil {
				return failure(err), err
			}
			out = append(out, rec)
		}
		return &CommandResult{Success: true, Data: out, Affected: int64(len(out))}, nil
	case CmdUpdateMany, CmdDeleteMany:
		matched, err := ops.Find(ctx, cmd.Object, &Query{Object: cmd.Object, Where: cmd.Where})
		if err != nil {
			return failure(err), err
		}
		var affected int64
		for _, rec := range matched {
			id, _ := rec["_id"].(string)
			if id == "" {
				continue
			}
			if cmd.Type == CmdUpdateMany {
				_, err = ops.Update(ctx, cmd.Object, id, cmd.Updates)
			} else {
				err = ops.Delete(ctx, cmd.Object, id)
			}
			if err != nil {
				return failure(err), err
			}
			affected++
		}
		return &CommandResult{Success: true, Affected: affected}, nil
	default:
		err := oqerr.Newf(oqerr.Validation, "unknown command type %q", cmd.Type)
		return failure(err), err
	}
}

func failure(err error) *CommandResult {
	return &CommandResult{Success: false, Error: err.Error()}
}
