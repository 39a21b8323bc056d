// Package driver defines the universal data operations every ObjectQL
// storage driver implements, the query representation drivers consume,
// and a database/sql-style factory registry for opening drivers by
// name.
package driver

import (
	"context"
)

// Record is the schema-less row representation exchanged with drivers:
// a JSON-like map of field name to value. The ObjectDefinition drives
// (de)serialization; drivers never rely on compile-time shapes.
type Record = map[string]any

// Capabilities is the feature vector a driver publishes. Protocol
// adapters and the Repository consult it as data before offering a
// feature; it is never a type hierarchy.
type Capabilities struct {
	Transactions         bool `json:"transactions"`
	Joins                bool `json:"joins"`
	FullTextSearch       bool `json:"fullTextSearch"`
	JSONFields           bool `json:"jsonFields"`
	ArrayFields          bool `json:"arrayFields"`
	QueryFilters         bool `json:"queryFilters"`
	QueryAggregations    bool `json:"queryAggregations"`
	QuerySorting         bool `json:"querySorting"`
	QueryPagination      bool `json:"queryPagination"`
	QueryWindowFunctions bool `json:"queryWindowFunctions"`
	QuerySubqueries      bool `json:"querySubqueries"`
}

// Operations is the data surface shared by a Driver and an open Tx.
// Every call accepts a context carrying the deadline/cancel signal; a
// cancelled operation inside a transaction must roll back.
type Operations interface {
	// Find returns the records of object matching the query.
	Find(ctx context.Context, object string, q *Query) ([]Record, error)

	// FindOne returns the record with the given id, or nil when the id
	// is unknown. A non-nil query narrows the returned fields.
	FindOne(ctx context.Context, object, id string, q *Query) (Record, error)

	// Create inserts the record and returns it as stored, including
	// the driver-generated id when the input carried none.
	Create(ctx context.Context, object string, data Record) (Record, error)

	// Update applies data to the record with the given id and returns
	// the updated record.
	Update(ctx context.Context, object, id string, data Record) (Record, error)

	// Delete removes the record with the given id.
	Delete(ctx context.Context, object, id string) error

	// Count returns the number of records matching the filter.
	Count(ctx context.Context, object string, where any) (int64, error)

	// Distinct returns the distinct values of field over the records
	// matching the filter.
	Distinct(ctx context.Context, object, field string, where any) ([]any, error)

	// Aggregate runs the aggregation pipeline over the object.
	Aggregate(ctx context.Context, object string, pipeline []map[string]any) ([]Record, error)

	// ExecuteQuery runs a unified query and returns its value along
	// with the total count when the query requested one.
	ExecuteQuery(ctx context.Context, q *Query) (*QueryResult, error)

	// ExecuteCommand runs a unified write command.
	ExecuteCommand(ctx context.Context, cmd *Command) (*CommandResult, error)
}

// Driver is the contract every storage backend implements. Drivers are
// registered per datasource and own their storage format.
type Driver interface {
	Operations

	// Connect establishes the backend connection. It is called once
	// before any operation.
	Connect(ctx context.Context) error

	// Close releases the backend connection.
	Close() error

	// CheckHealth verifies the backend is reachable.
	CheckHealth(ctx context.Context) error

	// Capabilities returns the driver's feature vector.
	Capabilities() Capabilities

	// Tx begins a transaction. Drivers without transaction support
	// return DRIVER_UNSUPPORTED_OPERATION.
	Tx(ctx context.Context) (Tx, error)
}

// Tx is an open driver transaction: the full operation surface plus
// the commit/rollback pair.
type Tx interface {
	Operations

	Commit() error
	Rollback() error
}
