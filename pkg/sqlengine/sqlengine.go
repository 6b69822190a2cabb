// Package sqlengine defines the external SQL engine contract (spec.md §6)
// and ships a minimal in-memory reference implementation sufficient to
// drive end-to-end query scenarios. It is explicitly not a SQL dialect or
// optimizer: real deployments bind Engine to an embedded analytical
// runtime loaded through pkg/registry.
package sqlengine

import (
	"context"
)

// Row is a single result row, column name to value.
type Row map[string]any

// Metadata carries the execution accounting the Engine Facade sets on every
// Result it returns: its own measured execution time and the compute
// module's reported memory usage.
type Metadata struct {
	ExecutionTimeMs int64
	MemoryUsedBytes uint64
}

// Result is the outcome of a query.
type Result struct {
	Columns  []string
	Rows     []Row
	Metadata Metadata
}

// Conn is a connection-scoped handle for registering virtual tables and
// running SQL against them (spec.md §6 "SQL Engine Contract").
type Conn interface {
	// RegisterTable binds name to an in-memory row set (spec.md §4.8
	// "loadData ... register an in-memory table via the SQL engine's
	// JSON-text path").
	RegisterTable(ctx context.Context, name string, rows []Row) error
	// RegisterTableFromURL implements direct registration (spec.md §4.7):
	// the engine fetches and reads the object itself through its own HTTP
	// filesystem extension, choosing a reader by URL suffix. An
	// unsupported suffix fails with events.CodeUnsupportedFormat.
	RegisterTableFromURL(ctx context.Context, name, url string) error
	// RegisterTableFromBuffer implements proxied registration (spec.md
	// §4.7): the caller has already fetched the object's bytes (through
	// the cloud file service) and hands them to the engine
	// as a virtual file tagged with format, so the engine can pick the
	// matching reader without a second network round trip.
	RegisterTableFromBuffer(ctx context.Context, name string, data []byte, format string) error
	// UnregisterTable removes name; it is a no-op if name is unknown.
	UnregisterTable(ctx context.Context, name string) error
	// Query runs sql and returns its result set.
	Query(ctx context.Context, sql string) (*Result, error)
	// Describe returns the column names of a registered table without
	// running a full scan.
	Describe(ctx context.Context, name string) ([]string, error)
	Close() error
}

// Engine opens connections against the underlying SQL runtime.
type Engine interface {
	Connect(ctx context.Context) (Conn, error)
}
