// Package compute defines the optional compute-module contract (spec.md
// §6): a numeric post-processing boundary the Engine Facade may call after
// a query returns a large result set, plus a passthrough no-op
// implementation for deployments that don't load a real module.
package compute

import (
	"context"
	"log/slog"
)

// ProcessRequest is a batch of rows handed to the compute module for
// numeric post-processing (spec.md §4.8 "compute-module post-processing
// threshold").
type ProcessRequest struct {
	Rows    []map[string]any
	Columns []string
}

// ProcessResult is the (possibly transformed) output of process_data.
type ProcessResult struct {
	Rows []map[string]any
}

// MemoryUsage reports the compute module's current footprint, in bytes.
type MemoryUsage struct {
	BytesInUse uint64
}

// Module is the compute-module contract: a byte-in/struct-out boundary
// with no assumed shared memory (spec.md §9).
type Module interface {
	ProcessData(ctx context.Context, req ProcessRequest) (ProcessResult, error)
	GetMemoryUsage(ctx context.Context) (MemoryUsage, error)
}

// NoopModule is a stub implementation that returns rows unchanged. It is
// the default when no real numeric module is configured.
type NoopModule struct {
	Logger *slog.Logger
}

// ProcessData passes rows through unmodified.
func (n *NoopModule) ProcessData(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
	n.Logger.Debug("noop compute module: process_data", "rows", len(req.Rows))
	return ProcessResult{Rows: req.Rows}, nil
}

// GetMemoryUsage always reports zero usage.
func (n *NoopModule) GetMemoryUsage(ctx context.Context) (MemoryUsage, error) {
	return MemoryUsage{}, nil
}
