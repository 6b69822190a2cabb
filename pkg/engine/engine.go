// Package engine implements the Engine Facade (spec.md §4.8): the single
// entry point applications embed, composing the dependency registry, cache
// tier, cloud file service, and orchestrator into one readiness-gated API.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wisbric/cloudquery/pkg/cache"
	"github.com/wisbric/cloudquery/pkg/cloudfile"
	"github.com/wisbric/cloudquery/pkg/cloudhttp"
	"github.com/wisbric/cloudquery/pkg/columnar"
	"github.com/wisbric/cloudquery/pkg/compute"
	"github.com/wisbric/cloudquery/pkg/credentials"
	"github.com/wisbric/cloudquery/pkg/events"
	"github.com/wisbric/cloudquery/pkg/orchestrator"
	"github.com/wisbric/cloudquery/pkg/proxy"
	"github.com/wisbric/cloudquery/pkg/registry"
	"github.com/wisbric/cloudquery/pkg/sqlengine"
	"github.com/wisbric/cloudquery/internal/telemetry"
)

const (
	depSQLEngine = "sql-engine"
	depColumnar  = "columnar-runtime"
	depCompute   = "compute-module"
)

// computeRowThreshold and computeDurationThreshold are the two conditions
// ("rowCount > 1000 or executionTime > 1000 ms") under which Query hands
// the result set to the compute module for post-processing (spec.md §4.8).
const computeRowThreshold = 1000
const computeDurationThreshold = 1000 * time.Millisecond

// defaultDependencyTimeoutMs mirrors pkg/registry's own default so
// WaitFor/WaitForAll calls time out consistently with Load.
const defaultDependencyTimeoutMs = 10_000

func depTimeout(configuredMs int64) time.Duration {
	if configuredMs <= 0 {
		configuredMs = defaultDependencyTimeoutMs
	}
	return time.Duration(configuredMs) * time.Millisecond
}

// Options configures Engine construction.
type Options struct {
	Logger               *slog.Logger
	SQLEngineLoader      registry.Loader
	ColumnarLoader       registry.Loader
	ComputeModuleLoader  registry.Loader // optional; NoopModule used if nil
	ProxyEndpoints       []*proxy.Endpoint
	DependencyTimeoutMs  int64
	DependencyMaxRetries int
}

// Engine is the facade applications construct and drive. It owns every
// subsystem's lifecycle and presents one Query/LoadData/table-management
// surface over them.
type Engine struct {
	logger *slog.Logger

	registry *registry.Registry
	bus      *events.Bus

	httpClient  *cloudhttp.Client
	proxy       *proxy.Service
	credentials *credentials.Manager
	files       *cloudfile.Service
	orch        *orchestrator.Orchestrator

	sqlEngine sqlengine.Engine
	compute   compute.Module

	queryCache *cache.Cache[*sqlengine.Result]

	depOpts     registry.Options
	depTimeout  time.Duration
	hasCompute  bool
	sqlLoader   registry.Loader
	columnarLoader registry.Loader
	computeLoader  registry.Loader

	startTime     time.Time
	initialized   bool

	metricsMu          sync.Mutex
	queryCount         int64
	totalExecutionTime time.Duration
	memoryPeakUsage    uint64
}

// New constructs an Engine. Nothing is loaded until Initialize is called.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	bus := events.NewBus(opts.Logger)

	reg := registry.New(opts.Logger, bus)

	proxySvc := proxy.New(opts.Logger, opts.ProxyEndpoints)
	httpClient := cloudhttp.New(opts.Logger, proxySvc)
	credMgr := credentials.New()
	files := cloudfile.New(opts.Logger, httpClient, credMgr)
	queryCache := cache.NewQueryResultCache[*sqlengine.Result]()

	depOpts := registry.Options{}
	if opts.DependencyTimeoutMs > 0 {
		depOpts.TimeoutMs = opts.DependencyTimeoutMs
	}
	if opts.DependencyMaxRetries > 0 {
		depOpts.MaxRetries = opts.DependencyMaxRetries
	}

	e := &Engine{
		logger:         opts.Logger,
		registry:       reg,
		bus:            bus,
		httpClient:     httpClient,
		proxy:          proxySvc,
		credentials:    credMgr,
		files:          files,
		queryCache:     queryCache,
		depOpts:        depOpts,
		depTimeout:     depTimeout(opts.DependencyTimeoutMs),
		sqlLoader:      opts.SQLEngineLoader,
		columnarLoader: opts.ColumnarLoader,
		computeLoader:  opts.ComputeModuleLoader,
		hasCompute:     opts.ComputeModuleLoader != nil,
	}

	reg.Register(depSQLEngine, depOpts)
	reg.Register(depColumnar, depOpts)
	if e.hasCompute {
		reg.Register(depCompute, depOpts)
	}

	return e
}

// Initialize starts loading every registered dependency concurrently and
// waits for all of them to settle (spec.md §4.8 "Initialize").
func (e *Engine) Initialize(ctx context.Context) error {
	bus := e.bus
	bus.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		mod, err := e.registry.Load(gctx, depSQLEngine, e.sqlLoader, e.depOpts)
		if err != nil {
			return err
		}
		eng, ok := mod.(sqlengine.Engine)
		if !ok {
			return fmt.Errorf("sql-engine loader returned %T, want sqlengine.Engine", mod)
		}
		e.sqlEngine = eng
		return nil
	})

	g.Go(func() error {
		mod, err := e.registry.Load(gctx, depColumnar, e.columnarLoader, e.depOpts)
		if err != nil {
			return err
		}
		if err := columnar.Validate(mod); err != nil {
			return err
		}
		return nil
	})

	if e.hasCompute {
		g.Go(func() error {
			mod, err := e.registry.Load(gctx, depCompute, e.computeLoader, e.depOpts)
			if err != nil {
				return err
			}
			c, ok := mod.(compute.Module)
			if !ok {
				return fmt.Errorf("compute-module loader returned %T, want compute.Module", mod)
			}
			e.compute = c
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if e.compute == nil {
		e.compute = &compute.NoopModule{Logger: e.logger}
	}
	e.orch = orchestrator.New(e.logger, e.files, e.sqlEngine, e.queryCache)
	e.startTime = time.Now()
	e.initialized = true
	return nil
}

// WaitForReady blocks until every dependency reaches the ready state, or
// ctx is cancelled.
func (e *Engine) WaitForReady(ctx context.Context) error {
	names := []string{depSQLEngine, depColumnar}
	if e.hasCompute {
		names = append(names, depCompute)
	}
	return e.registry.WaitForAll(ctx, names, e.depTimeout)
}

// WaitForSqlEngine blocks until the sql-engine dependency is ready.
func (e *Engine) WaitForSqlEngine(ctx context.Context) error {
	_, err := e.registry.WaitFor(ctx, depSQLEngine, e.depTimeout)
	return err
}

// WaitForColumnarRuntime blocks until the columnar-runtime dependency is ready.
func (e *Engine) WaitForColumnarRuntime(ctx context.Context) error {
	_, err := e.registry.WaitFor(ctx, depColumnar, e.depTimeout)
	return err
}

// WaitForComputeModule blocks until the compute-module dependency is ready,
// if one was registered; otherwise it returns immediately.
func (e *Engine) WaitForComputeModule(ctx context.Context) error {
	if !e.hasCompute {
		return nil
	}
	_, err := e.registry.WaitFor(ctx, depCompute, e.depTimeout)
	return err
}

// Preload proactively registers a list of cloud tables so their schema is
// sampled and cached before the first query references them.
func (e *Engine) Preload(ctx context.Context, tables map[string]string) error {
	for name, url := range tables {
		if _, err := e.orch.RegisterCloudTable(ctx, name, url, orchestrator.RegisterOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// LoadData registers url as a queryable table named name.
func (e *Engine) LoadData(ctx context.Context, name, url string, opts orchestrator.RegisterOptions) (*orchestrator.RegisteredTable, error) {
	return e.orch.RegisterCloudTable(ctx, name, url, opts)
}

// CreateTable is an alias for LoadData kept for API symmetry with spec.md
// §4.8's table-management surface.
func (e *Engine) CreateTable(ctx context.Context, name, url string) (*orchestrator.RegisteredTable, error) {
	return e.LoadData(ctx, name, url, orchestrator.RegisterOptions{})
}

// ListTables returns every registered table.
func (e *Engine) ListTables() []*orchestrator.RegisteredTable {
	return e.orch.ListTables()
}

// GetTableInfo returns the registration record for name.
func (e *Engine) GetTableInfo(name string) (*orchestrator.RegisteredTable, bool) {
	return e.orch.GetTableInfo(name)
}

// UnregisterTable drops name from the SQL engine and the orchestrator's
// registry.
func (e *Engine) UnregisterTable(ctx context.Context, name string) error {
	return e.orch.UnregisterCloudTable(ctx, name)
}

// Query runs sql and, when the result set is large by row count or the
// query itself ran long, hands it to the compute module for
// post-processing before returning (the raw result is returned if that
// fails). Every returned result's metadata holds the facade's own measured
// execution time and the compute module's reported memory usage; the
// compute module contract reports no timing of its own.
func (e *Engine) Query(ctx context.Context, sql string) (*sqlengine.Result, error) {
	start := time.Now()
	res, err := e.orch.QueryCloudTable(ctx, sql)
	elapsed := time.Since(start)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.QueriesTotal.WithLabelValues(outcome).Inc()
	telemetry.QueryDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if err != nil {
		return nil, err
	}

	if len(res.Rows) > computeRowThreshold || elapsed > computeDurationThreshold {
		processed, cerr := e.compute.ProcessData(ctx, compute.ProcessRequest{
			Rows:    toComputeRows(res.Rows),
			Columns: res.Columns,
		})
		if cerr != nil {
			e.logger.Warn("compute module post-processing failed, returning raw result", "error", cerr)
		} else {
			res = &sqlengine.Result{Columns: res.Columns, Rows: fromComputeRows(processed.Rows)}
		}
	}

	usage, uerr := e.compute.GetMemoryUsage(ctx)
	if uerr != nil {
		usage = compute.MemoryUsage{}
	}
	res.Metadata = sqlengine.Metadata{
		ExecutionTimeMs: elapsed.Milliseconds(),
		MemoryUsedBytes: usage.BytesInUse,
	}
	e.recordQueryMetrics(elapsed, usage.BytesInUse)
	return res, nil
}

// recordQueryMetrics updates the facade's running query counters (spec.md
// §4.8 "Metrics": queryCount, totalExecutionTime, averageResponseTime,
// memoryPeakUsage).
func (e *Engine) recordQueryMetrics(elapsed time.Duration, memBytes uint64) {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	e.queryCount++
	e.totalExecutionTime += elapsed
	if memBytes > e.memoryPeakUsage {
		e.memoryPeakUsage = memBytes
	}
}

// Metrics is the Engine Facade's running query accounting (spec.md §4.8).
type Metrics struct {
	QueryCount         int64
	TotalExecutionTime time.Duration
	AverageResponseMs  float64
	MemoryPeakUsage    uint64
}

// Metrics returns a snapshot of the facade's query counters.
func (e *Engine) Metrics() Metrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	m := Metrics{
		QueryCount:         e.queryCount,
		TotalExecutionTime: e.totalExecutionTime,
		MemoryPeakUsage:    e.memoryPeakUsage,
	}
	if e.queryCount > 0 {
		m.AverageResponseMs = float64(e.totalExecutionTime.Milliseconds()) / float64(e.queryCount)
	}
	return m
}

func toComputeRows(rows []sqlengine.Row) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any(r)
	}
	return out
}

func fromComputeRows(rows []map[string]any) []sqlengine.Row {
	out := make([]sqlengine.Row, len(rows))
	for i, r := range rows {
		out[i] = sqlengine.Row(r)
	}
	return out
}

// Status summarizes Engine readiness for health endpoints (spec.md §4.8:
// initialized, sqlEngineReady, columnarRuntimeReady, computeModuleReady,
// overallReady, memoryUsage, uptime, dependencyHealthScore).
type Status struct {
	Initialized           bool
	SQLEngine             registry.State
	Columnar              registry.State
	Compute               registry.State
	SQLEngineReady        bool
	ColumnarRuntimeReady  bool
	ComputeModuleReady    bool
	OverallReady          bool
	MemoryUsage           uint64
	Uptime                time.Duration
	DependencyHealthScore float64
	TableCount            int
}

// Status returns the current Status snapshot.
func (e *Engine) Status() Status {
	compute := registry.StateReady
	if rec, ok := e.registry.Record(depCompute); ok {
		compute = rec.State
	}
	sqlRec, _ := e.registry.Record(depSQLEngine)
	colRec, _ := e.registry.Record(depColumnar)

	sqlReady := sqlRec.State == registry.StateReady
	colReady := colRec.State == registry.StateReady
	computeReady := compute == registry.StateReady

	total, ready := 2, 0
	if sqlReady {
		ready++
	}
	if colReady {
		ready++
	}
	if e.hasCompute {
		total++
		if computeReady {
			ready++
		}
	}

	var memUsage uint64
	if e.compute != nil {
		if usage, err := e.compute.GetMemoryUsage(context.Background()); err == nil {
			memUsage = usage.BytesInUse
		}
	}

	var uptime time.Duration
	if e.initialized {
		uptime = time.Since(e.startTime)
	}

	var tableCount int
	if e.orch != nil {
		tableCount = len(e.orch.ListTables())
	}

	return Status{
		Initialized:           e.initialized,
		SQLEngine:             sqlRec.State,
		Columnar:              colRec.State,
		Compute:               compute,
		SQLEngineReady:        sqlReady,
		ColumnarRuntimeReady:  colReady,
		ComputeModuleReady:    computeReady,
		OverallReady:          e.initialized && sqlReady && colReady && (!e.hasCompute || computeReady),
		MemoryUsage:           memUsage,
		Uptime:                uptime,
		DependencyHealthScore: float64(ready) / float64(total),
		TableCount:            tableCount,
	}
}

// Close stops the event bus and clears the dependency registry. It does not
// shut down the SQL engine or clear the query-result and CORS caches. Safe
// to call once, after which the Engine must not be reused.
func (e *Engine) Close() error {
	e.bus.Close()
	e.registry.Reset()
	return nil
}
