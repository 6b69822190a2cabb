package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wisbric/cloudquery/pkg/orchestrator"
	"github.com/wisbric/cloudquery/pkg/registry"
	"github.com/wisbric/cloudquery/pkg/sqlengine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeColumnarRuntime exposes pkg/columnar.RequiredSurface as no-op methods,
// standing in for a loaded Arrow-family runtime in tests.
type fakeColumnarRuntime struct{}

func (f *fakeColumnarRuntime) Table() any             { return nil }
func (f *fakeColumnarRuntime) RecordBatch() any       { return nil }
func (f *fakeColumnarRuntime) RecordBatchReader() any { return nil }
func (f *fakeColumnarRuntime) Schema() any            { return nil }
func (f *fakeColumnarRuntime) Field() any             { return nil }
func (f *fakeColumnarRuntime) Vector() any            { return nil }
func (f *fakeColumnarRuntime) Type() any              { return nil }

func newTestEngine() *Engine {
	sqlLoader := func(ctx context.Context) (any, error) {
		return sqlengine.NewMemEngine(), nil
	}
	columnarLoader := func(ctx context.Context) (any, error) {
		return &fakeColumnarRuntime{}, nil
	}
	return New(Options{
		Logger:              testLogger(),
		SQLEngineLoader:     sqlLoader,
		ColumnarLoader:      columnarLoader,
		DependencyTimeoutMs: 2000,
	})
}

func TestInitializeAndQueryEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("name,age\nalice,30\nbob,45\n"))
	}))
	defer srv.Close()

	e := newTestEngine()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := e.WaitForReady(ctx); err != nil {
		t.Fatalf("WaitForReady: %v", err)
	}

	if _, err := e.LoadData(ctx, "people", srv.URL+"/people.csv", orchestrator.RegisterOptions{}); err != nil {
		t.Fatalf("LoadData: %v", err)
	}

	res, err := e.Query(ctx, "SELECT name FROM people WHERE age = 45")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(res.Rows))
	}

	metrics := e.Metrics()
	if metrics.QueryCount != 1 {
		t.Fatalf("queryCount = %d, want 1", metrics.QueryCount)
	}

	if err := e.UnregisterTable(ctx, "people"); err != nil {
		t.Fatalf("UnregisterTable: %v", err)
	}
	if _, ok := e.GetTableInfo("people"); ok {
		t.Fatal("expected table to be removed after UnregisterTable")
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestStatusReflectsRegistryState(t *testing.T) {
	e := newTestEngine()
	status := e.Status()
	if status.SQLEngine != registry.StateInitializing {
		t.Fatalf("SQLEngine state = %v, want %v before Initialize", status.SQLEngine, registry.StateInitializing)
	}
	if status.Initialized {
		t.Fatal("expected Initialized = false before Initialize")
	}
	if status.OverallReady {
		t.Fatal("expected OverallReady = false before Initialize")
	}
}

func TestStatusOverallReadyAfterInitialize(t *testing.T) {
	e := newTestEngine()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := e.WaitForReady(ctx); err != nil {
		t.Fatalf("WaitForReady: %v", err)
	}

	status := e.Status()
	if !status.Initialized {
		t.Fatal("expected Initialized = true after Initialize")
	}
	if !status.OverallReady {
		t.Fatal("expected OverallReady = true once every dependency is ready")
	}
	if status.DependencyHealthScore != 1 {
		t.Fatalf("dependencyHealthScore = %v, want 1", status.DependencyHealthScore)
	}
	if status.Uptime <= 0 {
		t.Fatal("expected non-zero uptime after Initialize")
	}
}
