package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusDispatchesToNamedAndAllSubscribers(t *testing.T) {
	b := NewBus(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Close()

	named := b.Subscribe("sql-engine")
	all := b.Subscribe("")

	b.Emit(Event{Kind: KindReady, Dependency: "sql-engine"})
	b.Emit(Event{Kind: KindReady, Dependency: "columnar-runtime"})

	select {
	case evt := <-named:
		if evt.Dependency != "sql-engine" {
			t.Fatalf("named subscriber got %q, want sql-engine", evt.Dependency)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for named event")
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-all:
			seen[evt.Dependency] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for all-subscriber event")
		}
	}
	if !seen["sql-engine"] || !seen["columnar-runtime"] {
		t.Fatalf("all-subscriber missed events: %v", seen)
	}
}

func TestErrorTaxonomyUserMessage(t *testing.T) {
	err := New(CodeDependencyTimeout, SourceOrchestration, "timed out after 5000ms",
		WithDependency("columnar-runtime"))

	msg, bullets := UserMessage(err)
	if msg == "" || len(bullets) == 0 {
		t.Fatalf("expected non-empty message and bullets, got %q %v", msg, bullets)
	}
	if code, ok := CodeOf(err); !ok || code != CodeDependencyTimeout {
		t.Fatalf("CodeOf = %v, %v", code, ok)
	}
}

func TestDependencyCode(t *testing.T) {
	if got := DependencyCode("columnar-runtime", CodeDependencyLoadError); got != "COLUMNAR_RUNTIME_LOAD_ERROR" {
		t.Fatalf("got %q", got)
	}
	if got := DependencyCode("sql-engine", CodeDependencyTimeout); got != "SQL_ENGINE_TIMEOUT" {
		t.Fatalf("got %q", got)
	}
}
