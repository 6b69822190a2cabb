package compute

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestNoopModulePassesRowsThrough(t *testing.T) {
	n := &NoopModule{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	req := ProcessRequest{Rows: []map[string]any{{"a": 1}}, Columns: []string{"a"}}

	res, err := n.ProcessData(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(res.Rows))
	}

	usage, err := n.GetMemoryUsage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if usage.BytesInUse != 0 {
		t.Fatalf("usage = %d, want 0", usage.BytesInUse)
	}
}
