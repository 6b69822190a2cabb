package columnar

import (
	"context"
	"errors"
	"testing"
)

type fakeRuntime struct {
	Table             int
	RecordBatch       int
	RecordBatchReader int
	Schema            int
	Field             int
	Vector            int
	Type              int
}

func TestLoadFirstSourceWins(t *testing.T) {
	calls := 0
	bad := func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("unavailable on this CDN")
	}
	good := func(ctx context.Context) (any, error) {
		calls++
		return &fakeRuntime{}, nil
	}

	mod, err := Load(context.Background(), bad, good)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := mod.(*fakeRuntime); !ok {
		t.Fatalf("unexpected module type %T", mod)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestLoadRejectsIncompleteSurface(t *testing.T) {
	incomplete := func(ctx context.Context) (any, error) {
		return struct{ Table int }{}, nil
	}
	_, err := Load(context.Background(), incomplete)
	if err == nil {
		t.Fatal("expected validation failure")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(&fakeRuntime{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(struct{}{}); err == nil {
		t.Fatal("expected error for empty struct")
	}
	if err := Validate(nil); err == nil {
		t.Fatal("expected error for nil")
	}
}
