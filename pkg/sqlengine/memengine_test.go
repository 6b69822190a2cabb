package sqlengine

import (
	"context"
	"testing"
)

func TestQuerySelectWhereSumCount(t *testing.T) {
	eng := NewMemEngine()
	conn, err := eng.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	rows := []Row{
		{"name": "alice", "age": 30.0},
		{"name": "bob", "age": 45.0},
		{"name": "carol", "age": 45.0},
	}
	if err := conn.RegisterTable(context.Background(), "people", rows); err != nil {
		t.Fatal(err)
	}

	res, err := conn.Query(context.Background(), "SELECT name FROM people WHERE age = 45")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(res.Rows))
	}

	res, err = conn.Query(context.Background(), "SELECT COUNT(*) FROM people")
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows[0]["COUNT(*)"] != 3 {
		t.Fatalf("count = %v, want 3", res.Rows[0]["COUNT(*)"])
	}

	res, err = conn.Query(context.Background(), "SELECT SUM(age) FROM people")
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows[0]["SUM(age)"] != 120.0 {
		t.Fatalf("sum = %v, want 120", res.Rows[0]["SUM(age)"])
	}
}

func TestQueryCast(t *testing.T) {
	eng := NewMemEngine()
	conn, _ := eng.Connect(context.Background())
	_ = conn.RegisterTable(context.Background(), "t", []Row{{"n": "42"}})

	res, err := conn.Query(context.Background(), "SELECT CAST(n AS INT) FROM t")
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows[0]["CAST(n AS INT)"] != int64(42) {
		t.Fatalf("cast result = %v, want 42", res.Rows[0]["CAST(n AS INT)"])
	}
}

// TestQueryCompoundAggregateArithmetic exercises the canonical end-to-end
// query from spec.md's direct-access-arithmetic scenario: two CAST SUM
// calls combined with +.
func TestQueryCompoundAggregateArithmetic(t *testing.T) {
	eng := NewMemEngine()
	conn, _ := eng.Connect(context.Background())
	rows := []Row{
		{"a": "1", "b": "2"},
		{"a": "3", "b": "4"},
	}
	if err := conn.RegisterTable(context.Background(), "t", rows); err != nil {
		t.Fatal(err)
	}

	res, err := conn.Query(context.Background(), "SELECT SUM(CAST(a AS INTEGER)) + SUM(CAST(b AS INTEGER)) FROM t")
	if err != nil {
		t.Fatal(err)
	}
	got := res.Rows[0]["SUM(CAST(a AS INTEGER)) + SUM(CAST(b AS INTEGER))"]
	if got != 10.0 {
		t.Fatalf("sum = %v, want 10", got)
	}
}

func TestQueryUnregisteredTableFails(t *testing.T) {
	eng := NewMemEngine()
	conn, _ := eng.Connect(context.Background())
	if _, err := conn.Query(context.Background(), "SELECT * FROM missing"); err == nil {
		t.Fatal("expected error for unregistered table")
	}
}

func TestUnregisterTableIsIdempotent(t *testing.T) {
	eng := NewMemEngine()
	conn, _ := eng.Connect(context.Background())
	if err := conn.UnregisterTable(context.Background(), "never-registered"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
