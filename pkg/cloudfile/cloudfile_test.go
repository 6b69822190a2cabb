package cloudfile

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wisbric/cloudquery/pkg/cloudhttp"
	"github.com/wisbric/cloudquery/pkg/credentials"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()
	return New(testLogger(), cloudhttp.New(testLogger(), nil), credentials.New()), nil
}

func TestGetFileSchemaCSV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("name,age,active\nalice,30,true\n"))
	}))
	defer srv.Close()

	svc, _ := newService(t)
	schema, err := svc.GetFileSchema(context.Background(), srv.URL+"/data.csv")
	if err != nil {
		t.Fatal(err)
	}
	if len(schema.Columns) != 3 {
		t.Fatalf("columns = %d, want 3", len(schema.Columns))
	}
	if schema.Columns[1].Type != "number" {
		t.Errorf("age type = %s, want number", schema.Columns[1].Type)
	}
	if schema.Columns[2].Type != "boolean" {
		t.Errorf("active type = %s, want boolean", schema.Columns[2].Type)
	}
}

func TestGetFileSchemaJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id": 1, "label": "x"}]`))
	}))
	defer srv.Close()

	svc, _ := newService(t)
	schema, err := svc.GetFileSchema(context.Background(), srv.URL+"/data.json")
	if err != nil {
		t.Fatal(err)
	}
	if len(schema.Columns) != 2 {
		t.Fatalf("columns = %d, want 2", len(schema.Columns))
	}
}

func TestGetMultipleFilesIsolatesFailures(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("a,b\n1,2\n"))
	}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	svc, _ := newService(t)
	results := svc.GetMultipleFiles(context.Background(), []string{ok.URL + "/a.csv", bad.URL + "/b.csv"})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("expected first file to succeed, got %v", results[0].Err)
	}
	if results[1].Handle == nil && results[1].Err == nil {
		t.Error("expected second file to produce an error or handle")
	}
}

func TestFileHandleCloneAllowsRepeatedReads(t *testing.T) {
	h := &FileHandle{URL: "mem://x", snapshot: []byte("hello"), consumed: true}
	h.Body = io.NopCloser(nil)
	c1, err := h.Clone()
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(c1.Body)
	if string(data) != "hello" {
		t.Fatalf("clone read %q, want %q", data, "hello")
	}
	c2, err := h.Clone()
	if err != nil {
		t.Fatal(err)
	}
	data2, _ := io.ReadAll(c2.Body)
	if string(data2) != "hello" {
		t.Fatalf("second clone read %q, want %q", data2, "hello")
	}
}
