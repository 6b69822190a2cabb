// Package cloudfile implements the Cloud File Service (spec.md §4.6):
// fetching objects from cloud storage, sampling their schema, and batching
// multiple fetches with per-file failure isolation.
package cloudfile

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/wisbric/cloudquery/pkg/cloudhttp"
	"github.com/wisbric/cloudquery/pkg/credentials"
	"github.com/wisbric/cloudquery/pkg/events"
)

// Format is the detected/declared file format (spec.md GLOSSARY).
type Format string

const (
	FormatCSV      Format = "csv"
	FormatJSON     Format = "json"
	FormatParquet  Format = "parquet"
	FormatColumnar Format = "columnar" // Arrow/Feather-family; schema sampling returns a placeholder
	FormatUnknown  Format = "unknown"
)

// FileHandle wraps a fetched object's body. The body may be consumed at
// most once; Clone materializes the bytes so a second consumer can read
// them independently (spec.md §4.6 "single-shot body consumption").
type FileHandle struct {
	URL         string
	ContentType string
	Size        int64
	Format      Format
	Body        io.ReadCloser

	consumed bool
	snapshot []byte
}

// Clone returns an independent FileHandle reading the same bytes. The first
// call buffers the underlying body into memory; subsequent clones are free.
func (h *FileHandle) Clone() (*FileHandle, error) {
	if h.snapshot == nil {
		if h.consumed {
			return nil, fmt.Errorf("cloudfile: body for %s already consumed and not buffered", h.URL)
		}
		data, err := io.ReadAll(h.Body)
		_ = h.Body.Close()
		if err != nil {
			return nil, err
		}
		h.snapshot = data
		h.consumed = true
		h.Body = io.NopCloser(bytes.NewReader(data))
	}
	clone := *h
	clone.Body = io.NopCloser(bytes.NewReader(h.snapshot))
	return &clone, nil
}

// Column describes one sampled column (spec.md §3 "File Schema").
type Column struct {
	Name string
	Type string // "string" | "number" | "boolean" | "unknown"
}

// FileSchema is the result of schema sampling (spec.md §4.6).
type FileSchema struct {
	Format  Format
	Columns []Column
}

// Service is the Cloud File Service.
type Service struct {
	logger *slog.Logger
	http   *cloudhttp.Client
	creds  *credentials.Manager
}

// New creates a Service.
func New(logger *slog.Logger, httpClient *cloudhttp.Client, creds *credentials.Manager) *Service {
	return &Service{logger: logger, http: httpClient, creds: creds}
}

// TestCorsSupport exposes the underlying HTTP client's CORS probe so
// callers deciding between direct and proxied table registration (spec.md
// §4.7) can consult the same cached verdict GetFile would use.
func (s *Service) TestCorsSupport(ctx context.Context, rawURL string) (*cloudhttp.CorsVerdict, error) {
	return s.http.TestCorsSupport(ctx, rawURL)
}

func (s *Service) configureProvider(ctx context.Context, rawURL string) (map[string]string, error) {
	provider := cloudhttp.DetectProvider(rawURL)
	headers, err := s.creds.AuthHeaders(ctx, provider, "GET", rawURL)
	if err != nil {
		if code, ok := events.CodeOf(err); ok && code == events.CodeUnsupportedAuthMethod {
			return nil, nil // anonymous/public object, no credentials configured
		}
		return nil, err
	}
	return headers, nil
}

// GetFile fetches a single cloud object, via CORS-aware routing, detecting
// its format from headers and/or content sniffing.
func (s *Service) GetFile(ctx context.Context, rawURL string) (*FileHandle, error) {
	headers, err := s.configureProvider(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := s.http.FetchWithCorsHandling(ctx, rawURL, cloudhttp.RequestOptions{Headers: headers})
	if err != nil {
		return nil, events.New(events.CodeNetworkError, events.SourceOrchestration,
			fmt.Sprintf("fetching %s", rawURL), events.WithCause(err))
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	format := detectFormat(rawURL, contentType, body)

	return &FileHandle{
		URL:         rawURL,
		ContentType: contentType,
		Size:        resp.ContentLength,
		Format:      format,
		Body:        io.NopCloser(bytes.NewReader(body)),
		snapshot:    body,
		consumed:    true,
	}, nil
}

// detectFormat infers a file's format from its URL extension, declared
// Content-Type, and as a last resort content sniffing via mimetype.
func detectFormat(rawURL, contentType string, body []byte) Format {
	switch {
	case hasSuffix(rawURL, ".csv"), contentType == "text/csv":
		return FormatCSV
	case hasSuffix(rawURL, ".json"), contentType == "application/json":
		return FormatJSON
	case hasSuffix(rawURL, ".parquet"):
		return FormatParquet
	case hasSuffix(rawURL, ".arrow"), hasSuffix(rawURL, ".feather"):
		return FormatColumnar
	}

	mt := mimetype.Detect(body)
	switch {
	case mt.Is("text/csv"):
		return FormatCSV
	case mt.Is("application/json"):
		return FormatJSON
	default:
		return FormatUnknown
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// GetFileSchema samples a file's column names and inferred types. CSV and
// JSON are sampled directly; every other format (parquet, columnar,
// unknown) gets a placeholder single-column schema. No SQL engine is
// consulted.
func (s *Service) GetFileSchema(ctx context.Context, rawURL string) (*FileSchema, error) {
	handle, err := s.GetFile(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	switch handle.Format {
	case FormatCSV:
		return sampleCSVSchema(handle)
	case FormatJSON:
		return sampleJSONSchema(handle)
	default:
		return &FileSchema{
			Format:  handle.Format,
			Columns: []Column{{Name: "value", Type: "unknown"}},
		}, nil
	}
}

func sampleCSVSchema(h *FileHandle) (*FileSchema, error) {
	clone, err := h.Clone()
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(clone.Body)
	header, err := r.Read()
	if err == io.EOF {
		return &FileSchema{Format: FormatCSV}, nil
	}
	if err != nil {
		return nil, events.New(events.CodeSchemaError, events.SourceOrchestration,
			fmt.Sprintf("sampling CSV schema for %s", h.URL), events.WithCause(err))
	}
	row, _ := r.Read()

	cols := make([]Column, len(header))
	for i, name := range header {
		typ := "string"
		if i < len(row) {
			if _, err := strconv.ParseFloat(row[i], 64); err == nil {
				typ = "number"
			} else if row[i] == "true" || row[i] == "false" {
				typ = "boolean"
			}
		}
		cols[i] = Column{Name: name, Type: typ}
	}
	return &FileSchema{Format: FormatCSV, Columns: cols}, nil
}

func sampleJSONSchema(h *FileHandle) (*FileSchema, error) {
	clone, err := h.Clone()
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(clone.Body)

	var first any
	if err := dec.Decode(&first); err != nil {
		return nil, events.New(events.CodeSchemaError, events.SourceOrchestration,
			fmt.Sprintf("sampling JSON schema for %s", h.URL), events.WithCause(err))
	}

	var record map[string]any
	switch v := first.(type) {
	case []any:
		if len(v) > 0 {
			record, _ = v[0].(map[string]any)
		}
	case map[string]any:
		record = v
	}

	cols := make([]Column, 0, len(record))
	for name, val := range record {
		cols = append(cols, Column{Name: name, Type: jsonValueType(val)})
	}
	return &FileSchema{Format: FormatJSON, Columns: cols}, nil
}

func jsonValueType(v any) string {
	switch v.(type) {
	case float64:
		return "number"
	case bool:
		return "boolean"
	case string:
		return "string"
	default:
		return "unknown"
	}
}

// MultiFileResult pairs a URL with its outcome (spec.md §4.6
// "GetMultipleFiles: parallel settle-all").
type MultiFileResult struct {
	URL    string
	Handle *FileHandle
	Err    error
}

// GetMultipleFiles fetches every URL concurrently, isolating per-file
// failures so one bad object never fails the whole batch.
func (s *Service) GetMultipleFiles(ctx context.Context, urls []string) []MultiFileResult {
	results := make([]MultiFileResult, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			handle, err := s.GetFile(ctx, u)
			results[i] = MultiFileResult{URL: u, Handle: handle, Err: err}
		}(i, u)
	}
	wg.Wait()
	return results
}
