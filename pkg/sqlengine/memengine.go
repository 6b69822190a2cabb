package sqlengine

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/wisbric/cloudquery/pkg/events"
)

// MemEngine is a reference-quality Engine backed by an in-memory table map.
// It understands a deliberately small slice of SQL — SELECT projections,
// a single WHERE comparison, COUNT(*)/SUM(col) aggregates, and CAST(col AS
// type) — just enough to drive registration and query scenarios end to
// end. It is not a general-purpose SQL engine.
type MemEngine struct {
	mu     sync.RWMutex
	tables map[string][]Row
}

// NewMemEngine creates an empty MemEngine.
func NewMemEngine() *MemEngine {
	return &MemEngine{tables: make(map[string][]Row)}
}

func (e *MemEngine) Connect(ctx context.Context) (Conn, error) {
	return &memConn{engine: e}, nil
}

type memConn struct {
	engine *MemEngine
}

func (c *memConn) RegisterTable(ctx context.Context, name string, rows []Row) error {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	c.engine.tables[name] = rows
	return nil
}

// RegisterTableFromURL implements direct registration: it fetches rawURL
// itself (standing in for an embedded engine's own HTTP filesystem
// extension, e.g. DuckDB's httpfs reading `read_csv_auto('<url>')`
// directly) and picks a parser by suffix.
func (c *memConn) RegisterTableFromURL(ctx context.Context, name, rawURL string) error {
	format := formatFromURL(rawURL)
	if format == "" {
		return events.New(events.CodeUnsupportedFormat, events.SourceSQLEngine,
			fmt.Sprintf("no reader for url suffix: %s", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return events.New(events.CodeQueryFailed, events.SourceSQLEngine,
			fmt.Sprintf("building request for %s", rawURL), events.WithCause(err))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return events.New(events.CodeQueryFailed, events.SourceSQLEngine,
			fmt.Sprintf("fetching %s", rawURL), events.WithCause(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return events.New(events.CodeQueryFailed, events.SourceSQLEngine,
			fmt.Sprintf("fetching %s: status %d", rawURL, resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return events.New(events.CodeQueryFailed, events.SourceSQLEngine,
			fmt.Sprintf("reading body of %s", rawURL), events.WithCause(err))
	}
	return c.RegisterTableFromBuffer(ctx, name, data, format)
}

// RegisterTableFromBuffer implements proxied registration: the caller has
// already fetched the object's bytes (through the cloud file service) and
// hands them to the engine tagged with the format its own probe found, so
// no second network round trip is needed.
func (c *memConn) RegisterTableFromBuffer(ctx context.Context, name string, data []byte, format string) error {
	rows, err := parseBytesToRows(data, format)
	if err != nil {
		return err
	}
	return c.RegisterTable(ctx, name, rows)
}

func (c *memConn) UnregisterTable(ctx context.Context, name string) error {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	delete(c.engine.tables, name)
	return nil
}

func (c *memConn) Describe(ctx context.Context, name string) ([]string, error) {
	c.engine.mu.RLock()
	defer c.engine.mu.RUnlock()
	rows, ok := c.engine.tables[name]
	if !ok || len(rows) == 0 {
		return nil, nil
	}
	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	return cols, nil
}

func (c *memConn) Close() error { return nil }

var selectRe = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+([a-zA-Z_][\w]*)\s*(?:WHERE\s+(.+?))?\s*;?\s*$`)
var whereRe = regexp.MustCompile(`(?is)^\s*([a-zA-Z_][\w.]*)\s*(=|!=|<>|>=|<=|>|<)\s*(.+?)\s*$`)
var castRe = regexp.MustCompile(`(?is)^CAST\s*\(\s*([a-zA-Z_][\w]*)\s+AS\s+([a-zA-Z]+)\s*\)$`)
var aggCallRe = regexp.MustCompile(`(?i)\b(SUM|COUNT)\s*\(`)

// Query runs sql (see MemEngine doc comment for supported grammar).
func (c *memConn) Query(ctx context.Context, sql string) (*Result, error) {
	m := selectRe.FindStringSubmatch(sql)
	if m == nil {
		return nil, events.New(events.CodeQueryFailed, events.SourceSQLEngine,
			fmt.Sprintf("unsupported SQL statement: %s", sql))
	}
	projection, tableName, whereClause := m[1], m[2], m[3]

	c.engine.mu.RLock()
	rows, ok := c.engine.tables[tableName]
	c.engine.mu.RUnlock()
	if !ok {
		return nil, events.New(events.CodeQueryFailed, events.SourceSQLEngine,
			fmt.Sprintf("table %q is not registered", tableName))
	}

	filtered := rows
	if strings.TrimSpace(whereClause) != "" {
		var err error
		filtered, err = applyWhere(rows, whereClause)
		if err != nil {
			return nil, events.New(events.CodeQueryFailed, events.SourceSQLEngine,
				fmt.Sprintf("evaluating WHERE clause %q", whereClause), events.WithCause(err))
		}
	}

	return projectRows(filtered, projection)
}

func applyWhere(rows []Row, clause string) ([]Row, error) {
	m := whereRe.FindStringSubmatch(clause)
	if m == nil {
		return nil, fmt.Errorf("unsupported WHERE clause: %s", clause)
	}
	col, op, rawVal := m[1], m[2], strings.Trim(m[3], `'"`)

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if compareValue(r[col], op, rawVal) {
			out = append(out, r)
		}
	}
	return out, nil
}

func compareValue(actual any, op, raw string) bool {
	af, aIsNum := toFloat(actual)
	rf, rIsNum := toFloat(raw)
	if aIsNum && rIsNum {
		switch op {
		case "=":
			return af == rf
		case "!=", "<>":
			return af != rf
		case ">":
			return af > rf
		case "<":
			return af < rf
		case ">=":
			return af >= rf
		case "<=":
			return af <= rf
		}
	}
	as := fmt.Sprintf("%v", actual)
	switch op {
	case "=":
		return as == raw
	case "!=", "<>":
		return as != raw
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func projectRows(rows []Row, projection string) (*Result, error) {
	projection = strings.TrimSpace(projection)
	if projection == "*" {
		if len(rows) == 0 {
			return &Result{}, nil
		}
		cols := make([]string, 0, len(rows[0]))
		for k := range rows[0] {
			cols = append(cols, k)
		}
		return &Result{Columns: cols, Rows: rows}, nil
	}

	fields := strings.Split(projection, ",")
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = strings.TrimSpace(f)
	}

	if len(fields) == 1 && aggCallRe.MatchString(cols[0]) {
		return evalAggregateExpr(rows, cols[0])
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		projected := make(Row, len(fields))
		for _, col := range cols {
			if cast := castRe.FindStringSubmatch(col); cast != nil {
				projected[col] = castValue(r[cast[1]], cast[2])
				continue
			}
			projected[col] = r[col]
		}
		out = append(out, projected)
	}
	return &Result{Columns: cols, Rows: out}, nil
}

// evalAggregateExpr evaluates a projection made of one or more aggregate
// calls combined with top-level +/- (e.g.
// "SUM(CAST(a AS INTEGER)) + SUM(CAST(b AS INTEGER))"). Each call is
// evaluated to a scalar over all rows, then the scalars are combined left
// to right as float64; the whole expression becomes a single result column
// labeled with the original projection text. A lone COUNT call yields the
// row count as an int.
func evalAggregateExpr(rows []Row, expr string) (*Result, error) {
	terms, ops := splitAggTerms(expr)
	if len(terms) == 1 {
		if fn, _, err := parseAggTerm(terms[0]); err == nil && fn == "COUNT" {
			return &Result{Columns: []string{expr}, Rows: []Row{{expr: len(rows)}}}, nil
		}
	}
	var total float64
	for i, term := range terms {
		fn, arg, err := parseAggTerm(term)
		if err != nil {
			return nil, err
		}
		v, err := evalAggTerm(rows, fn, arg)
		if err != nil {
			return nil, err
		}
		if ops[i] == "-" {
			total -= v
		} else {
			total += v
		}
	}
	return &Result{Columns: []string{expr}, Rows: []Row{{expr: total}}}, nil
}

// splitAggTerms splits expr on top-level + and - operators, respecting
// parenthesis nesting, and returns the terms alongside the operator that
// precedes each (the first is always "+").
func splitAggTerms(expr string) (terms []string, ops []string) {
	depth := 0
	start := 0
	ops = append(ops, "+")
	for i, r := range expr {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case '+', '-':
			if depth == 0 {
				terms = append(terms, strings.TrimSpace(expr[start:i]))
				ops = append(ops, string(r))
				start = i + 1
			}
		}
	}
	terms = append(terms, strings.TrimSpace(expr[start:]))
	return terms, ops
}

// parseAggTerm splits a single balanced aggregate call (e.g. "SUM(x)" or
// "COUNT(CAST(a AS INTEGER))") into its function name and argument by
// stripping the outer parentheses rather than matching them with a regex,
// which would need to choose between greedy and lazy across nested calls.
func parseAggTerm(term string) (fn, arg string, err error) {
	term = strings.TrimSpace(term)
	open := strings.IndexByte(term, '(')
	if open < 1 || !strings.HasSuffix(term, ")") {
		return "", "", fmt.Errorf("unsupported aggregate term: %s", term)
	}
	fn = strings.ToUpper(strings.TrimSpace(term[:open]))
	arg = strings.TrimSpace(term[open+1 : len(term)-1])
	return fn, arg, nil
}

// aggregateArgValue resolves a single aggregate call's argument for one
// row, applying a CAST if the argument is itself a CAST expression.
func aggregateArgValue(r Row, arg string) any {
	if cast := castRe.FindStringSubmatch(arg); cast != nil {
		return castValue(r[cast[1]], cast[2])
	}
	return r[arg]
}

func evalAggTerm(rows []Row, fn, arg string) (float64, error) {
	switch fn {
	case "COUNT":
		return float64(len(rows)), nil
	case "SUM":
		var total float64
		for _, r := range rows {
			if f, ok := toFloat(aggregateArgValue(r, arg)); ok {
				total += f
			}
		}
		return total, nil
	default:
		return 0, fmt.Errorf("unsupported aggregate %q", fn)
	}
}

func castValue(v any, typ string) any {
	switch strings.ToUpper(typ) {
	case "INT", "INTEGER", "BIGINT":
		f, _ := toFloat(v)
		return int64(f)
	case "FLOAT", "DOUBLE", "NUMERIC", "DECIMAL":
		f, _ := toFloat(v)
		return f
	case "STRING", "VARCHAR", "TEXT":
		return fmt.Sprintf("%v", v)
	default:
		return v
	}
}

// formatFromURL maps a URL's suffix to a reader format, matching the
// `read_<format>` dispatch a real engine's filesystem extension performs.
// This reference engine only parses text formats: parquet, like any other
// unrecognized suffix, maps to "", which RegisterTableFromURL reports as
// UNSUPPORTED_FORMAT.
func formatFromURL(rawURL string) string {
	clean := rawURL
	if i := strings.IndexAny(clean, "?#"); i >= 0 {
		clean = clean[:i]
	}
	switch {
	case strings.HasSuffix(clean, ".csv"):
		return "csv"
	case strings.HasSuffix(clean, ".json"), strings.HasSuffix(clean, ".ndjson"):
		return "json"
	default:
		return ""
	}
}

// parseBytesToRows dispatches to a format-specific parser. format is
// normalized the way formatFromURL and the cloud file service's detected
// schema format both name it ("csv", "json"); anything else fails with
// events.CodeUnsupportedFormat (spec.md §4.7 "unsupported suffixes fail
// with UNSUPPORTED_FORMAT").
func parseBytesToRows(data []byte, format string) ([]Row, error) {
	switch strings.ToLower(format) {
	case "csv":
		return parseCSVBytes(data)
	case "json", "ndjson":
		return parseJSONBytes(data)
	default:
		return nil, events.New(events.CodeUnsupportedFormat, events.SourceSQLEngine,
			fmt.Sprintf("no reader for format: %s", format))
	}
}

// parseCSVBytes reads a CSV buffer header-first, inferring each cell's
// scalar type the same way parseJSONBytes does for JSON values, so a
// column registered from either format compares consistently in WHERE
// clauses and aggregates.
func parseCSVBytes(data []byte) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, events.New(events.CodeQueryFailed, events.SourceSQLEngine,
			"parsing csv buffer", events.WithCause(err))
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = inferScalar(rec[i])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// inferScalar converts a raw CSV cell into a float64/bool/string the way
// encoding/json would have unmarshaled the same literal, so CSV- and
// JSON-sourced tables expose the same Go types to the query layer.
func inferScalar(raw string) any {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

// parseJSONBytes accepts either a top-level JSON array of objects or
// newline-delimited JSON objects (spec.md §4.7's "ndjson" variant of the
// JSON reader).
func parseJSONBytes(data []byte) ([]Row, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var raw []map[string]any
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, events.New(events.CodeQueryFailed, events.SourceSQLEngine,
				"parsing json array buffer", events.WithCause(err))
		}
		rows := make([]Row, len(raw))
		for i, m := range raw {
			rows[i] = Row(m)
		}
		return rows, nil
	}

	var rows []Row
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	for dec.More() {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, events.New(events.CodeQueryFailed, events.SourceSQLEngine,
				"parsing ndjson buffer", events.WithCause(err))
		}
		rows = append(rows, Row(m))
	}
	return rows, nil
}
