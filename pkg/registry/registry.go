// Package registry implements the dependency lifecycle registry (spec.md
// §4.1): deterministic, retry-aware loading of named async dependencies
// (the embedded SQL engine, the columnar runtime, the compute module) with
// readiness gates.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/wisbric/cloudquery/pkg/events"
)

// State is a dependency's lifecycle state (spec.md §3 "Dependency Record").
type State string

const (
	StateInitializing State = "initializing"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateError         State = "error"
	StateTimeout       State = "timeout"
)

// Loader loads a dependency's module. It is re-invoked on retry.
type Loader func(ctx context.Context) (any, error)

// Options configures a dependency's load behavior.
type Options struct {
	TimeoutMs  int64
	MaxRetries int
	RetryDelay time.Duration // base delay; default 1s, exponential capped at 10s
}

func (o Options) withDefaults() Options {
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = 10_000
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	return o
}

// Record is the snapshot of a dependency's lifecycle state (spec.md §3).
type Record struct {
	Name       string
	State      State
	StartedAt  time.Time
	EndedAt    *time.Time
	RetryCount int
	MaxRetries int
	TimeoutMs  int64
	LastErr    error
	Version    string
	Module     any
}

// Health summarizes the registry's overall state (spec.md §4.1).
type Health struct {
	Total       int
	Ready       int
	Loading     int
	Error       int
	Timeout     int
	HealthScore int // 0-100
}

type entry struct {
	mu     sync.Mutex
	record Record
	opts   Options
	loader Loader

	loadOnce  *loadCall // non-nil while a load is in flight
	readyCh   chan struct{}
	readyOnce sync.Once
}

// loadCall coalesces concurrent Load calls for the same dependency into a
// single in-flight attempt (spec.md §4.1 "at-most-one concurrent load per
// name; subsequent calls during a load return the in-flight result").
type loadCall struct {
	done chan struct{}
	mod  any
	err  error
}

// Registry is the process-wide dependency lifecycle registry.
type Registry struct {
	logger *slog.Logger
	bus    *events.Bus

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a Registry. The supplied bus receives lifecycle events.
func New(logger *slog.Logger, bus *events.Bus) *Registry {
	return &Registry{
		logger:  logger,
		bus:     bus,
		entries: make(map[string]*entry),
	}
}

// Register is idempotent: it returns the existing record if present,
// otherwise creates one in the `initializing` state.
func (r *Registry) Register(name string, opts Options) Record {
	e := r.getOrRegister(name, opts)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record
}

func (r *Registry) getOrRegister(name string, opts Options) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e
	}
	opts = opts.withDefaults()
	e := &entry{
		record: Record{
			Name:       name,
			State:      StateInitializing,
			MaxRetries: opts.MaxRetries,
			TimeoutMs:  opts.TimeoutMs,
		},
		opts:    opts,
		readyCh: make(chan struct{}),
	}
	r.entries[name] = e
	return e
}

// Load loads a named dependency. At most one load per name runs at a time;
// concurrent callers during a load share the in-flight result (spec.md
// §4.1).
func (r *Registry) Load(ctx context.Context, name string, loader Loader, opts Options) (any, error) {
	e := r.getOrRegister(name, opts)

	e.mu.Lock()
	if e.loadOnce != nil {
		call := e.loadOnce
		e.mu.Unlock()
		<-call.done
		return call.mod, call.err
	}
	call := &loadCall{done: make(chan struct{})}
	e.loadOnce = call
	e.loader = loader
	e.mu.Unlock()

	mod, err := r.runLoad(ctx, e, loader)

	e.mu.Lock()
	e.loadOnce = nil
	e.mu.Unlock()

	call.mod, call.err = mod, err
	close(call.done)
	return mod, err
}

func (r *Registry) runLoad(ctx context.Context, e *entry, loader Loader) (any, error) {
	e.mu.Lock()
	e.record.State = StateLoading
	e.record.StartedAt = time.Now()
	e.record.RetryCount = 0
	opts := e.opts
	e.mu.Unlock()

	attemptID := uuid.NewString()
	r.emit(events.Event{Kind: events.KindLoading, Dependency: e.record.Name})
	r.logger.Info("registry: loading dependency", "dependency", e.record.Name, "attempt", attemptID)

	deadline := time.Now().Add(time.Duration(opts.TimeoutMs) * time.Millisecond)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second

	for {
		mod, err := r.attempt(ctx, e, loader, deadline)
		if err == nil {
			r.markReady(e, mod)
			return mod, nil
		}

		if errors.Is(err, errDeadlineExceeded) {
			r.markTimeout(e, err)
			return nil, err
		}
		if isNonRetryable(err) {
			r.markError(e, err)
			return nil, err
		}

		e.mu.Lock()
		e.record.RetryCount++
		retryCount := e.record.RetryCount
		maxRetries := e.record.MaxRetries
		e.mu.Unlock()

		if retryCount >= maxRetries {
			final := events.New(events.CodeDependencyLoadError, events.SourceOrchestration,
				fmt.Sprintf("failed after %d attempts", retryCount),
				events.WithCause(err), events.WithDependency(e.record.Name), events.WithRetryCount(retryCount))
			r.markError(e, final)
			return nil, final
		}

		delay := bo.NextBackOff()
		r.emit(events.Event{Kind: events.KindRetry, Dependency: e.record.Name, RetryCount: retryCount, Err: err})
		r.logger.Warn("registry: load failed, retrying", "dependency", e.record.Name, "retry", retryCount, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.markError(e, ctx.Err())
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			to := events.New(events.CodeDependencyTimeout, events.SourceOrchestration,
				"timed out during retry backoff", events.WithDependency(e.record.Name))
			r.markTimeout(e, to)
			return nil, to
		}
	}
}

var errDeadlineExceeded = errors.New("registry: dependency load deadline exceeded")

// attempt races a single loader invocation against the overall deadline.
func (r *Registry) attempt(ctx context.Context, e *entry, loader Loader, deadline time.Time) (any, error) {
	attemptCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	resultCh := make(chan struct {
		mod any
		err error
	}, 1)
	go func() {
		mod, err := loader(attemptCtx)
		resultCh <- struct {
			mod any
			err error
		}{mod, err}
	}()

	select {
	case res := <-resultCh:
		return res.mod, res.err
	case <-attemptCtx.Done():
		return nil, errDeadlineExceeded
	}
}

var nonRetryableTokens = []string{"cors", "404", "webassembly", "sharedarraybuffer", "shared-array-buffer"}

// isNonRetryable implements spec.md §4.1's "Non-retryable conditions":
// CORS, HTTP 404, or missing-browser-capability errors never retry
// regardless of remaining retry budget.
func isNonRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, tok := range nonRetryableTokens {
		if strings.Contains(msg, tok) {
			return true
		}
	}
	return false
}

func (r *Registry) markReady(e *entry, mod any) {
	version := extractVersion(mod)
	e.mu.Lock()
	now := time.Now()
	e.record.State = StateReady
	e.record.Module = mod
	e.record.Version = version
	e.record.EndedAt = &now
	e.record.LastErr = nil
	e.mu.Unlock()
	e.readyOnce.Do(func() { close(e.readyCh) })
	r.emit(events.Event{Kind: events.KindReady, Dependency: e.record.Name})
	r.logger.Info("registry: dependency ready", "dependency", e.record.Name, "version", version)
}

func (r *Registry) markError(e *entry, err error) {
	e.mu.Lock()
	now := time.Now()
	e.record.State = StateError
	e.record.LastErr = err
	e.record.EndedAt = &now
	e.mu.Unlock()
	r.emit(events.Event{Kind: events.KindError, Dependency: e.record.Name, Err: err})
	r.logger.Error("registry: dependency load error", "dependency", e.record.Name, "error", err)
}

func (r *Registry) markTimeout(e *entry, err error) {
	e.mu.Lock()
	now := time.Now()
	e.record.State = StateTimeout
	e.record.LastErr = err
	e.record.EndedAt = &now
	e.mu.Unlock()
	r.emit(events.Event{Kind: events.KindTimeout, Dependency: e.record.Name, Err: err})
	r.logger.Error("registry: dependency load timeout", "dependency", e.record.Name)
}

func (r *Registry) emit(evt events.Event) {
	if r.bus != nil {
		r.bus.Emit(evt)
	}
}

// knownVersionFields are probed in order on the loaded module (spec.md
// §4.1 "extract version (probe known property names)").
var knownVersionFields = []string{"Version", "VERSION"}

func extractVersion(mod any) string {
	if mod == nil {
		return ""
	}
	v := reflect.ValueOf(mod)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct {
		for _, name := range knownVersionFields {
			f := v.FieldByName(name)
			if f.IsValid() && f.Kind() == reflect.String {
				return f.String()
			}
		}
	}
	rv := reflect.ValueOf(mod)
	m := rv.MethodByName("GetVersion")
	if m.IsValid() && m.Type().NumIn() == 0 && m.Type().NumOut() == 1 {
		out := m.Call(nil)
		if s, ok := out[0].Interface().(string); ok {
			return s
		}
	}
	return ""
}

// WaitFor blocks until the dependency is ready or the timeout elapses.
func (r *Registry) WaitFor(ctx context.Context, name string, timeout time.Duration) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, events.New(events.CodeDependencyLoadError, events.SourceOrchestration,
			fmt.Sprintf("dependency %q is not registered", name), events.WithDependency(name))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.readyCh:
		e.mu.Lock()
		mod, errLast, state := e.record.Module, e.record.LastErr, e.record.State
		e.mu.Unlock()
		if state != StateReady {
			return nil, errLast
		}
		return mod, nil
	case <-timer.C:
		return nil, events.New(events.CodeDependencyTimeout, events.SourceOrchestration,
			fmt.Sprintf("timed out waiting for %q", name), events.WithDependency(name))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForAll awaits the named dependencies (or all registered ones when
// names is empty) in parallel.
func (r *Registry) WaitForAll(ctx context.Context, names []string, timeout time.Duration) error {
	if len(names) == 0 {
		r.mu.RLock()
		for n := range r.entries {
			names = append(names, n)
		}
		r.mu.RUnlock()
	}

	errCh := make(chan error, len(names))
	for _, n := range names {
		n := n
		go func() {
			_, err := r.WaitFor(ctx, n, timeout)
			errCh <- err
		}()
	}

	var firstErr error
	for range names {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// State returns the current state of a dependency.
func (r *Registry) State(name string) (State, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.State, true
}

// IsReady reports whether a dependency's module reference is non-nil
// (spec.md §3 invariant: "A dependency is in ready iff its module
// reference is non-null").
func (r *Registry) IsReady(name string) bool {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.State == StateReady && e.record.Module != nil
}

// Module returns the loaded module for a ready dependency, if any.
func (r *Registry) Module(name string) any {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.record.State != StateReady {
		return nil
	}
	return e.record.Module
}

// Record returns a snapshot of a dependency's record.
func (r *Registry) Record(name string) (Record, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, true
}

// Health summarizes the registry (spec.md §4.1).
func (r *Registry) Health() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var h Health
	h.Total = len(r.entries)
	for _, e := range r.entries {
		e.mu.Lock()
		switch e.record.State {
		case StateReady:
			h.Ready++
		case StateLoading, StateInitializing:
			h.Loading++
		case StateError:
			h.Error++
		case StateTimeout:
			h.Timeout++
		}
		e.mu.Unlock()
	}
	if h.Total > 0 {
		h.HealthScore = (h.Ready * 100) / h.Total
	}
	return h
}

// Reset clears all registry state (used on engine teardown, spec.md §4.8
// `close()`: "clear the dependency registry").
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*entry)
}
