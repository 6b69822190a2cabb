package events

import (
	"context"
	"log/slog"
	"sync"
)

// Kind is a dependency lifecycle transition (spec.md §4.1).
type Kind string

const (
	KindLoading Kind = "loading"
	KindReady   Kind = "ready"
	KindError   Kind = "error"
	KindTimeout Kind = "timeout"
	KindRetry   Kind = "retry"
)

// Event is a single dependency lifecycle transition.
type Event struct {
	Kind       Kind
	Dependency string
	RetryCount int
	Progress   int // 0-100, optional
	Err        error
}

const busBufferSize = 256

// Bus is a buffered, non-blocking in-process event bus. It never blocks the
// emitting goroutine: when the buffer is full the new event is dropped and
// a warning logged, the same trade-off
// internal/audit.Writer.Log makes for audit entries.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]chan Event // per-dependency named projections, spec.md §4.1
	all  []chan Event

	entries chan Event
	wg      sync.WaitGroup
	once    sync.Once
}

// NewBus creates an event bus. Call Start to begin dispatching.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:  logger,
		subs:    make(map[string][]chan Event),
		entries: make(chan Event, busBufferSize),
	}
}

// Start begins the background dispatch loop and returns at once. The loop
// stops when Close is called or ctx is cancelled, after dispatching the
// events already buffered.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(ctx)
	}()
}

// Close stops accepting new events and waits for the dispatch loop to drain.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.entries) })
	b.wg.Wait()
}

// Emit publishes an event without blocking the caller. If the internal
// buffer is full the event is dropped and a warning is logged.
func (b *Bus) Emit(evt Event) {
	select {
	case b.entries <- evt:
	default:
		b.logger.Warn("events: buffer full, dropping event",
			"kind", evt.Kind, "dependency", evt.Dependency)
	}
}

// Subscribe returns a channel of events for every dependency (name == "")
// or for a single named dependency (spec.md §4.1 "named projections exist
// for specific dependencies"). The returned channel is closed when the
// dispatch loop stops (on Close, or when the ctx given to Start is
// cancelled).
func (b *Bus) Subscribe(dependency string) <-chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	defer b.mu.Unlock()
	if dependency == "" {
		b.all = append(b.all, ch)
	} else {
		b.subs[dependency] = append(b.subs[dependency], ch)
	}
	return ch
}

func (b *Bus) run(ctx context.Context) {
	for {
		select {
		case evt, ok := <-b.entries:
			if !ok {
				b.closeAll()
				return
			}
			b.dispatch(evt)
		case <-ctx.Done():
			b.drainAndClose()
			return
		}
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.all {
		nonBlockingSend(ch, evt)
	}
	for _, ch := range b.subs[evt.Dependency] {
		nonBlockingSend(ch, evt)
	}
}

func nonBlockingSend(ch chan Event, evt Event) {
	select {
	case ch <- evt:
	default:
	}
}

func (b *Bus) drainAndClose() {
	for {
		select {
		case evt, ok := <-b.entries:
			if !ok {
				b.closeAll()
				return
			}
			b.dispatch(evt)
		default:
			b.closeAll()
			return
		}
	}
}

func (b *Bus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.all {
		close(ch)
	}
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
}
