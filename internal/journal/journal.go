// Package journal fans harness events out to optional sinks: the Redis
// event bus, the Postgres audit log, WebSocket clients and operator
// notifications. Recording never affects protocol responses.
package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mannyc2/solclash/internal/domain"
)

// Recorder receives harness events.
type Recorder interface {
	RecordSession(ctx context.Context, ev domain.SessionEvent) error
	RecordEval(ctx context.Context, ev domain.EvalEvent) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) RecordSession(context.Context, domain.SessionEvent) error { return nil }
func (Nop) RecordEval(context.Context, domain.EvalEvent) error       { return nil }

// Multi forwards each event to every recorder. Recorder errors are logged
// and swallowed.
type Multi struct {
	recorders []Recorder
	logger    *slog.Logger
}

// NewMulti returns a Multi over the non-nil recorders.
func NewMulti(logger *slog.Logger, recorders ...Recorder) *Multi {
	m := &Multi{logger: logger.With(slog.String("component", "journal"))}
	for _, r := range recorders {
		if r != nil {
			m.recorders = append(m.recorders, r)
		}
	}
	return m
}

// Len returns the number of attached recorders.
func (m *Multi) Len() int { return len(m.recorders) }

func (m *Multi) RecordSession(ctx context.Context, ev domain.SessionEvent) error {
	for _, r := range m.recorders {
		if err := r.RecordSession(ctx, ev); err != nil {
			m.logger.Warn("session event not recorded",
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (m *Multi) RecordEval(ctx context.Context, ev domain.EvalEvent) error {
	for _, r := range m.recorders {
		if err := r.RecordEval(ctx, ev); err != nil {
			m.logger.Warn("eval event not recorded",
				slog.String("agent_id", ev.AgentID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// drainTimeout bounds how long Run keeps writing queued events after its
// context is done.
const drainTimeout = 5 * time.Second

// Async decouples recording from the caller. Events are queued and written
// by Run; when the queue is full new events are dropped and counted.
type Async struct {
	next         Recorder
	queue        chan func(context.Context)
	logger       *slog.Logger
	drainTimeout time.Duration
	mu           sync.Mutex
	dropped      uint64
	closed       bool
}

// NewAsync returns an Async with room for size pending events.
func NewAsync(next Recorder, size int, logger *slog.Logger) *Async {
	if size <= 0 {
		size = 1024
	}
	return &Async{
		next:         next,
		queue:        make(chan func(context.Context), size),
		logger:       logger.With(slog.String("component", "journal")),
		drainTimeout: drainTimeout,
	}
}

func (a *Async) RecordSession(_ context.Context, ev domain.SessionEvent) error {
	a.enqueue(func(ctx context.Context) { _ = a.next.RecordSession(ctx, ev) })
	return nil
}

func (a *Async) RecordEval(_ context.Context, ev domain.EvalEvent) error {
	a.enqueue(func(ctx context.Context) { _ = a.next.RecordEval(ctx, ev) })
	return nil
}

func (a *Async) enqueue(fn func(context.Context)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.dropped++
		return
	}
	select {
	case a.queue <- fn:
	default:
		a.dropped++
	}
}

// Dropped returns how many events were discarded.
func (a *Async) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Run writes queued events until ctx is done, then drains what is left under
// a fresh deadline so the final events still land. Events still queued when
// the deadline passes are dropped.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case fn := <-a.queue:
			fn(ctx)
		case <-ctx.Done():
			a.drain()
			return nil
		}
	}
}

func (a *Async) drain() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.drainTimeout)
	defer cancel()

	var expired uint64
	for done := false; !done; {
		select {
		case fn := <-a.queue:
			if ctx.Err() != nil {
				expired++
				continue
			}
			fn(ctx)
		default:
			done = true
		}
	}

	a.mu.Lock()
	a.dropped += expired
	dropped := a.dropped
	a.mu.Unlock()
	if dropped > 0 {
		a.logger.Warn("journal dropped events", slog.Uint64("count", dropped))
	}
}
