// ABOUTME: In-process event bus with typed hooks, a wildcard kind, and async fan-out
// ABOUTME: Each hook drains its own FIFO queue; a shared semaphore bounds concurrency

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/2389/yoda/internal/events"
)

// DefaultWorkers is the hook concurrency used when Options.Workers is unset.
const DefaultWorkers = 5

// ErrInvalidEvent is returned by Push for an event not built by events.New.
var ErrInvalidEvent = errors.New("invalid event")

// ErrDuplicateHook is returned when a hook id is already registered for a kind.
var ErrDuplicateHook = errors.New("hook already registered")

// ErrHookNotFound is returned when removing a hook that is not registered.
var ErrHookNotFound = errors.New("hook not found")

// Hook is invoked once per matching event. Return values are not inspected,
// and a panicking hook only affects its own invocation.
type Hook func(events.Event)

// HookID identifies a hook registration within its kind.
type HookID string

// Options configures a Bus.
type Options struct {
	// Workers bounds how many hook invocations run at once.
	Workers int
	// HistorySize bounds the history buffer. Zero keeps every event.
	HistorySize int
}

// Bus is an in-memory publish/subscribe hub.
type Bus struct {
	mu     sync.RWMutex
	hooks  map[events.Kind]map[HookID]*hookQueue
	closed bool

	history *history
	sem     *semaphore.Weighted

	// inflight counts drain goroutines; Close waits on it.
	inflight sync.WaitGroup

	logger *slog.Logger
}

// New creates a bus. Pass nil logger for default.
func New(opts Options, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Bus{
		hooks:   make(map[events.Kind]map[HookID]*hookQueue),
		history: newHistory(opts.HistorySize),
		sem:     semaphore.NewWeighted(int64(workers)),
		logger:  logger.With("component", "bus"),
	}
}

// Push records ev in the history and schedules every hook registered for its
// kind, plus every wildcard hook. It never waits for hooks to run.
// After Close the event is still recorded but not dispatched.
func (b *Bus) Push(ev events.Event) error {
	if ev.IsZero() || !ev.Kind().Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, ev)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	b.history.append(ev)

	if b.closed {
		b.logger.Debug("bus closed, event recorded without dispatch",
			"kind", ev.Kind(),
			"message", ev.Message())
		return nil
	}

	for _, q := range b.hooks[ev.Kind()] {
		b.enqueue(q, ev)
	}
	for _, q := range b.hooks[events.KindAll] {
		b.enqueue(q, ev)
	}
	return nil
}

// AddHook registers hook for kind under a freshly issued id.
func (b *Bus) AddHook(kind events.Kind, hook Hook) (HookID, error) {
	id := HookID(uuid.NewString())
	if err := b.AddHookWithID(kind, id, hook); err != nil {
		return "", err
	}
	return id, nil
}

// AddHookWithID registers hook for kind under a caller-chosen id.
// Returns ErrDuplicateHook if id is taken for that kind.
func (b *Bus) AddHookWithID(kind events.Kind, id HookID, hook Hook) error {
	if !kind.ValidForHook() {
		return fmt.Errorf("%w: %q", events.ErrInvalidKind, kind)
	}
	if hook == nil {
		return errors.New("hook is nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	byID, ok := b.hooks[kind]
	if !ok {
		byID = make(map[HookID]*hookQueue)
		b.hooks[kind] = byID
	}
	if _, exists := byID[id]; exists {
		return fmt.Errorf("%w: kind %q id %q", ErrDuplicateHook, kind, id)
	}
	byID[id] = &hookQueue{id: id, kind: kind, fn: hook}

	b.logger.Debug("hook added", "kind", kind, "hook_id", id)
	return nil
}

// RemoveHook unregisters a hook. Invocations still queued for it are dropped.
func (b *Bus) RemoveHook(kind events.Kind, id HookID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	byID := b.hooks[kind]
	q, ok := byID[id]
	if !ok {
		return fmt.Errorf("%w: kind %q id %q", ErrHookNotFound, kind, id)
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(b.hooks, kind)
	}
	q.remove()

	b.logger.Debug("hook removed", "kind", kind, "hook_id", id)
	return nil
}

// HookCount returns the number of registered hooks across all kinds.
func (b *Bus) HookCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, byID := range b.hooks {
		count += len(byID)
	}
	return count
}

// History returns a copy of the recorded events, oldest first.
func (b *Bus) History() []events.Event {
	return b.history.snapshot()
}

// HistoryByKind returns the recorded events of one kind, oldest first.
// KindAll returns everything.
func (b *Bus) HistoryByKind(kind events.Kind) []events.Event {
	all := b.history.snapshot()
	if kind == events.KindAll {
		return all
	}
	out := make([]events.Event, 0, len(all))
	for _, ev := range all {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}
	return out
}

// Close stops dispatching and waits for in-flight hook invocations to finish,
// or for ctx to end. Safe to call more than once.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	already := b.closed
	b.closed = true
	b.mu.Unlock()

	if !already {
		b.logger.Debug("bus closing")
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for hooks: %w", ctx.Err())
	}
}

// enqueue appends ev to q and starts a drain goroutine if none is running.
// Caller holds b.mu (read), which orders inflight.Add before Close's Wait.
func (b *Bus) enqueue(q *hookQueue, ev events.Event) {
	if !q.push(ev) {
		return
	}
	b.inflight.Add(1)
	go b.drain(q)
}

func (b *Bus) drain(q *hookQueue) {
	defer b.inflight.Done()

	for {
		ev, ok := q.next()
		if !ok {
			return
		}
		b.invoke(q, ev)
	}
}

func (b *Bus) invoke(q *hookQueue, ev events.Event) {
	// Acquire only fails on context cancellation.
	_ = b.sem.Acquire(context.Background(), 1)
	defer b.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("hook panicked",
				"kind", q.kind,
				"hook_id", q.id,
				"event_kind", ev.Kind(),
				"event_message", ev.Message(),
				"panic", r)
		}
	}()

	q.fn(ev)
}

// hookQueue holds pending events for one hook. At most one goroutine drains
// it at a time, so the hook sees events in publish order.
type hookQueue struct {
	id   HookID
	kind events.Kind
	fn   Hook

	mu       sync.Mutex
	pending  []events.Event
	draining bool
	removed  bool
}

// push queues ev and reports whether the caller must start a drainer.
func (q *hookQueue) push(ev events.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.removed {
		return false
	}
	q.pending = append(q.pending, ev)
	if q.draining {
		return false
	}
	q.draining = true
	return true
}

// next pops the oldest pending event, or ends the drain when none is left.
func (q *hookQueue) next() (events.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.removed || len(q.pending) == 0 {
		q.pending = nil
		q.draining = false
		return events.Event{}, false
	}
	ev := q.pending[0]
	q.pending[0] = events.Event{}
	q.pending = q.pending[1:]
	return ev, true
}

func (q *hookQueue) remove() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removed = true
	q.pending = nil
}
