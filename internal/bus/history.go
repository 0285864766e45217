// ABOUTME: Append-only event history with optional size bound
// ABOUTME: Oldest events are evicted first; Dump writes one event per line

package bus

import (
	"bufio"
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/2389/yoda/internal/events"
)

// DefaultDumpPath is where the coordinator writes history on shutdown.
const DefaultDumpPath = "temp/AppEventStream_history.log"

// history keeps events in insertion order (oldest at front).
type history struct {
	mu      sync.RWMutex
	order   *list.List
	maxSize int
}

func newHistory(maxSize int) *history {
	return &history{
		order:   list.New(),
		maxSize: maxSize,
	}
}

func (h *history) append(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.order.PushBack(ev)
	if h.maxSize > 0 {
		for h.order.Len() > h.maxSize {
			h.order.Remove(h.order.Front())
		}
	}
}

func (h *history) snapshot() []events.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]events.Event, 0, h.order.Len())
	for e := h.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(events.Event))
	}
	return out
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.order.Len()
}

// Len returns the number of events currently held in history.
func (b *Bus) Len() int {
	return b.history.len()
}

// Dump writes the history to path, one event per line, replacing any existing
// file. Parent directories are created as needed.
func (b *Bus) Dump(path string) error {
	if path == "" {
		path = DefaultDumpPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating dump directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating dump file: %w", err)
	}

	w := bufio.NewWriter(f)
	for _, ev := range b.history.snapshot() {
		if _, err := w.WriteString(ev.String() + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("writing dump: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing dump: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing dump file: %w", err)
	}

	b.logger.Info("event history dumped", "path", path, "events", b.history.len())
	return nil
}
