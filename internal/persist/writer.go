package persist

import (
	"sync"
	"time"
)

// Writer coalesces mutation notifications per key into a single delayed
// flush. Callers Mark(key) synchronously on every mutation; the flush
// function runs once per key after the debounce window, no matter how
// many marks arrived inside it.
type Writer struct {
	debounce time.Duration
	flush    func(key string)

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewWriter builds a coalescing writer. A non-positive debounce falls
// back to 1.5s.
func NewWriter(debounce time.Duration, flush func(key string)) *Writer {
	if debounce <= 0 {
		debounce = 1500 * time.Millisecond
	}
	return &Writer{
		debounce: debounce,
		flush:    flush,
		pending:  map[string]*time.Timer{},
	}
}

// Mark schedules a flush for key. A mark while one is already pending
// for the same key is absorbed into the scheduled flush.
func (w *Writer) Mark(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, scheduled := w.pending[key]; scheduled {
		return
	}
	w.pending[key] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, key)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.flush(key)
		}
	})
}

// Close cancels pending timers and flushes their keys synchronously so
// a clean shutdown never loses the last edits.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	keys := make([]string, 0, len(w.pending))
	for key, t := range w.pending {
		t.Stop()
		keys = append(keys, key)
	}
	w.pending = map[string]*time.Timer{}
	w.mu.Unlock()

	for _, key := range keys {
		w.flush(key)
	}
}
