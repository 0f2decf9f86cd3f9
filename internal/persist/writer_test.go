package persist

import (
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *flushRecorder) flush(key string) {
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.mu.Unlock()
}

func (r *flushRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWriterCoalescesMarks(t *testing.T) {
	t.Parallel()

	rec := &flushRecorder{}
	w := NewWriter(50*time.Millisecond, rec.flush)
	defer w.Close()

	for i := 0; i < 20; i++ {
		w.Mark("tenant-a")
	}

	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) >= 1 })
	time.Sleep(100 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 1 || got[0] != "tenant-a" {
		t.Fatalf("flushes = %v, want exactly one", got)
	}
}

func TestWriterFlushesPerKey(t *testing.T) {
	t.Parallel()

	rec := &flushRecorder{}
	w := NewWriter(20*time.Millisecond, rec.flush)
	defer w.Close()

	w.Mark("a")
	w.Mark("b")
	w.Mark("a")

	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) >= 2 })
	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("flushes = %v, want one per key", got)
	}
	seen := map[string]bool{}
	for _, k := range got {
		seen[k] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("flushes = %v, want a and b", got)
	}
}

func TestWriterMarkAfterFlushSchedulesAgain(t *testing.T) {
	t.Parallel()

	rec := &flushRecorder{}
	w := NewWriter(20*time.Millisecond, rec.flush)
	defer w.Close()

	w.Mark("a")
	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 })
	w.Mark("a")
	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 2 })
}

func TestWriterCloseFlushesPending(t *testing.T) {
	t.Parallel()

	rec := &flushRecorder{}
	w := NewWriter(time.Hour, rec.flush)

	w.Mark("a")
	w.Mark("b")
	w.Close()

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("Close flushed %v, want both pending keys", got)
	}

	// Marks after Close are ignored.
	w.Mark("c")
	time.Sleep(20 * time.Millisecond)
	if len(rec.snapshot()) != 2 {
		t.Fatalf("mark after Close flushed: %v", rec.snapshot())
	}

	w.Close() // idempotent
}
