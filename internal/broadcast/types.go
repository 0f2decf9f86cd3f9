package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"groupcast/internal/transport"
)

type Config struct {
	RatePerSec        int           // global send-rate ceiling, 0 = 5/s
	RetryMax          int           // per-destination retries, 0 = 3
	SendTimeout       time.Duration // per-send hard timeout, 0 = 20s
	SkipAfterFailures int           // failed runs before permanent skip, 0 = 2
	ReportSkipCap     int           // max skipped names in the final notice, 0 = 15

	ThrottleStart time.Duration // first throttle cooldown, 0 = 1m
	ThrottleCap   time.Duration // cooldown ceiling, 0 = 10m

	Pacing PacingConfig
}

// PacingConfig bounds the adaptive controller.
type PacingConfig struct {
	BatchStart int
	BatchMin   int
	BatchMax   int

	PerSendDelayStart time.Duration
	PerSendDelayMin   time.Duration
	PerSendDelayMax   time.Duration

	BatchDelayStart time.Duration
	BatchDelayMin   time.Duration
	BatchDelayMax   time.Duration

	AdjustEvery time.Duration // min wall time between recomputes, 0 = 10s
}

func (p PacingConfig) withDefaults() PacingConfig {
	if p.BatchStart <= 0 {
		p.BatchStart = 5
	}
	if p.BatchMin <= 0 {
		p.BatchMin = 2
	}
	if p.BatchMax <= 0 {
		p.BatchMax = 15
	}
	if p.PerSendDelayStart <= 0 {
		p.PerSendDelayStart = 2 * time.Second
	}
	if p.PerSendDelayMin <= 0 {
		p.PerSendDelayMin = 800 * time.Millisecond
	}
	if p.PerSendDelayMax <= 0 {
		p.PerSendDelayMax = 8 * time.Second
	}
	if p.BatchDelayStart <= 0 {
		p.BatchDelayStart = 10 * time.Second
	}
	if p.BatchDelayMin <= 0 {
		p.BatchDelayMin = 4 * time.Second
	}
	if p.BatchDelayMax <= 0 {
		p.BatchDelayMax = 60 * time.Second
	}
	if p.AdjustEvery <= 0 {
		p.AdjustEvery = 10 * time.Second
	}
	return p
}

// Pacing is the live throughput state of one tenant. It survives across
// runs so a tenant that hit throttling starts the next run conservative.
type Pacing struct {
	BatchSize    int
	PerSendDelay time.Duration
	BatchDelay   time.Duration
	LastAdjusted time.Time
}

// State is the per-tenant broadcast state: pacing, throttle cooldown and
// the cooperative cancel flag. One tenant's event sequence is the only
// writer of Pacing; the cancel flag may be set from the dialog goroutine
// while a run reads it, hence the atomics.
type State struct {
	mu     sync.Mutex
	pacing Pacing
	inited bool

	backoffMs atomic.Int64
	cancel    atomic.Bool
	running   atomic.Bool
}

// PacingSnapshot returns the current pacing, seeding it from cfg on
// first use.
func (st *State) PacingSnapshot(cfg PacingConfig) Pacing {
	cfg = cfg.withDefaults()
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.inited {
		st.pacing = Pacing{
			BatchSize:    cfg.BatchStart,
			PerSendDelay: cfg.PerSendDelayStart,
			BatchDelay:   cfg.BatchDelayStart,
		}
		st.inited = true
	}
	return st.pacing
}

func (st *State) setPacing(p Pacing) {
	st.mu.Lock()
	st.pacing = p
	st.inited = true
	st.mu.Unlock()
}

// RequestCancel flags the in-flight run to stop at the next batch or
// per-item boundary. Callers must only set it while a run is active, or
// about to start; the flag is cleared when the run ends.
func (st *State) RequestCancel()        { st.cancel.Store(true) }
func (st *State) CancelRequested() bool { return st.cancel.Load() }
func (st *State) clearCancel()          { st.cancel.Store(false) }

// Running reports whether a run is active for this tenant.
func (st *State) Running() bool { return st.running.Load() }

// BackoffMs exposes the current throttle cooldown (0 when none).
func (st *State) BackoffMs() int64 { return st.backoffMs.Load() }

// Request describes one broadcast run.
type Request struct {
	Owner        string // controlling conversation id, receives progress
	Destinations []string
	Payload      transport.Payload

	// CachedMembers is the directory-derived membership set. When empty
	// the run fetches membership live; if that also fails the set stays
	// empty and destinations are skipped unless OverrideMembership.
	CachedMembers      []string
	OverrideMembership bool

	// NameOf resolves a destination id to its display name for progress
	// messages. Nil falls back to the raw id.
	NameOf func(id string) string

	// Notify delivers a progress message to the owner. Nil disables
	// progress reporting.
	Notify func(ctx context.Context, text string)
}

// Report is the terminal tally of a run.
type Report struct {
	Sent    int
	Failed  int // destinations that exhausted their failure budget
	Skipped int // preflight skips + permanently failed
	Names   struct {
		Skipped []string // display-capped
	}
	Cancelled bool
}

// RunStatus is the queryable in-memory record of a run.
type RunStatus struct {
	ID        string
	Owner     string
	Total     int
	Sent      int
	Failed    int
	Skipped   int
	Running   bool
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
}
