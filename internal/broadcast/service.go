package broadcast

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"groupcast/internal/eventbus"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

const (
	// Keep run status memory bounded: runs can be frequent and keeping
	// every status forever steadily retains memory.
	statusMax = 200
	statusTTL = 24 * time.Hour
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	tr      transport.Transport
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	statusMu sync.RWMutex
	status   map[string]*RunStatus
}

func New(cfg Config, tr transport.Transport, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	return &Service{
		cfg:     cfg,
		tr:      tr,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		status:  map[string]*RunStatus{},
	}
}

// Apply swaps the config; future runs pick it up, an in-flight run keeps
// the snapshot it started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.SkipAfterFailures <= 0 {
		cfg.SkipAfterFailures = 2
	}
	if cfg.ReportSkipCap <= 0 {
		cfg.ReportSkipCap = 15
	}
	if cfg.ThrottleStart <= 0 {
		cfg.ThrottleStart = time.Minute
	}
	if cfg.ThrottleCap <= 0 {
		cfg.ThrottleCap = 10 * time.Minute
	}
	cfg.Pacing = cfg.Pacing.withDefaults()
	return cfg, s.limiter
}

// Status returns a copy of one run's record.
func (s *Service) Status(runID string) (RunStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[runID]
	if !ok || st == nil {
		return RunStatus{}, false
	}
	return *st, true
}

func (s *Service) newStatus(runID, owner string, total int, now time.Time) {
	s.pruneStatus(now)
	s.statusMu.Lock()
	s.status[runID] = &RunStatus{ID: runID, Owner: owner, Total: total, CreatedAt: now}
	s.statusMu.Unlock()
}

func (s *Service) updateStatus(runID string, fn func(*RunStatus)) {
	s.statusMu.Lock()
	if st := s.status[runID]; st != nil {
		fn(st)
	}
	s.statusMu.Unlock()
}

func (s *Service) pruneStatus(now time.Time) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if len(s.status) == 0 {
		return
	}

	// 1) Drop completed runs older than TTL.
	for id, st := range s.status {
		if st == nil {
			delete(s.status, id)
			continue
		}
		reference := st.DoneAt
		if reference.IsZero() {
			reference = st.CreatedAt
		}
		if !reference.IsZero() && now.Sub(reference) > statusTTL {
			delete(s.status, id)
		}
	}

	if len(s.status) <= statusMax {
		return
	}

	// 2) Still too big: drop oldest non-running first.
	type kv struct {
		id string
		t  time.Time
	}
	items := make([]kv, 0, len(s.status))
	for id, st := range s.status {
		if st == nil || st.Running {
			continue
		}
		t := st.DoneAt
		if t.IsZero() {
			t = st.CreatedAt
		}
		items = append(items, kv{id: id, t: t})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].t.Before(items[j].t) })

	excess := len(s.status) - statusMax
	for i := 0; i < excess && i < len(items); i++ {
		delete(s.status, items[i].id)
	}
}
