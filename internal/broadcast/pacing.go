package broadcast

import (
	"math/rand"
	"time"
)

// runWindow accumulates outcomes between pacing recomputes.
type runWindow struct {
	attempts      int
	failures      int
	timeouts      int
	consecSuccess int
}

func (w *runWindow) success() {
	w.attempts++
	w.consecSuccess++
}

func (w *runWindow) failure(timedOut bool) {
	w.attempts++
	w.failures++
	if timedOut {
		w.timeouts++
	}
	w.consecSuccess = 0
}

func (w *runWindow) reset() { *w = runWindow{} }

// recomputePacing applies the adaptive rules to p from the window stats
// and returns whether anything changed. Callers enforce the wall-time
// gate (AdjustEvery) before invoking it.
func recomputePacing(p *Pacing, cfg PacingConfig, w *runWindow, now time.Time) bool {
	if w.attempts == 0 {
		return false
	}

	ratio := float64(w.failures+w.timeouts) / float64(w.attempts)
	changed := false

	switch {
	case ratio >= 0.15 || w.timeouts > 0:
		// Degrading: shrink the batch, stretch the delays.
		if p.BatchSize > cfg.BatchMin {
			p.BatchSize--
			changed = true
		}
		if d := scaleDur(p.PerSendDelay, 1.25, cfg.PerSendDelayMax); d != p.PerSendDelay {
			p.PerSendDelay = d
			changed = true
		}
		if d := scaleDur(p.BatchDelay, 1.25, cfg.BatchDelayMax); d != p.BatchDelay {
			p.BatchDelay = d
			changed = true
		}
	case ratio == 0 && w.consecSuccess >= 5:
		// Healthy streak: grow the batch, relax the delays.
		if p.BatchSize < cfg.BatchMax {
			p.BatchSize++
			changed = true
		}
		if d := scaleDurDown(p.PerSendDelay, 0.8, cfg.PerSendDelayMin); d != p.PerSendDelay {
			p.PerSendDelay = d
			changed = true
		}
		if d := scaleDurDown(p.BatchDelay, 0.8, cfg.BatchDelayMin); d != p.BatchDelay {
			p.BatchDelay = d
			changed = true
		}
	}

	if changed {
		p.LastAdjusted = now
	}
	w.reset()
	return changed
}

func scaleDur(d time.Duration, factor float64, max time.Duration) time.Duration {
	n := time.Duration(float64(d) * factor)
	if n > max {
		n = max
	}
	return n
}

func scaleDurDown(d time.Duration, factor float64, min time.Duration) time.Duration {
	n := time.Duration(float64(d) * factor)
	if n < min {
		n = min
	}
	return n
}

// jitter spreads d by ±frac so many tenants never fall into lockstep.
func jitter(d time.Duration, frac float64) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

// nextBackoff doubles the throttle cooldown, starting at start and
// capped at max.
func nextBackoff(current, start, max time.Duration) time.Duration {
	if current < start {
		return start
	}
	next := current * 2
	if next > max {
		next = max
	}
	return next
}
