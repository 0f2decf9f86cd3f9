package broadcast

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"groupcast/internal/eventbus"
	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

// ErrRunActive rejects a second concurrent run for the same tenant.
var ErrRunActive = errors.New("broadcast already running for this tenant")

// Run fans req.Payload out to req.Destinations and returns the terminal
// report. It blocks for the whole run; callers wanting progress get it
// through req.Notify and the event bus. The only error cases are a lost
// transport connection (ErrConnectionLost) and context cancellation —
// per-destination failures accumulate into the report instead.
func (s *Service) Run(ctx context.Context, st *State, req Request) (Report, error) {
	if !st.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunActive
	}
	defer st.running.Store(false)
	defer st.clearCancel()
	defer st.backoffMs.Store(0)

	cfg, lim := s.snapshot()
	runID := uuid.NewString()
	log := s.log.With(logx.String("run", runID), logx.String("owner", req.Owner))

	now := time.Now()
	s.newStatus(runID, req.Owner, len(req.Destinations), now)
	s.updateStatus(runID, func(rs *RunStatus) { rs.Running = true; rs.StartedAt = now })
	s.publish(eventbus.Event{Type: eventbus.RunStarted, Owner: req.Owner, RunID: runID})
	log.Info("run started", logx.Int("destinations", len(req.Destinations)))

	if req.Payload.Kind == transport.PayloadImage && req.Payload.Image != "" {
		defer os.Remove(req.Payload.Image)
	}

	members := s.membershipSet(ctx, req, log)
	pacing := st.PacingSnapshot(cfg.Pacing)
	window := &runWindow{}

	var (
		rep           Report
		failedNames   []string
		failCount     = map[string]int{}
		pending       = append([]string(nil), req.Destinations...)
		totalAttempts int
		totalTimeouts int
		backoff       time.Duration
	)

	nameOf := req.NameOf
	if nameOf == nil {
		nameOf = func(id string) string { return id }
	}

	finish := func() (Report, error) {
		rep.Names.Skipped = capNames(failedNames, cfg.ReportSkipCap)
		done := time.Now()
		s.updateStatus(runID, func(rs *RunStatus) {
			rs.Running = false
			rs.DoneAt = done
			rs.Sent, rs.Failed, rs.Skipped = rep.Sent, rep.Failed, rep.Skipped
		})
		s.publish(eventbus.Event{
			Type: eventbus.RunFinished, Owner: req.Owner, RunID: runID,
			Sent: rep.Sent, Failed: rep.Failed, Skipped: rep.Skipped,
		})
		log.Info("run finished",
			logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed),
			logx.Int("skipped", rep.Skipped), logx.Bool("cancelled", rep.Cancelled))
		return rep, nil
	}

	abort := func(err error) (Report, error) {
		s.updateStatus(runID, func(rs *RunStatus) { rs.Running = false; rs.DoneAt = time.Now() })
		s.publish(eventbus.Event{Type: eventbus.RunAborted, Owner: req.Owner, RunID: runID})
		log.Error("run aborted", logx.Err(err))
		return rep, err
	}

	for len(pending) > 0 {
		if st.CancelRequested() || ctx.Err() != nil {
			rep.Cancelled = true
			break
		}

		s.maybeBackpressure(ctx, log)

		n := pacing.BatchSize
		if n > len(pending) {
			n = len(pending)
		}
		batch := pending[:n]
		pending = pending[n:]

		var sentNames []string
		batchFailures := 0
		cancelled := false

		for _, dest := range batch {
			if st.CancelRequested() || ctx.Err() != nil {
				cancelled = true
				break
			}

			if _, member := members[dest]; !member && !req.OverrideMembership {
				rep.Skipped++
				s.updateStatus(runID, func(rs *RunStatus) { rs.Skipped++ })
				log.Debug("destination not verified as member, skipping", logx.String("dest", dest))
				continue
			}

			out, err := s.sendOne(ctx, cfg, lim, dest, req.Payload, log)
			if err != nil {
				if errors.Is(err, ErrConnectionLost) {
					return abort(err)
				}
				rep.Cancelled = true
				cancelled = true
				break
			}
			totalAttempts++

			switch {
			case out.ok:
				rep.Sent++
				window.success()
				sentNames = append(sentNames, nameOf(dest))
				s.updateStatus(runID, func(rs *RunStatus) { rs.Sent++ })
			case out.notMember:
				rep.Skipped++
				s.updateStatus(runID, func(rs *RunStatus) { rs.Skipped++ })
			default:
				window.failure(out.timedOut)
				if out.timedOut {
					totalTimeouts++
				}
				batchFailures++
				failCount[dest]++
				if failCount[dest] >= cfg.SkipAfterFailures {
					rep.Failed++
					failedNames = append(failedNames, nameOf(dest))
					s.updateStatus(runID, func(rs *RunStatus) { rs.Failed++ })
					log.Warn("destination permanently skipped",
						logx.String("dest", dest), logx.Int("failures", failCount[dest]))
				} else {
					// Another batch gets another chance.
					pending = append(pending, dest)
				}
			}

			if !sleepCtx(ctx, jitter(pacing.PerSendDelay, 0.3)) {
				rep.Cancelled = true
				cancelled = true
				break
			}
		}

		s.notify(ctx, req, batchSummary(sentNames))
		s.publish(eventbus.Event{
			Type: eventbus.BatchDone, Owner: req.Owner, RunID: runID,
			Sent: len(sentNames), Failed: batchFailures,
		})

		if cancelled {
			rep.Cancelled = true
			break
		}

		if time.Since(pacing.LastAdjusted) >= cfg.Pacing.AdjustEvery {
			before := pacing.BatchSize
			if recomputePacing(&pacing, cfg.Pacing, window, time.Now()) {
				st.setPacing(pacing)
				log.Info("pacing adjusted",
					logx.Int("batch_from", before), logx.Int("batch_to", pacing.BatchSize),
					logx.Duration("per_send_delay", pacing.PerSendDelay),
					logx.Duration("batch_delay", pacing.BatchDelay))
			}
		}

		earlyTimeouts := totalAttempts <= 20 && totalAttempts > 0 && totalTimeouts*10 > totalAttempts*4
		if batchFailures*2 >= len(batch) && batchFailures > 0 || earlyTimeouts {
			backoff = nextBackoff(backoff, cfg.ThrottleStart, cfg.ThrottleCap)
			st.backoffMs.Store(backoff.Milliseconds())
			wait := jitter(backoff, 0.2)
			s.notify(ctx, req, fmt.Sprintf("Platform is pushing back, cooling down for %s.", wait.Round(time.Second)))
			s.publish(eventbus.Event{
				Type: eventbus.Throttled, Owner: req.Owner, RunID: runID,
				BackoffMs: backoff.Milliseconds(),
			})
			log.Warn("throttle engaged",
				logx.Duration("backoff", wait),
				logx.Int("batch_failures", batchFailures), logx.Int("timeouts", totalTimeouts))
			if !sleepCtx(ctx, wait) {
				rep.Cancelled = true
				break
			}
			st.backoffMs.Store(0)
		}

		if len(pending) > 0 {
			if !sleepCtx(ctx, jitter(pacing.BatchDelay, 0.3)) {
				rep.Cancelled = true
				break
			}
		}
	}

	if len(failedNames) > 0 {
		s.notify(ctx, req, skipSummary(failedNames, cfg.ReportSkipCap))
	}
	return finish()
}

func (s *Service) notify(ctx context.Context, req Request, text string) {
	if req.Notify == nil || text == "" {
		return
	}
	req.Notify(ctx, text)
}

func (s *Service) publish(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// membershipSet prefers the directory-derived cached set; a live fetch
// is the fallback, and a failed fetch fails closed to an empty set.
func (s *Service) membershipSet(ctx context.Context, req Request, log logx.Logger) map[string]struct{} {
	set := map[string]struct{}{}
	if len(req.CachedMembers) > 0 {
		for _, id := range req.CachedMembers {
			set[id] = struct{}{}
		}
		return set
	}
	groups, err := s.tr.FetchMembership(ctx)
	if err != nil {
		log.Warn("membership fetch failed, failing closed", logx.Err(err))
		return set
	}
	for _, g := range groups {
		set[g.ID] = struct{}{}
	}
	return set
}

// maybeBackpressure inserts a short pause before a batch when the heap
// is close to its limit, shedding load instead of piling on.
func (s *Service) maybeBackpressure(ctx context.Context, log logx.Logger) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	memLimit := debug.SetMemoryLimit(-1)
	memLimitSet := memLimit > 0 && memLimit < (1<<60)

	elevated := false
	if memLimitSet {
		elevated = int64(ms.HeapInuse) > (memLimit*85)/100
	} else {
		elevated = ms.HeapInuse > 768<<20
	}
	if !elevated {
		return
	}
	log.Warn("memory pressure elevated, pausing before batch", logx.Any("heap_inuse", ms.HeapInuse))
	sleepCtx(ctx, 2*time.Second)
}

func batchSummary(sentNames []string) string {
	if len(sentNames) == 0 {
		return "No deliverable targets in this batch."
	}
	return "Sent to: " + strings.Join(sentNames, ", ")
}

func skipSummary(names []string, limit int) string {
	capped := capNames(names, limit)
	msg := fmt.Sprintf("%d destination(s) permanently skipped after repeated failures: %s",
		len(names), strings.Join(capped, ", "))
	if len(names) > len(capped) {
		msg += fmt.Sprintf(" (+%d more)", len(names)-len(capped))
	}
	return msg
}

func capNames(names []string, n int) []string {
	if n <= 0 || len(names) <= n {
		return names
	}
	return names[:n]
}
