package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"groupcast/internal/transport"
	logx "groupcast/pkg/logx"
)

// ErrConnectionLost aborts a whole run; the caller owns reconnection.
var ErrConnectionLost = errors.New("broadcast aborted: transport connection lost")

const (
	retryBase = 1500 * time.Millisecond
	retryCap  = 20 * time.Second
)

// sendOutcome is the per-destination verdict of one delivery attempt
// cycle (including its retries).
type sendOutcome struct {
	ok        bool
	notMember bool // confirmed non-membership, permanent skip
	timedOut  bool // at least one attempt timed out
}

// sendOne delivers the payload to a single destination with the full
// recovery ladder: hard per-send timeout, one-shot warm-up on a
// not-ready rejection, bounded exponential retries, fatal propagation
// when the connection is gone.
func (s *Service) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, dest string, p transport.Payload, log logx.Logger) (sendOutcome, error) {
	var out sendOutcome
	warmedUp := false

	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return out, err
		}

		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.tr.Send(sctx, dest, p)
		cancel()

		if err == nil {
			out.ok = true
			return out, nil
		}

		switch kind := transport.KindOf(err); kind {
		case transport.KindConnectionLost:
			return out, fmt.Errorf("%w: %v", ErrConnectionLost, err)

		case transport.KindNotMember:
			out.notMember = true
			log.Debug("destination not a member, skipping", logx.String("dest", dest))
			return out, nil

		case transport.KindRateLimited:
			if !warmedUp {
				// Warm-up does not consume the retry budget: a
				// not-ready session is expected on first contact.
				warmedUp = true
				s.warmUp(ctx, dest, log)
				attempt--
				continue
			}
			// Already warmed: fall through to the retry wait below.

		case transport.KindTimeout:
			out.timedOut = true
		}

		if attempt == cfg.RetryMax {
			log.Warn("send failed, retry budget exhausted",
				logx.String("dest", dest), logx.Int("attempts", attempt+1), logx.Err(err))
			return out, nil
		}

		delay := jitter(backoffDelay(attempt), 0.5)
		log.Debug("send retry scheduled",
			logx.String("dest", dest), logx.Int("attempt", attempt+2),
			logx.Duration("delay", delay), logx.Err(err))

		if !sleepCtx(ctx, delay) {
			return out, ctx.Err()
		}
	}
	return out, nil
}

// warmUp pre-establishes secure sessions with a destination's
// participants. Best-effort: a failed warm-up just means the retry may
// hit the same rejection.
func (s *Service) warmUp(ctx context.Context, dest string, log logx.Logger) {
	participants, err := s.tr.FetchMetadata(ctx, dest)
	if err != nil {
		log.Debug("warm-up metadata fetch failed", logx.String("dest", dest), logx.Err(err))
		return
	}
	if len(participants) == 0 {
		return
	}
	if err := s.tr.PreEstablishSessions(ctx, participants); err != nil {
		log.Debug("warm-up session setup failed", logx.String("dest", dest), logx.Err(err))
		return
	}
	log.Debug("warm-up completed", logx.String("dest", dest), logx.Int("participants", len(participants)))
}

func backoffDelay(attempt int) time.Duration {
	d := retryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	return d
}

// sleepCtx waits for d or context cancellation; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
