package processor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"go-tidemark/pkg/dcb"
)

// scheduler drives one subscription: a single goroutine looping over
// leadership acquisition, the status gate, fetch, handle and advance. Errors
// feed the progress row and the backoff engine; the loop only exits on
// cancellation.
type scheduler struct {
	sub      Subscription
	cfg      Config
	progress *progressStore
	fetcher  *fetcher
	elector  *leaderElector
	instance string
	nudge    func() <-chan struct{}
	log      zerolog.Logger
}

func (s *scheduler) run(ctx context.Context) error {
	log := s.log.With().
		Str("processor", s.sub.Processor).
		Str("subscription", s.sub.Key).
		Logger()
	key := lockKey(s.cfg.LockStrategy, s.sub.Processor, s.sub.Key)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.PollingInterval
	bo.RandomizationFactor = 0
	bo.Multiplier = s.cfg.BackoffMultiplier
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()
	inBackoff := false

	isLeader := false
	defer func() {
		if isLeader {
			s.elector.release(key)
		}
	}()

	log.Info().Str("lock_key", key).Msg("scheduler starting")

	for {
		if err := ctx.Err(); err != nil {
			log.Info().Msg("scheduler stopping")
			return err
		}

		if !isLeader {
			acquired, err := s.elector.tryAcquire(ctx, key)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Warn().Err(err).Msg("leader acquisition failed")
				s.waitForLeadership(ctx)
				continue
			}
			if !acquired {
				s.waitForLeadership(ctx)
				continue
			}
			isLeader = true
			if err := s.claim(ctx); err != nil {
				s.logSkip(log, err, "failed to claim progress row")
				s.sleep(ctx, s.cfg.PollingInterval)
				continue
			}
			log.Info().Msg("leadership acquired")
			bo.Reset()
			inBackoff = false
		}

		p, err := s.progress.get(ctx, s.sub.Processor, s.sub.Key)
		if err != nil {
			if errors.Is(err, ErrSubscriptionNotFound) {
				// Row removed out of band; re-register at cursor zero.
				err = s.progress.ensure(ctx, s.sub.Processor, s.sub.Key)
			}
			if err != nil {
				s.logSkip(log, err, "failed to read progress")
			}
			s.sleep(ctx, s.cfg.PollingInterval)
			continue
		}

		// PAUSED always parks; FAILED parks only halting subscriptions —
		// a backing-off subscription keeps retrying under FAILED.
		if p.Status == StatusPaused || (p.Status == StatusFailed && s.sub.HaltAfterErrors > 0) {
			s.sleep(ctx, s.cfg.PollingInterval)
			continue
		}

		events, err := s.fetcher.fetch(ctx, s.sub, p.Cursor, s.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if dcb.IsSchemaNotReadyError(err) {
				log.Debug().Err(err).Msg("schema not ready; skipping cycle")
				s.sleep(ctx, s.cfg.PollingInterval)
				continue
			}
			if !s.reportError(ctx, log, err, bo, &inBackoff) {
				isLeader = s.stepDown(log, key)
			}
			continue
		}

		if len(events) == 0 {
			owned, err := s.progress.heartbeat(ctx, s.sub.Processor, s.sub.Key, s.instance)
			if err != nil {
				log.Warn().Err(err).Msg("failed to heartbeat")
			} else if !owned {
				isLeader = s.stepDown(log, key)
				continue
			}
			s.sleep(ctx, s.cfg.PollingInterval)
			continue
		}

		cursor, err := s.sub.Handler.Handle(ctx, events, p)
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown mid-batch: abandon it without touching progress.
				continue
			}
			// A non-zero cursor advanced part of the batch before the
			// failure; persist exactly that much.
			if !cursor.IsZero() && cursor.Compare(p.Cursor) > 0 {
				if ok, aerr := s.progress.advance(ctx, s.sub.Processor, s.sub.Key, s.instance, p.Cursor, cursor); aerr != nil {
					log.Warn().Err(aerr).Msg("failed to record partial progress")
				} else if ok {
					bo.Reset()
					inBackoff = false
				}
			}
			herr := &HandlerError{Processor: s.sub.Processor, Key: s.sub.Key, Err: err}
			if !s.reportError(ctx, log, herr, bo, &inBackoff) {
				isLeader = s.stepDown(log, key)
			}
			continue
		}

		if cursor.Compare(p.Cursor) <= 0 {
			// The handler consumed nothing; pace like an empty batch.
			s.sleep(ctx, s.cfg.PollingInterval)
			continue
		}

		ok, err := s.progress.advance(ctx, s.sub.Processor, s.sub.Key, s.instance, p.Cursor, cursor)
		if err != nil {
			log.Warn().Err(err).Msg("failed to advance progress")
			s.sleep(ctx, s.cfg.PollingInterval)
			continue
		}
		if !ok {
			// Claimed by another leader, or moved by an operator reset.
			// Re-read before deciding: a reset keeps us leader.
			if cur, gerr := s.progress.get(ctx, s.sub.Processor, s.sub.Key); gerr == nil && cur.LeaderInstance != s.instance {
				isLeader = s.stepDown(log, key)
			}
			continue
		}

		log.Debug().Int("events", len(events)).Str("cursor", cursor.String()).Msg("batch handled")
		bo.Reset()
		inBackoff = false
		// Loop immediately: a full batch suggests a backlog.
	}
}

// claim registers the progress row if needed and stamps it with this
// instance.
func (s *scheduler) claim(ctx context.Context) error {
	if err := s.progress.ensure(ctx, s.sub.Processor, s.sub.Key); err != nil {
		return err
	}
	return s.progress.claimLeader(ctx, s.sub.Processor, s.sub.Key, s.instance)
}

// reportError records a failed cycle against the progress row and sleeps
// according to the error budget: polling pace below the backoff threshold,
// exponential above it, parked FAILED once a halting subscription exhausts
// HaltAfterErrors. Returns false when the row is no longer ours.
func (s *scheduler) reportError(ctx context.Context, log zerolog.Logger, cause error, bo *backoff.ExponentialBackOff, inBackoff *bool) bool {
	count, owned, err := s.progress.recordError(ctx, s.sub.Processor, s.sub.Key, s.instance, cause.Error())
	if err != nil {
		log.Warn().Err(err).Msg("failed to record error")
		s.sleep(ctx, s.cfg.PollingInterval)
		return true
	}
	if !owned {
		return false
	}

	log.Warn().Err(cause).Int("error_count", count).Msg("cycle failed")

	if s.sub.HaltAfterErrors > 0 && count >= s.sub.HaltAfterErrors {
		if _, ferr := s.progress.markFailed(ctx, s.sub.Processor, s.sub.Key, s.instance); ferr != nil {
			log.Warn().Err(ferr).Msg("failed to mark subscription failed")
		}
		log.Error().Int("error_count", count).Msg("error budget exhausted; parked until reset")
		s.sleep(ctx, s.cfg.PollingInterval)
		return true
	}

	if count >= s.cfg.BackoffThreshold {
		if !*inBackoff {
			bo.Reset()
			*inBackoff = true
			if s.sub.FailOnBackoff {
				if _, ferr := s.progress.markFailed(ctx, s.sub.Processor, s.sub.Key, s.instance); ferr != nil {
					log.Warn().Err(ferr).Msg("failed to mark subscription failed")
				}
			}
		}
		s.sleep(ctx, bo.NextBackOff())
		return true
	}

	s.sleep(ctx, s.cfg.PollingInterval)
	return true
}

func (s *scheduler) stepDown(log zerolog.Logger, key string) bool {
	log.Warn().Msg("progress row claimed by another instance; stepping down")
	s.elector.release(key)
	return false
}

func (s *scheduler) logSkip(log zerolog.Logger, err error, msg string) {
	if dcb.IsSchemaNotReadyError(err) {
		log.Debug().Err(err).Msg("schema not ready; skipping cycle")
		return
	}
	log.Warn().Err(err).Msg(msg)
}

// waitForLeadership sleeps until the retry interval elapses, the manager
// nudges followers, or the context ends.
func (s *scheduler) waitForLeadership(ctx context.Context) {
	timer := time.NewTimer(s.cfg.LeaderRetryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-s.nudge():
	}
}

// sleep pauses for d, returning early on cancellation.
func (s *scheduler) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
