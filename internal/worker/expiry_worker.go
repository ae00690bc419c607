package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-cbt/internal/model"
	"github.com/stemsi/exstem-cbt/internal/service"
)

// ExpirySweepBatch is the page size used when listing expired sessions.
const ExpirySweepBatch = 100

// ExpiredLister finds in-progress sessions whose deadline has passed, oldest
// deadline first, skipping the first offset of them.
type ExpiredLister interface {
	ListExpiredKeys(ctx context.Context, now time.Time, offset, limit int) ([]model.SessionKey, error)
}

// Expirer finalizes one expired session.
type Expirer interface {
	ExpireSession(ctx context.Context, key model.SessionKey) (*model.SubmitResponse, error)
}

// ExpiryWorker periodically closes sessions nobody came back to. Lazy expiry
// on enter, autosave and submit stays authoritative; the sweep only shortens
// the window in which a stale in_progress row is visible.
type ExpiryWorker struct {
	lister   ExpiredLister
	expirer  Expirer
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func NewExpiryWorker(lister ExpiredLister, expirer Expirer, interval time.Duration, log zerolog.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		lister:   lister,
		expirer:  expirer,
		interval: interval,
		log:      log.With().Str("component", "expiry_worker").Logger(),
		now:      time.Now,
	}
}

// Start runs a sweep every interval until ctx is cancelled.
func (w *ExpiryWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("ExpiryWorker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("ExpiryWorker stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep finalizes every session that was expired when it started and returns
// how many it closed. Sessions that fail to close stay in the listing, so
// they are paged past and retried on the next sweep.
func (w *ExpiryWorker) Sweep(ctx context.Context) int {
	now := w.now()
	closed, skipped, found := 0, 0, 0

	for ctx.Err() == nil {
		keys, err := w.lister.ListExpiredKeys(ctx, now, skipped, ExpirySweepBatch)
		if err != nil {
			w.log.Error().Err(err).Int("offset", skipped).Msg("List expired sessions failed")
			break
		}
		found += len(keys)

		for _, key := range keys {
			if ctx.Err() != nil {
				break
			}
			_, err := w.expirer.ExpireSession(ctx, key)
			switch {
			case err == nil:
				closed++
			case errors.Is(err, service.ErrAlreadySubmitted),
				errors.Is(err, service.ErrSessionNotFound):
				w.log.Debug().Err(err).
					Int("student_id", key.StudentID).
					Str("subject", key.Subject).
					Msg("Session closed elsewhere")
			case errors.Is(err, service.ErrSessionNotExpired):
				skipped++
				w.log.Debug().Err(err).
					Int("student_id", key.StudentID).
					Str("subject", key.Subject).
					Msg("Session not expired yet")
			default:
				skipped++
				w.log.Error().Err(err).
					Int("student_id", key.StudentID).
					Str("subject", key.Subject).
					Msg("Expire session failed")
			}
		}

		if len(keys) < ExpirySweepBatch {
			break
		}
	}

	if closed > 0 || skipped > 0 {
		w.log.Info().
			Int("closed", closed).
			Int("skipped", skipped).
			Int("found", found).
			Msg("Expired sessions finalized")
	}
	return closed
}
