package session

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dealer-analytics/recon-cli/internal/apply"
	"github.com/dealer-analytics/recon-cli/internal/model"
)

// NextRun returns the next occurrence of the HH:MM wall-clock time
// strictly after now.
func NextRun(now time.Time, at string) (time.Time, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "session: parse schedule time %q", at)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// Schedule runs a full auto session every day at the given HH:MM until
// ctx is cancelled. A failed session is logged and does not stop the
// loop.
func (r *Runner) Schedule(ctx context.Context, at string) error {
	log := r.log.With(zap.String("at", at))

	for {
		next, err := NextRun(time.Now(), at)
		if err != nil {
			return err
		}
		log.Info("next scheduled run", zap.Time("next", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		result, err := r.Run(ctx, RunOpts{
			Mode:   apply.ModeAuto,
			Actor:  "recon-scheduler",
			Source: model.SourceAutomation,
			Kind:   model.SessionDailyAuto,
		})
		if err != nil {
			log.Error("scheduled run failed", zap.Error(err))
			continue
		}
		log.Info("scheduled run finished",
			zap.Int64("session_id", result.SessionID),
			zap.String("status", string(result.Status)))
	}
}
