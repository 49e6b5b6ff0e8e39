package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"clipservice/internal/entity"
	"clipservice/internal/queue"
	"clipservice/internal/repository/postgresql"
)

const reapBatch = 100

// RunReaper periodically fails jobs whose queue claim outlived the job
// budget plus a grace period: their worker crashed or was killed. Reaped
// jobs are reported as errors, never re-queued, so a poisonous input cannot
// hammer the external tools in a retry loop.
func RunReaper(ctx context.Context, q queue.Queue, repo JobRepo, staleAfter, interval time.Duration, logger zerolog.Logger) {
	log := logger.With().Str("component", "reaper").Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := q.ReapStale(ctx, staleAfter, reapBatch)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("reap stale claims failed")
				}
				continue
			}
			for _, raw := range ids {
				id, parseErr := uuid.Parse(raw)
				if parseErr != nil {
					log.Error().Str("job_id", raw).Err(parseErr).Msg("unparseable reaped id")
					continue
				}
				err := repo.SetError(ctx, id, entity.KindInternal, "worker lost while processing")
				switch {
				case err == nil:
					log.Warn().Str("job_id", raw).Msg("stale claim failed as worker lost")
				case errors.Is(err, postgresql.ErrConflict):
					// The worker finished after all; the claim was just
					// acked late. Nothing to do.
				default:
					log.Error().Str("job_id", raw).Err(err).Msg("fail reaped job failed")
				}
			}
		}
	}
}
