package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"clipservice/internal/entity"
	"clipservice/internal/format"
	"clipservice/internal/media"
	"clipservice/internal/metrics"
	"clipservice/internal/repository/postgresql"
)

// JobRepo is the slice of the repository a worker mutates. Only the worker
// that claimed a job calls these for it.
type JobRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	MarkWorking(ctx context.Context, id uuid.UUID) error
	SetSelector(ctx context.Context, id uuid.UUID, selector string) error
	SetProgress(ctx context.Context, id uuid.UUID, progress int) error
	SetDone(ctx context.Context, id uuid.UUID, handle string) error
	SetError(ctx context.Context, id uuid.UUID, kind entity.ErrorKind, msg string) error
}

// ArtifactStore hands a finished clip to the lifecycle manager.
type ArtifactStore interface {
	Store(ctx context.Context, jobID, srcPath string) (string, error)
}

// Processor executes one claimed job through the state machine:
// working -> fetch -> transcode -> store -> done, or error with a classified
// kind. The whole run is bounded by the overall job timeout; on expiry the
// external process group is killed and the worker is freed.
type Processor struct {
	repo       JobRepo
	fetcher    media.Fetcher
	transcoder media.Transcoder
	artifacts  ArtifactStore

	jobTimeout time.Duration
	workDir    string

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewProcessor(repo JobRepo, fetcher media.Fetcher, transcoder media.Transcoder, artifacts ArtifactStore, jobTimeout time.Duration, workDir string, m *metrics.Metrics, logger zerolog.Logger) *Processor {
	return &Processor{
		repo:       repo,
		fetcher:    fetcher,
		transcoder: transcoder,
		artifacts:  artifacts,
		jobTimeout: jobTimeout,
		workDir:    workDir,
		metrics:    m,
		logger:     logger.With().Str("component", "worker").Logger(),
	}
}

func (p *Processor) Process(ctx context.Context, jobID string) error {
	start := time.Now()

	id, err := uuid.Parse(jobID)
	if err != nil {
		p.logger.Error().Str("job_id", jobID).Err(err).Msg("unparseable job id in queue")
		return err
	}
	log := p.logger.With().Str("job_id", id.String()).Logger()

	if err := p.repo.MarkWorking(ctx, id); err != nil {
		if errors.Is(err, postgresql.ErrConflict) {
			// Already terminal (reaped or duplicate delivery); absorbing
			// states are never left.
			log.Warn().Msg("claimed job no longer queued, skipping")
			return nil
		}
		log.Error().Err(err).Msg("mark working failed")
		return err
	}

	job, err := p.repo.GetByID(ctx, id)
	if err != nil {
		p.fail(ctx, id, entity.KindInternal, "job record unreadable after claim", start)
		return err
	}
	log.Info().
		Str("platform", string(job.Platform)).
		Float64("start", job.Start).
		Float64("end", job.End).
		Msg("job started")

	// Overall wall-clock budget for fetch plus transcode. The stage
	// timeouts nest inside it.
	jctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	tmpDir, err := os.MkdirTemp(p.workDir, "clip-"+id.String()+"-")
	if err != nil {
		p.fail(ctx, id, entity.KindInternal, "create scratch directory failed", start)
		return err
	}
	// Removing the scratch dir releases any partial output on every path.
	defer os.RemoveAll(tmpDir)

	selector := format.Resolve(job.Platform, job.Quality)
	if err := p.repo.SetSelector(jctx, id, string(selector)); err != nil {
		log.Warn().Err(err).Msg("persist selector failed")
	}
	_ = p.repo.SetProgress(jctx, id, 10)

	srcPath, err := p.fetcher.Fetch(jctx, job.URL, string(selector), tmpDir)
	if err != nil {
		kind, msg := classify(err, entity.KindFetchError, "fetch")
		if kind == entity.KindFetchError {
			// Platform-side failure, not ours; keep it distinguishable
			// from infrastructure errors in the logs.
			log.Warn().Err(err).Str("platform", string(job.Platform)).Msg("external fetch failed")
		} else {
			log.Warn().Err(err).Msg("fetch stage timed out")
		}
		p.fail(ctx, id, kind, msg, start)
		return err
	}
	_ = p.repo.SetProgress(jctx, id, 60)

	outPath := filepath.Join(tmpDir, "clip.mp4")
	if err := p.transcoder.Transcode(jctx, srcPath, job.Start, job.End, outPath); err != nil {
		kind, msg := classify(err, entity.KindTranscodeError, "transcode")
		log.Warn().Err(err).Msg("transcode stage failed")
		p.fail(ctx, id, kind, msg, start)
		return err
	}
	_ = p.repo.SetProgress(jctx, id, 90)

	handle, err := p.artifacts.Store(jctx, id.String(), outPath)
	if err != nil {
		kind, msg := classify(err, entity.KindInternal, "store artifact")
		p.fail(ctx, id, kind, msg, start)
		return err
	}

	if err := p.repo.SetDone(ctx, id, handle); err != nil {
		log.Error().Err(err).Msg("mark done failed")
		return err
	}

	p.metrics.JobDuration.WithLabelValues(string(entity.StatusDone)).Observe(time.Since(start).Seconds())
	log.Info().
		Str("handle", handle).
		Dur("duration", time.Since(start)).
		Msg("job done")
	return nil
}

// fail writes the terminal error state using the parent context so an
// expired job budget cannot block the status update.
func (p *Processor) fail(ctx context.Context, id uuid.UUID, kind entity.ErrorKind, msg string, start time.Time) {
	if err := p.repo.SetError(ctx, id, kind, msg); err != nil && !errors.Is(err, postgresql.ErrConflict) {
		p.logger.Error().Err(err).Str("job_id", id.String()).Msg("mark error failed")
	}
	p.metrics.JobDuration.WithLabelValues(string(entity.StatusError)).Observe(time.Since(start).Seconds())
}

// classify maps a stage failure onto the job error taxonomy. Deadline errors
// always become Timeout regardless of stage.
func classify(err error, stageKind entity.ErrorKind, stage string) (entity.ErrorKind, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return entity.KindTimeout, fmt.Sprintf("%s exceeded its time budget", stage)
	}
	if errors.Is(err, context.Canceled) {
		return entity.KindTimeout, fmt.Sprintf("%s canceled before completion", stage)
	}
	return stageKind, err.Error()
}
