// Package admission validates clip submissions and enforces the capacity
// limits that stand between the public endpoint and the worker pool. It is
// the sole defense against queue-draining abuse: every job in the queue has
// passed all of its checks.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"clipservice/internal/entity"
	"clipservice/internal/metrics"
	"clipservice/internal/platform"
	"clipservice/internal/repository/postgresql"
)

// Request is a clip submission as received by the transport layer.
type Request struct {
	URL             string
	Start           float64
	End             float64
	Quality         string
	RightsConfirmed bool
	ClientID        string
}

// Error is a synchronous admission rejection. No job exists for it.
type Error struct {
	Kind       entity.ErrorKind
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// JobStore is the slice of the repository admission needs. Create enforces
// the capacity ceiling itself and returns postgresql.ErrCapacity when the
// queue is full, so the count and the insert cannot race.
type JobStore interface {
	Create(ctx context.Context, n entity.NewJob, capacity int64) (uuid.UUID, error)
	SetError(ctx context.Context, id uuid.UUID, kind entity.ErrorKind, msg string) error
}

// JobQueue is the enqueue-only port of the queue.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
}

type Controller struct {
	store   JobStore
	queue   JobQueue
	limiter *ClientLimiter

	maxClipSeconds float64
	capacity       int64

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewController(store JobStore, queue JobQueue, limiter *ClientLimiter, maxClipSeconds float64, capacity int, m *metrics.Metrics, logger zerolog.Logger) *Controller {
	return &Controller{
		store:          store,
		queue:          queue,
		limiter:        limiter,
		maxClipSeconds: maxClipSeconds,
		capacity:       int64(capacity),
		metrics:        m,
		logger:         logger.With().Str("component", "admission").Logger(),
	}
}

// Admit runs the checks in order (duration, platform, rights, per-client
// rate, global capacity) and on success creates the job in queued status and
// enqueues it. Rejection has no side effects: no job row, no queue entry, no
// consumed rate-limit slot. The rate reservation is a single atomic
// compare-and-consume and is returned if a later check rejects.
func (c *Controller) Admit(ctx context.Context, req Request) (uuid.UUID, error) {
	if rejection := c.validate(req); rejection != nil {
		c.metrics.AdmissionRejected.WithLabelValues(string(rejection.Kind)).Inc()
		return uuid.Nil, rejection
	}

	if ok, retryAfter := c.limiter.Reserve(req.ClientID); !ok {
		c.metrics.AdmissionRejected.WithLabelValues(string(entity.KindRateLimited)).Inc()
		return uuid.Nil, &Error{
			Kind:       entity.KindRateLimited,
			Message:    "client rate limit exceeded, retry later",
			RetryAfter: retryAfter,
		}
	}

	p, _ := platform.FromURL(req.URL)

	id, err := c.store.Create(ctx, entity.NewJob{
		URL:             req.URL,
		Platform:        p,
		Start:           req.Start,
		End:             req.End,
		Quality:         req.Quality,
		RightsConfirmed: req.RightsConfirmed,
		ClientID:        req.ClientID,
	}, c.capacity)
	if err != nil {
		c.limiter.Release(req.ClientID)
		if errors.Is(err, postgresql.ErrCapacity) {
			c.metrics.AdmissionRejected.WithLabelValues(string(entity.KindQueueFull)).Inc()
			return uuid.Nil, &Error{
				Kind:       entity.KindQueueFull,
				Message:    "service at capacity, retry later",
				RetryAfter: 30 * time.Second,
			}
		}
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}

	if err := c.queue.Enqueue(ctx, id.String()); err != nil {
		// The row exists but no worker will ever see it; fail it so the
		// client gets a terminal status instead of a stuck queued job.
		if ferr := c.store.SetError(ctx, id, entity.KindInternal, "failed to enqueue job"); ferr != nil {
			c.logger.Error().Err(ferr).Str("job_id", id.String()).Msg("mark unenqueued job failed")
		}
		return uuid.Nil, fmt.Errorf("enqueue job %s: %w", id, err)
	}

	c.metrics.JobsAdmitted.Inc()
	c.logger.Info().
		Str("job_id", id.String()).
		Str("platform", string(p)).
		Float64("duration_sec", req.End-req.Start).
		Str("quality", req.Quality).
		Msg("job admitted")
	return id, nil
}

func (c *Controller) validate(req Request) *Error {
	if req.Start < 0 || req.End <= req.Start {
		return &Error{
			Kind:    entity.KindInvalidRange,
			Message: "end offset must be greater than start offset and both non-negative",
		}
	}
	if req.End-req.Start > c.maxClipSeconds {
		return &Error{
			Kind:    entity.KindDurationExceeded,
			Message: fmt.Sprintf("clip duration exceeds the maximum of %.0f seconds", c.maxClipSeconds),
		}
	}
	if _, ok := platform.FromURL(req.URL); !ok {
		return &Error{
			Kind:    entity.KindUnsupportedPlatform,
			Message: "URL does not belong to a supported platform",
		}
	}
	if !req.RightsConfirmed {
		return &Error{
			Kind:    entity.KindRightsNotConfirmed,
			Message: "rights acknowledgment is required",
		}
	}
	return nil
}
