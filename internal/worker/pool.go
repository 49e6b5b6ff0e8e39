package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clipservice/internal/queue"
)

// Pool runs a fixed number of workers over the queue. One dispatcher claims
// jobs and feeds them to workers through an unbuffered channel, so global
// concurrency is bounded by the pool size no matter how deep the queue gets.
type Pool struct {
	queue      queue.Queue
	processor  *Processor
	workers    int
	claimWait  time.Duration
	errBackoff time.Duration
	logger     zerolog.Logger
}

func NewPool(q queue.Queue, processor *Processor, workers int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:      q,
		processor:  processor,
		workers:    workers,
		claimWait:  5 * time.Second,
		errBackoff: time.Second,
		logger:     logger.With().Str("component", "pool").Logger(),
	}
}

// Run blocks until ctx is canceled and every in-flight job has finished.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info().Int("workers", p.workers).Msg("worker pool started")

	jobCh := make(chan string)
	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for jobID := range jobCh {
				if err := p.processor.Process(ctx, jobID); err != nil {
					p.logger.Debug().Int("worker", n).Str("job_id", jobID).Err(err).Msg("job finished with error")
				}
				// Ack regardless: the job reached a terminal state in the
				// registry, or it died early and the reaper will fail it.
				if err := p.queue.Ack(ctx, jobID); err != nil && ctx.Err() == nil {
					p.logger.Error().Int("worker", n).Str("job_id", jobID).Err(err).Msg("ack failed")
				}
			}
		}(i + 1)
	}

	for {
		select {
		case <-ctx.Done():
			close(jobCh)
			wg.Wait()
			p.logger.Info().Msg("worker pool stopped")
			return
		default:
			jobID, err := p.queue.ClaimBlocking(ctx, p.claimWait)
			if err != nil {
				if errors.Is(err, queue.ErrEmpty) || ctx.Err() != nil {
					continue
				}
				// A broken queue connection returns instantly; back off so
				// the dispatcher does not hammer it in a tight loop.
				p.logger.Warn().Err(err).Msg("claim failed, backing off")
				select {
				case <-time.After(p.errBackoff):
				case <-ctx.Done():
				}
				continue
			}
			select {
			case jobCh <- jobID:
			case <-ctx.Done():
				close(jobCh)
				wg.Wait()
				p.logger.Info().Msg("worker pool stopped")
				return
			}
		}
	}
}
