package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"clipservice/internal/admission"
	"clipservice/internal/artifact"
	"clipservice/internal/config"
	"clipservice/internal/logging"
	"clipservice/internal/media"
	"clipservice/internal/metrics"
	"clipservice/internal/queue"
	"clipservice/internal/repository/postgresql"
	httptransport "clipservice/internal/transport/http"
	"clipservice/internal/worker"
)

const (
	samplerInterval = 5 * time.Second
	reaperInterval  = 30 * time.Second
	janitorInterval = time.Minute
	retentionSweep  = time.Hour

	// Stale-claim threshold: the job budget plus slack for claim/ack
	// bookkeeping. Anything older belongs to a dead worker.
	reaperGrace = time.Minute
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres
	pool, err := postgresql.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection failed")
	}
	defer pool.Close()
	if err := postgresql.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("schema bootstrap failed")
	}

	// Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer rdb.Close()

	// Wiring
	repo := postgresql.NewJobRepository(pool)
	q := queue.NewRedisQueue(rdb, cfg.RedisQueueKey)
	m := metrics.New()

	artifacts, err := artifact.NewManager(cfg.StoragePath, cfg.ArtifactTTL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("artifact storage setup failed")
	}

	fetcher := media.NewYTDLP(cfg.YTDLPBinary, cfg.FetchTimeout, logger)
	transcoder := media.NewFFmpeg(cfg.FFmpegBinary, cfg.TranscodeTimeout, logger)

	limiter := admission.NewClientLimiter(cfg.RequestsPerMinute, cfg.JobsPerHour)
	admitter := admission.NewController(repo, q, limiter, cfg.MaxClipSeconds, cfg.QueueCapacity, m, logger)

	processor := worker.NewProcessor(repo, fetcher, transcoder, artifacts, cfg.JobTimeout, cfg.WorkDir, m, logger)
	workerPool := worker.NewPool(q, processor, cfg.Workers, logger)

	// Background loops
	go workerPool.Run(ctx)
	go worker.RunReaper(ctx, q, repo, cfg.JobTimeout+reaperGrace, reaperInterval, logger)
	go artifacts.Run(ctx, janitorInterval)
	go m.RunSampler(ctx, samplerInterval, q.Depth, repo.CountWorking, logger)
	go runRetention(ctx, repo, cfg.JobRetention, logger)

	// HTTP
	handler := httptransport.NewHandler(admitter, repo, artifacts, logger)
	router := httptransport.Routes(handler, m.Handler(), rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst), logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown failed")
		}
	}()

	logger.Info().
		Str("port", cfg.Port).
		Int("workers", cfg.Workers).
		Int("queue_capacity", cfg.QueueCapacity).
		Float64("max_clip_seconds", cfg.MaxClipSeconds).
		Msg("server started")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("http server failed")
	}
	logger.Info().Msg("server stopped")
}

// runRetention purges terminal job records past the retention window. The
// artifact janitor handles files; this keeps the registry from growing
// without bound.
func runRetention(ctx context.Context, repo *postgresql.JobRepository, retention time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(retentionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.DeleteTerminalBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				if ctx.Err() == nil {
					logger.Error().Err(err).Msg("job retention sweep failed")
				}
				continue
			}
			if n > 0 {
				logger.Info().Int64("purged", n).Msg("expired job records removed")
			}
		}
	}
}
