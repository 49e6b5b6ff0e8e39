// Package metrics exposes the service counters in Prometheus exposition
// format. It owns its registry so tests can build isolated instances.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type Metrics struct {
	JobsAdmitted      prometheus.Counter
	AdmissionRejected *prometheus.CounterVec
	JobsInFlight      prometheus.Gauge
	QueueDepth        prometheus.Gauge
	JobDuration       *prometheus.HistogramVec

	registry *prometheus.Registry
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		JobsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "clip_jobs_admitted_total",
			Help: "Jobs that passed admission and were enqueued.",
		}),
		AdmissionRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clip_admission_rejected_total",
			Help: "Submissions rejected at admission, by error kind.",
		}, []string{"kind"}),
		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clip_jobs_in_flight",
			Help: "Jobs currently being processed by a worker.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "clip_queue_depth",
			Help: "Jobs waiting in the queue.",
		}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clip_job_duration_seconds",
			Help:    "Wall-clock job duration from claim to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 240, 480},
		}, []string{"status"}),
		registry: reg,
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunSampler refreshes the queue-depth and in-flight gauges from their
// sources until the context is canceled.
func (m *Metrics) RunSampler(ctx context.Context, interval time.Duration, depth, inFlight func(context.Context) (int64, error), logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := depth(ctx); err == nil {
				m.QueueDepth.Set(float64(n))
			} else if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("sample queue depth failed")
			}
			if n, err := inFlight(ctx); err == nil {
				m.JobsInFlight.Set(float64(n))
			} else if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("sample in-flight count failed")
			}
		}
	}
}
