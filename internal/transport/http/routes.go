package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/time/rate"
)

func Routes(h *Handler, metricsHandler http.Handler, limiter *rate.Limiter, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	// The throttle covers only the public job and download surface; metrics
	// scrapes and health probes are exempt.
	r.Group(func(r chi.Router) {
		r.Use(GlobalRateLimit(limiter))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.CreateJob)
			r.Get("/{jobId}", h.GetJob)
		})
		r.Get("/download/{handle}", h.Download)
	})

	r.Handle("/metrics", metricsHandler)

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
