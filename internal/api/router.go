package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/prospector/internal/metrics"
)

// RouterConfig configures NewRouter. Limiter may be nil.
type RouterConfig struct {
	Limiter        Limiter
	RequestTimeout time.Duration // not applied to search submissions
}

// NewRouter mounts the operation surface, health and metrics.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		if cfg.Limiter != nil {
			r.Use(RateLimitMiddleware(cfg.Limiter, logger, IPKeyFunc))
		}

		// Searches walk the whole grid before responding.
		r.Post("/search-runs", h.CreateSearchRun)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			r.Get("/search-runs/{id}", h.GetSearchRun)
			r.Post("/campaigns/{id}/enqueue", h.EnqueueCampaign)
			r.Post("/campaigns/{id}/poll", h.PollCampaign)
			r.Get("/campaigns/{id}/stats", h.GetCampaignStats)
			r.Get("/usage", h.GetUsage)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
