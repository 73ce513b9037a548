// Package api serves a read-only status endpoint while an evaluation runs.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alqutdigital/legal-rag-eval/internal/api/handlers"
	"github.com/alqutdigital/legal-rag-eval/internal/api/middleware"
)

type RouterConfig struct {
	RequestTimeout time.Duration
	Version        string
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{RequestTimeout: 10 * time.Second, Version: "dev"}
}

// Dependencies are the live sources the status routes read.
type Dependencies struct {
	Logger   *slog.Logger
	Progress handlers.ProgressSource
	// Metrics serves /metrics; nil leaves the route unmounted.
	Metrics http.Handler
	// Checks are probed by /ready, keyed by component name.
	Checks map[string]handlers.HealthChecker
}

// NewStatusRouter mounts:
//
//	GET /health           liveness
//	GET /ready            dependency probes
//	GET /progress         whole-evaluation snapshot
//	GET /progress/{run}   one run, e.g. StoreA_Acts_k5
//	GET /metrics          Prometheus exposition, when Metrics is set
func NewStatusRouter(deps Dependencies, cfg RouterConfig) *chi.Mux {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "status_api")

	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		middleware.Logger(log),
		middleware.Recoverer(log),
		chimw.Timeout(cfg.RequestTimeout),
	)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		handlers.RespondError(w, http.StatusNotFound, handlers.ErrCodeNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		handlers.RespondError(w, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "status routes are GET only")
	})

	r.Get("/health", handlers.HealthCheck(cfg.Version))
	r.Get("/ready", handlers.ReadyCheck(deps.Checks))
	r.Route("/progress", func(r chi.Router) {
		r.Get("/", handlers.Progress(deps.Progress))
		r.Get("/{run}", handlers.RunProgress(deps.Progress, func(req *http.Request) string {
			return chi.URLParam(req, "run")
		}))
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	return r
}
