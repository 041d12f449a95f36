package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mercator-hq/costguard/pkg/telemetry/health"
	"mercator-hq/costguard/pkg/telemetry/tracing"
)

func (s *Server) routes() http.Handler {
	m := newHTTPMetrics(s.opts.Registerer)

	r := chi.NewRouter()
	r.Use(recoverer(s.logger))
	r.Use(chimw.RequestID)
	r.Use(requestContext)
	r.Use(tracing.HTTPMiddleware)
	r.Use(requestLogger(s.logger))
	r.Use(m.middleware)

	r.Get("/healthz", s.opts.Health.LivenessHandler())
	r.Get("/readyz", s.opts.Health.ReadinessHandler())
	r.Get("/version", health.VersionHandler(s.opts.Version, s.opts.Commit, s.opts.BuildTime))
	if s.opts.Gatherer != nil {
		r.Handle(s.opts.MetricsPath, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(inFlight(s.cfg.MaxInFlight, m))
		r.Use(chimw.AllowContentType("application/json"))
		r.Use(maxBody(s.cfg.MaxBodyBytes))

		r.Post("/evaluate", s.handleEvaluate)
		r.Post("/settle", s.handleSettle)
		r.Get("/budgets/{budgetID}/usage", s.handleUsage)
		r.Get("/stages/{policyID}", s.handleStage)
		r.Post("/stages/reset", s.handleResetStage)
		r.Post("/admin/reload", s.handleReload)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return r
}
