package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter assembles the ops HTTP surface: health, run progress
// snapshots, dead-letter inspection and retry, and prometheus metrics.
func NewRouter(runs *RunHandler, dlq *DLQHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		RespondWithJSON(w, req, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/runs/{runID}", runs.GetRun)

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", dlq.ListUnresolved)
		r.Post("/{id}/retry", dlq.Retry)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
