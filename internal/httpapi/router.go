// Package httpapi exposes health, queue statistics and prometheus metrics
// over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattbonnell/pgq"
	"github.com/rs/zerolog/log"
)

const readinessTimeout = 2 * time.Second

type HealthChecker interface {
	Health(ctx context.Context) error
}

type StatsSource interface {
	Stats(ctx context.Context) (map[string]pgq.QueueStats, error)
}

type Router struct {
	health  HealthChecker
	stats   StatsSource
	metrics http.Handler
}

func NewRouter(health HealthChecker, stats StatsSource, metrics http.Handler) *Router {
	return &Router{health: health, stats: stats, metrics: metrics}
}

func (ar *Router) NewRouter() *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", ar.liveness)
	router.Get("/readyz", ar.readiness)
	router.Get("/queues", ar.queueStats)
	if ar.metrics != nil {
		router.Method(http.MethodGet, "/metrics", ar.metrics)
	}
	return router
}

func (ar *Router) liveness(w http.ResponseWriter, req *http.Request) {
	ar.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (ar *Router) readiness(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), readinessTimeout)
	defer cancel()
	if err := ar.health.Health(ctx); err != nil {
		log.Warn().Err(err).Msg("readiness check failed")
		ar.sendJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	ar.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (ar *Router) queueStats(w http.ResponseWriter, req *http.Request) {
	stats, err := ar.stats.Stats(req.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to read queue stats")
		ar.sendJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	ar.sendJSON(w, http.StatusOK, stats)
}

func (ar *Router) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
