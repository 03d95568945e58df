// Package router exposes the sync monitor's HTTP surface: health and metrics
// for ops, plus queue, conflict, and subscription endpoints for the admin
// dashboard.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpmiddleware "github.com/brightpath-health/portal-realtime/internal/http/middleware"
	"github.com/brightpath-health/portal-realtime/internal/sync"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger         *logging.Logger
	Service        *sync.Service
	MetricsHandler http.Handler
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	h := &handler{svc: cfg.Service, logger: cfg.Logger}

	r.Get("/health", h.health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Get("/state", h.state)
	r.Post("/online", h.setOnline)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.pending)
		r.Get("/stats", h.stats)
		r.Post("/replay", h.replay)
		r.Post("/actions", h.submit)
		r.Get("/dead-letters", h.deadLetters)
		r.Post("/dead-letters/{id}/requeue", h.requeue)
	})

	r.Route("/conflicts", func(r chi.Router) {
		r.Get("/", h.conflicts)
		r.Post("/{id}/resolve", h.resolve)
	})

	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", h.topics)
		r.Post("/", h.subscribe)
		r.Post("/remove", h.unsubscribe)
	})

	return r
}
