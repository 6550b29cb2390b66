// Waypost - Live Location Streaming and Presence
// Copyright 2026 Waypost Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/waypost-io/waypost

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waypost-io/waypost/internal/auth"
	"github.com/waypost-io/waypost/internal/livecache"
	"github.com/waypost-io/waypost/internal/store"
)

// RouterConfig carries the knobs the router needs from configuration.
type RouterConfig struct {
	CORSOrigins      []string
	RateLimitReqs    int
	RateLimitWindow  time.Duration
	ResponseTTLAdmin time.Duration
	ResponseTTLUsers time.Duration
}

// NewRouter assembles the full HTTP surface: REST API, Prometheus
// endpoint, and the socket handshake.
func NewRouter(h *Handlers, jwt *auth.JWTManager, cache livecache.Cache, socket http.Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health gets a permissive limit so monitors can poll freely.
	r.Route("/api/health", func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/", h.Health)
	})

	// Auth endpoints get the strictest limit: they are the brute-force
	// surface.
	r.Route("/api/auth", func(r chi.Router) {
		r.Use(httprate.LimitByIP(10, time.Minute))
		r.Use(PrometheusMetrics)
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})

	r.Route("/api/users", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		r.Use(PrometheusMetrics)
		r.Use(jwt.RequireAuth)

		r.Get("/me", h.Me)
		r.Post("/locations", h.IngestLocation)
		r.With(ResponseCache(cache, cfg.ResponseTTLUsers)).Get("/me/locations", h.MyLocations)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		r.Use(PrometheusMetrics)
		r.Use(jwt.RequireAuth)
		r.Use(auth.RequireRole(store.RoleAdmin))
		r.Use(ResponseCache(cache, cfg.ResponseTTLAdmin))

		r.Get("/users", h.AdminListUsers)
		r.Get("/users/{userID}/locations", h.AdminUserLocations)
		r.Get("/metrics", h.AdminMetrics)
	})

	// Prometheus scrape endpoint, outside the envelope and the limits.
	r.Handle("/metrics", promhttp.Handler())

	// Socket handshake. Auth happens inside the handler, before upgrade.
	r.Handle("/ws", socket)

	return r
}
