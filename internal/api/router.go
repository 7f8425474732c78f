package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/headcount/internal/identity"
	"github.com/nerrad567/headcount/internal/panel"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(
		s.requestIDMiddleware,
		s.loggingMiddleware,
		s.recoveryMiddleware,
		s.corsMiddleware(),
		limitBody,
	)

	// Occupancy page
	r.Handle("/panel/*", http.StripPrefix("/panel", panel.Handler(s.cfg.PanelDir)))
	r.Handle("/panel", http.RedirectHandler("/panel/", http.StatusMovedPermanently))
	r.Handle("/", http.RedirectHandler("/panel/", http.StatusFound))

	// Prometheus scrape endpoint
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/occupancy", s.handleOccupancy)
		r.Get("/history", s.handleHistory)
		r.Get("/devices/{id}/status", s.handleDeviceStatus)

		// Routes acting for the device behind the cookie
		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware(s.logger))

			r.Post("/session", s.handleSession)
			r.Get("/me", s.handleMe)
			r.Post("/toggle", s.handleToggle)
		})
	})

	r.With(identity.Middleware(s.logger)).Get(s.wsPath(), s.handleWebSocket)

	return r
}

func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}
