package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)
	r.Get("/status", s.HandleStatus)
	r.Get("/events", s.HandleRecentEvents)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/shutdown", s.HandleShutdown)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.HandleListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetRun)
				r.Get("/events", s.HandleListRunEvents)
			})
		})
	})
}
