package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.HandleStatus)
		r.Get("/downlinks", s.HandleListDownlinks)

		r.Group(func(r chi.Router) {
			r.Use(s.requireWrite)
			r.Post("/uplink", s.HandleSendUplink)
			r.Post("/link-check", s.HandleLinkCheck)
		})
	})
}
