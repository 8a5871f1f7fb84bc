package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)

			r.Get("/message", s.getMessages)
			r.Post("/message", s.sendMessage)
			r.Get("/message/{messageID}/part", s.getParts)

			r.Get("/children", s.getChildren)
			r.Post("/interrupt", s.interruptSession)
			r.Get("/todo", s.getTodos)
		})
	})

	r.Route("/permission", func(r chi.Router) {
		r.Get("/", s.listPermissions)
		r.Post("/{requestID}/reply", s.replyPermission)
	})

	r.Route("/plan", func(r chi.Router) {
		r.Get("/", s.listPlans)
		r.Post("/{requestID}/reply", s.replyPlan)
		r.Post("/{requestID}/reject", s.rejectPlan)
	})

	// Event streaming (SSE)
	r.Get("/event", s.allEvents)
}
