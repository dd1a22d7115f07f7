package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/lifesync/internal/metrics"
)

// routes builds the application router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.logger))
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	if s.cfg.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.registry))
	}
	r.Handle("/ws", s.gateway)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(requireIdentity(s.verifier))

		r.Route("/entities/{kind}", func(r chi.Router) {
			r.Get("/", s.handleListEntities)
			r.Post("/", s.handleCreateEntity)
			r.Put("/{id}", s.handleUpdateEntity)
			r.Delete("/{id}", s.handleDeleteEntity)
		})

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", s.handleListChats)
			r.Post("/private", s.handleCreatePrivateChat)
			r.Get("/{id}/messages", s.handleChatHistory)
		})
	})
	return r
}
