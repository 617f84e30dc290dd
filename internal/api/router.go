package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/fileservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group but
// outside the readiness gate, so clients can follow the initial scan.
func NewRouter(svc *fileservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(ReadyMiddleware(svc.Ready))

		// Index state.
		r.Get("/progress", h.Progress)
		r.Post("/rescan", h.Rescan)

		// Listing and entries.
		r.Get("/files", h.ListFiles)
		r.Get("/files/*", h.ListFiles)
		r.Get("/entries/*", h.GetEntry)

		// Managed writes.
		r.Put("/uploads/*", h.Upload)
		r.Delete("/files/*", h.DeleteFile)
		r.Post("/moves", h.Move)
	})

	return r
}
