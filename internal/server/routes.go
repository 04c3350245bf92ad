package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Routes assembles the chi router. authMiddleware guards everything under
// /v1; pass an identity middleware in tests.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"fanout-gateway"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/dispatch", h.HandleDispatch)
		r.Post("/v1/dispatch/stream", h.HandleDispatchStream)
		r.Get("/v1/dispatch/ws", h.HandleDispatchWS)
		r.Get("/v1/providers", h.HandleProviders)
		r.Get("/v1/usage", h.HandleUsage)
		r.Post("/v1/jobs", h.HandleEnqueueJob)
		r.Get("/v1/jobs/{id}", h.HandleGetJob)
	})

	return r
}
