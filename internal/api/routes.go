package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(m.Compress)
	r.Use(m.Timeout(30 * time.Second))
	r.Use(middleware.Heartbeat("/ping"))

	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/reconcile", h.Reconcile)

		r.Route("/entries", func(r chi.Router) {
			r.Get("/", h.ListEntries)
			r.Post("/{id}/approve", h.Approve)
			r.Post("/{id}/deny", h.Deny)
			r.Post("/{id}/restore", h.Restore)
			r.Post("/{id}/unschedule", h.Unschedule)
			r.Post("/{id}/swap/{direction}", h.Swap)
			r.Put("/{id}/text", h.EditText)
		})

		r.Post("/intake/sync", h.IntakeSync)
		r.Get("/stats", h.Stats)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/counter", h.GetCounter)
			r.Post("/counter", h.SetCounter)
		})

		// Live updates
		r.Get("/stream", h.HandleSSE)
		r.Get("/ws", h.HandleWebSocket)
	})

	return r
}
