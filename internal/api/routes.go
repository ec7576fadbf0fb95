package api

import "github.com/go-chi/chi/v5"

// Mount registers every API route on r. Authentication is resolved by the
// server middleware before these handlers run.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.Health)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.StartSession)
		r.Get("/live", h.LiveSessions)
		r.Get("/me", h.OwnSession)
		r.Patch("/me", h.UpdateSession)
		r.Delete("/me", h.PurgeSession)
		r.Post("/me/stop", h.StopSession)
		r.Get("/{hostId}", h.SessionByHost)
		r.Get("/{hostId}/access", h.SessionAccess)
	})

	r.Route("/api/payments", func(r chi.Router) {
		r.Post("/checkout", h.CreateCheckout)
		r.Get("/grants", h.Grants)
		r.Post("/webhook", h.PaymentWebhook)
	})

	r.Get("/api/events/ws", h.EventsWebsocket)
}
