package ledger

import "github.com/go-chi/chi/v5"

// MountRoutes registers the ledger endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/facilities/{facilityID}/stock-events", h.handleSubmit)
	r.Get("/stock-cards/{cardID}/history", h.handleHistory)
}
