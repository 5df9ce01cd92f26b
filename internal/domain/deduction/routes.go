package deduction

import (
	"github.com/go-chi/chi/v5"
)

// Routes returns the operational routes for the deduction queue.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/metrics", h.Metrics)
	r.Get("/dead-letters", h.DeadLetters)

	return r
}
