package metering

import (
	"github.com/go-chi/chi/v5"
)

// Routes returns the metering routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/usage", h.ReportUsage)

	return r
}
