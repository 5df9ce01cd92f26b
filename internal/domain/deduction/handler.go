package deduction

import (
	"net/http"
	"strconv"

	"github.com/datachest/billing-api/internal/pkg/response"
)

// Handler exposes read-only operational endpoints for the deduction queue.
type Handler struct {
	reporter *Reporter
	store    Store
}

func NewHandler(reporter *Reporter, store Store) *Handler {
	return &Handler{reporter: reporter, store: store}
}

// Metrics handles GET /ops/metrics — per-status queue depth snapshot.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.reporter.Snapshot(r.Context())
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, m)
}

// DeadLetters handles GET /ops/dead-letters — rows awaiting operator review.
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	records, err := h.store.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		response.InternalError(w)
		return
	}

	out := make([]DeadLetterView, 0, len(records))
	for _, rec := range records {
		out = append(out, newDeadLetterView(rec))
	}
	response.OK(w, out)
}
