package metering

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/datachest/billing-api/internal/domain/deduction"
	"github.com/datachest/billing-api/internal/pkg/response"
	"github.com/datachest/billing-api/internal/pkg/validator"
)

// Handler handles metering HTTP requests.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// ReportUsage handles POST /usage.
func (h *Handler) ReportUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return
	}

	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	result, err := h.svc.ReportUsage(r.Context(), &req)
	if err != nil {
		if errors.Is(err, deduction.ErrInvalidPayload) {
			response.BadRequest(w, "Invalid usage report")
			return
		}
		response.InternalError(w)
		return
	}

	response.OK(w, result)
}
