package handlers

import (
	"log/slog"
	"net/http"

	"venue-ticket/internal/services"
	"venue-ticket/internal/status"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type ScanHandler struct {
	scanner *services.ScanService
}

func NewScanHandler(scanner *services.ScanService) *ScanHandler {
	return &ScanHandler{scanner: scanner}
}

type scanBody struct {
	RawCode string `json:"raw_code"`
}

// Scan answers with the admission outcome. Rejected admissions are still 200;
// only authentication and authorization failures are errors.
func (h *ScanHandler) Scan(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}

	var body scanBody
	if err := e.BindBody(&body); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}

	outcome, err := h.scanner.Scan(e.Request.Context(), body.RawCode, e.Auth.Id)
	if err != nil {
		return toAPIError(err)
	}

	slog.Info("scan", "scanner_id", e.Auth.Id, "outcome", outcome.Outcome, "legacy", outcome.Legacy)
	return e.JSON(http.StatusOK, outcome)
}
