package handlers

import (
	"net/http"

	"venue-ticket/internal/services"
	"venue-ticket/internal/status"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
)

type BookmarkHandler struct {
	ledger *services.LedgerService
}

func NewBookmarkHandler(ledger *services.LedgerService) *BookmarkHandler {
	return &BookmarkHandler{ledger: ledger}
}

func (h *BookmarkHandler) List(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}

	bookmarks, err := h.ledger.ListBookmarks(e.Request.Context(), e.Auth.Id)
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, map[string]any{"bookmarks": bookmarks})
}

func (h *BookmarkHandler) Add(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}

	var body struct {
		EventID string `json:"event_id"`
	}
	if err := e.BindBody(&body); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}
	if body.EventID == "" {
		return apis.NewBadRequestError("event_id is required", nil)
	}

	bookmark, err := h.ledger.AddBookmark(e.Request.Context(), e.Auth.Id, body.EventID)
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, bookmark)
}

func (h *BookmarkHandler) Remove(e *core.RequestEvent) error {
	if e.Auth == nil {
		return toAPIError(status.ErrNotAuthenticated)
	}

	bookmark, err := h.ledger.RemoveBookmark(e.Request.Context(), e.Auth.Id, e.Request.PathValue("eventId"))
	if err != nil {
		return toAPIError(err)
	}
	return e.JSON(http.StatusOK, bookmark)
}
