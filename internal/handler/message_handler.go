package handler

import (
	"net/http"

	"github.com/inkwell/storyloom/api/internal/auth"
	"github.com/inkwell/storyloom/api/internal/service"
)

// MessageHandler handles in-game chat endpoints.
type MessageHandler struct {
	coordinator *service.SessionCoordinator
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(coordinator *service.SessionCoordinator) *MessageHandler {
	return &MessageHandler{coordinator: coordinator}
}

// ListMessages handles GET /api/v1/games/{id}/messages
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.coordinator.ListMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if messages == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// SendMessage handles POST /api/v1/games/{id}/messages
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	userID := auth.UserIDFromContext(r.Context())

	var req struct {
		Content string `json:"content"`
		Type    string `json:"type,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := h.coordinator.PostMessage(r.Context(), gameID, userID, req.Content, req.Type)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
