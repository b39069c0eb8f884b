package handler

import (
	"net/http"

	"github.com/inkwell/storyloom/api/internal/auth"
	"github.com/inkwell/storyloom/api/internal/service"
)

// GameHandler handles game session endpoints.
type GameHandler struct {
	coordinator *service.SessionCoordinator
}

// NewGameHandler creates a GameHandler.
func NewGameHandler(coordinator *service.SessionCoordinator) *GameHandler {
	return &GameHandler{coordinator: coordinator}
}

// ListGames handles GET /api/v1/games
func (h *GameHandler) ListGames(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	games, err := h.coordinator.ListGames(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if games == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, games)
}

// GetGame handles GET /api/v1/games/{id}
func (h *GameHandler) GetGame(w http.ResponseWriter, r *http.Request) {
	game, err := h.coordinator.GetGame(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

// MarkContinue handles POST /api/v1/games/{id}/continue
func (h *GameHandler) MarkContinue(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	userID := auth.UserIDFromContext(r.Context())

	req := struct {
		Ready *bool `json:"ready"`
	}{}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ready := true
	if req.Ready != nil {
		ready = *req.Ready
	}

	if err := h.coordinator.MarkContinue(r.Context(), gameID, userID, ready); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": ready})
}

// ProposeAction handles POST /api/v1/games/{id}/actions
func (h *GameHandler) ProposeAction(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	userID := auth.UserIDFromContext(r.Context())

	var req struct {
		ActionText  string `json:"action_text"`
		CharacterID string `json:"character_id,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	action, err := h.coordinator.ProposeAction(r.Context(), gameID, userID, req.ActionText, req.CharacterID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

// ListActions handles GET /api/v1/games/{id}/actions
func (h *GameHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.coordinator.ListActions(r.Context(), r.PathValue("id"), r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if actions == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

// ListChapters handles GET /api/v1/games/{id}/chapters
func (h *GameHandler) ListChapters(w http.ResponseWriter, r *http.Request) {
	chapters, err := h.coordinator.ListChapters(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if chapters == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, chapters)
}

// AddChapter handles POST /api/v1/games/{id}/chapters — admin override that
// writes the next chapter by hand instead of generating it.
func (h *GameHandler) AddChapter(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	userID := auth.UserIDFromContext(r.Context())

	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chapter, err := h.coordinator.AddChapter(r.Context(), gameID, userID, req.Content)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chapter)
}

// ListMembers handles GET /api/v1/games/{id}/members
func (h *GameHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.coordinator.ListMembers(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if members == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// UpdateSettings handles PATCH /api/v1/games/{id}/settings
func (h *GameHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	userID := auth.UserIDFromContext(r.Context())

	var patch service.SettingsPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	game, err := h.coordinator.UpdateSettings(r.Context(), gameID, userID, patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, game)
}

// LeaveGame handles POST /api/v1/games/{id}/leave
func (h *GameHandler) LeaveGame(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	userID := auth.UserIDFromContext(r.Context())

	if err := h.coordinator.LeaveGame(r.Context(), gameID, userID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}
