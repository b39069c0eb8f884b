package handler

import (
	"net/http"

	"github.com/inkwell/storyloom/api/internal/auth"
	"github.com/inkwell/storyloom/api/internal/service"
)

// RoomHandler handles the lobby promotion endpoint. Room authoring lives in
// a separate service; this one only starts games.
type RoomHandler struct {
	lobby *service.LobbyService
}

// NewRoomHandler creates a RoomHandler.
func NewRoomHandler(lobby *service.LobbyService) *RoomHandler {
	return &RoomHandler{lobby: lobby}
}

// StartGame handles POST /api/v1/rooms/{id}/start — promotes a ready room
// into a game. Idempotent: repeated calls return the same game.
func (h *RoomHandler) StartGame(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	userID := auth.UserIDFromContext(r.Context())

	game, err := h.lobby.StartGameFromRoom(r.Context(), roomID, userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, game)
}
