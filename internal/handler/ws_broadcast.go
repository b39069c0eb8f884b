package handler

// BroadcastGameEvent implements service.Broadcaster using the WebSocket hub.
func (h *Hub) BroadcastGameEvent(gameID string, eventType string, data any) {
	h.Broadcast(GameChannel(gameID), WSEvent{
		Type:    eventType,
		Channel: GameChannel(gameID),
		Data:    data,
	})
}

// BroadcastRoomEvent implements service.Broadcaster for room channels.
func (h *Hub) BroadcastRoomEvent(roomID string, eventType string, data any) {
	h.Broadcast(RoomChannel(roomID), WSEvent{
		Type:    eventType,
		Channel: RoomChannel(roomID),
		Data:    data,
	})
}
