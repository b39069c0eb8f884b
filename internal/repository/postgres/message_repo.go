package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inkwell/storyloom/api/internal/model"
)

// MessageRepo handles chat-log database operations.
type MessageRepo struct {
	db *sql.DB
}

// NewMessageRepo creates a MessageRepo.
func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Create appends a message to a game's chat log.
func (r *MessageRepo) Create(ctx context.Context, gameID, userID, content, msgType string) (*model.Message, error) {
	if msgType == "" {
		msgType = model.MessageChat
	}
	var m model.Message
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO messages (game_id, user_id, content, type)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, game_id, user_id, content, type, created_at`,
		gameID, userID, content, msgType,
	).Scan(&m.ID, &m.GameID, &m.UserID, &m.Content, &m.Type, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &m, nil
}

// ListByGame returns a game's messages in chronological order.
func (r *MessageRepo) ListByGame(ctx context.Context, gameID string) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, game_id, user_id, content, type, created_at
		 FROM messages WHERE game_id = $1 ORDER BY created_at`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.GameID, &m.UserID, &m.Content, &m.Type, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
