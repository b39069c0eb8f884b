package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/inkwell/storyloom/api/internal/model"
)

// RoomRepo reads lobby rooms and claims them for games. Room authoring is
// handled elsewhere; this service only promotes rooms.
type RoomRepo struct {
	db *sql.DB
}

// NewRoomRepo creates a RoomRepo.
func NewRoomRepo(db *sql.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

const roomColumns = `id, name, COALESCE(world_id::text, ''), owner_id, admin_id, status,
	COALESCE(game_id::text, ''), max_chapters, max_players, member_ids, ready_players,
	COALESCE(characters, '[]'), allow_suggestions, discussion_time_sec, auto_continue,
	continue_time_sec, require_all_players, created_at`

func scanRoom(row interface{ Scan(...any) error }) (*model.Room, error) {
	var r model.Room
	var memberIDs, readyPlayers pq.StringArray
	var characters []byte
	err := row.Scan(&r.ID, &r.Name, &r.WorldID, &r.OwnerID, &r.AdminID, &r.Status,
		&r.GameID, &r.MaxChapters, &r.MaxPlayers, &memberIDs, &readyPlayers,
		&characters, &r.Settings.AllowSuggestions, &r.Settings.DiscussionTimeSec,
		&r.Settings.AutoContinue, &r.Settings.ContinueTimeSec, &r.Settings.RequireAllPlayers,
		&r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.MemberIDs = []string(memberIDs)
	r.ReadyPlayers = []string(readyPlayers)
	if len(characters) > 0 {
		if err := json.Unmarshal(characters, &r.Characters); err != nil {
			return nil, fmt.Errorf("decode room characters: %w", err)
		}
	}
	return &r, nil
}

// FindByID returns a room by ID, or (nil, nil) when absent.
func (r *RoomRepo) FindByID(ctx context.Context, id string) (*model.Room, error) {
	room, err := scanRoom(r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find room: %w", err)
	}
	return room, nil
}

// FindByGameID returns the room linked to a game, or (nil, nil). Used for
// membership auto-repair on subscribe.
func (r *RoomRepo) FindByGameID(ctx context.Context, gameID string) (*model.Room, error) {
	room, err := scanRoom(r.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE game_id = $1`, gameID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find room by game: %w", err)
	}
	return room, nil
}

// LinkGame claims the room for a game. The NULL guard makes promotion
// idempotent under concurrent starts: only one game wins the link.
func (r *RoomRepo) LinkGame(ctx context.Context, roomID, gameID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE rooms SET game_id = $2, status = 'closing'
		 WHERE id = $1 AND game_id IS NULL`,
		roomID, gameID)
	if err != nil {
		return false, fmt.Errorf("link room to game: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("link room rows: %w", err)
	}
	return n > 0, nil
}

// SetStatus updates the room's lifecycle status.
func (r *RoomRepo) SetStatus(ctx context.Context, roomID, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE rooms SET status = $2 WHERE id = $1`, roomID, status)
	if err != nil {
		return fmt.Errorf("set room status: %w", err)
	}
	return nil
}
