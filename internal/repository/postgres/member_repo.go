package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inkwell/storyloom/api/internal/model"
)

// MemberRepo handles game membership database operations.
type MemberRepo struct {
	db *sql.DB
}

// NewMemberRepo creates a MemberRepo.
func NewMemberRepo(db *sql.DB) *MemberRepo {
	return &MemberRepo{db: db}
}

// List returns all members of a game in join order.
func (r *MemberRepo) List(ctx context.Context, gameID string) ([]model.Member, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT game_id, user_id, COALESCE(character_id, ''), role, is_ready, joined_at
		 FROM game_members WHERE game_id = $1 ORDER BY joined_at`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.GameID, &m.UserID, &m.CharacterID, &m.Role, &m.IsReady, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Find returns a member record, or (nil, nil) when absent.
func (r *MemberRepo) Find(ctx context.Context, gameID, userID string) (*model.Member, error) {
	var m model.Member
	err := r.db.QueryRowContext(ctx,
		`SELECT game_id, user_id, COALESCE(character_id, ''), role, is_ready, joined_at
		 FROM game_members WHERE game_id = $1 AND user_id = $2`, gameID, userID,
	).Scan(&m.GameID, &m.UserID, &m.CharacterID, &m.Role, &m.IsReady, &m.JoinedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find member: %w", err)
	}
	return &m, nil
}

// Insert adds a member. Idempotent on (game_id, user_id) so membership
// auto-repair can race with itself safely.
func (r *MemberRepo) Insert(ctx context.Context, m model.Member) error {
	var characterID any
	if m.CharacterID != "" {
		characterID = m.CharacterID
	}
	role := m.Role
	if role == "" {
		role = model.RolePlayer
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO game_members (game_id, user_id, character_id, role, is_ready)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (game_id, user_id) DO NOTHING`,
		m.GameID, m.UserID, characterID, role, m.IsReady)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

// Remove deletes a member record.
func (r *MemberRepo) Remove(ctx context.Context, gameID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM game_members WHERE game_id = $1 AND user_id = $2`, gameID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}
