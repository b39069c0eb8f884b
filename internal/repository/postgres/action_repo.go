package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inkwell/storyloom/api/internal/model"
)

// ActionRepo handles player-action database operations.
type ActionRepo struct {
	db *sql.DB
}

// NewActionRepo creates an ActionRepo.
func NewActionRepo(db *sql.DB) *ActionRepo {
	return &ActionRepo{db: db}
}

// ReplacePending deletes any pending action by the same user for the
// chapter and inserts the new one. One pending action per (game, user,
// chapter) at most.
func (r *ActionRepo) ReplacePending(ctx context.Context, a model.Action) (*model.Action, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM actions
		 WHERE game_id = $1 AND user_id = $2 AND chapter_number = $3 AND status = 'pending'`,
		a.GameID, a.UserID, a.ChapterNumber)
	if err != nil {
		return nil, fmt.Errorf("delete pending action: %w", err)
	}

	var characterID any
	if a.CharacterID != "" {
		characterID = a.CharacterID
	}
	var out model.Action
	var character sql.NullString
	err = tx.QueryRowContext(ctx,
		`INSERT INTO actions (game_id, user_id, character_id, action_text, chapter_number)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, game_id, user_id, character_id, action_text, chapter_number, status, created_at`,
		a.GameID, a.UserID, characterID, a.ActionText, a.ChapterNumber,
	).Scan(&out.ID, &out.GameID, &out.UserID, &character, &out.ActionText, &out.ChapterNumber, &out.Status, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}
	out.CharacterID = character.String

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit action: %w", err)
	}
	return &out, nil
}

// ListByChapter returns pending and approved actions for a chapter in
// submission order. This is the generation context for the next chapter.
func (r *ActionRepo) ListByChapter(ctx context.Context, gameID string, chapter int) ([]model.Action, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, game_id, user_id, COALESCE(character_id, ''), action_text, chapter_number, status, created_at
		 FROM actions
		 WHERE game_id = $1 AND chapter_number = $2 AND status IN ('pending', 'approved')
		 ORDER BY created_at`, gameID, chapter)
	if err != nil {
		return nil, fmt.Errorf("list chapter actions: %w", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// ListByGame returns a game's actions, optionally filtered by status.
func (r *ActionRepo) ListByGame(ctx context.Context, gameID, status string) ([]model.Action, error) {
	query := `SELECT id, game_id, user_id, COALESCE(character_id, ''), action_text, chapter_number, status, created_at
	          FROM actions WHERE game_id = $1 ORDER BY created_at`
	args := []any{gameID}
	if status != "" {
		query = `SELECT id, game_id, user_id, COALESCE(character_id, ''), action_text, chapter_number, status, created_at
		         FROM actions WHERE game_id = $1 AND status = $2 ORDER BY created_at`
		args = append(args, status)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()
	return collectActions(rows)
}

// ArchivePending marks a chapter's pending actions approved.
func (r *ActionRepo) ArchivePending(ctx context.Context, gameID string, chapter int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE actions SET status = 'approved'
		 WHERE game_id = $1 AND chapter_number = $2 AND status = 'pending'`,
		gameID, chapter)
	if err != nil {
		return fmt.Errorf("archive pending actions: %w", err)
	}
	return nil
}

func collectActions(rows *sql.Rows) ([]model.Action, error) {
	var actions []model.Action
	for rows.Next() {
		var a model.Action
		if err := rows.Scan(&a.ID, &a.GameID, &a.UserID, &a.CharacterID, &a.ActionText, &a.ChapterNumber, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
