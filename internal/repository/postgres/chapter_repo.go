package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/inkwell/storyloom/api/internal/model"
	"github.com/inkwell/storyloom/api/internal/repository"
)

// ChapterRepo handles chapter database operations.
type ChapterRepo struct {
	db *sql.DB
}

// NewChapterRepo creates a ChapterRepo.
func NewChapterRepo(db *sql.DB) *ChapterRepo {
	return &ChapterRepo{db: db}
}

// Append inserts a chapter. The unique (game_id, chapter_number) index is
// the exactly-once guard for concurrent advances; a violation surfaces as
// repository.ErrDuplicateChapter.
func (r *ChapterRepo) Append(ctx context.Context, gameID string, number int, content string) (*model.Chapter, error) {
	var c model.Chapter
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO chapters (game_id, chapter_number, content)
		 VALUES ($1, $2, $3)
		 RETURNING id, game_id, chapter_number, content, created_at`,
		gameID, number, content,
	).Scan(&c.ID, &c.GameID, &c.ChapterNumber, &c.Content, &c.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, repository.ErrDuplicateChapter
		}
		return nil, fmt.Errorf("append chapter: %w", err)
	}
	return &c, nil
}

// List returns a game's chapters in ascending order.
func (r *ChapterRepo) List(ctx context.Context, gameID string) ([]model.Chapter, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, game_id, chapter_number, content, created_at
		 FROM chapters WHERE game_id = $1 ORDER BY chapter_number`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []model.Chapter
	for rows.Next() {
		var c model.Chapter
		if err := rows.Scan(&c.ID, &c.GameID, &c.ChapterNumber, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}
