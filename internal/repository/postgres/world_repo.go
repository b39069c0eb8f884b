package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/inkwell/storyloom/api/internal/model"
)

// WorldRepo reads world descriptions for narrative context.
type WorldRepo struct {
	db *sql.DB
}

// NewWorldRepo creates a WorldRepo.
func NewWorldRepo(db *sql.DB) *WorldRepo {
	return &WorldRepo{db: db}
}

// FindByID returns a world by ID, or (nil, nil) when absent.
func (r *WorldRepo) FindByID(ctx context.Context, id string) (*model.World, error) {
	var w model.World
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(summary, ''), COALESCE(logic, ''),
		        COALESCE(time_period, ''), COALESCE(space_setting, ''), created_at
		 FROM worlds WHERE id = $1`, id,
	).Scan(&w.ID, &w.Name, &w.Summary, &w.Logic, &w.TimePeriod, &w.SpaceSetting, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find world: %w", err)
	}
	return &w, nil
}
