package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/inkwell/storyloom/api/internal/model"
)

// GameRepo handles game database operations. State transitions are
// conditional single-statement updates; the row is the single source of
// truth and the WHERE clause is the guard.
type GameRepo struct {
	db *sql.DB
}

// NewGameRepo creates a GameRepo.
func NewGameRepo(db *sql.DB) *GameRepo {
	return &GameRepo{db: db}
}

const gameColumns = `id, room_id, name, COALESCE(world_id::text, ''), max_chapters, max_players,
	owner_id, admin_id, current_chapter, state, advancing,
	allow_suggestions, discussion_time_sec, auto_continue, continue_time_sec, require_all_players,
	phase_started_at, phase_ends_at, phase_seconds_total, continue_ready, COALESCE(error, ''),
	created_at, finished_at`

// scanGame scans one game row from any query selecting gameColumns.
func scanGame(row interface{ Scan(...any) error }) (*model.Game, error) {
	var g model.Game
	var phaseStarted, phaseEnds, finished sql.NullTime
	var phaseSeconds sql.NullInt64
	var ready pq.StringArray
	err := row.Scan(&g.ID, &g.RoomID, &g.Name, &g.WorldID, &g.MaxChapters, &g.MaxPlayers,
		&g.OwnerID, &g.AdminID, &g.CurrentChapter, &g.State, &g.Advancing,
		&g.Settings.AllowSuggestions, &g.Settings.DiscussionTimeSec, &g.Settings.AutoContinue,
		&g.Settings.ContinueTimeSec, &g.Settings.RequireAllPlayers,
		&phaseStarted, &phaseEnds, &phaseSeconds, &ready, &g.Error,
		&g.CreatedAt, &finished)
	if err != nil {
		return nil, err
	}
	g.ContinueReady = []string(ready)
	if phaseStarted.Valid && phaseEnds.Valid {
		g.ActionPhase = &model.ActionPhase{
			StartedAt:    phaseStarted.Time,
			EndsAt:       phaseEnds.Time,
			SecondsTotal: int(phaseSeconds.Int64),
		}
	}
	if finished.Valid {
		g.FinishedAt = &finished.Time
	}
	return &g, nil
}

// Create inserts a new game in initializing state.
func (r *GameRepo) Create(ctx context.Context, g *model.Game) (*model.Game, error) {
	var worldID any
	if g.WorldID != "" {
		worldID = g.WorldID
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO games (room_id, name, world_id, max_chapters, max_players, owner_id, admin_id,
		                    allow_suggestions, discussion_time_sec, auto_continue, continue_time_sec, require_all_players)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at`,
		g.RoomID, g.Name, worldID, g.MaxChapters, g.MaxPlayers, g.OwnerID, g.AdminID,
		g.Settings.AllowSuggestions, g.Settings.DiscussionTimeSec, g.Settings.AutoContinue,
		g.Settings.ContinueTimeSec, g.Settings.RequireAllPlayers,
	).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create game: %w", err)
	}
	g.State = model.StateInitializing
	g.ContinueReady = []string{}
	return g, nil
}

// FindByID returns a game by ID, or (nil, nil) when absent.
func (r *GameRepo) FindByID(ctx context.Context, id string) (*model.Game, error) {
	g, err := scanGame(r.db.QueryRowContext(ctx,
		`SELECT `+gameColumns+` FROM games WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find game: %w", err)
	}
	return g, nil
}

// ListByUser returns games the user is a member of, newest first.
func (r *GameRepo) ListByUser(ctx context.Context, userID string) ([]model.Game, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+gameColumns+` FROM games g
		 WHERE EXISTS (SELECT 1 FROM game_members m WHERE m.game_id = g.id AND m.user_id = $1)
		 ORDER BY created_at DESC LIMIT 50`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user games: %w", err)
	}
	defer rows.Close()
	return collectGames(rows)
}

// ListActive returns games currently running a phase or initializing.
func (r *GameRepo) ListActive(ctx context.Context) ([]model.Game, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+gameColumns+` FROM games
		 WHERE state IN ('initializing', 'action_phase', 'closing')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active games: %w", err)
	}
	defer rows.Close()
	return collectGames(rows)
}

// ListExpired returns action-phase games whose window has passed. Consumed
// by the poller backstop when the in-process timer was lost.
func (r *GameRepo) ListExpired(ctx context.Context) ([]model.Game, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+gameColumns+` FROM games
		 WHERE state = 'action_phase' AND phase_ends_at < now()`)
	if err != nil {
		return nil, fmt.Errorf("list expired games: %w", err)
	}
	defer rows.Close()
	return collectGames(rows)
}

func collectGames(rows *sql.Rows) ([]model.Game, error) {
	var games []model.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game: %w", err)
		}
		games = append(games, *g)
	}
	return games, rows.Err()
}

// AcquireAdvance is the finalize compare-and-set. Exactly one concurrent
// caller per (game, chapter) observes true; everyone else sees false.
func (r *GameRepo) AcquireAdvance(ctx context.Context, gameID string, expectedChapter int) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE games SET advancing = true, state = 'closing'
		 WHERE id = $1 AND state = 'action_phase' AND current_chapter = $2 AND advancing = false`,
		gameID, expectedChapter)
	if err != nil {
		return false, fmt.Errorf("acquire advance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire advance rows: %w", err)
	}
	return n > 0, nil
}

// ReleaseAdvance clears the advancing flag. Safe to call when not held.
func (r *GameRepo) ReleaseAdvance(ctx context.Context, gameID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET advancing = false WHERE id = $1`, gameID)
	if err != nil {
		return fmt.Errorf("release advance: %w", err)
	}
	return nil
}

// OpenNextPhase moves the game to the given chapter's action phase in one
// statement: chapter, state, phase window, cleared ready set, released lock.
func (r *GameRepo) OpenNextPhase(ctx context.Context, gameID string, chapter int, phase model.ActionPhase) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET current_chapter = $2, state = 'action_phase',
		        phase_started_at = $3, phase_ends_at = $4, phase_seconds_total = $5,
		        continue_ready = '{}', advancing = false
		 WHERE id = $1`,
		gameID, chapter, phase.StartedAt, phase.EndsAt, phase.SecondsTotal)
	if err != nil {
		return fmt.Errorf("open next phase: %w", err)
	}
	return nil
}

// ActivateFirstChapter moves an initializing game to chapter 1's phase.
// Returns false when the game already left initializing (e.g. failed).
func (r *GameRepo) ActivateFirstChapter(ctx context.Context, gameID string, phase model.ActionPhase) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE games SET current_chapter = 1, state = 'action_phase',
		        phase_started_at = $2, phase_ends_at = $3, phase_seconds_total = $4,
		        continue_ready = '{}', advancing = false
		 WHERE id = $1 AND state = 'initializing'`,
		gameID, phase.StartedAt, phase.EndsAt, phase.SecondsTotal)
	if err != nil {
		return false, fmt.Errorf("activate first chapter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("activate first chapter rows: %w", err)
	}
	return n > 0, nil
}

// Finish terminates the game at the given chapter.
func (r *GameRepo) Finish(ctx context.Context, gameID string, chapter int, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET current_chapter = $2, state = 'finished', finished_at = $3,
		        phase_started_at = NULL, phase_ends_at = NULL, phase_seconds_total = NULL,
		        continue_ready = '{}', advancing = false
		 WHERE id = $1`,
		gameID, chapter, at)
	if err != nil {
		return fmt.Errorf("finish game: %w", err)
	}
	return nil
}

// Fail marks the game failed with a reason.
func (r *GameRepo) Fail(ctx context.Context, gameID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET state = 'failed', error = $2,
		        phase_started_at = NULL, phase_ends_at = NULL, phase_seconds_total = NULL,
		        advancing = false
		 WHERE id = $1`,
		gameID, reason)
	if err != nil {
		return fmt.Errorf("fail game: %w", err)
	}
	return nil
}

// AddContinueReady adds a user to the ready set. Idempotent.
func (r *GameRepo) AddContinueReady(ctx context.Context, gameID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET continue_ready = array_append(continue_ready, $2)
		 WHERE id = $1 AND NOT (continue_ready @> ARRAY[$2]::text[])`,
		gameID, userID)
	if err != nil {
		return fmt.Errorf("add continue ready: %w", err)
	}
	return nil
}

// RemoveContinueReady removes a user from the ready set. Idempotent.
func (r *GameRepo) RemoveContinueReady(ctx context.Context, gameID, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET continue_ready = array_remove(continue_ready, $2) WHERE id = $1`,
		gameID, userID)
	if err != nil {
		return fmt.Errorf("remove continue ready: %w", err)
	}
	return nil
}

// UpdateSettings writes the allowed settings fields and max_chapters.
// Validation happens in the service layer.
func (r *GameRepo) UpdateSettings(ctx context.Context, gameID string, settings model.GameSettings, maxChapters int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET allow_suggestions = $2, discussion_time_sec = $3, auto_continue = $4,
		        continue_time_sec = $5, require_all_players = $6, max_chapters = $7
		 WHERE id = $1`,
		gameID, settings.AllowSuggestions, settings.DiscussionTimeSec, settings.AutoContinue,
		settings.ContinueTimeSec, settings.RequireAllPlayers, maxChapters)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}

// Delete removes a game and all associated data (members, chapters,
// actions, messages cascade).
func (r *GameRepo) Delete(ctx context.Context, gameID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM games WHERE id = $1`, gameID)
	if err != nil {
		return fmt.Errorf("delete game: %w", err)
	}
	return nil
}
