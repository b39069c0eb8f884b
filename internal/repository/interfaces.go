package repository

import (
	"context"
	"errors"
	"time"

	"github.com/inkwell/storyloom/api/internal/model"
)

// ErrDuplicateChapter is returned by AppendChapter when a chapter with the
// same (game_id, chapter_number) already exists. The engine relies on it to
// detect that another process already advanced the game.
var ErrDuplicateChapter = errors.New("chapter already exists")

// UserRepository defines user data operations.
type UserRepository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	FindByProviderID(ctx context.Context, provider, providerID string) (*model.User, error)
	Upsert(ctx context.Context, provider, providerID, displayName, avatarURL string) (*model.User, error)
	UpdateDisplayName(ctx context.Context, id, displayName string) error
}

// RoomRepository defines the lobby-room operations the orchestrator needs.
// Room authoring is out of scope; games only read rooms and claim them.
type RoomRepository interface {
	FindByID(ctx context.Context, id string) (*model.Room, error)
	FindByGameID(ctx context.Context, gameID string) (*model.Room, error)
	// LinkGame claims the room for a game: sets game_id and status "closing"
	// only if the room has no game yet. Returns false when another game
	// already holds the link.
	LinkGame(ctx context.Context, roomID, gameID string) (bool, error)
	SetStatus(ctx context.Context, roomID, status string) error
}

// GameRepository defines game data operations. Every state transition is a
// conditional single-statement update so concurrent triggers collapse to one
// winner at the database, not in process memory.
type GameRepository interface {
	Create(ctx context.Context, g *model.Game) (*model.Game, error)
	FindByID(ctx context.Context, id string) (*model.Game, error)
	ListByUser(ctx context.Context, userID string) ([]model.Game, error)
	ListActive(ctx context.Context) ([]model.Game, error)
	// ListExpired returns games in action_phase whose ends_at has passed.
	ListExpired(ctx context.Context) ([]model.Game, error)
	Delete(ctx context.Context, gameID string) error

	// AcquireAdvance is the finalize CAS: state action_phase, current
	// chapter matching, advancing false -> advancing true, state closing.
	// Returns false when another trigger won.
	AcquireAdvance(ctx context.Context, gameID string, expectedChapter int) (bool, error)
	// ReleaseAdvance clears the advancing flag without other changes.
	// Used on error paths so a game never stays stuck in closing.
	ReleaseAdvance(ctx context.Context, gameID string) error
	// OpenNextPhase atomically moves a closing game to the next chapter's
	// action phase: sets current_chapter, state, the phase window, clears
	// continue_ready and advancing.
	OpenNextPhase(ctx context.Context, gameID string, chapter int, phase model.ActionPhase) error
	// ActivateFirstChapter moves an initializing game to chapter 1's action
	// phase. Returns false when the game is no longer initializing.
	ActivateFirstChapter(ctx context.Context, gameID string, phase model.ActionPhase) (bool, error)
	// Finish terminates the game at the given chapter, clearing the phase,
	// ready set, and advancing flag.
	Finish(ctx context.Context, gameID string, chapter int, at time.Time) error
	// Fail marks the game failed with a reason. Terminal.
	Fail(ctx context.Context, gameID, reason string) error

	AddContinueReady(ctx context.Context, gameID, userID string) error
	RemoveContinueReady(ctx context.Context, gameID, userID string) error
	UpdateSettings(ctx context.Context, gameID string, settings model.GameSettings, maxChapters int) error
}

// MemberRepository defines game membership operations.
type MemberRepository interface {
	List(ctx context.Context, gameID string) ([]model.Member, error)
	Find(ctx context.Context, gameID, userID string) (*model.Member, error)
	Insert(ctx context.Context, m model.Member) error
	Remove(ctx context.Context, gameID, userID string) error
}

// ChapterRepository defines chapter data operations. Chapters are
// append-only; the unique (game_id, chapter_number) key is the idempotency
// guard for the advance pipeline.
type ChapterRepository interface {
	Append(ctx context.Context, gameID string, number int, content string) (*model.Chapter, error)
	List(ctx context.Context, gameID string) ([]model.Chapter, error)
}

// ActionRepository defines player-action operations.
type ActionRepository interface {
	// ReplacePending removes any pending action by the same user for the
	// chapter and inserts the new one, in one transaction.
	ReplacePending(ctx context.Context, a model.Action) (*model.Action, error)
	ListByChapter(ctx context.Context, gameID string, chapter int) ([]model.Action, error)
	ListByGame(ctx context.Context, gameID, status string) ([]model.Action, error)
	// ArchivePending marks a chapter's pending actions approved once the
	// chapter they fed has been generated.
	ArchivePending(ctx context.Context, gameID string, chapter int) error
}

// MessageRepository defines chat-log operations.
type MessageRepository interface {
	Create(ctx context.Context, gameID, userID, content, msgType string) (*model.Message, error)
	ListByGame(ctx context.Context, gameID string) ([]model.Message, error)
}

// WorldRepository reads world descriptions for narrative context.
type WorldRepository interface {
	FindByID(ctx context.Context, id string) (*model.World, error)
}

// TimerCache defines the Redis-backed phase timer keys. The in-process
// PhaseTimer drives the countdown; these keys are the restart backstop the
// keyspace listener consumes.
type TimerCache interface {
	SetTimer(ctx context.Context, gameID string, deadline time.Time) error
	ClearTimer(ctx context.Context, gameID string) error
	DeleteGameData(ctx context.Context, gameID string) error
}
