package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inkwell/storyloom/api/internal/model"
	"github.com/inkwell/storyloom/api/internal/repository"
)

var (
	ErrGameNotFound    = errors.New("game not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrNotMember       = errors.New("you are not a member of this game")
	ErrNotAdmin        = errors.New("only the game admin can do that")
	ErrPhaseClosing    = errors.New("the chapter is being written, actions are closed")
	ErrWrongState      = errors.New("game is not in an action phase")
	ErrGameOver        = errors.New("game has already ended")
	ErrEmptyAction     = errors.New("action text cannot be empty")
	ErrInvalidSettings = errors.New("invalid settings")
	ErrMembersNotReady = errors.New("all room members must be ready")
)

// SettingsPatch carries the fields an admin may change. Nil pointers leave
// the current value untouched.
type SettingsPatch struct {
	AllowSuggestions  *bool `json:"allow_suggestions"`
	DiscussionTimeSec *int  `json:"discussion_time_sec"`
	AutoContinue      *bool `json:"auto_continue"`
	ContinueTimeSec   *int  `json:"continue_time_sec"`
	RequireAllPlayers *bool `json:"require_all_players"`
	MaxChapters       *int  `json:"max_chapters"`
}

// SessionCoordinator translates player intents into engine calls and
// authoritative reads. It owns authorization and the closure-trigger
// evaluation that fires early chapter advances.
type SessionCoordinator struct {
	gameRepo    repository.GameRepository
	roomRepo    repository.RoomRepository
	memberRepo  repository.MemberRepository
	chapterRepo repository.ChapterRepository
	actionRepo  repository.ActionRepository
	messageRepo repository.MessageRepository
	engine      *GameEngine
	timer       *PhaseTimer
	broadcaster Broadcaster

	now func() time.Time
}

// NewSessionCoordinator creates a SessionCoordinator.
func NewSessionCoordinator(
	gameRepo repository.GameRepository,
	roomRepo repository.RoomRepository,
	memberRepo repository.MemberRepository,
	chapterRepo repository.ChapterRepository,
	actionRepo repository.ActionRepository,
	messageRepo repository.MessageRepository,
	engine *GameEngine,
	timer *PhaseTimer,
	broadcaster Broadcaster,
) *SessionCoordinator {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	return &SessionCoordinator{
		gameRepo:    gameRepo,
		roomRepo:    roomRepo,
		memberRepo:  memberRepo,
		chapterRepo: chapterRepo,
		actionRepo:  actionRepo,
		messageRepo: messageRepo,
		engine:      engine,
		timer:       timer,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// GetGame returns a game with its members.
func (s *SessionCoordinator) GetGame(ctx context.Context, gameID string) (*model.Game, error) {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game == nil {
		return nil, ErrGameNotFound
	}
	members, err := s.memberRepo.List(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	game.Members = members
	return game, nil
}

// ListGames returns the games a user belongs to.
func (s *SessionCoordinator) ListGames(ctx context.Context, userID string) ([]model.Game, error) {
	return s.gameRepo.ListByUser(ctx, userID)
}

// ProposeAction records a player's free-text move for the current chapter,
// replacing any pending action they already submitted. Submitting an action
// implies readiness, so the player is added to continue_ready and the
// closure triggers are evaluated.
func (s *SessionCoordinator) ProposeAction(ctx context.Context, gameID, userID, text, characterID string) (*model.Action, error) {
	game, member, err := s.requireMember(ctx, gameID, userID)
	if err != nil {
		return nil, err
	}
	switch game.State {
	case model.StateActionPhase:
	case model.StateClosing:
		return nil, ErrPhaseClosing
	default:
		return nil, ErrWrongState
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyAction
	}
	if characterID == "" {
		characterID = member.CharacterID
	}

	action, err := s.actionRepo.ReplacePending(ctx, model.Action{
		GameID:        gameID,
		UserID:        userID,
		CharacterID:   characterID,
		ActionText:    text,
		ChapterNumber: game.CurrentChapter,
		Status:        model.ActionPending,
	})
	if err != nil {
		return nil, fmt.Errorf("replace pending action: %w", err)
	}

	if err := s.gameRepo.AddContinueReady(ctx, gameID, userID); err != nil {
		return nil, fmt.Errorf("add continue ready: %w", err)
	}

	s.broadcaster.BroadcastGameEvent(gameID, "actions_updated", map[string]any{
		"chapter_number": game.CurrentChapter,
	})
	s.publishReadiness(ctx, gameID)
	return action, nil
}

// MarkContinue records a player's readiness to move to the next chapter.
// Idempotent in both directions.
func (s *SessionCoordinator) MarkContinue(ctx context.Context, gameID, userID string, ready bool) error {
	game, _, err := s.requireMember(ctx, gameID, userID)
	if err != nil {
		return err
	}
	if game.State != model.StateActionPhase {
		if game.State == model.StateClosing {
			return ErrPhaseClosing
		}
		return ErrWrongState
	}

	if ready {
		err = s.gameRepo.AddContinueReady(ctx, gameID, userID)
	} else {
		err = s.gameRepo.RemoveContinueReady(ctx, gameID, userID)
	}
	if err != nil {
		return fmt.Errorf("update continue ready: %w", err)
	}

	s.publishReadiness(ctx, gameID)
	return nil
}

// PostMessage appends to the game's chat log. Allowed in any state except
// failed, so finished games keep a working epilogue chat.
func (s *SessionCoordinator) PostMessage(ctx context.Context, gameID, userID, content, msgType string) (*model.Message, error) {
	game, _, err := s.requireMember(ctx, gameID, userID)
	if err != nil {
		return nil, err
	}
	if game.State == model.StateFailed {
		return nil, ErrGameOver
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyAction
	}

	msg, err := s.messageRepo.Create(ctx, gameID, userID, content, msgType)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	s.broadcaster.BroadcastGameEvent(gameID, "new_message", map[string]any{
		"id":        msg.ID,
		"user_id":   msg.UserID,
		"content":   msg.Content,
		"type":      msg.Type,
		"timestamp": msg.CreatedAt.UTC().Format(time.RFC3339),
	})
	return msg, nil
}

// LeaveGame removes a member. The departure itself changes no game state,
// but the smaller member set may now satisfy a closure trigger.
func (s *SessionCoordinator) LeaveGame(ctx context.Context, gameID, userID string) error {
	game, _, err := s.requireMember(ctx, gameID, userID)
	if err != nil {
		return err
	}
	if err := s.memberRepo.Remove(ctx, gameID, userID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if err := s.gameRepo.RemoveContinueReady(ctx, gameID, userID); err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Str("userId", userID).
			Msg("Failed to clear continue ready on leave")
	}

	if game.State == model.StateActionPhase {
		s.publishReadiness(ctx, gameID)
	}
	return nil
}

// UpdateSettings applies an admin's partial settings update.
func (s *SessionCoordinator) UpdateSettings(ctx context.Context, gameID, userID string, patch SettingsPatch) (*model.Game, error) {
	game, member, err := s.requireMember(ctx, gameID, userID)
	if err != nil {
		return nil, err
	}
	if game.AdminID != userID && member.Role != model.RoleAdmin {
		return nil, ErrNotAdmin
	}
	if game.State == model.StateFinished || game.State == model.StateFailed {
		return nil, ErrGameOver
	}

	settings := game.Settings
	maxChapters := game.MaxChapters
	if patch.AllowSuggestions != nil {
		settings.AllowSuggestions = *patch.AllowSuggestions
	}
	if patch.DiscussionTimeSec != nil {
		settings.DiscussionTimeSec = *patch.DiscussionTimeSec
	}
	if patch.AutoContinue != nil {
		settings.AutoContinue = *patch.AutoContinue
	}
	if patch.ContinueTimeSec != nil {
		settings.ContinueTimeSec = *patch.ContinueTimeSec
	}
	if patch.RequireAllPlayers != nil {
		settings.RequireAllPlayers = *patch.RequireAllPlayers
	}
	if patch.MaxChapters != nil {
		maxChapters = *patch.MaxChapters
	}

	if maxChapters < 1 || maxChapters > 20 || maxChapters < game.CurrentChapter {
		return nil, ErrInvalidSettings
	}
	if settings.DiscussionTimeSec < 1 || settings.ContinueTimeSec < 1 {
		return nil, ErrInvalidSettings
	}

	if err := s.gameRepo.UpdateSettings(ctx, gameID, settings, maxChapters); err != nil {
		return nil, fmt.Errorf("update settings: %w", err)
	}
	game.Settings = settings
	game.MaxChapters = maxChapters
	return game, nil
}

// AddChapter is the admin override: the provided text becomes the next
// chapter in place of generated narrative, running the same single-flight
// advance as any other trigger.
func (s *SessionCoordinator) AddChapter(ctx context.Context, gameID, userID, content string) (*model.Chapter, error) {
	game, member, err := s.requireMember(ctx, gameID, userID)
	if err != nil {
		return nil, err
	}
	if game.AdminID != userID && member.Role != model.RoleAdmin {
		return nil, ErrNotAdmin
	}
	if game.State != model.StateActionPhase {
		if game.State == model.StateClosing {
			return nil, ErrPhaseClosing
		}
		return nil, ErrWrongState
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyAction
	}

	if s.timer != nil {
		s.timer.Cancel(gameID)
	}
	return s.engine.FinalizeWithText(ctx, gameID, game.CurrentChapter, content)
}

// ListActions returns a game's actions, optionally filtered by status.
func (s *SessionCoordinator) ListActions(ctx context.Context, gameID, status string) ([]model.Action, error) {
	if err := s.requireGame(ctx, gameID); err != nil {
		return nil, err
	}
	return s.actionRepo.ListByGame(ctx, gameID, status)
}

// ListChapters returns a game's chapters in order.
func (s *SessionCoordinator) ListChapters(ctx context.Context, gameID string) ([]model.Chapter, error) {
	if err := s.requireGame(ctx, gameID); err != nil {
		return nil, err
	}
	return s.chapterRepo.List(ctx, gameID)
}

// ListMembers returns a game's member snapshot.
func (s *SessionCoordinator) ListMembers(ctx context.Context, gameID string) ([]model.Member, error) {
	if err := s.requireGame(ctx, gameID); err != nil {
		return nil, err
	}
	return s.memberRepo.List(ctx, gameID)
}

// ListMessages returns a game's chat log.
func (s *SessionCoordinator) ListMessages(ctx context.Context, gameID string) ([]model.Message, error) {
	if err := s.requireGame(ctx, gameID); err != nil {
		return nil, err
	}
	return s.messageRepo.ListByGame(ctx, gameID)
}

// EnsureMembership verifies a user belongs to a game, repairing the member
// record from the originating room's roster when it is missing. Covers
// clients that connected before the lobby snapshot landed.
func (s *SessionCoordinator) EnsureMembership(ctx context.Context, gameID, userID string) error {
	member, err := s.memberRepo.Find(ctx, gameID, userID)
	if err != nil {
		return fmt.Errorf("find member: %w", err)
	}
	if member != nil {
		return nil
	}

	room, err := s.roomRepo.FindByGameID(ctx, gameID)
	if err != nil {
		return fmt.Errorf("find room for game: %w", err)
	}
	if room == nil {
		return ErrNotMember
	}
	for _, id := range room.MemberIDs {
		if id != userID {
			continue
		}
		m := model.Member{GameID: gameID, UserID: userID, Role: model.RolePlayer}
		if room.AdminID == userID {
			m.Role = model.RoleAdmin
		}
		for _, c := range room.Characters {
			if c.UserID == userID {
				m.CharacterID = c.CharacterID
				break
			}
		}
		if err := s.memberRepo.Insert(ctx, m); err != nil {
			return fmt.Errorf("repair membership: %w", err)
		}
		log.Info().Str("gameId", gameID).Str("userId", userID).
			Msg("Repaired missing game membership from room roster")
		return nil
	}
	return ErrNotMember
}

// PhaseStartedEvent returns the action_phase_started payload for the current
// phase, for replay to late subscribers. The second return is false when no
// phase is open.
func (s *SessionCoordinator) PhaseStartedEvent(ctx context.Context, gameID string) (map[string]any, bool) {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil || game == nil {
		return nil, false
	}
	if game.State != model.StateActionPhase || game.ActionPhase == nil {
		return nil, false
	}
	return map[string]any{
		"ends_at":       game.ActionPhase.EndsAt.UTC().Format(time.RFC3339),
		"seconds_total": game.ActionPhase.SecondsTotal,
		"auto_continue": game.Settings.AutoContinue,
	}, true
}

// publishReadiness broadcasts a fresh continue_update and evaluates the
// early-closure triggers. Runs after every readiness mutation.
func (s *SessionCoordinator) publishReadiness(ctx context.Context, gameID string) {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil || game == nil {
		log.Warn().Err(err).Str("gameId", gameID).Msg("Failed to re-read game for readiness update")
		return
	}
	if game.State != model.StateActionPhase || game.ActionPhase == nil {
		return
	}
	members, err := s.memberRepo.List(ctx, gameID)
	if err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Msg("Failed to list members for readiness update")
		return
	}

	ready := len(game.ContinueReady)
	total := len(members)
	remaining := int(game.ActionPhase.EndsAt.Sub(s.now()).Seconds())
	if remaining < 0 {
		remaining = 0
	}

	s.broadcaster.BroadcastGameEvent(gameID, "continue_update", map[string]any{
		"ready_count":       ready,
		"total":             total,
		"remaining_seconds": remaining,
	})

	if quorumMet(game.Settings, ready, total) {
		if s.timer != nil {
			s.timer.Cancel(gameID)
		}
		chapter := game.CurrentChapter
		go func() {
			finCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := s.engine.Finalize(finCtx, gameID, chapter); err != nil {
				log.Error().Err(err).Str("gameId", gameID).Msg("Failed to finalize after readiness quorum")
			}
		}()
	}
}

// requireMember loads the game and verifies the caller's membership.
func (s *SessionCoordinator) requireMember(ctx context.Context, gameID, userID string) (*model.Game, *model.Member, error) {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return nil, nil, err
	}
	if game == nil {
		return nil, nil, ErrGameNotFound
	}
	member, err := s.memberRepo.Find(ctx, gameID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("find member: %w", err)
	}
	if member == nil {
		return nil, nil, ErrNotMember
	}
	return game, member, nil
}

func (s *SessionCoordinator) requireGame(ctx context.Context, gameID string) error {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return err
	}
	if game == nil {
		return ErrGameNotFound
	}
	return nil
}
