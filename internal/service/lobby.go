package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inkwell/storyloom/api/internal/model"
	"github.com/inkwell/storyloom/api/internal/repository"
)

// LobbyService promotes a ready lobby room into a running game. Promotion is
// idempotent: the room's game link is claimed with a conditional update, so
// concurrent starts converge on one game.
type LobbyService struct {
	gameRepo   repository.GameRepository
	roomRepo   repository.RoomRepository
	memberRepo repository.MemberRepository
	engine     *GameEngine
}

// NewLobbyService creates a LobbyService.
func NewLobbyService(
	gameRepo repository.GameRepository,
	roomRepo repository.RoomRepository,
	memberRepo repository.MemberRepository,
	engine *GameEngine,
) *LobbyService {
	return &LobbyService{
		gameRepo:   gameRepo,
		roomRepo:   roomRepo,
		memberRepo: memberRepo,
		engine:     engine,
	}
}

// StartGameFromRoom creates a game from a room whose members are all ready.
// Only the room admin may start. If the room is already linked to a game,
// that game is returned unchanged. First-chapter generation runs in the
// background; the returned game is still initializing.
func (s *LobbyService) StartGameFromRoom(ctx context.Context, roomID, callerID string) (*model.Game, error) {
	room, err := s.roomRepo.FindByID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("find room: %w", err)
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	if room.GameID != "" {
		return s.existingGame(ctx, room.GameID)
	}
	if room.AdminID != callerID {
		return nil, ErrNotAdmin
	}
	if len(room.MemberIDs) == 0 || !allReady(room) {
		return nil, ErrMembersNotReady
	}

	game, err := s.gameRepo.Create(ctx, &model.Game{
		RoomID:      room.ID,
		Name:        room.Name,
		WorldID:     room.WorldID,
		MaxChapters: clampChapters(room.MaxChapters),
		MaxPlayers:  room.MaxPlayers,
		OwnerID:     room.OwnerID,
		AdminID:     room.AdminID,
		State:       model.StateInitializing,
		Settings:    normalizeSettings(room.Settings),
	})
	if err != nil {
		return nil, fmt.Errorf("create game: %w", err)
	}

	for _, userID := range room.MemberIDs {
		m := model.Member{
			GameID:  game.ID,
			UserID:  userID,
			Role:    model.RolePlayer,
			IsReady: true,
		}
		if userID == room.AdminID {
			m.Role = model.RoleAdmin
		}
		for _, c := range room.Characters {
			if c.UserID == userID {
				m.CharacterID = c.CharacterID
				break
			}
		}
		if err := s.memberRepo.Insert(ctx, m); err != nil {
			return nil, fmt.Errorf("snapshot member %s: %w", userID, err)
		}
	}

	linked, err := s.roomRepo.LinkGame(ctx, room.ID, game.ID)
	if err != nil {
		return nil, fmt.Errorf("link room: %w", err)
	}
	if !linked {
		// Lost the race: another start already claimed the room. Drop the
		// orphan and return the winner's game.
		if delErr := s.gameRepo.Delete(ctx, game.ID); delErr != nil {
			log.Error().Err(delErr).Str("gameId", game.ID).Msg("Failed to delete orphan game after lost start race")
		}
		current, err := s.roomRepo.FindByID(ctx, room.ID)
		if err != nil {
			return nil, fmt.Errorf("re-read room after lost race: %w", err)
		}
		if current == nil || current.GameID == "" {
			return nil, ErrRoomNotFound
		}
		return s.existingGame(ctx, current.GameID)
	}

	log.Info().Str("gameId", game.ID).Str("roomId", room.ID).
		Int("members", len(room.MemberIDs)).Msg("Game created from room, generating first chapter")

	go func() {
		initCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.engine.InitializeFirstChapter(initCtx, game.ID); err != nil {
			log.Error().Err(err).Str("gameId", game.ID).Msg("First chapter initialization failed")
		}
	}()

	return game, nil
}

func (s *LobbyService) existingGame(ctx context.Context, gameID string) (*model.Game, error) {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("find linked game: %w", err)
	}
	if game == nil {
		return nil, ErrGameNotFound
	}
	return game, nil
}

func allReady(room *model.Room) bool {
	ready := make(map[string]bool, len(room.ReadyPlayers))
	for _, id := range room.ReadyPlayers {
		ready[id] = true
	}
	for _, id := range room.MemberIDs {
		if !ready[id] {
			return false
		}
	}
	return true
}

func clampChapters(n int) int {
	if n <= 0 {
		return 5
	}
	if n > 20 {
		return 20
	}
	return n
}

// normalizeSettings fills unset room settings with defaults.
func normalizeSettings(s model.GameSettings) model.GameSettings {
	def := model.DefaultSettings()
	if s.DiscussionTimeSec <= 0 {
		s.DiscussionTimeSec = def.DiscussionTimeSec
	}
	if s.ContinueTimeSec <= 0 {
		s.ContinueTimeSec = def.ContinueTimeSec
	}
	return s
}
