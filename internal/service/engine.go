package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inkwell/storyloom/api/internal/model"
	"github.com/inkwell/storyloom/api/internal/narrative"
	"github.com/inkwell/storyloom/api/internal/repository"
)

// debounceWindow guards against finalize firing immediately after a phase
// opens, e.g. from the last tick of a previous chapter's timer.
const debounceWindow = time.Second

// GameEngine owns the chapter-advance state machine. All transitions go
// through conditional updates in the game repository, so any number of
// concurrent triggers (timer expiry, quorum, all-ready) collapse to exactly
// one advance per chapter.
type GameEngine struct {
	gameRepo    repository.GameRepository
	roomRepo    repository.RoomRepository
	memberRepo  repository.MemberRepository
	chapterRepo repository.ChapterRepository
	actionRepo  repository.ActionRepository
	worldRepo   repository.WorldRepository
	cache       repository.TimerCache
	generator   narrative.Generator
	broadcaster Broadcaster
	timer       *PhaseTimer

	now func() time.Time
}

// NewGameEngine creates a GameEngine. The phase timer is attached afterwards
// via SetPhaseTimer because the timer's expiry callback is Finalize.
func NewGameEngine(
	gameRepo repository.GameRepository,
	roomRepo repository.RoomRepository,
	memberRepo repository.MemberRepository,
	chapterRepo repository.ChapterRepository,
	actionRepo repository.ActionRepository,
	worldRepo repository.WorldRepository,
	cache repository.TimerCache,
	generator narrative.Generator,
	broadcaster Broadcaster,
) *GameEngine {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	if generator == nil {
		generator = narrative.Static{}
	}
	return &GameEngine{
		gameRepo:    gameRepo,
		roomRepo:    roomRepo,
		memberRepo:  memberRepo,
		chapterRepo: chapterRepo,
		actionRepo:  actionRepo,
		worldRepo:   worldRepo,
		cache:       cache,
		generator:   generator,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// SetPhaseTimer attaches the in-process countdown used to arm new phases.
func (e *GameEngine) SetPhaseTimer(t *PhaseTimer) {
	e.timer = t
}

// Finalize closes the current action phase and advances the game one chapter.
// Every closure trigger funnels here; the advancing CAS picks one winner and
// everyone else returns silently. expectedChapter pins the trigger to the
// phase it observed, so a stale trigger can never advance a later chapter.
func (e *GameEngine) Finalize(ctx context.Context, gameID string, expectedChapter int) error {
	_, err := e.finalize(ctx, gameID, expectedChapter, "")
	return err
}

// FinalizeWithText is the admin override: the supplied text becomes the next
// chapter instead of generated narrative, under the same single-flight CAS.
func (e *GameEngine) FinalizeWithText(ctx context.Context, gameID string, expectedChapter int, text string) (*model.Chapter, error) {
	chapter, err := e.finalize(ctx, gameID, expectedChapter, text)
	if err != nil {
		return nil, err
	}
	if chapter == nil {
		// Another trigger advanced the game first.
		return nil, ErrPhaseClosing
	}
	return chapter, nil
}

func (e *GameEngine) finalize(ctx context.Context, gameID string, expectedChapter int, override string) (*model.Chapter, error) {
	game, err := e.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("find game for finalize: %w", err)
	}
	if game == nil {
		return nil, ErrGameNotFound
	}
	if game.State != model.StateActionPhase || game.CurrentChapter != expectedChapter {
		return nil, nil
	}

	// A finalize arriving within a second of the phase opening is almost
	// always a leftover tick from the previous chapter's timer. Wait out
	// the remainder so the CAS below sees the settled phase.
	if game.ActionPhase != nil {
		if wait := game.ActionPhase.StartedAt.Add(debounceWindow).Sub(e.now()); wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	ok, err := e.gameRepo.AcquireAdvance(ctx, gameID, expectedChapter)
	if err != nil {
		return nil, fmt.Errorf("acquire advance: %w", err)
	}
	if !ok {
		log.Debug().Str("gameId", gameID).Int("chapter", expectedChapter).
			Msg("Advance already claimed by another trigger")
		return nil, nil
	}

	e.broadcaster.BroadcastGameEvent(gameID, "phase_changed", map[string]any{
		"phase":   model.StateClosing,
		"message": "Writing the next chapter...",
	})

	chapter, err := e.advance(ctx, gameID, override)
	if err != nil {
		log.Error().Err(err).Str("gameId", gameID).Msg("Chapter advance failed")
		if relErr := e.gameRepo.ReleaseAdvance(ctx, gameID); relErr != nil {
			log.Error().Err(relErr).Str("gameId", gameID).Msg("Failed to release advance lock")
		}
		return nil, err
	}
	return chapter, nil
}

// advance runs the chapter pipeline while holding the advancing lock:
// load context, generate text (unless an admin override supplied it),
// append the chapter, open the next phase or finish. Errors propagate to
// finalize, which releases the lock.
func (e *GameEngine) advance(ctx context.Context, gameID, override string) (*model.Chapter, error) {
	game, err := e.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("re-read game: %w", err)
	}
	if game == nil {
		return nil, ErrGameNotFound
	}
	if game.State == model.StateFinished || game.CurrentChapter >= game.MaxChapters {
		return nil, e.gameRepo.ReleaseAdvance(ctx, gameID)
	}

	next := game.CurrentChapter + 1
	text := override
	if text == "" {
		gc, err := e.narrativeContext(ctx, game)
		if err != nil {
			return nil, err
		}
		gc.ChapterIndex = next

		actions, err := e.actionRepo.ListByChapter(ctx, game.ID, game.CurrentChapter)
		if err != nil {
			return nil, fmt.Errorf("list chapter actions: %w", err)
		}
		for _, a := range actions {
			if a.Status == model.ActionPending {
				gc.Actions = append(gc.Actions, a)
			}
		}
		kind := narrative.KindAutomatic
		if len(gc.Actions) > 0 {
			kind = narrative.KindWithActions
		}

		// Generation may take seconds; nothing is locked here except the
		// advancing flag, which is exactly what keeps this single-flight.
		text, err = e.generator.Generate(ctx, kind, gc)
		if err != nil {
			log.Warn().Err(err).Str("gameId", game.ID).Int("chapter", next).
				Msg("Generator failed, using fallback text")
			text = narrative.FallbackText
		}
	}

	chapter, err := e.chapterRepo.Append(ctx, game.ID, next, text)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateChapter) {
			log.Info().Str("gameId", game.ID).Int("chapter", next).
				Msg("Chapter already written by another process")
			return nil, e.gameRepo.ReleaseAdvance(ctx, gameID)
		}
		return nil, fmt.Errorf("append chapter: %w", err)
	}

	members, err := e.memberRepo.List(ctx, game.ID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	if next >= game.MaxChapters {
		if err := e.gameRepo.Finish(ctx, game.ID, next, e.now()); err != nil {
			return nil, fmt.Errorf("finish game: %w", err)
		}
		e.broadcaster.BroadcastGameEvent(game.ID, "chapter_created", map[string]any{
			"chapter_number": next,
		})
		e.broadcaster.BroadcastGameEvent(game.ID, "state_changed", map[string]any{
			"state": model.StateFinished,
		})
		e.broadcaster.BroadcastGameEvent(game.ID, "finished", map[string]any{
			"game_id": game.ID,
		})
		if err := e.actionRepo.ArchivePending(ctx, game.ID, game.CurrentChapter); err != nil {
			log.Warn().Err(err).Str("gameId", game.ID).Msg("Failed to archive pending actions")
		}
		if e.timer != nil {
			e.timer.Cancel(game.ID)
		}
		if err := e.cache.DeleteGameData(ctx, game.ID); err != nil {
			log.Warn().Err(err).Str("gameId", game.ID).Msg("Failed to clear game timer data")
		}
		log.Info().Str("gameId", game.ID).Int("chapters", next).Msg("Game finished")
		return chapter, nil
	}

	phase := e.newPhase(game.Settings.DiscussionTimeSec)
	if err := e.gameRepo.OpenNextPhase(ctx, game.ID, next, phase); err != nil {
		return nil, fmt.Errorf("open next phase: %w", err)
	}

	e.broadcastPhaseOpen(game, next, phase, len(members))

	if err := e.actionRepo.ArchivePending(ctx, game.ID, game.CurrentChapter); err != nil {
		log.Warn().Err(err).Str("gameId", game.ID).Msg("Failed to archive pending actions")
	}

	e.armPhase(ctx, game.ID, next, phase)

	log.Info().Str("gameId", game.ID).Int("chapter", next).
		Time("endsAt", phase.EndsAt).Msg("Game advanced to next chapter")
	return chapter, nil
}

// InitializeFirstChapter generates chapter 1 for a freshly created game and
// opens its first action phase. Called in the background by the lobby
// promotion; a generation failure here is terminal for the game.
func (e *GameEngine) InitializeFirstChapter(ctx context.Context, gameID string) error {
	game, err := e.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return fmt.Errorf("find game for init: %w", err)
	}
	if game == nil {
		return ErrGameNotFound
	}
	if game.State != model.StateInitializing {
		return nil
	}

	gc, err := e.narrativeContext(ctx, game)
	if err != nil {
		return e.failGame(ctx, game.ID, err)
	}
	gc.ChapterIndex = 1

	text, err := e.generator.Generate(ctx, narrative.KindFirst, gc)
	if err != nil {
		return e.failGame(ctx, game.ID, err)
	}

	if _, err := e.chapterRepo.Append(ctx, game.ID, 1, text); err != nil && !errors.Is(err, repository.ErrDuplicateChapter) {
		return e.failGame(ctx, game.ID, err)
	}

	phase := e.newPhase(game.Settings.DiscussionTimeSec)
	ok, err := e.gameRepo.ActivateFirstChapter(ctx, game.ID, phase)
	if err != nil {
		return e.failGame(ctx, game.ID, err)
	}
	if !ok {
		log.Info().Str("gameId", game.ID).Msg("Game no longer initializing, skipping activation")
		return nil
	}

	members, err := e.memberRepo.List(ctx, game.ID)
	if err != nil {
		log.Warn().Err(err).Str("gameId", game.ID).Msg("Failed to list members for first phase")
	}

	e.broadcaster.BroadcastRoomEvent(game.RoomID, "started", map[string]any{
		"game_id": game.ID,
	})
	e.broadcastPhaseOpen(game, 1, phase, len(members))
	e.armPhase(ctx, game.ID, 1, phase)

	log.Info().Str("gameId", game.ID).Time("endsAt", phase.EndsAt).Msg("First chapter opened")
	return nil
}

// failGame marks the game failed and notifies subscribers. Used only during
// first-chapter initialization; mid-game failures degrade to fallback text.
func (e *GameEngine) failGame(ctx context.Context, gameID string, cause error) error {
	log.Error().Err(cause).Str("gameId", gameID).Msg("First chapter initialization failed")
	if err := e.gameRepo.Fail(ctx, gameID, cause.Error()); err != nil {
		return fmt.Errorf("mark game failed: %w", err)
	}
	e.broadcaster.BroadcastGameEvent(gameID, "failed", map[string]any{
		"error": cause.Error(),
	})
	return cause
}

// RecoverActiveGames re-arms timers for games left mid-phase by a restart.
// Games whose deadline already passed are finalized immediately; games stuck
// in closing retry the advance, relying on the unique chapter key for
// idempotence.
func (e *GameEngine) RecoverActiveGames(ctx context.Context) error {
	games, err := e.gameRepo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active games: %w", err)
	}
	if len(games) == 0 {
		log.Info().Msg("No active games to recover")
		return nil
	}

	log.Info().Int("count", len(games)).Msg("Recovering active games after restart")

	for _, game := range games {
		switch game.State {
		case model.StateActionPhase:
			if game.ActionPhase == nil {
				log.Warn().Str("gameId", game.ID).Msg("Action phase game has no phase window, skipping")
				continue
			}
			if e.now().Before(game.ActionPhase.EndsAt) {
				e.armPhase(ctx, game.ID, game.CurrentChapter, *game.ActionPhase)
				log.Info().Str("gameId", game.ID).Int("chapter", game.CurrentChapter).
					Time("endsAt", game.ActionPhase.EndsAt).Msg("Recovered phase timer")
				continue
			}
			gameCopy := game
			go func() {
				finCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if err := e.Finalize(finCtx, gameCopy.ID, gameCopy.CurrentChapter); err != nil {
					log.Error().Err(err).Str("gameId", gameCopy.ID).Msg("Failed to finalize expired phase during recovery")
				}
			}()
		case model.StateClosing:
			// The previous process died mid-advance. The chapter append is
			// idempotent, so retrying is safe.
			gameCopy := game
			go func() {
				advCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if _, err := e.advance(advCtx, gameCopy.ID, ""); err != nil {
					log.Error().Err(err).Str("gameId", gameCopy.ID).Msg("Failed to resume interrupted advance")
					if relErr := e.gameRepo.ReleaseAdvance(advCtx, gameCopy.ID); relErr != nil {
						log.Error().Err(relErr).Str("gameId", gameCopy.ID).Msg("Failed to release advance lock during recovery")
					}
				}
			}()
		case model.StateInitializing:
			gameCopy := game
			go func() {
				initCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if err := e.InitializeFirstChapter(initCtx, gameCopy.ID); err != nil {
					log.Error().Err(err).Str("gameId", gameCopy.ID).Msg("Failed to resume first chapter during recovery")
				}
			}()
		}
	}
	return nil
}

// narrativeContext assembles the world, prior chapters and character
// snapshot the generator needs.
func (e *GameEngine) narrativeContext(ctx context.Context, game *model.Game) (narrative.Context, error) {
	gc := narrative.Context{TotalChapters: game.MaxChapters}

	if game.WorldID != "" {
		world, err := e.worldRepo.FindByID(ctx, game.WorldID)
		if err != nil {
			return gc, fmt.Errorf("load world: %w", err)
		}
		gc.World = world
	}

	chapters, err := e.chapterRepo.List(ctx, game.ID)
	if err != nil {
		return gc, fmt.Errorf("list chapters: %w", err)
	}
	gc.Chapters = chapters

	room, err := e.roomRepo.FindByID(ctx, game.RoomID)
	if err != nil {
		return gc, fmt.Errorf("load room: %w", err)
	}
	if room != nil {
		gc.Characters = room.Characters
	}
	return gc, nil
}

// newPhase opens a discussion window starting now.
func (e *GameEngine) newPhase(discussionSec int) model.ActionPhase {
	if discussionSec <= 0 {
		discussionSec = model.DefaultSettings().DiscussionTimeSec
	}
	started := e.now()
	return model.ActionPhase{
		StartedAt:    started,
		EndsAt:       started.Add(time.Duration(discussionSec) * time.Second),
		SecondsTotal: discussionSec,
	}
}

// broadcastPhaseOpen emits the fixed phase-opening burst. Order matters to
// clients: the chapter exists before the phase that discusses it.
func (e *GameEngine) broadcastPhaseOpen(game *model.Game, chapter int, phase model.ActionPhase, total int) {
	e.broadcaster.BroadcastGameEvent(game.ID, "chapter_created", map[string]any{
		"chapter_number":     chapter,
		"discussion_seconds": phase.SecondsTotal,
	})
	e.broadcaster.BroadcastGameEvent(game.ID, "action_phase_started", map[string]any{
		"ends_at":       phase.EndsAt.UTC().Format(time.RFC3339),
		"seconds_total": phase.SecondsTotal,
		"auto_continue": game.Settings.AutoContinue,
	})
	e.broadcaster.BroadcastGameEvent(game.ID, "phase_changed", map[string]any{
		"phase": model.StateActionPhase,
	})
	e.broadcaster.BroadcastGameEvent(game.ID, "continue_update", map[string]any{
		"ready_count":       0,
		"total":             total,
		"remaining_seconds": phase.SecondsTotal,
	})
}

// armPhase starts the in-process countdown and writes the Redis backstop key.
func (e *GameEngine) armPhase(ctx context.Context, gameID string, chapter int, phase model.ActionPhase) {
	if err := e.cache.SetTimer(ctx, gameID, phase.EndsAt); err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Msg("Failed to set timer backstop key")
	}
	if e.timer != nil {
		e.timer.Arm(gameID, chapter, phase.EndsAt)
	}
}
