package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inkwell/storyloom/api/internal/model"
	"github.com/inkwell/storyloom/api/internal/repository"
)

// tickInterval is how often an armed phase publishes a countdown update.
const tickInterval = 3 * time.Second

// PhaseTimer runs at most one countdown task per game. Each tick re-reads
// the game, publishes continue_update, and checks the closure triggers; on
// expiry or quorum it hands off to the expiry callback (GameEngine.Finalize).
// Correctness does not depend on this timer: the advancing CAS absorbs any
// stray tick, and the Redis backstop covers lost tasks.
type PhaseTimer struct {
	gameRepo    repository.GameRepository
	memberRepo  repository.MemberRepository
	broadcaster Broadcaster
	onExpire    func(ctx context.Context, gameID string, expectedChapter int)

	mu    sync.Mutex
	tasks map[string]context.CancelFunc

	now func() time.Time
}

// NewPhaseTimer creates a PhaseTimer. onExpire is invoked at most once per
// armed phase, from the timer's own goroutine.
func NewPhaseTimer(
	gameRepo repository.GameRepository,
	memberRepo repository.MemberRepository,
	broadcaster Broadcaster,
	onExpire func(ctx context.Context, gameID string, expectedChapter int),
) *PhaseTimer {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	return &PhaseTimer{
		gameRepo:    gameRepo,
		memberRepo:  memberRepo,
		broadcaster: broadcaster,
		onExpire:    onExpire,
		tasks:       make(map[string]context.CancelFunc),
		now:         time.Now,
	}
}

// Arm schedules the countdown for a game's current phase, replacing any
// existing task for that game.
func (t *PhaseTimer) Arm(gameID string, chapter int, endsAt time.Time) {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	if prev, ok := t.tasks[gameID]; ok {
		prev()
	}
	t.tasks[gameID] = cancel
	t.mu.Unlock()

	go t.run(ctx, gameID, chapter, endsAt)
}

// Cancel stops the countdown for a game if one is running. An in-flight tick
// may still publish once.
func (t *PhaseTimer) Cancel(gameID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.tasks[gameID]; ok {
		cancel()
		delete(t.tasks, gameID)
	}
}

// Stop cancels every running countdown. Called on shutdown.
func (t *PhaseTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, cancel := range t.tasks {
		cancel()
		delete(t.tasks, id)
	}
}

func (t *PhaseTimer) run(ctx context.Context, gameID string, chapter int, endsAt time.Time) {
	defer t.remove(gameID, ctx)

	for {
		remaining := endsAt.Sub(t.now())
		if remaining <= 0 {
			t.expire(ctx, gameID, chapter)
			return
		}
		sleep := tickInterval
		if remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}

		if done := t.tick(ctx, gameID, chapter, endsAt); done {
			return
		}
	}
}

// tick publishes one countdown update and evaluates the closure triggers.
// Returns true when the task is finished with this phase.
func (t *PhaseTimer) tick(ctx context.Context, gameID string, chapter int, endsAt time.Time) bool {
	game, err := t.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Msg("Timer tick failed to read game")
		return false
	}
	if game == nil || game.State != model.StateActionPhase || game.CurrentChapter != chapter {
		// Phase already moved on; another trigger won.
		return true
	}

	members, err := t.memberRepo.List(ctx, gameID)
	if err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Msg("Timer tick failed to list members")
		return false
	}

	ready := len(game.ContinueReady)
	total := len(members)
	remaining := int(endsAt.Sub(t.now()).Seconds())
	if remaining < 0 {
		remaining = 0
	}

	t.broadcaster.BroadcastGameEvent(gameID, "continue_update", map[string]any{
		"ready_count":       ready,
		"total":             total,
		"remaining_seconds": remaining,
	})

	if remaining == 0 || quorumMet(game.Settings, ready, total) {
		t.expire(ctx, gameID, chapter)
		return true
	}
	return false
}

func (t *PhaseTimer) expire(ctx context.Context, gameID string, chapter int) {
	log.Info().Str("gameId", gameID).Int("chapter", chapter).Msg("Phase timer expired")
	t.onExpire(ctx, gameID, chapter)
}

// remove clears the task entry, but only if it still belongs to this run.
func (t *PhaseTimer) remove(gameID string, ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.tasks[gameID]; ok && ctx.Err() == nil {
		delete(t.tasks, gameID)
	}
}

// quorumMet reports whether the ready set closes the phase early. With
// require_all_players every member must be ready; otherwise 60% of members,
// rounded up, with a floor of one.
func quorumMet(settings model.GameSettings, ready, total int) bool {
	if total == 0 {
		return false
	}
	if settings.RequireAllPlayers {
		return ready >= total
	}
	threshold := (3*total + 4) / 5 // ceil(0.6 * total)
	if threshold < 1 {
		threshold = 1
	}
	return ready >= threshold
}
