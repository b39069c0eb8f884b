package service

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/inkwell/storyloom/api/internal/repository"
)

// TimerListener is the restart backstop for phase deadlines. The in-process
// PhaseTimer normally finalizes phases; this listener catches games whose
// timer task was lost, via Redis keyspace notifications on expired timer
// keys plus a polling fallback for when notifications are unavailable.
type TimerListener struct {
	rdb      *redis.Client
	engine   *GameEngine
	gameRepo repository.GameRepository
}

// NewTimerListener creates a TimerListener.
func NewTimerListener(rdb *redis.Client, engine *GameEngine, gameRepo repository.GameRepository) *TimerListener {
	return &TimerListener{rdb: rdb, engine: engine, gameRepo: gameRepo}
}

// Start begins listening for expired key events and runs a polling fallback.
func (t *TimerListener) Start(ctx context.Context) {
	go t.listenKeyspace(ctx)
	t.pollExpiredPhases(ctx)
}

// listenKeyspace subscribes to Redis keyspace notifications for expired keys.
func (t *TimerListener) listenKeyspace(ctx context.Context) {
	pubsub := t.rdb.PSubscribe(ctx, "__keyevent@0__:expired")
	defer pubsub.Close()

	log.Info().Msg("Timer listener started, listening for expired keys")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.handleExpiry(ctx, msg.Payload)
		}
	}
}

// pollExpiredPhases periodically checks for phases past their deadline and finalizes them.
func (t *TimerListener) pollExpiredPhases(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	log.Info().Msg("Phase deadline poller started (10s interval)")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Phase deadline poller stopped")
			return
		case <-ticker.C:
			t.checkExpiredPhases(ctx)
		}
	}
}

// checkExpiredPhases finds action phases past their deadline and finalizes them.
func (t *TimerListener) checkExpiredPhases(ctx context.Context) {
	games, err := t.gameRepo.ListExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list expired phases")
		return
	}
	if len(games) > 0 {
		log.Info().Int("count", len(games)).Msg("Poller found expired phases")
	}
	for _, g := range games {
		log.Info().Str("gameId", g.ID).Int("chapter", g.CurrentChapter).
			Msg("Poller finalizing expired phase")
		if err := t.engine.Finalize(ctx, g.ID, g.CurrentChapter); err != nil {
			log.Error().Err(err).Str("gameId", g.ID).Msg("Phase finalization failed from poller")
		}
	}
}

// handleExpiry processes an expired key. Only acts on game timer keys.
func (t *TimerListener) handleExpiry(ctx context.Context, key string) {
	if !strings.HasPrefix(key, "game:") || !strings.HasSuffix(key, ":timer") {
		return
	}

	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return
	}
	gameID := parts[1]

	game, err := t.gameRepo.FindByID(ctx, gameID)
	if err != nil || game == nil {
		log.Warn().Err(err).Str("gameId", gameID).Msg("Expired timer key for unknown game")
		return
	}

	log.Info().Str("gameId", gameID).Msg("Timer key expired, triggering phase finalization")
	if err := t.engine.Finalize(ctx, gameID, game.CurrentChapter); err != nil {
		log.Error().Err(err).Str("gameId", gameID).Msg("Phase finalization failed after timer expiry")
	}
}
