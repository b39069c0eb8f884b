package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inkwell/storyloom/api/internal/auth"
	"github.com/inkwell/storyloom/api/internal/config"
	"github.com/inkwell/storyloom/api/internal/handler"
	"github.com/inkwell/storyloom/api/internal/logger"
	"github.com/inkwell/storyloom/api/internal/middleware"
	"github.com/inkwell/storyloom/api/internal/narrative"
	"github.com/inkwell/storyloom/api/internal/repository/postgres"
	redisrepo "github.com/inkwell/storyloom/api/internal/repository/redis"
	"github.com/inkwell/storyloom/api/internal/service"
)

func main() {
	logger.Init()
	cfg := config.Load()
	log.Info().Str("databaseURL", cfg.DatabaseURL).Msg("Config loaded")

	// Database
	db, err := postgres.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()

	// Redis
	redisClient, err := redisrepo.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Redis connection failed")
	}
	defer redisClient.Close()

	// Enable Redis keyspace notifications for timer expiry events.
	if err := redisClient.Underlying().ConfigSet(context.Background(), "notify-keyspace-events", "Ex").Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to set Redis keyspace notifications (timer expiry may not work)")
	}

	// Repos
	userRepo := postgres.NewUserRepo(db)
	roomRepo := postgres.NewRoomRepo(db)
	gameRepo := postgres.NewGameRepo(db)
	memberRepo := postgres.NewMemberRepo(db)
	chapterRepo := postgres.NewChapterRepo(db)
	actionRepo := postgres.NewActionRepo(db)
	messageRepo := postgres.NewMessageRepo(db)
	worldRepo := postgres.NewWorldRepo(db)

	// Auth
	jwtMgr := auth.NewJWTManager(cfg.JWTSecret)
	googleOAuth := auth.NewGoogleOAuth(
		os.Getenv("GOOGLE_CLIENT_ID"),
		os.Getenv("GOOGLE_CLIENT_SECRET"),
		os.Getenv("GOOGLE_REDIRECT_URL"),
	)

	// WebSocket hub
	wsHub := handler.NewHub()

	// Narrative backend; without an API key chapters are canned text.
	var generator narrative.Generator
	if cfg.OpenAIAPIKey != "" {
		generator = narrative.NewOpenAIGenerator(narrative.Config{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIModel,
			TimeoutSec: cfg.OpenAITimeoutSec,
			MaxRetries: cfg.OpenAIMaxRetries,
		})
	} else {
		log.Warn().Msg("OPENAI_API_KEY not set, chapters will use static text")
		generator = narrative.Static{}
	}

	// Services
	engine := service.NewGameEngine(gameRepo, roomRepo, memberRepo, chapterRepo, actionRepo, worldRepo, redisClient, generator, wsHub)
	phaseTimer := service.NewPhaseTimer(gameRepo, memberRepo, wsHub, func(ctx context.Context, gameID string, chapter int) {
		if err := engine.Finalize(ctx, gameID, chapter); err != nil {
			log.Error().Err(err).Str("gameId", gameID).Msg("Finalize from timer failed")
		}
	})
	engine.SetPhaseTimer(phaseTimer)
	coordinator := service.NewSessionCoordinator(gameRepo, roomRepo, memberRepo, chapterRepo, actionRepo, messageRepo, engine, phaseTimer, wsHub)
	lobby := service.NewLobbyService(gameRepo, roomRepo, memberRepo, engine)

	// Timer listener (backstop finalization on expiry)
	timerListener := service.NewTimerListener(redisClient.Underlying(), engine, gameRepo)

	// Handlers
	authHandler := handler.NewAuthHandler(googleOAuth, jwtMgr, userRepo)
	userHandler := handler.NewUserHandler(userRepo)
	gameHandler := handler.NewGameHandler(coordinator)
	roomHandler := handler.NewRoomHandler(lobby)
	messageHandler := handler.NewMessageHandler(coordinator)
	wsHandler := handler.NewWSHandler(wsHub, jwtMgr, coordinator)

	// Router
	mux := http.NewServeMux()
	authMw := auth.Middleware(jwtMgr)

	// Health
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Auth (public)
	mux.HandleFunc("GET /auth/google/login", authHandler.GoogleLogin)
	mux.HandleFunc("GET /auth/google/callback", authHandler.GoogleCallback)
	mux.HandleFunc("POST /auth/refresh", authHandler.RefreshToken)
	mux.HandleFunc("GET /auth/dev", authHandler.DevLogin)

	// Protected API routes
	api := http.NewServeMux()
	api.HandleFunc("GET /users/me", userHandler.GetMe)
	api.HandleFunc("PATCH /users/me", userHandler.UpdateMe)
	api.HandleFunc("GET /users/{id}", userHandler.GetUser)
	api.HandleFunc("POST /rooms/{id}/start", roomHandler.StartGame)
	api.HandleFunc("GET /games", gameHandler.ListGames)
	api.HandleFunc("GET /games/{id}", gameHandler.GetGame)
	api.HandleFunc("POST /games/{id}/continue", gameHandler.MarkContinue)
	api.HandleFunc("POST /games/{id}/actions", gameHandler.ProposeAction)
	api.HandleFunc("GET /games/{id}/actions", gameHandler.ListActions)
	api.HandleFunc("GET /games/{id}/chapters", gameHandler.ListChapters)
	api.HandleFunc("POST /games/{id}/chapters", gameHandler.AddChapter)
	api.HandleFunc("GET /games/{id}/members", gameHandler.ListMembers)
	api.HandleFunc("PATCH /games/{id}/settings", gameHandler.UpdateSettings)
	api.HandleFunc("POST /games/{id}/leave", gameHandler.LeaveGame)
	api.HandleFunc("GET /games/{id}/messages", messageHandler.ListMessages)
	api.HandleFunc("POST /games/{id}/messages", messageHandler.SendMessage)

	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", authMw(api)))

	// WebSocket (auth via query param, not middleware)
	mux.HandleFunc("GET /api/v1/ws", wsHandler.ServeWS)

	// Apply global middleware
	root := middleware.Chain(mux, middleware.Logger, middleware.CORS("*"), middleware.JSON)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Recover active games (re-arm timers, resume interrupted advances)
	if err := engine.RecoverActiveGames(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to recover active games (non-fatal)")
	}

	// Start timer listener
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timerListener.Start(ctx)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server")

	cancel()
	phaseTimer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("Server stopped")
}
