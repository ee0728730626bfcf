// SHSH Eval - chat-driven shell evaluation server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shsh-eval/internal/api"
	"github.com/ashureev/shsh-eval/internal/bot"
	"github.com/ashureev/shsh-eval/internal/chat"
	"github.com/ashureev/shsh-eval/internal/command"
	"github.com/ashureev/shsh-eval/internal/config"
	"github.com/ashureev/shsh-eval/internal/delivery"
	"github.com/ashureev/shsh-eval/internal/engine"
	"github.com/ashureev/shsh-eval/internal/engine/docker"
	"github.com/ashureev/shsh-eval/internal/engine/remote"
	"github.com/ashureev/shsh-eval/internal/execution"
	"github.com/ashureev/shsh-eval/internal/identity"
	"github.com/ashureev/shsh-eval/internal/middleware"
	"github.com/ashureev/shsh-eval/internal/render"
	"github.com/ashureev/shsh-eval/internal/session"
	"github.com/ashureev/shsh-eval/internal/store"
	"github.com/ashureev/shsh-eval/internal/tracker"
	"github.com/ashureev/shsh-eval/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "engine", cfg.Engine.Kind, "in_container", config.IsContainer())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	eng, engineHealth, closeEngine, err := setupEngine(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize evaluation engine", "error", err)
		os.Exit(1)
	}
	defer closeEngine()

	// Evaluation core.
	registry := session.NewRegistry(eng)
	pipeline, err := execution.NewPipeline(eng, cfg.Bot.EvalTimeout, cfg.Bot.MaxDisplay)
	if err != nil {
		slog.Error("Failed to initialize execution pipeline", "error", err)
		os.Exit(1)
	}
	parser := command.NewParser(cfg.Bot.Prefix, command.UnicodeSanitizer{})
	responses := tracker.New()

	// Chat transport. Events are handled on ctx, not on the request that
	// produced them.
	hub := chat.NewHub(ctx, repo)
	defer hub.Close()
	scheduler := delivery.NewScheduler(hub, responses, delivery.Config{
		AutoDelete:      cfg.Bot.AutoDelete,
		AutoDeleteDelay: cfg.Bot.AutoDeleteDelay,
	})
	botHandler := bot.NewHandler(parser, registry, pipeline, render.NewEmbedRenderer(), scheduler)
	hub.SetDispatcher(botHandler)
	hub.StartSweeper(ctx, cfg.TranscriptRetention)

	// Initialize handlers.
	clientCfg := api.ClientConfig{
		Prefix:     cfg.Bot.Prefix,
		MaxDisplay: cfg.Bot.MaxDisplay,
		AutoDelete: cfg.Bot.AutoDelete,
	}
	if cfg.Bot.AutoDelete {
		clientCfg.AutoDeleteSeconds = int64(cfg.Bot.AutoDeleteDelay.Seconds())
	}
	messageHandler := api.NewMessageHandler(hub, clientCfg)
	healthHandler := api.NewHealthHandler(repo, engineHealth, func() api.Stats {
		return api.Stats{
			Sessions:         registry.Len(),
			TrackedResponses: responses.Len(),
			Subscribers:      hub.Subscribers(),
			InFlight:         botHandler.InFlight(),
		}
	})
	wsHandler := chat.NewWebSocketHandler(hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		allowedOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(allowedOrigins, identity.NameHeader))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		messageHandler.RegisterRoutes(r)

		// WebSocket endpoint.
		r.Get("/ws/chat", wsHandler.ServeHTTP)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket connections are long lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully", "in_flight", botHandler.InFlight())
}

// setupEngine builds the configured evaluation engine. The returned cleanup
// releases its resources.
func setupEngine(ctx context.Context, cfg *config.Config) (engine.Engine, api.Check, func(), error) {
	switch cfg.Engine.Kind {
	case config.EngineRemote:
		slog.Info("Connecting to remote engine via gRPC", "address", cfg.Engine.RemoteAddr)
		eng, err := remote.New(remote.DefaultConfig(cfg.Engine.RemoteAddr))
		if err != nil {
			return nil, nil, nil, err
		}
		return eng, eng.Health, eng.Close, nil

	case config.EngineDocker:
		rt, err := docker.NewDockerRuntime(cfg.Engine.Image, cfg.Engine.ContainerRuntime)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := rt.Ping(ctx); err != nil {
			_ = rt.Close()
			return nil, nil, nil, fmt.Errorf("docker daemon unreachable: %w", err)
		}
		if err := rt.EnsureImage(ctx); err != nil {
			_ = rt.Close()
			return nil, nil, nil, err
		}
		if n, err := rt.RemoveOrphans(ctx); err != nil {
			slog.Warn("Failed to remove orphaned containers", "error", err)
		} else if n > 0 {
			slog.Info("Removed orphaned containers", "count", n)
		}

		eng := docker.New(rt, cfg.Engine.IdleTTL)
		eng.StartReaper(ctx)
		slog.Info("Docker engine initialized", "image", cfg.Engine.Image, "idle_ttl", cfg.Engine.IdleTTL)

		cleanup := func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			eng.Shutdown(shutdownCtx)
			if err := rt.Close(); err != nil {
				slog.Error("Failed to close docker client", "error", err)
			}
		}
		return eng, rt.Ping, cleanup, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown engine %q", cfg.Engine.Kind)
	}
}
