// Angel - AI-guided business planning server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/founderport/angel/internal/api"
	"github.com/founderport/angel/internal/config"
	"github.com/founderport/angel/internal/conversation"
	"github.com/founderport/angel/internal/entitlement"
	"github.com/founderport/angel/internal/identity"
	"github.com/founderport/angel/internal/llm"
	"github.com/founderport/angel/internal/middleware"
	"github.com/founderport/angel/internal/plan"
	"github.com/founderport/angel/internal/research"
	"github.com/founderport/angel/internal/store"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	generator, err := llm.NewAnthropicGenerator(llm.AnthropicConfig{
		APIKey:    cfg.AnthropicAPIKey,
		Model:     cfg.AnthropicModel,
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		slog.Error("Failed to initialize generator", "error", err)
		os.Exit(1)
	}
	slog.Info("Generator initialized", "model", cfg.AnthropicModel)

	// Research is optional; without an endpoint the conversation simply
	// asks the user instead of enriching with search results.
	var searcher research.Searcher
	if cfg.SearchAPIURL != "" {
		searcher = research.NewHTTPSearcher(cfg.SearchAPIURL, 10*time.Second)
		slog.Info("Research search enabled", "endpoint", cfg.SearchAPIURL)
	} else {
		slog.Info("Research search disabled (SEARCH_API_URL not set)")
	}
	limiter := research.NewRateLimiter(cfg.SearchRateLimit, cfg.SearchRateWindow)
	defer limiter.Close()
	researchClient := research.NewClient(searcher, limiter, cfg.SearchCacheTTL)

	checker := entitlement.Static{Active: cfg.SubscriptionsActive}
	controller := conversation.NewController(checker)
	plans := plan.NewService(generator)
	orchestrator := conversation.NewOrchestrator(
		repo, generator, researchClient, controller, plans,
		conversation.DefaultSystemContext,
	)

	handler := api.NewHandler(repo, orchestrator, cfg.GenerationTimeout)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		corsOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(corsOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Generation-backed endpoints need headroom beyond the model call.
		WriteTimeout: cfg.GenerationTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	slog.Info("Server stopped successfully")
}
