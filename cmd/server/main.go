// Ask Ghassan - natural-language questions over a SQLite database
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

	"github.com/ghassan-labs/askdb/internal/agent"
	"github.com/ghassan-labs/askdb/internal/api"
	"github.com/ghassan-labs/askdb/internal/chat"
	"github.com/ghassan-labs/askdb/internal/config"
	"github.com/ghassan-labs/askdb/internal/datadict"
	"github.com/ghassan-labs/askdb/internal/health"
	"github.com/ghassan-labs/askdb/internal/identity"
	"github.com/ghassan-labs/askdb/internal/middleware"
	"github.com/ghassan-labs/askdb/internal/render"
	"github.com/ghassan-labs/askdb/internal/session"
	"github.com/ghassan-labs/askdb/internal/store"
	"github.com/ghassan-labs/askdb/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const serviceName = "askdb"

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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "db_path", cfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, serviceName)
	if err != nil {
		slog.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	// Initialize dependencies.
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Failed to close database", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", db.Path())

	dictionary := datadict.Default
	if cfg.DataDictionaryPath != "" {
		dictionary, err = datadict.Load(cfg.DataDictionaryPath)
		if err != nil {
			slog.Error("Failed to load data dictionary", "error", err)
			os.Exit(1)
		}
		slog.Info("Data dictionary loaded", "path", cfg.DataDictionaryPath)
	}
	warnOnSchemaDrift(ctx, db, dictionary)

	// The page must still come up without a credential so it can report the
	// configuration error; the agent is simply never built.
	var queryAgent agent.Agent
	credErr := cfg.CredentialError()
	if credErr == nil {
		queryAgent, err = agent.NewSQLAgent(
			agent.NewOpenAIClient(cfg.Agent.APIKey, cfg.Agent.BaseURL),
			db,
			agent.Config{
				Model:         cfg.Agent.Model,
				MaxIterations: cfg.Agent.MaxIterations,
				TopK:          cfg.Agent.TopK,
			},
			logger,
		)
		if err != nil {
			slog.Error("Failed to initialize query agent", "error", err)
			os.Exit(1)
		}
		slog.Info("Query agent initialized", "model", cfg.Agent.Model, "timeout", cfg.Agent.Timeout)
	} else {
		slog.Warn("Query agent disabled", "reason", credErr)
	}

	conversationLogger, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	controller, err := chat.NewController(queryAgent, chat.Config{
		Dictionary:     dictionary,
		Timeout:        cfg.Agent.Timeout,
		UnavailableErr: credErr,
	}, conversationLogger, logger)
	if err != nil {
		slog.Error("Failed to initialize chat controller", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	sessions := session.NewManager()
	hub := session.NewHub()

	handler, err := api.NewHandler(cfg, db, sessions, hub, controller, render.New(cfg.AssistantName))
	if err != nil {
		slog.Error("Failed to initialize handlers", "error", err)
		os.Exit(1)
	}
	defer handler.Close()

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg), identity.SessionHeaderName))
	r.Use(middleware.LimitBody(cfg.MaxRequestBodySize))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	handler.RegisterRoutes(r)

	// WriteTimeout stays above the agent timeout so slow answers are not cut off.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Agent.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	session.StartTTLWorker(ctx, sessions, cfg.SessionTTL, nil)

	if cfg.GRPCHealthAddr != "" {
		healthSrv := health.NewServer(db, controller.Available(), logger)
		go func() {
			if err := healthSrv.ListenAndServe(ctx, cfg.GRPCHealthAddr, 0); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
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

	// Agent calls ignore request cancellation, so give in-flight answers
	// their full timeout before giving up on them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Fall through so deferred cleanup still flushes the conversation
		// log and telemetry.
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	return cfg.Agent.Timeout + 10*time.Second
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

// warnOnSchemaDrift logs dictionary columns missing from the database and
// live columns the dictionary does not describe. Drift is never fatal.
func warnOnSchemaDrift(ctx context.Context, db store.Database, dictionary string) {
	live, err := db.Columns(ctx)
	if err != nil {
		slog.Warn("Could not read database columns for drift check", "error", err)
		return
	}
	drift := datadict.CheckDrift(datadict.Columns(dictionary), live)
	if drift.Empty() {
		return
	}
	slog.Warn("Data dictionary does not match database schema",
		"undocumented", drift.Undocumented,
		"missing", drift.Missing,
	)
}
