package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/patchworkhq/backend/internal/auth"
	"github.com/patchworkhq/backend/internal/config"
	"github.com/patchworkhq/backend/internal/dispatch"
	"github.com/patchworkhq/backend/internal/limits"
	"github.com/patchworkhq/backend/internal/linear"
	"github.com/patchworkhq/backend/internal/notify"
	"github.com/patchworkhq/backend/internal/repository"
	"github.com/patchworkhq/backend/internal/tasks"
	"github.com/patchworkhq/backend/internal/webhook"
	"github.com/patchworkhq/backend/internal/workers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}

	// Repositories
	taskRepo := repository.NewTaskRepo(pool)
	usageRepo := repository.NewUsageRepo(pool)

	// Auth
	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, cfg.JWTSecret)
	authHandler := auth.NewHandler(authSvc, logger)

	// Side-effect workers (notification delivery + issue sync)
	linearClient := linear.NewClient(cfg.LinearAPIURL, cfg.LinearAPIKey, logger)
	riverWorkers := river.NewWorkers()
	river.AddWorker(riverWorkers, notify.NewNotifyUserWorker(cfg.NotifyURL, logger))
	river.AddWorker(riverWorkers, notify.NewSyncIssueWorker(linearClient, taskRepo, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: riverWorkers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	// Orchestration core
	limiter := limits.NewLimiter(cfg.Limits, taskRepo, usageRepo, logger)
	directory := workers.NewDirectory(cfg.Workers, cfg.PreferenceOrder, logger)
	dispatcher := dispatch.NewDispatcher(directory, cfg.DispatchTimeout,
		cfg.DispatchSecret, cfg.InternalAuthToken, cfg.OrchestratorID, logger)
	verifier := webhook.NewVerifier(cfg.WebhookWindow)

	taskSvc := tasks.NewService(tasks.Deps{
		Store:      taskRepo,
		Limiter:    limiter,
		Dispatcher: dispatcher,
		InsertNotify: func(ctx context.Context, args notify.NotifyUserArgs) error {
			_, err := riverClient.Insert(ctx, args, nil)
			return err
		},
		InsertIssueSync: func(ctx context.Context, args notify.SyncIssueArgs) error {
			_, err := riverClient.Insert(ctx, args, nil)
			return err
		},
		PublicURL:        cfg.PublicURL,
		SystemPromptHash: systemPromptHash(),
		ZombieThreshold:  cfg.ZombieThreshold,
		Logger:           logger,
	})

	mux := http.NewServeMux()
	RegisterRoutes(mux, taskSvc, verifier, authSvc, authHandler, cfg, logger)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes side-effect jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	// Periodic zombie sweep
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.ZombieSweepSpec, func() {
		if _, err := taskSvc.DetectZombies(context.Background()); err != nil {
			slog.Error("Scheduled zombie sweep failed", "error", err)
		}
	}); err != nil {
		slog.Error("Invalid zombie sweep schedule", "spec", cfg.ZombieSweepSpec, "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	slog.Info("Starting HTTP server", "addr", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
