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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/lumora/backend/internal/auth"
	"github.com/lumora/backend/internal/config"
	"github.com/lumora/backend/internal/credentials"
	"github.com/lumora/backend/internal/db"
	"github.com/lumora/backend/internal/generation"
	"github.com/lumora/backend/internal/giftcode"
	"github.com/lumora/backend/internal/ledger"
	"github.com/lumora/backend/internal/middleware"
	"github.com/lumora/backend/internal/notify"
	"github.com/lumora/backend/internal/rewards"
	"github.com/lumora/backend/internal/router"
	"github.com/lumora/backend/internal/topup"
)

func main() {
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config.toml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Invalid configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.Level, AddSource: cfg.Log.AddSource}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running and DATABASE_URL is correct", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// River migrations, then ours
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Migrations applied")

	// The River client is created after the services that enqueue through it.
	queue := &lateInserter{}
	dispatcher := notify.NewRiverDispatcher(queue, logger)

	// Ledger
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), logger)

	// Auth
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.Auth)
	if cfg.Auth.AdminEmail != "" && cfg.Auth.AdminPassword != "" {
		if err := authSvc.EnsureAdmin(ctx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword); err != nil {
			slog.Error("Failed to seed admin account", "error", err)
			os.Exit(1)
		}
	}

	// Economy
	rewardsSvc := rewards.NewService(rewards.NewRepository(pool), ledgerSvc, cfg.Rewards, logger)
	giftcodeSvc := giftcode.NewService(giftcode.NewRepository(pool), ledgerSvc, cfg.Giftcode.GracePeriod.Duration, logger)
	topupSvc := topup.NewService(topup.NewRepository(pool), ledgerSvc, cfg.Topup, logger)

	// Generation
	aiClient := generation.NewClient(cfg.Generation.AIBaseURL, nil)
	credManager := credentials.NewManager(credentials.NewRepository(pool), credentials.EnvResolver{}, aiClient, cfg.Credentials, logger)
	if err := credManager.Init(ctx); err != nil {
		slog.Error("Failed to load credentials", "error", err)
		os.Exit(1)
	}
	defer credManager.Shutdown()

	guard := generation.NewGuard(ledgerSvc, queue, cfg.Generation.Timeout.Duration, cfg.Generation.RefundAttempts, logger)
	generationSvc := generation.NewService(guard, credManager, aiClient, rewardsSvc, cfg.Generation, logger)
	validator, err := generation.NewValidator()
	if err != nil {
		slog.Error("Generation request schema failed to compile", "error", err)
		os.Exit(1)
	}

	// Workers
	workers := river.NewWorkers()
	river.AddWorker(workers, notify.NewNotifyWorker(notify.NewRepository(pool)))
	river.AddWorker(workers, rewards.NewWeeklyResetWorker(rewardsSvc, dispatcher))
	river.AddWorker(workers, giftcode.NewReconcileWorker(giftcodeSvc))
	river.AddWorker(workers, generation.NewRefundWorker(ledgerSvc))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Server.WorkerConcurrency},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			rewards.PeriodicWeeklyReset(rewardsSvc, cfg.Rewards.Location()),
			giftcode.PeriodicReconcile(cfg.Giftcode.ReconcileInterval.Duration),
		},
		Logger: logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	queue.bind(riverClient)

	if err := riverClient.Start(ctx); err != nil {
		slog.Error("Failed to start River client", "error", err)
		os.Exit(1)
	}

	authenticator := middleware.NewAuthenticator(authSvc)
	api := router.New(router.Handlers{
		Auth:          auth.NewHandler(authSvc, logger),
		Ledger:        ledger.NewHandler(ledgerSvc, logger),
		Rewards:       rewards.NewHandler(rewardsSvc, dispatcher, logger),
		Giftcodes:     giftcode.NewHandler(giftcodeSvc, logger),
		Topups:        topup.NewHandler(topupSvc, dispatcher, cfg.Server.PaymentWebhookSecret, logger),
		Generations:   generation.NewHandler(generationSvc, validator, logger),
		Credentials:   credentials.NewHandler(credManager, logger),
		Notifications: notify.NewHandler(notify.NewRepository(pool), logger),
		Authenticator: authenticator,
		GenerationGate: middleware.BalanceCheck(ledgerSvc, func(body []byte) (int64, error) {
			req, err := validator.Parse(body)
			if err != nil {
				return 0, err
			}
			q, err := generationSvc.Quote(req)
			if err != nil {
				return 0, err
			}
			return q.Total, nil
		}),
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", topup.WebhookSecretHeader},
		AllowCredentials: true,
	}).Handler(api)

	serverAddr := "0.0.0.0:" + cfg.Server.Port
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting HTTP server", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	dispatcher.Wait()
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River shutdown failed", "error", err)
	}
}
