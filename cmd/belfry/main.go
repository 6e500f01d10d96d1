package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kestrelhq/belfry/internal/api"
	"github.com/kestrelhq/belfry/internal/circuitbreaker"
	"github.com/kestrelhq/belfry/internal/config"
	"github.com/kestrelhq/belfry/internal/db"
	"github.com/kestrelhq/belfry/internal/jobs"
	"github.com/kestrelhq/belfry/internal/metrics"
	"github.com/kestrelhq/belfry/internal/observ"
	"github.com/kestrelhq/belfry/internal/outbox"
	"github.com/kestrelhq/belfry/internal/policy"
	"github.com/kestrelhq/belfry/internal/reminder"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; absent .env files are fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting belfry dispatcher",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Bool("jobs_enabled", cfg.JobsEnabled),
	)

	ctx := context.Background()
	clock := clockwork.NewRealClock()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	outboxRepo := db.NewOutboxRepository(database, logger)
	reminderRepo := db.NewReminderRepository(database, logger)
	notificationRepo := db.NewNotificationRepository(database, logger)
	tenantRepo := db.NewTenantRepository(database, logger)
	settingsRepo := db.NewSettingsRepository(database, logger)

	transport, err := buildTransport(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}

	logger.Info("transport configured", zap.String("transport", transport.Name()))

	worker := outbox.NewWorker(outboxRepo, transport, outbox.Config{
		BatchSize:   cfg.OutboxBatchSize,
		MaxRetries:  cfg.MaxRetries,
		RetryBase:   time.Duration(cfg.RetryBaseSeconds) * time.Second,
		SendTimeout: cfg.SendTimeout,
	}, clock, logger)

	resolver := policy.NewResolver(settingsRepo, logger)
	scheduler := reminder.NewScheduler(
		reminderRepo,
		outboxRepo,
		notificationRepo,
		tenantRepo,
		resolver,
		clock,
		logger,
	)

	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()

	runner := jobs.NewRunner(clock, logger)
	if cfg.JobsEnabled {
		runner.Add("outbox", cfg.OutboxPollInterval, func(ctx context.Context) {
			worker.RunCycle(ctx)
		})
		runner.Add("reminders", cfg.ReminderPollInterval, func(ctx context.Context) {
			if err := scheduler.ReconcileSchedules(ctx); err != nil {
				logger.Error("schedule reconciliation failed", zap.Error(err))
				return
			}
			emitted, err := scheduler.EvaluateDueReminders(ctx)
			if err != nil {
				logger.Error("reminder evaluation failed", zap.Error(err))
				return
			}
			if emitted > 0 {
				logger.Info("reminders emitted", zap.Int("count", emitted))
			}
		})

		if err := runner.Start(jobCtx); err != nil {
			return fmt.Errorf("failed to start jobs: %w", err)
		}
	} else {
		logger.Warn("background jobs disabled by configuration")
	}

	// Ops surface: health, metrics, and read-only outbox inspection.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	handler := api.NewHandler(logger, outboxRepo)
	r.Route("/v1", handler.Routes)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		// In-flight job cycles still finish before the process exits.
		if cfg.JobsEnabled {
			if stopErr := runner.Stop(); stopErr != nil {
				logger.Warn("job runner stop failed", zap.Error(stopErr))
			}
		}
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			logger.Warn("graceful server shutdown failed", zap.Error(err))
		}

		// Let in-flight cycles finish; the per-message state machine makes
		// partially processed batches safe to resume after restart anyway.
		if cfg.JobsEnabled {
			if err := runner.Stop(); err != nil {
				logger.Warn("job runner stop failed", zap.Error(err))
			}
		}

		logger.Info("dispatcher stopped gracefully")
	}

	return nil
}

// buildTransport picks the delivery transport from configuration: SES when
// a from-address is set, the HTTP endpoint when configured, otherwise the
// logging transport (every send is a recorded success, no network I/O).
// Network transports are wrapped in a circuit breaker so a dead downstream
// fails fast.
func buildTransport(ctx context.Context, cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) (outbox.Transport, error) {
	if cfg.SESFromEmail != "" {
		ses, err := outbox.NewSESTransport(ctx, outbox.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.Config{Name: "ses"}, clock, logger)
		return outbox.NewBreakerTransport(ses, breaker, logger), nil
	}

	if cfg.NotifyEndpoint != "" {
		httpTransport := outbox.NewHTTPTransport(outbox.HTTPConfig{
			Endpoint:  cfg.NotifyEndpoint,
			AuthToken: cfg.NotifyAuthToken,
			Timeout:   cfg.SendTimeout,
		}, logger)
		breaker := circuitbreaker.New(circuitbreaker.Config{Name: "notify-endpoint"}, clock, logger)
		return outbox.NewBreakerTransport(httpTransport, breaker, logger), nil
	}

	return outbox.NewLogTransport(logger), nil
}
