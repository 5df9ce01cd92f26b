package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/datachest/billing-api/internal/config"
	"github.com/datachest/billing-api/internal/domain/deduction"
	"github.com/datachest/billing-api/internal/domain/metering"
	"github.com/datachest/billing-api/internal/middleware"
	"github.com/datachest/billing-api/internal/pkg/billingauthority"
	"github.com/datachest/billing-api/internal/pkg/database"
	"github.com/datachest/billing-api/internal/pkg/logger"
	"github.com/datachest/billing-api/internal/pkg/response"
)

// newRouter builds the HTTP routing tree. Split out of main so route
// registration can be tested without standing up the worker stack.
func newRouter(meteringHandler *metering.Handler, opsHandler *deduction.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler([]string{"*"}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", meteringHandler.Routes())
		r.Mount("/ops", opsHandler.Routes())
	})

	return r
}

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting billing API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)
	locker := database.NewLocker(redis)

	// Remote billing authority client, constructed once and injected.
	billingClient := billingauthority.NewClient(billingauthority.Config{
		BaseURL: cfg.BillingBaseURL,
		APIKey:  cfg.BillingAPIKey,
		Timeout: cfg.BillingTimeout,
	})
	defer billingClient.Close()

	// ---------- Deduction subsystem ----------
	deductionRepo := deduction.NewRepository(db)

	queue := deduction.NewQueue(deductionRepo, billingClient, deduction.QueueConfig{
		BatchSize:    cfg.QueueBatchSize,
		PollInterval: cfg.QueuePollInterval,
		SendTimeout:  cfg.BillingTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		Backoff: deduction.Backoff{
			Base:   cfg.BaseBackoff,
			Max:    cfg.MaxBackoff,
			Jitter: cfg.BackoffJitter,
		},
	})

	leaseMonitor := deduction.NewLeaseMonitor(deductionRepo, locker, cfg.LeaseInterval, cfg.LeaseTTL, cfg.MaxAttempts)
	reporter := deduction.NewReporter(deductionRepo, cfg.ReportInterval, cfg.PendingDepthAlert, cfg.DeadLetterAlert)
	reconciler := deduction.NewReconciler(deductionRepo, billingClient, locker, cfg.ReconcileInterval, cfg.ReconcileThresholdCents)

	queue.Start()
	defer queue.Stop()
	leaseMonitor.Start()
	defer leaseMonitor.Stop()
	reporter.Start()
	defer reporter.Stop()
	reconciler.Start()
	defer reconciler.Stop()

	// ---------- Metering front-end ----------
	meteringService := metering.NewService(queue, metering.Rates{
		InputCentsPerToken:  cfg.InputRateCents,
		OutputCentsPerToken: cfg.OutputRateCents,
		MinCostCents:        cfg.MinCostCents,
	})

	// ---------- Handlers ----------
	meteringHandler := metering.NewHandler(meteringService)
	opsHandler := deduction.NewHandler(reporter, deductionRepo)

	// ---------- Router ----------
	r := newRouter(meteringHandler, opsHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}
