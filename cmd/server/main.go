package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cafeiq/internal/config"
	"cafeiq/internal/infra"
	"cafeiq/internal/model"
	"cafeiq/internal/repository"
	"cafeiq/internal/router"
	"cafeiq/internal/service"
	"cafeiq/internal/worker"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)

	db, err := infra.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}

	// Redis carries async jobs, notifications and inventory events. Without it
	// the inventory core still runs: events are dropped and notifications go
	// straight to the mailer.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = infra.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, running without jobs and events")
			rdb = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := infra.NewMetrics(prometheus.DefaultRegisterer)

	// ── Notifications ────────────────────────────────────────────────────────
	// SMTP sits behind a circuit breaker with the structured log as fallback.
	smtpCB := infra.NewCircuitBreaker(infra.DefaultCBConfig())
	var mailSink infra.Notifier = infra.LogNotifier{}
	if mailer := infra.NewMailer(cfg); mailer.Configured() {
		mailSink = mailer
	}
	mail := infra.NewBreakerNotifier(mailSink, infra.LogNotifier{}, smtpCB)

	var (
		notifier   infra.Notifier = mail
		events     infra.EventPublisher
		dispatcher *worker.Dispatcher
	)
	if rdb != nil {
		dispatcher = worker.NewDispatcher(rdb)
		notifier = dispatcher
		events = infra.NewRedisEventPublisher(rdb, cfg.EventChannelPrefix)
	}

	// ── Repositories ─────────────────────────────────────────────────────────
	ingredientRepo := repository.NewIngredientRepository(db)
	recipeRepo := repository.NewRecipeRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	alertRepo := repository.NewAlertRepository(db)
	throttleRepo := repository.NewThrottleRepository(db)
	queueRepo := repository.NewDeductionQueueRepository(db)

	// ── Services ─────────────────────────────────────────────────────────────
	throttle := service.NewAlertThrottle(throttleRepo, service.ThrottleConfig{
		Location:       cfg.Location(),
		WindowHour:     cfg.AlertWindowHour,
		WindowDuration: cfg.AlertWindowDuration,
		Intervals: map[string]time.Duration{
			model.NotifyLowStockCritical: cfg.AlertCriticalInterval,
			model.NotifyLowStockLow:      cfg.AlertLowInterval,
		},
	}, nil)
	alertDispatcher := service.NewAlertDispatcher(alertRepo, throttle, notifier, metrics)

	fallbackID, err := uuid.Parse(cfg.RecipeFallbackMenuItemID)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid RECIPE_FALLBACK_MENU_ITEM_ID")
	}
	inventorySvc := service.NewInventoryService(service.InventoryDeps{
		Ingredients: ingredientRepo,
		Recipes:     recipeRepo,
		Ledger:      ledgerRepo,
		Alerts:      alertRepo,
		Engine:      service.NewCustomizationEngine(service.DefaultRuleSet()),
		Events:      events,
		Dispatcher:  alertDispatcher,
		Metrics:     metrics,
		Options: service.InventoryOptions{
			FallbackEnabled:    cfg.RecipeFallbackEnabled,
			FallbackMenuItemID: fallbackID,
			CriticalRatio:      decimal.NewFromFloat(cfg.AlertCriticalRatio),
		},
	})

	queue := worker.NewDeductionQueue(worker.QueueDeps{
		Repo:     queueRepo,
		Deductor: inventorySvc,
		Notifier: notifier,
		RDB:      rdb,
		Metrics:  metrics,
		Config: worker.QueueConfig{
			PollInterval:    cfg.QueuePollInterval,
			BatchSize:       cfg.QueueBatchSize,
			MaxAttempts:     cfg.QueueMaxAttempts,
			StaleAfter:      cfg.QueueStaleAfter,
			Retention:       cfg.QueueRetention,
			CleanupInterval: cfg.QueueCleanupInterval,
		},
	})
	inventorySvc.SetEnqueuer(queue)

	// ── Background workers ───────────────────────────────────────────────────
	var pool *worker.Pool
	if rdb != nil {
		pool = worker.StartWorkerPool(ctx, rdb, cfg.WorkerPoolSize, map[string]worker.JobHandler{
			worker.QueueOrderReady:   worker.NewOrderReadyWorker(inventorySvc),
			worker.QueueNotification: worker.NewEmailWorker(mail),
		})
	}
	alertsDone := worker.StartAlertWorker(ctx, alertDispatcher, cfg.AlertCheckInterval)
	queue.Start(ctx)

	deps := router.Deps{
		DB:        db,
		RDB:       rdb,
		Inventory: inventorySvc,
		Queue:     queue,
		Poller:    queue,
		Breaker:   smtpCB,
	}
	if dispatcher != nil {
		deps.Dispatcher = dispatcher
	}
	r := router.New(cfg, deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM
	go func() {
		log.Info().Msgf("cafeiq inventory listening on :%d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server…")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}

	queue.Stop()
	cancel()
	<-alertsDone
	if pool != nil {
		pool.Wait()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info().Msg("server exited")
}

// setupLogger: dev gets pretty console output, production gets JSON.
func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Env == "production" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "cafeiq").Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}
