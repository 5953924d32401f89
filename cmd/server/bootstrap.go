package main

import (
	"context"

	"gorm.io/gorm"

	"github.com/zymantas-katinas/commit-digest/internal/config"
	"github.com/zymantas-katinas/commit-digest/internal/handlers"
	"github.com/zymantas-katinas/commit-digest/internal/middleware"
	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/internal/services"
	"github.com/zymantas-katinas/commit-digest/internal/services/delivery"
	"github.com/zymantas-katinas/commit-digest/internal/services/schedule"
	"github.com/zymantas-katinas/commit-digest/internal/store"
	"github.com/zymantas-katinas/commit-digest/internal/telemetry"
	"github.com/zymantas-katinas/commit-digest/internal/utils"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

// appServices holds everything constructed at startup.
type appServices struct {
	db        *gorm.DB
	scheduler *services.ReportScheduler
	taskQueue services.TaskQueue
	worker    *services.Worker
	limiter   *middleware.RateLimiter

	healthHandler   *handlers.HealthHandler
	runHandler      *handlers.RunHandler
	usageHandler    *handlers.UsageHandler
	configHandler   *handlers.ReportConfigHandler
	scheduleHandler *handlers.ScheduleHandler
}

// bootstrap opens the database and wires the scheduler, queue and handlers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)
	telemetry.Register()

	db, err := models.InitDB(&cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		telemetry.RegisterDB(sqlDB)
	}

	st := store.New(db)

	cipher, err := services.NewCredentialCipher(cfg.Security.CredentialKey)
	if err != nil {
		logger.Fatalf("Failed to initialize credential cipher: %v", err)
	}

	deliverer := delivery.NewDeliverer(delivery.Options{
		Timeout:    cfg.Delivery.Timeout,
		MaxRetries: cfg.Delivery.MaxRetries,
		UserAgent:  cfg.Delivery.UserAgent,
	})
	summarizer := services.NewLLMSummarizer(cfg.LLM)
	if !summarizer.Enabled() {
		logger.Warn().Str("provider", cfg.LLM.Provider).Msg("No LLM API key configured, reports use the plain digest")
	}

	scheduler := services.NewReportScheduler(cfg.Scheduler, services.SchedulerDeps{
		Store:       st,
		Source:      services.NewHTTPCommitSource(&cfg.Source),
		Summarizer:  summarizer,
		Credentials: cipher,
		Deliverer:   deliverer,
		Evaluator:   schedule.New(),
	})
	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(); err != nil {
			logger.Fatalf("Failed to start report scheduler: %v", err)
		}
	} else {
		logger.Info().Msg("Report scheduler disabled")
	}

	processor := func(ctx context.Context, task *services.RunTask) error {
		return scheduler.RunNow(ctx, task.UserID, task.ConfigID)
	}

	// Redis when enabled and reachable, otherwise runs inline
	taskQueue := services.NewTaskQueue(&cfg.Redis, processor)
	telemetry.RegisterQueueMode(taskQueue.IsAsync())

	var worker *services.Worker
	if taskQueue.IsAsync() {
		worker = services.NewWorker(&cfg.Redis, cfg.Scheduler.Workers, processor)
		if worker != nil {
			if err := worker.Start(); err != nil {
				logger.Fatalf("Failed to start task worker: %v", err)
			}
		}
	}

	return &appServices{
		db:        db,
		scheduler: scheduler,
		taskQueue: taskQueue,
		worker:    worker,
		limiter:   middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),

		healthHandler:   handlers.NewHealthHandler(st, taskQueue),
		runHandler:      handlers.NewRunHandler(st),
		usageHandler:    handlers.NewUsageHandler(services.NewUsageGate(st), st, cfg.Scheduler.DefaultMonthlyLimit),
		configHandler:   handlers.NewReportConfigHandler(st, taskQueue, deliverer),
		scheduleHandler: handlers.NewScheduleHandler(),
	}
}

// shutdown stops the scheduler first so no new runs start, then waits for
// in-flight work up to ctx's deadline.
func (s *appServices) shutdown(ctx context.Context) {
	s.scheduler.Stop(ctx)

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		s.taskQueue.Close()
	}
	s.limiter.Close()

	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}
