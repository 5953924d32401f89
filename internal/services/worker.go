package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/zymantas-katinas/commit-digest/internal/config"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

// Worker consumes RunTasks from Redis.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor TaskProcessor
	wg        sync.WaitGroup
	running   bool
	mu        sync.Mutex
}

// NewWorker returns nil when Redis is disabled.
func NewWorker(cfg *config.RedisConfig, concurrency int, processor TaskProcessor) *Worker {
	if !cfg.Enabled {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 2
	}

	server := asynq.NewServer(
		redisClientOpt(cfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				reportQueueName: 1,
			},
			Logger:   asynqLogger{log: logger.With(map[string]string{"component": "asynq"})},
			LogLevel: asynq.WarnLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error().Err(err).Str("task_type", task.Type()).Msg("task failed")
			}),
		},
	)

	return &Worker{
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: processor,
	}
}

func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeReportRun, w.handleRunTask)

	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	w.running = true
	logger.Info().Msg("task worker started")
	return nil
}

// Stop waits for active tasks to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Info().Msg("task worker shutting down")
	w.server.Shutdown()
	w.running = false
	w.wg.Wait()
	logger.Info().Msg("task worker stopped")
}

func (w *Worker) handleRunTask(ctx context.Context, t *asynq.Task) error {
	var task RunTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decode run task: %v: %w", err, asynq.SkipRetry)
	}

	w.wg.Add(1)
	defer w.wg.Done()

	logger.Info().Uint("config_id", task.ConfigID).Uint("user_id", task.UserID).Msg("processing report run task")
	if w.processor == nil {
		return nil
	}

	err := w.processor(ctx, &task)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConfigNotFound), errors.Is(err, ErrUsageLimitExceeded), errors.Is(err, ErrRunInProgress):
		// outcome already final, nothing to retry
		logger.Info().Err(err).Uint("config_id", task.ConfigID).Msg("report run task dropped")
		return nil
	}
	return err
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
