package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/zymantas-katinas/commit-digest/internal/config"
	"github.com/zymantas-katinas/commit-digest/internal/telemetry"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

const (
	TaskTypeReportRun = "report:run"

	reportQueueName = "reports"
	// bounds queued manual runs; the item timeout inside still applies
	reportTaskTimeout = 15 * time.Minute
)

// RunTask asks for one configuration to be processed out of schedule.
type RunTask struct {
	ConfigID    uint      `json:"config_id"`
	UserID      uint      `json:"user_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// TaskProcessor handles a dequeued RunTask.
type TaskProcessor func(ctx context.Context, task *RunTask) error

// TaskQueue accepts manual run requests.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *RunTask) error
	// IsAsync is true when tasks go through Redis.
	IsAsync() bool
	Close() error
}

// NewTaskQueue returns a Redis-backed queue when Redis is enabled and
// reachable, otherwise an in-process queue that runs tasks on a goroutine.
func NewTaskQueue(cfg *config.RedisConfig, processor TaskProcessor) TaskQueue {
	if !cfg.Enabled {
		logger.Info().Msg("task queue in sync mode (redis disabled)")
		return NewSyncQueue(processor)
	}

	queue, err := NewAsyncQueue(cfg)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unavailable, task queue falling back to sync mode")
		return NewSyncQueue(processor)
	}
	logger.Info().Str("addr", cfg.Addr).Msg("task queue in async mode")
	return queue
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// AsyncQueue implements TaskQueue using asynq
type AsyncQueue struct {
	client *asynq.Client
}

func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	redisOpt := redisClientOpt(cfg)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &AsyncQueue{client: asynq.NewClient(redisOpt)}, nil
}

func (q *AsyncQueue) Enqueue(ctx context.Context, task *RunTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	// no automatic retry: every attempt creates its own run row
	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeReportRun, payload),
		asynq.Queue(reportQueueName),
		asynq.MaxRetry(0),
		asynq.Timeout(reportTaskTimeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue report run: %w", err)
	}

	telemetry.ManualRunsEnqueued.Inc()
	logger.Info().Str("task_id", info.ID).Str("queue", info.Queue).Uint("config_id", task.ConfigID).Msg("report run enqueued")
	return nil
}

func (q *AsyncQueue) IsAsync() bool {
	return true
}

func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue runs each task on its own goroutine without Redis.
type SyncQueue struct {
	processor TaskProcessor
}

func NewSyncQueue(processor TaskProcessor) *SyncQueue {
	return &SyncQueue{processor: processor}
}

// Enqueue returns immediately; the task is detached from ctx so that it
// outlives the HTTP request that queued it.
func (q *SyncQueue) Enqueue(ctx context.Context, task *RunTask) error {
	if q.processor == nil {
		return fmt.Errorf("no task processor configured")
	}

	telemetry.ManualRunsEnqueued.Inc()
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := q.processor(runCtx, task); err != nil {
			logger.Warn().Err(err).Uint("config_id", task.ConfigID).Msg("report run task failed")
		}
	}()
	return nil
}

func (q *SyncQueue) IsAsync() bool {
	return false
}

func (q *SyncQueue) Close() error {
	return nil
}
