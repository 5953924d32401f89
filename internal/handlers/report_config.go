package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zymantas-katinas/commit-digest/internal/middleware"
	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/internal/services"
	"github.com/zymantas-katinas/commit-digest/internal/services/delivery"
	"github.com/zymantas-katinas/commit-digest/internal/store"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
	"github.com/zymantas-katinas/commit-digest/pkg/response"
)

const testWebhookMessage = "## Commit Digest test\n- This is a test message from Commit Digest.\n- Your webhook is configured correctly."

type ConfigReader interface {
	GetConfig(ctx context.Context, userID, configID uint) (*models.ReportConfig, error)
	GetRepository(ctx context.Context, userID, repositoryID uint) (*models.Repository, error)
}

type ReportConfigHandler struct {
	configs   ConfigReader
	queue     services.TaskQueue
	deliverer services.WebhookDeliverer
}

func NewReportConfigHandler(configs ConfigReader, queue services.TaskQueue, deliverer services.WebhookDeliverer) *ReportConfigHandler {
	return &ReportConfigHandler{configs: configs, queue: queue, deliverer: deliverer}
}

// Run queues a manual run. Due-ness is not checked; the usage limit is
// enforced when the run is processed.
// POST /api/configs/:id/run
func (h *ReportConfigHandler) Run(c *gin.Context) {
	cfg, ok := h.loadConfig(c)
	if !ok {
		return
	}

	task := &services.RunTask{ConfigID: cfg.ID, UserID: cfg.UserID, RequestedAt: time.Now().UTC()}
	if err := h.queue.Enqueue(c.Request.Context(), task); err != nil {
		logger.Error().Err(err).Uint("config_id", cfg.ID).Msg("failed to enqueue manual run")
		response.ServerError(c, "failed to queue run")
		return
	}

	response.Accepted(c, gin.H{
		"config_id": cfg.ID,
		"queued":    true,
		"async":     h.queue.IsAsync(),
	})
}

// TestWebhook posts a fixed test message to the configuration's webhook and
// reports the delivery outcome. Nothing is written to the run history.
// POST /api/configs/:id/test-webhook
func (h *ReportConfigHandler) TestWebhook(c *gin.Context) {
	cfg, ok := h.loadConfig(c)
	if !ok {
		return
	}

	meta := delivery.Metadata{IsTest: true, Branch: cfg.Branch}
	if repo, err := h.configs.GetRepository(c.Request.Context(), cfg.UserID, cfg.RepositoryID); err == nil {
		meta.Repository = repo.Name
		meta.RepositoryURL = repo.URL
		meta.Provider = repo.Provider
		if meta.Branch == "" {
			meta.Branch = repo.DefaultBranch
		}
	}

	res := h.deliverer.Deliver(c.Request.Context(), cfg.WebhookURL, testWebhookMessage, meta)
	if !res.Delivered {
		logger.Warn().
			Uint("config_id", cfg.ID).
			Int("status_code", res.StatusCode).
			Int("attempts", res.Attempts).
			Str("error", res.Error).
			Msg("test webhook delivery failed")
	}
	response.Success(c, res)
}

func (h *ReportConfigHandler) loadConfig(c *gin.Context) (*models.ReportConfig, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid config id")
		return nil, false
	}

	cfg, err := h.configs.GetConfig(c.Request.Context(), middleware.GetUserID(c), uint(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(c, "config not found")
			return nil, false
		}
		response.Error(c, err)
		return nil, false
	}
	return cfg, true
}
