package handlers

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/zymantas-katinas/commit-digest/internal/middleware"
	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/internal/store"
	"github.com/zymantas-katinas/commit-digest/pkg/response"
)

const maxPageSize = 100

// RunReader is the read side of the run history.
type RunReader interface {
	GetRun(ctx context.Context, userID uint, runID string) (*models.ReportRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]models.ReportRun, int64, error)
}

type RunHandler struct {
	runs RunReader
}

func NewRunHandler(runs RunReader) *RunHandler {
	return &RunHandler{runs: runs}
}

type runListQuery struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
	Status   string `form:"status"`
	ConfigID uint   `form:"config_id"`
}

// List returns the caller's runs, newest first.
// GET /api/runs
func (h *RunHandler) List(c *gin.Context) {
	var q runListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	switch q.Status {
	case "", models.RunStatusRunning, models.RunStatusSuccess, models.RunStatusFailed, models.RunStatusCancelled:
	default:
		response.BadRequest(c, "invalid status filter")
		return
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = 20
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}

	runs, total, err := h.runs.ListRuns(c.Request.Context(), store.RunFilter{
		UserID:   middleware.GetUserID(c),
		ConfigID: q.ConfigID,
		Status:   q.Status,
		Page:     q.Page,
		PageSize: q.PageSize,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, runs, total, q.Page, q.PageSize)
}

// GetByID returns one of the caller's runs.
// GET /api/runs/:id
func (h *RunHandler) GetByID(c *gin.Context) {
	run, err := h.runs.GetRun(c.Request.Context(), middleware.GetUserID(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.NotFound(c, "run not found")
			return
		}
		response.Error(c, err)
		return
	}
	response.Success(c, run)
}
