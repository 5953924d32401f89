package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zymantas-katinas/commit-digest/internal/services/schedule"
	"github.com/zymantas-katinas/commit-digest/pkg/response"
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 20
)

type ScheduleHandler struct {
	now func() time.Time
}

func NewScheduleHandler() *ScheduleHandler {
	return &ScheduleHandler{now: time.Now}
}

type PreviewRequest struct {
	Expression string `json:"expression" binding:"required"`
	Timezone   string `json:"timezone"`
	Count      int    `json:"count"`
}

type PreviewResponse struct {
	Expression string      `json:"expression"`
	Timezone   string      `json:"timezone"`
	Kind       string      `json:"kind"`
	Supported  bool        `json:"supported"`
	NextRuns   []time.Time `json:"next_runs"`
	// Fallback is set when the shape is valid cron but not understood by the
	// evaluator, which then reruns every 23 hours.
	Fallback string `json:"fallback,omitempty"`
}

// Preview validates a cron expression and lists its next run times in the
// given timezone.
// POST /api/schedules/preview
func (h *ScheduleHandler) Preview(c *gin.Context) {
	var req PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := schedule.Validate(req.Expression); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	count := req.Count
	if count <= 0 {
		count = defaultPreviewCount
	}
	if count > maxPreviewCount {
		count = maxPreviewCount
	}

	tz := schedule.LoadLocation(req.Timezone).String()
	next := schedule.NextRunTimes(req.Expression, h.now(), tz, count)
	resp := PreviewResponse{
		Expression: req.Expression,
		Timezone:   tz,
		Kind:       string(schedule.Classify(req.Expression)),
		Supported:  len(next) > 0,
		NextRuns:   next,
	}
	if resp.NextRuns == nil {
		resp.NextRuns = []time.Time{}
		resp.Fallback = schedule.FallbackInterval.String()
	}
	response.Success(c, resp)
}
