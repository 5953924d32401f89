package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zymantas-katinas/commit-digest/internal/middleware"
	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/internal/services"
	"github.com/zymantas-katinas/commit-digest/internal/store"
	"github.com/zymantas-katinas/commit-digest/pkg/response"
)

type UserReader interface {
	GetUser(ctx context.Context, userID uint) (*models.User, error)
}

type UsageHandler struct {
	gate         *services.UsageGate
	users        UserReader
	defaultLimit int
	now          func() time.Time
}

func NewUsageHandler(gate *services.UsageGate, users UserReader, defaultLimit int) *UsageHandler {
	return &UsageHandler{gate: gate, users: users, defaultLimit: defaultLimit, now: time.Now}
}

type usageResponse struct {
	*models.MonthlyUsage
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Get returns run counts, tokens and cost for a month along with the
// caller's limit. Remaining counts successful runs only.
// GET /api/usage?month=YYYY-MM
func (h *UsageHandler) Get(c *gin.Context) {
	month := h.now().UTC()
	if raw := c.Query("month"); raw != "" {
		parsed, err := time.Parse("2006-01", raw)
		if err != nil {
			response.BadRequest(c, "month must be formatted as YYYY-MM")
			return
		}
		month = parsed
	}

	userID := middleware.GetUserID(c)
	usage, err := h.gate.MonthlyUsage(c.Request.Context(), userID, month)
	if err != nil {
		response.Error(c, err)
		return
	}

	limit := h.defaultLimit
	user, err := h.users.GetUser(c.Request.Context(), userID)
	switch {
	case err == nil:
		if user.MonthlyRunLimit > 0 {
			limit = user.MonthlyRunLimit
		}
	case !errors.Is(err, store.ErrNotFound):
		response.Error(c, err)
		return
	}

	remaining := limit - int(usage.SuccessfulRuns)
	if remaining < 0 {
		remaining = 0
	}
	response.Success(c, usageResponse{MonthlyUsage: usage, Limit: limit, Remaining: remaining})
}
