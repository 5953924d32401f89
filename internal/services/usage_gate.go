package services

import (
	"context"
	"time"

	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/internal/telemetry"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

type UsageStore interface {
	CountSuccessfulRunsSince(ctx context.Context, userID uint, since time.Time) (int64, error)
	MonthlyUsage(ctx context.Context, userID uint, from, to time.Time) (*models.MonthlyUsage, error)
}

// UsageGate enforces the monthly quota of successful runs. It counts
// report_runs directly and fails closed.
type UsageGate struct {
	store UsageStore
	now   func() time.Time
}

func NewUsageGate(s UsageStore) *UsageGate {
	return &UsageGate{store: s, now: time.Now}
}

// CheckLimit returns true iff the user has fewer than limit successful runs
// this calendar month (UTC). Any query error denies.
func (g *UsageGate) CheckLimit(ctx context.Context, userID uint, limit int) bool {
	count, err := g.store.CountSuccessfulRunsSince(ctx, userID, StartOfMonth(g.now()))
	if err != nil {
		logger.Error().Err(err).Uint("user_id", userID).Msg("usage count failed, denying run")
		telemetry.UsageGateDenials.Inc()
		return false
	}
	if count >= int64(limit) {
		logger.Info().Uint("user_id", userID).Int64("count", count).Int("limit", limit).Msg("monthly report limit reached")
		telemetry.UsageGateDenials.Inc()
		return false
	}
	return true
}

// MonthlyUsage aggregates the calendar month containing month.
func (g *UsageGate) MonthlyUsage(ctx context.Context, userID uint, month time.Time) (*models.MonthlyUsage, error) {
	from := StartOfMonth(month)
	return g.store.MonthlyUsage(ctx, userID, from, from.AddDate(0, 1, 0))
}

// StartOfMonth is day 1 00:00:00.000 UTC of t's month.
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
