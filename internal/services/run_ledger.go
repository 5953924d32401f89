package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/internal/store"
	"github.com/zymantas-katinas/commit-digest/internal/telemetry"
)

const maxErrorMessageLen = 2000

// RunStore is the persistence the ledger needs.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.ReportRun) error
	MarkRunSuccess(ctx context.Context, runID string, userID uint, res store.RunSuccess) error
	MarkRunFailed(ctx context.Context, runID string, userID uint, message, code string) error
	MarkRunCancelled(ctx context.Context, runID string, userID uint, reason string) error
	UpdateRunWebhook(ctx context.Context, runID string, userID uint, attempt store.WebhookAttempt) error
}

// RunSpec snapshots the configuration a run is created for.
type RunSpec struct {
	UserID       uint
	RepositoryID uint
	ConfigID     uint
	ConfigName   string
	Schedule     string
	WebhookURL   string
	Model        string
	Manual       bool
}

type RunResult struct {
	TokensUsed       int
	CostEstimate     float64
	CommitsProcessed int
	RangeFrom        string
	RangeTo          string
	Content          string
}

type DeliveryOutcome struct {
	Delivered      bool
	Attempts       int
	ResponseStatus int // 0 when no response was received
}

// RunLedger drives a ReportRun through running -> success|failed|cancelled.
// Every mutation is scoped by run id and user id.
type RunLedger struct {
	store RunStore
	now   func() time.Time
}

func NewRunLedger(s RunStore) *RunLedger {
	return &RunLedger{store: s, now: time.Now}
}

func (l *RunLedger) Create(ctx context.Context, spec RunSpec) (*models.ReportRun, error) {
	run := &models.ReportRun{
		UserID:         spec.UserID,
		RepositoryID:   spec.RepositoryID,
		ConfigID:       spec.ConfigID,
		Status:         models.RunStatusRunning,
		StartedAt:      l.now().UTC(),
		IsManual:       spec.Manual,
		ConfigName:     spec.ConfigName,
		ConfigSchedule: spec.Schedule,
		ConfigWebhook:  spec.WebhookURL,
		Model:          spec.Model,
	}
	if err := l.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("%w: create run: %v", ErrPersistence, err)
	}
	return run, nil
}

func (l *RunLedger) MarkSuccess(ctx context.Context, runID string, userID uint, res RunResult) error {
	err := l.store.MarkRunSuccess(ctx, runID, userID, store.RunSuccess{
		TokensUsed:       res.TokensUsed,
		CostEstimate:     res.CostEstimate,
		CommitsProcessed: res.CommitsProcessed,
		CommitRangeFrom:  optionalString(res.RangeFrom),
		CommitRangeTo:    optionalString(res.RangeTo),
		ReportContent:    res.Content,
	})
	if err != nil {
		return ledgerError("mark success", err)
	}
	telemetry.RunsTotal.WithLabelValues(models.RunStatusSuccess).Inc()
	return nil
}

func (l *RunLedger) MarkFailed(ctx context.Context, runID string, userID uint, message, code string) error {
	if code == "" {
		code = CodeInternalError
	}
	if err := l.store.MarkRunFailed(ctx, runID, userID, truncate(message, maxErrorMessageLen), code); err != nil {
		return ledgerError("mark failed", err)
	}
	telemetry.RunsTotal.WithLabelValues(models.RunStatusFailed).Inc()
	return nil
}

func (l *RunLedger) MarkCancelled(ctx context.Context, runID string, userID uint, reason string) error {
	if err := l.store.MarkRunCancelled(ctx, runID, userID, truncate(reason, maxErrorMessageLen)); err != nil {
		return ledgerError("mark cancelled", err)
	}
	telemetry.RunsTotal.WithLabelValues(models.RunStatusCancelled).Inc()
	return nil
}

// UpdateWebhookDelivery records the adapter's real attempt count.
func (l *RunLedger) UpdateWebhookDelivery(ctx context.Context, runID string, userID uint, out DeliveryOutcome) error {
	var status *int
	if out.ResponseStatus != 0 {
		s := out.ResponseStatus
		status = &s
	}
	err := l.store.UpdateRunWebhook(ctx, runID, userID, store.WebhookAttempt{
		Delivered:      out.Delivered,
		Attempts:       out.Attempts,
		ResponseStatus: status,
		AttemptedAt:    l.now().UTC(),
	})
	if err != nil {
		return ledgerError("update webhook delivery", err)
	}
	return nil
}

func ledgerError(op string, err error) error {
	if errors.Is(err, store.ErrRunNotRunning) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
