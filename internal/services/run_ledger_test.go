package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/internal/store"
)

func TestRunLedger_Lifecycle(t *testing.T) {
	_, s := newTestDB(t)
	ledger := NewRunLedger(s)
	ctx := context.Background()

	run, err := ledger.Create(ctx, RunSpec{
		UserID:     3,
		ConfigID:   9,
		ConfigName: "standup",
		Schedule:   "0 9 * * 1-5",
		WebhookURL: "https://hooks.slack.com/services/x",
		Model:      "gpt-4o-mini",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if run.Status != models.RunStatusRunning || run.CompletedAt != nil {
		t.Fatalf("new run should be running with no completion, got %+v", run)
	}
	if run.WebhookDelivered || run.WebhookDeliveryAttempts != 0 {
		t.Error("new run should have no delivery")
	}

	err = ledger.UpdateWebhookDelivery(ctx, run.ID, 3, DeliveryOutcome{Delivered: true, Attempts: 3, ResponseStatus: 200})
	if err != nil {
		t.Fatalf("UpdateWebhookDelivery() error = %v", err)
	}
	err = ledger.MarkSuccess(ctx, run.ID, 3, RunResult{TokensUsed: 120, CostEstimate: 0.01, CommitsProcessed: 4, RangeFrom: "aaa", RangeTo: "bbb", Content: "digest"})
	if err != nil {
		t.Fatalf("MarkSuccess() error = %v", err)
	}

	got, err := s.GetRun(ctx, 3, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RunStatusSuccess || got.CompletedAt == nil {
		t.Errorf("status=%s completed=%v", got.Status, got.CompletedAt)
	}
	if got.WebhookDeliveryAttempts != 3 || !got.WebhookDelivered {
		t.Errorf("delivery attempts=%d delivered=%v", got.WebhookDeliveryAttempts, got.WebhookDelivered)
	}
	if got.CommitRangeFrom == nil || *got.CommitRangeFrom != "aaa" {
		t.Errorf("range from = %v", got.CommitRangeFrom)
	}
	if got.ConfigSchedule != "0 9 * * 1-5" || got.ConfigName != "standup" {
		t.Errorf("snapshot not stored: %+v", got)
	}

	err = ledger.MarkFailed(ctx, run.ID, 3, "late", CodeInternalError)
	if !errors.Is(err, ErrRunNotRunning) {
		t.Errorf("second terminal transition should fail with ErrRunNotRunning, got %v", err)
	}
}

func TestRunLedger_MarkFailedDefaultsCode(t *testing.T) {
	_, s := newTestDB(t)
	ledger := NewRunLedger(s)
	ctx := context.Background()

	run, _ := ledger.Create(ctx, RunSpec{UserID: 1})
	if err := ledger.MarkFailed(ctx, run.ID, 1, strings.Repeat("x", 5000), ""); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	got, _ := s.GetRun(ctx, 1, run.ID)
	if got.ErrorCode == nil || *got.ErrorCode != CodeInternalError {
		t.Errorf("error code = %v, expected INTERNAL_ERROR", got.ErrorCode)
	}
	if got.ErrorMessage == nil || len(*got.ErrorMessage) != maxErrorMessageLen {
		t.Errorf("error message should be truncated to %d", maxErrorMessageLen)
	}
}

func TestRunLedger_MarkCancelled(t *testing.T) {
	_, s := newTestDB(t)
	ledger := NewRunLedger(s)
	ctx := context.Background()

	run, _ := ledger.Create(ctx, RunSpec{UserID: 1})
	if err := ledger.MarkCancelled(ctx, run.ID, 2, "other user"); !errors.Is(err, ErrRunNotRunning) {
		t.Errorf("cancel by another user = %v, expected ErrRunNotRunning", err)
	}
	if err := ledger.MarkCancelled(ctx, run.ID, 1, "user cancelled"); err != nil {
		t.Fatalf("MarkCancelled() error = %v", err)
	}
	got, _ := s.GetRun(ctx, 1, run.ID)
	if got.Status != models.RunStatusCancelled {
		t.Errorf("status = %s, expected cancelled", got.Status)
	}
}

type failingRunStore struct{ *store.GormStore }

func (failingRunStore) CreateRun(context.Context, *models.ReportRun) error {
	return errors.New("disk full")
}

func TestRunLedger_CreateFailureIsPersistenceError(t *testing.T) {
	ledger := NewRunLedger(failingRunStore{})
	_, err := ledger.Create(context.Background(), RunSpec{UserID: 1})
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("Create() error = %v, expected ErrPersistence", err)
	}
	if ErrorCode(err) != CodePersistenceError {
		t.Errorf("ErrorCode = %s", ErrorCode(err))
	}
}

func TestRunLedger_StartedAtIsUTC(t *testing.T) {
	_, s := newTestDB(t)
	ledger := NewRunLedger(s)
	loc := time.FixedZone("X", 5*3600)
	ledger.now = fixedClock(time.Date(2026, 5, 1, 3, 0, 0, 0, loc))

	run, err := ledger.Create(context.Background(), RunSpec{UserID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if run.StartedAt.Location() != time.UTC || run.StartedAt.Day() != 30 {
		t.Errorf("StartedAt = %v, expected 2026-04-30 22:00 UTC", run.StartedAt)
	}
}
