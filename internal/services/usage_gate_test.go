package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zymantas-katinas/commit-digest/internal/models"
)

type stubUsageStore struct {
	count int64
	err   error
	since time.Time
}

func (s *stubUsageStore) CountSuccessfulRunsSince(_ context.Context, _ uint, since time.Time) (int64, error) {
	s.since = since
	return s.count, s.err
}

func (s *stubUsageStore) MonthlyUsage(_ context.Context, userID uint, from, _ time.Time) (*models.MonthlyUsage, error) {
	return &models.MonthlyUsage{UserID: userID, Month: from.Format("2006-01")}, s.err
}

func TestUsageGate_CheckLimit(t *testing.T) {
	tests := []struct {
		name     string
		count    int64
		limit    int
		err      error
		expected bool
	}{
		{"below limit", 29, 30, nil, true},
		{"at limit", 30, 30, nil, false},
		{"above limit", 31, 30, nil, false},
		{"zero limit", 0, 0, nil, false},
		{"query error fails closed", 0, 30, errors.New("db down"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubUsageStore{count: tt.count, err: tt.err}
			gate := NewUsageGate(stub)
			gate.now = fixedClock(time.Date(2026, 10, 18, 15, 4, 5, 0, time.UTC))

			if got := gate.CheckLimit(context.Background(), 1, tt.limit); got != tt.expected {
				t.Errorf("CheckLimit() = %v, expected %v", got, tt.expected)
			}
			if tt.err == nil && !stub.since.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) {
				t.Errorf("since = %v, expected start of month", stub.since)
			}
		})
	}
}

func TestUsageGate_CountsOnlyThisMonthsSuccesses(t *testing.T) {
	db, s := newTestDB(t)
	gate := NewUsageGate(s)
	gate.now = fixedClock(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC))

	runs := []models.ReportRun{
		{UserID: 1, Status: models.RunStatusSuccess, StartedAt: time.Date(2026, 9, 30, 23, 59, 59, 0, time.UTC)},
		{UserID: 1, Status: models.RunStatusSuccess, StartedAt: time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)},
		{UserID: 1, Status: models.RunStatusFailed, StartedAt: time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)},
		{UserID: 1, Status: models.RunStatusSuccess, StartedAt: time.Date(2026, 10, 3, 0, 0, 0, 0, time.UTC)},
	}
	for i := range runs {
		if err := db.Create(&runs[i]).Error; err != nil {
			t.Fatal(err)
		}
	}

	if !gate.CheckLimit(context.Background(), 1, 3) {
		t.Error("2 successes with limit 3 should be allowed")
	}
	if gate.CheckLimit(context.Background(), 1, 2) {
		t.Error("2 successes with limit 2 should be denied")
	}

	usage, err := gate.MonthlyUsage(context.Background(), 1, gate.now())
	if err != nil {
		t.Fatal(err)
	}
	if usage.SuccessfulRuns != 2 || usage.FailedRuns != 1 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestStartOfMonth(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	got := StartOfMonth(time.Date(2026, 10, 31, 22, 0, 0, 0, loc))
	expected := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(expected) {
		t.Errorf("StartOfMonth() = %v, expected %v", got, expected)
	}
}
