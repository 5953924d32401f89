package models

import "time"

// MonthlyUsage is aggregated from report_runs on read; it is not stored.
type MonthlyUsage struct {
	UserID         uint       `json:"user_id"`
	Month          string     `json:"month"` // YYYY-MM
	TotalRuns      int64      `json:"total_runs"`
	SuccessfulRuns int64      `json:"successful_runs"`
	FailedRuns     int64      `json:"failed_runs"`
	TotalTokens    int64      `json:"total_tokens"`
	TotalCost      float64    `json:"total_cost"`
	LastRunAt      *time.Time `json:"last_run_at"`
}
