package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RunStatusRunning   = "running"
	RunStatusSuccess   = "success"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// ReportRun records one generation attempt for a ReportConfig. A run leaves
// "running" exactly once.
type ReportRun struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	UserID       uint       `gorm:"index:idx_report_runs_user_started;not null" json:"user_id"`
	RepositoryID uint       `gorm:"index" json:"repository_id"`
	ConfigID     uint       `gorm:"index" json:"config_id"`
	Status       string     `gorm:"size:20;index;not null" json:"status"`
	StartedAt    time.Time  `gorm:"index:idx_report_runs_user_started" json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	IsManual     bool       `gorm:"default:false" json:"is_manual"`

	ConfigName     string `gorm:"size:200" json:"config_name"`
	ConfigSchedule string `gorm:"size:100" json:"config_schedule"`
	ConfigWebhook  string `gorm:"size:1000" json:"config_webhook"`
	Model          string `gorm:"size:100" json:"model"`

	TokensUsed       int     `json:"tokens_used"`
	CostEstimate     float64 `json:"cost_estimate"`
	CommitsProcessed int     `json:"commits_processed"`
	CommitRangeFrom  *string `gorm:"size:64" json:"commit_range_from"`
	CommitRangeTo    *string `gorm:"size:64" json:"commit_range_to"`
	ReportContent    *string `gorm:"type:text" json:"report_content,omitempty"`
	ErrorMessage     *string `gorm:"type:text" json:"error_message"`
	ErrorCode        *string `gorm:"size:50" json:"error_code"`

	WebhookDelivered        bool       `gorm:"default:false" json:"webhook_delivered"`
	WebhookDeliveryAttempts int        `gorm:"default:0" json:"webhook_delivery_attempts"`
	WebhookLastAttemptAt    *time.Time `json:"webhook_last_attempt_at"`
	WebhookResponseStatus   *int       `json:"webhook_response_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ReportRun) TableName() string { return "report_runs" }

func (r *ReportRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// IsTerminal reports whether the run has left the running state.
func (r *ReportRun) IsTerminal() bool {
	return r.Status != RunStatusRunning
}
