package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	SummaryStyleConcise  = "concise"
	SummaryStyleDetailed = "detailed"
)

// ReportConfig is a user-defined schedule that produces a commit digest and
// posts it to a webhook.
type ReportConfig struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	UserID            uint           `gorm:"index;not null" json:"user_id"`
	User              *User          `gorm:"foreignKey:UserID" json:"user,omitempty"`
	RepositoryID      uint           `gorm:"index;not null" json:"repository_id"`
	Repository        *Repository    `gorm:"foreignKey:RepositoryID" json:"repository,omitempty"`
	Name              string         `gorm:"size:200" json:"name"`
	Branch            string         `gorm:"size:200" json:"branch"`
	Schedule          string         `gorm:"size:100;not null" json:"schedule"` // 5-field cron
	WebhookURL        string         `gorm:"size:1000;not null" json:"webhook_url"`
	Enabled           bool           `gorm:"index;default:true" json:"enabled"`
	SummaryStyle      string         `gorm:"size:20;default:concise" json:"summary_style"`
	Language          string         `gorm:"size:20;default:en" json:"language"`
	LastRunAt         *time.Time     `json:"last_run_at"`
	LastRunStatus     *string        `gorm:"size:20" json:"last_run_status"`
	LastReportContent *string        `gorm:"type:text" json:"last_report_content,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
}

func (ReportConfig) TableName() string { return "report_configs" }
