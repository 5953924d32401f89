package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
)

// Repository is a remote git repository whose commits are summarized.
type Repository struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	UserID         uint           `gorm:"index;not null" json:"user_id"`
	Name           string         `gorm:"size:200;not null" json:"name"`
	URL            string         `gorm:"size:500;not null" json:"url"`
	Provider       string         `gorm:"size:20;default:github" json:"provider"` // github, gitlab, bitbucket
	DefaultBranch  string         `gorm:"size:200;default:main" json:"default_branch"`
	EncryptedToken string         `gorm:"type:text" json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Repository) TableName() string { return "repositories" }
