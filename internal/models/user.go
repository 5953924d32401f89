package models

import (
	"time"

	"gorm.io/gorm"
)

// User owns repositories and report configurations. Timezone is an IANA
// name; empty means UTC.
type User struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Email           string         `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Name            string         `gorm:"size:100" json:"name"`
	Timezone        string         `gorm:"size:64" json:"timezone"`
	MonthlyRunLimit int            `gorm:"default:0" json:"monthly_run_limit"` // 0 = use configured default
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

func (User) TableName() string { return "users" }
