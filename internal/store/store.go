package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zymantas-katinas/commit-digest/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrRunNotRunning is returned when a terminal update targets a run that
	// is unknown, owned by another user, or already terminal.
	ErrRunNotRunning = errors.New("run is not running")
	ErrNotFound      = errors.New("record not found")
)

// ConfigWithOwner is an enabled configuration joined with the owner fields
// the scheduler needs.
type ConfigWithOwner struct {
	Config          models.ReportConfig
	Timezone        string
	MonthlyRunLimit int
}

// ConfigRunState is written back to a configuration after a run. Nil
// fields are left untouched.
type ConfigRunState struct {
	Status  string
	RunAt   *time.Time
	Content *string
}

type RunSuccess struct {
	TokensUsed       int
	CostEstimate     float64
	CommitsProcessed int
	CommitRangeFrom  *string
	CommitRangeTo    *string
	ReportContent    string
}

type WebhookAttempt struct {
	Delivered      bool
	Attempts       int
	ResponseStatus *int
	AttemptedAt    time.Time
}

type RunFilter struct {
	UserID   uint
	ConfigID uint
	Status   string
	Page     int
	PageSize int
}

type GormStore struct {
	db *gorm.DB
}

func New(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ListEnabledConfigsWithOwner loads enabled configurations joined with their
// owner. Configurations whose owner row is missing get timezone UTC.
func (s *GormStore) ListEnabledConfigsWithOwner(ctx context.Context) ([]ConfigWithOwner, error) {
	var configs []models.ReportConfig
	err := s.db.WithContext(ctx).
		Joins("User").
		Where("report_configs.enabled = ?", true).
		Order("report_configs.id").
		Find(&configs).Error
	if err != nil {
		return nil, fmt.Errorf("list configs with owner: %w", err)
	}

	result := make([]ConfigWithOwner, 0, len(configs))
	for _, c := range configs {
		item := ConfigWithOwner{Config: c, Timezone: "UTC"}
		if c.User != nil {
			if c.User.Timezone != "" {
				item.Timezone = c.User.Timezone
			}
			item.MonthlyRunLimit = c.User.MonthlyRunLimit
		}
		result = append(result, item)
	}
	return result, nil
}

func (s *GormStore) ListEnabledConfigs(ctx context.Context) ([]models.ReportConfig, error) {
	var configs []models.ReportConfig
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("id").
		Find(&configs).Error
	if err != nil {
		return nil, fmt.Errorf("list configs: %w", err)
	}
	return configs, nil
}

func (s *GormStore) GetConfig(ctx context.Context, userID, configID uint) (*models.ReportConfig, error) {
	var cfg models.ReportConfig
	err := s.db.WithContext(ctx).
		Preload("User").
		Where("id = ? AND user_id = ?", configID, userID).
		First(&cfg).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

func (s *GormStore) GetRepository(ctx context.Context, userID, repositoryID uint) (*models.Repository, error) {
	var repo models.Repository
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", repositoryID, userID).
		First(&repo).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &repo, nil
}

func (s *GormStore) GetUser(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// GetRepositoryByID loads a repository without an owner check. It is meant
// for operator tooling.
func (s *GormStore) GetRepositoryByID(ctx context.Context, repositoryID uint) (*models.Repository, error) {
	var repo models.Repository
	if err := s.db.WithContext(ctx).First(&repo, repositoryID).Error; err != nil {
		return nil, notFound(err)
	}
	return &repo, nil
}

func (s *GormStore) UpdateRepositoryToken(ctx context.Context, repositoryID uint, encrypted string) error {
	res := s.db.WithContext(ctx).
		Model(&models.Repository{}).
		Where("id = ?", repositoryID).
		Update("encrypted_token", encrypted)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConfigRunState records the outcome of a run on the owner's
// configuration. ErrNotFound when no row matches both ids.
func (s *GormStore) UpdateConfigRunState(ctx context.Context, userID, configID uint, state ConfigRunState) error {
	updates := map[string]interface{}{
		"last_run_status": state.Status,
	}
	if state.RunAt != nil {
		updates["last_run_at"] = state.RunAt.UTC()
	}
	if state.Content != nil {
		updates["last_report_content"] = *state.Content
	}
	res := s.db.WithContext(ctx).
		Model(&models.ReportConfig{}).
		Where("id = ? AND user_id = ?", configID, userID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateRun(ctx context.Context, run *models.ReportRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *GormStore) MarkRunSuccess(ctx context.Context, runID string, userID uint, res RunSuccess) error {
	return s.finishRun(ctx, runID, userID, map[string]interface{}{
		"status":            models.RunStatusSuccess,
		"tokens_used":       res.TokensUsed,
		"cost_estimate":     res.CostEstimate,
		"commits_processed": res.CommitsProcessed,
		"commit_range_from": res.CommitRangeFrom,
		"commit_range_to":   res.CommitRangeTo,
		"report_content":    res.ReportContent,
	})
}

func (s *GormStore) MarkRunFailed(ctx context.Context, runID string, userID uint, message, code string) error {
	return s.finishRun(ctx, runID, userID, map[string]interface{}{
		"status":        models.RunStatusFailed,
		"error_message": message,
		"error_code":    code,
	})
}

func (s *GormStore) MarkRunCancelled(ctx context.Context, runID string, userID uint, reason string) error {
	return s.finishRun(ctx, runID, userID, map[string]interface{}{
		"status":        models.RunStatusCancelled,
		"error_message": reason,
		"error_code":    "CANCELLED",
	})
}

func (s *GormStore) finishRun(ctx context.Context, runID string, userID uint, updates map[string]interface{}) error {
	updates["completed_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.ReportRun{}).
		Where("id = ? AND user_id = ? AND status = ?", runID, userID, models.RunStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunNotRunning
	}
	return nil
}

func (s *GormStore) UpdateRunWebhook(ctx context.Context, runID string, userID uint, attempt WebhookAttempt) error {
	res := s.db.WithContext(ctx).
		Model(&models.ReportRun{}).
		Where("id = ? AND user_id = ?", runID, userID).
		Updates(map[string]interface{}{
			"webhook_delivered":         attempt.Delivered,
			"webhook_delivery_attempts": attempt.Attempts,
			"webhook_last_attempt_at":   attempt.AttemptedAt.UTC(),
			"webhook_response_status":   attempt.ResponseStatus,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetRun(ctx context.Context, userID uint, runID string) (*models.ReportRun, error) {
	var run models.ReportRun
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", runID, userID).
		First(&run).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

func (s *GormStore) ListRuns(ctx context.Context, filter RunFilter) ([]models.ReportRun, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.ReportRun{}).Where("user_id = ?", filter.UserID)
	if filter.ConfigID != 0 {
		query = query.Where("config_id = ?", filter.ConfigID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []models.ReportRun
	offset := (filter.Page - 1) * filter.PageSize
	if err := query.Order("started_at DESC").Offset(offset).Limit(filter.PageSize).Find(&runs).Error; err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func (s *GormStore) CountSuccessfulRunsSince(ctx context.Context, userID uint, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.ReportRun{}).
		Where("user_id = ? AND status = ? AND started_at >= ?", userID, models.RunStatusSuccess, since.UTC()).
		Count(&count).Error
	return count, err
}

// MonthlyUsage aggregates runs started in [from, to).
func (s *GormStore) MonthlyUsage(ctx context.Context, userID uint, from, to time.Time) (*models.MonthlyUsage, error) {
	var agg struct {
		Total      int64
		Successful int64
		Failed     int64
		Tokens     int64
		Cost       float64
	}

	scope := s.db.WithContext(ctx).
		Model(&models.ReportRun{}).
		Where("user_id = ? AND started_at >= ? AND started_at < ?", userID, from.UTC(), to.UTC())

	err := scope.Session(&gorm.Session{}).
		Select("COUNT(*) AS total, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS successful, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed, "+
			"COALESCE(SUM(tokens_used), 0) AS tokens, "+
			"COALESCE(SUM(cost_estimate), 0) AS cost",
			models.RunStatusSuccess, models.RunStatusFailed).
		Scan(&agg).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}

	usage := &models.MonthlyUsage{
		UserID:         userID,
		Month:          from.UTC().Format("2006-01"),
		TotalRuns:      agg.Total,
		SuccessfulRuns: agg.Successful,
		FailedRuns:     agg.Failed,
		TotalTokens:    agg.Tokens,
		TotalCost:      agg.Cost,
	}

	var last []models.ReportRun
	err = scope.Session(&gorm.Session{}).
		Select("started_at").
		Order("started_at DESC").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("last run: %w", err)
	}
	if len(last) == 1 {
		t := last[0].StartedAt.UTC()
		usage.LastRunAt = &t
	}

	return usage, nil
}

// AcquireLock claims (name, key) for owner until now+ttl. Expired claims
// are cleared first. Returns false when another owner holds a live claim.
func (s *GormStore) AcquireLock(ctx context.Context, name, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	db := s.db.WithContext(ctx)

	if err := db.Where("lock_name = ? AND lock_key = ? AND expires_at < ?", name, key, now).
		Delete(&models.SchedulerLock{}).Error; err != nil {
		return false, err
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.SchedulerLock{
		LockName:  name,
		LockKey:   key,
		LockedBy:  owner,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) ReleaseLock(ctx context.Context, name, key, owner string) error {
	return s.db.WithContext(ctx).
		Where("lock_name = ? AND lock_key = ? AND locked_by = ?", name, key, owner).
		Delete(&models.SchedulerLock{}).Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
