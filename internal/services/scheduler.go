package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/zymantas-katinas/commit-digest/internal/config"
	"github.com/zymantas-katinas/commit-digest/internal/models"
	"github.com/zymantas-katinas/commit-digest/internal/services/delivery"
	"github.com/zymantas-katinas/commit-digest/internal/services/schedule"
	"github.com/zymantas-katinas/commit-digest/internal/store"
	"github.com/zymantas-katinas/commit-digest/internal/telemetry"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

const (
	reportLockName   = "report_config"
	userLockName     = "report_user"
	userLockPoll     = 250 * time.Millisecond
	noCommitsMessage = "No new commits"
)

// ReportStore is everything the scheduler reads and writes.
type ReportStore interface {
	RunStore
	UsageStore
	ListEnabledConfigsWithOwner(ctx context.Context) ([]store.ConfigWithOwner, error)
	ListEnabledConfigs(ctx context.Context) ([]models.ReportConfig, error)
	GetConfig(ctx context.Context, userID, configID uint) (*models.ReportConfig, error)
	GetRepository(ctx context.Context, userID, repositoryID uint) (*models.Repository, error)
	UpdateConfigRunState(ctx context.Context, userID, configID uint, state store.ConfigRunState) error
	AcquireLock(ctx context.Context, name, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, key, owner string) error
}

type WebhookDeliverer interface {
	Deliver(ctx context.Context, webhookURL, content string, meta delivery.Metadata) delivery.Result
}

type SchedulerDeps struct {
	Store       ReportStore
	Source      CommitSource
	Summarizer  Summarizer
	Credentials CredentialDecrypter
	Deliverer   WebhookDeliverer
	Evaluator   *schedule.Evaluator
}

type workItem struct {
	config   models.ReportConfig
	timezone string
	limit    int
	manual   bool
}

// ReportScheduler finds due report configurations on every tick and runs
// each through gate, ledger, commit source, summarizer and webhook.
type ReportScheduler struct {
	cfg    config.SchedulerConfig
	deps   SchedulerDeps
	gate   *UsageGate
	ledger *RunLedger
	owner  string
	now    func() time.Time

	ticking  atomic.Bool
	inFlight sync.Map

	userMu    sync.Mutex
	userSlots map[uint]*userSlot

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewReportScheduler(cfg config.SchedulerConfig, deps SchedulerDeps) *ReportScheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 10 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	if cfg.Spec == "" {
		cfg.Spec = "@hourly"
	}
	if deps.Evaluator == nil {
		deps.Evaluator = schedule.New()
	}

	host, _ := os.Hostname()
	return &ReportScheduler{
		cfg:    cfg,
		deps:   deps,
		gate:   NewUsageGate(deps.Store),
		ledger: NewRunLedger(deps.Store),
		owner:     fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		now:       time.Now,
		userSlots: make(map[uint]*userSlot),
	}
}

// Start registers Tick on the cron spec. Overlapping ticks are skipped.
func (s *ReportScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	c := cron.New(
		cron.WithLogger(logger.CronLogger()),
		cron.WithChain(cron.Recover(logger.CronLogger()), cron.SkipIfStillRunning(logger.CronLogger())),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.Tick(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("invalid scheduler spec %q: %w", s.cfg.Spec, err)
	}

	c.Start()
	s.cron = c
	logger.Info().Str("spec", s.cfg.Spec).Int("workers", s.cfg.Workers).Str("owner", s.owner).Msg("report scheduler started")
	return nil
}

// Stop waits for a running tick until ctx is done, then cancels it. Runs
// interrupted this way end as cancelled.
func (s *ReportScheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logger.Warn().Msg("scheduler stop deadline reached, cancelling in-flight runs")
		s.cancel()
		<-done.Done()
	}
	s.cancel()
	s.cron = nil
	logger.Info().Msg("report scheduler stopped")
}

// Tick processes every due configuration once. It returns the number of
// due configurations, or -1 when another tick was still running.
func (s *ReportScheduler) Tick(ctx context.Context) int {
	if !s.ticking.CompareAndSwap(false, true) {
		telemetry.SchedulerSkipped.Inc()
		logger.Warn().Msg("previous tick still running, skipping")
		return -1
	}
	defer s.ticking.Store(false)

	telemetry.SchedulerTicks.Inc()
	start := time.Now()
	defer func() { telemetry.TickDuration.Observe(time.Since(start).Seconds()) }()

	candidates := s.loadCandidates(ctx)

	var due []workItem
	for _, item := range candidates {
		if s.deps.Evaluator.IsDue(item.config.Schedule, item.config.LastRunAt, item.timezone) {
			due = append(due, item)
		}
	}
	telemetry.DueConfigs.Add(float64(len(due)))
	logger.Info().Int("configs", len(candidates)).Int("due", len(due)).Msg("scheduler tick")
	if len(due) == 0 {
		return 0
	}

	// items of one user run in order on one goroutine
	byUser := make(map[uint][]workItem)
	var users []uint
	for _, item := range due {
		if _, ok := byUser[item.config.UserID]; !ok {
			users = append(users, item.config.UserID)
		}
		byUser[item.config.UserID] = append(byUser[item.config.UserID], item)
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, userID := range users {
		items := byUser[userID]
		g.Go(func() error {
			for _, item := range items {
				if ctx.Err() != nil {
					return nil
				}
				if err := s.process(ctx, item); err != nil && !errors.Is(err, ErrRunInProgress) {
					logger.Debug().Err(err).Uint("config_id", item.config.ID).Msg("report item finished with error")
				}
			}
			return nil
		})
	}
	g.Wait()

	return len(due)
}

// RunNow processes one configuration immediately regardless of its
// schedule. The usage gate still applies.
func (s *ReportScheduler) RunNow(ctx context.Context, userID, configID uint) error {
	cfg, err := s.deps.Store.GetConfig(ctx, userID, configID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrConfigNotFound
		}
		return fmt.Errorf("%w: load config: %v", ErrPersistence, err)
	}

	item := workItem{config: *cfg, timezone: "UTC", manual: true}
	if cfg.User != nil {
		if cfg.User.Timezone != "" {
			item.timezone = cfg.User.Timezone
		}
		item.limit = cfg.User.MonthlyRunLimit
	}
	return s.process(ctx, item)
}

func (s *ReportScheduler) loadCandidates(ctx context.Context) []workItem {
	joined, err := s.deps.Store.ListEnabledConfigsWithOwner(ctx)
	if err == nil {
		items := make([]workItem, 0, len(joined))
		for _, c := range joined {
			items = append(items, workItem{config: c.Config, timezone: c.Timezone, limit: c.MonthlyRunLimit})
		}
		return items
	}

	logger.Error().Err(err).Msg("loading configurations with owners failed, falling back to UTC")
	configs, err := s.deps.Store.ListEnabledConfigs(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("loading configurations failed")
		return nil
	}
	items := make([]workItem, 0, len(configs))
	for _, c := range configs {
		items = append(items, workItem{config: c, timezone: "UTC"})
	}
	return items
}

func (s *ReportScheduler) monthlyLimit(item workItem) int {
	if item.limit > 0 {
		return item.limit
	}
	return s.cfg.DefaultMonthlyLimit
}

// process runs one configuration end to end. Errors are recorded on the run
// and returned for callers that want them.
func (s *ReportScheduler) process(ctx context.Context, item workItem) (err error) {
	cfg := item.config

	if _, busy := s.inFlight.LoadOrStore(cfg.ID, struct{}{}); busy {
		return ErrRunInProgress
	}
	defer s.inFlight.Delete(cfg.ID)

	lockKey := strconv.FormatUint(uint64(cfg.ID), 10)
	acquired, lockErr := s.deps.Store.AcquireLock(ctx, reportLockName, lockKey, s.owner, s.cfg.LockTTL)
	if lockErr != nil {
		logger.Error().Err(lockErr).Uint("config_id", cfg.ID).Msg("acquiring report lock failed")
		return fmt.Errorf("%w: acquire lock: %v", ErrPersistence, lockErr)
	}
	if !acquired {
		logger.Info().Uint("config_id", cfg.ID).Msg("configuration claimed by another instance")
		return ErrRunInProgress
	}
	defer func() {
		if err := s.deps.Store.ReleaseLock(context.WithoutCancel(ctx), reportLockName, lockKey, s.owner); err != nil {
			logger.Warn().Err(err).Uint("config_id", cfg.ID).Msg("releasing report lock failed")
		}
	}()

	// held until the run is terminal so the gate sees every earlier run of this user
	unlockUser, err := s.lockUser(ctx, cfg.UserID)
	if err != nil {
		logger.Warn().Err(err).Uint("config_id", cfg.ID).Uint("user_id", cfg.UserID).Msg("waiting for user claim failed")
		return err
	}
	defer unlockUser()

	if !s.gate.CheckLimit(ctx, cfg.UserID, s.monthlyLimit(item)) {
		s.setConfigState(ctx, cfg, store.ConfigRunState{Status: models.RunStatusFailed})
		return ErrUsageLimitExceeded
	}

	run, err := s.ledger.Create(ctx, RunSpec{
		UserID:       cfg.UserID,
		RepositoryID: cfg.RepositoryID,
		ConfigID:     cfg.ID,
		ConfigName:   cfg.Name,
		Schedule:     cfg.Schedule,
		WebhookURL:   cfg.WebhookURL,
		Model:        s.modelName(),
		Manual:       item.manual,
	})
	if err != nil {
		logger.Error().Err(err).Uint("config_id", cfg.ID).Msg("creating run failed, skipping")
		return err
	}

	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.fail(ctx, itemCtx, item, run, err)
		}
	}()

	if err = s.generate(itemCtx, item, run); err != nil {
		s.fail(ctx, itemCtx, item, run, err)
		return err
	}

	logger.Info().
		Uint("config_id", cfg.ID).
		Uint("user_id", cfg.UserID).
		Bool("manual", item.manual).
		Str("run_id", run.ID).
		Msg("report run finished")
	return nil
}

func (s *ReportScheduler) generate(ctx context.Context, item workItem, run *models.ReportRun) error {
	cfg := item.config
	now := s.now().UTC()

	repo, err := s.deps.Store.GetRepository(ctx, cfg.UserID, cfg.RepositoryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("repository %d: %w", cfg.RepositoryID, ErrRepositoryNotFound)
		}
		return fmt.Errorf("%w: load repository: %v", ErrPersistence, err)
	}

	token, err := s.deps.Credentials.Decrypt(repo.EncryptedToken)
	if err != nil {
		return fmt.Errorf("repository %d token: %w", repo.ID, err)
	}

	branch := cfg.Branch
	if branch == "" {
		branch = repo.DefaultBranch
	}
	since := sinceFor(cfg, now)

	commits, err := s.deps.Source.FetchCommits(ctx, CommitQuery{
		RepositoryURL: repo.URL,
		Provider:      repo.Provider,
		Branch:        branch,
		Token:         token,
		Since:         since,
		Until:         now,
	})
	if err != nil {
		return fmt.Errorf("fetch commits: %w", err)
	}

	if len(commits) == 0 {
		if err := s.ledger.MarkSuccess(ctx, run.ID, cfg.UserID, RunResult{Content: noCommitsMessage}); err != nil {
			return err
		}
		s.setConfigState(ctx, cfg, store.ConfigRunState{Status: models.RunStatusSuccess, RunAt: &now})
		logger.Info().Uint("config_id", cfg.ID).Str("run_id", run.ID).Msg("no new commits")
		return nil
	}

	period := "week"
	if schedule.IsDailyShaped(cfg.Schedule) {
		period = "day"
	}
	summary, err := s.deps.Summarizer.Summarize(ctx, commits, period, SummaryStyle{Style: cfg.SummaryStyle, Language: cfg.Language})
	if err != nil {
		return err
	}

	count := len(commits)
	res := s.deps.Deliverer.Deliver(ctx, cfg.WebhookURL, summary.Text, delivery.Metadata{
		Repository:    repo.Name,
		RepositoryURL: repo.URL,
		Branch:        branch,
		CommitsCount:  &count,
		DateRange:     &delivery.DateRange{Since: since, Until: now},
		IsManual:      item.manual,
		Provider:      repo.Provider,
	})
	if err := s.ledger.UpdateWebhookDelivery(ctx, run.ID, cfg.UserID, DeliveryOutcome{
		Delivered:      res.Delivered,
		Attempts:       res.Attempts,
		ResponseStatus: res.StatusCode,
	}); err != nil {
		logger.Warn().Err(err).Str("run_id", run.ID).Msg("recording webhook delivery failed")
	}

	oldest, newest := commitRange(commits)
	if err := s.ledger.MarkSuccess(ctx, run.ID, cfg.UserID, RunResult{
		TokensUsed:       summary.TokensUsed,
		CostEstimate:     summary.CostEstimateUSD,
		CommitsProcessed: count,
		RangeFrom:        oldest,
		RangeTo:          newest,
		Content:          summary.Text,
	}); err != nil {
		return err
	}

	status := models.RunStatusSuccess
	if !res.Delivered {
		status = models.RunStatusFailed
		logger.Warn().
			Uint("config_id", cfg.ID).
			Str("run_id", run.ID).
			Int("attempts", res.Attempts).
			Str("error", res.Error).
			Msg("report generated but webhook delivery failed")
	}
	s.setConfigState(ctx, cfg, store.ConfigRunState{Status: status, RunAt: &now, Content: &summary.Text})
	return nil
}

// fail records err on the run. Writes use a context detached from the item
// deadline so a timed-out run still reaches a terminal state.
func (s *ReportScheduler) fail(parent, itemCtx context.Context, item workItem, run *models.ReportRun, err error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), 30*time.Second)
	defer cancel()

	cfg := item.config
	if errors.Is(parent.Err(), context.Canceled) {
		if cerr := s.ledger.MarkCancelled(writeCtx, run.ID, cfg.UserID, err.Error()); cerr != nil {
			logger.Error().Err(cerr).Str("run_id", run.ID).Msg("marking run cancelled failed")
		}
		return
	}

	code := ErrorCode(err)
	if errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
		code = CodeTimeout
	}

	logger.Error().
		Err(err).
		Uint("config_id", cfg.ID).
		Str("run_id", run.ID).
		Str("code", code).
		Msg("report run failed")

	if ferr := s.ledger.MarkFailed(writeCtx, run.ID, cfg.UserID, err.Error(), code); ferr != nil {
		logger.Error().Err(ferr).Str("run_id", run.ID).Msg("marking run failed did not persist")
	}
	s.setConfigState(writeCtx, cfg, store.ConfigRunState{Status: models.RunStatusFailed})
}

// userSlot serializes runs of one user inside this process. refs counts
// holders and waiters so idle slots can be dropped.
type userSlot struct {
	sem  chan struct{}
	refs int
}

// lockUser blocks until this instance holds the user's claim, both the
// in-process slot and the shared scheduler_locks row. The returned func
// releases both.
func (s *ReportScheduler) lockUser(ctx context.Context, userID uint) (func(), error) {
	slot := s.acquireSlot(userID)
	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		s.dropSlot(userID, slot)
		return nil, ctx.Err()
	}
	releaseSlot := func() {
		<-slot.sem
		s.dropSlot(userID, slot)
	}

	key := strconv.FormatUint(uint64(userID), 10)
	for {
		ok, err := s.deps.Store.AcquireLock(ctx, userLockName, key, s.owner, s.cfg.LockTTL)
		if err != nil {
			releaseSlot()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: acquire user lock: %v", ErrPersistence, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(userLockPoll):
		case <-ctx.Done():
			releaseSlot()
			return nil, ctx.Err()
		}
	}

	return func() {
		if err := s.deps.Store.ReleaseLock(context.WithoutCancel(ctx), userLockName, key, s.owner); err != nil {
			logger.Warn().Err(err).Uint("user_id", userID).Msg("releasing user lock failed")
		}
		releaseSlot()
	}, nil
}

func (s *ReportScheduler) acquireSlot(userID uint) *userSlot {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	slot, ok := s.userSlots[userID]
	if !ok {
		slot = &userSlot{sem: make(chan struct{}, 1)}
		s.userSlots[userID] = slot
	}
	slot.refs++
	return slot
}

func (s *ReportScheduler) dropSlot(userID uint, slot *userSlot) {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(s.userSlots, userID)
	}
}

func (s *ReportScheduler) setConfigState(ctx context.Context, cfg models.ReportConfig, state store.ConfigRunState) {
	if err := s.deps.Store.UpdateConfigRunState(ctx, cfg.UserID, cfg.ID, state); err != nil {
		logger.Error().Err(err).Uint("config_id", cfg.ID).Uint("user_id", cfg.UserID).Str("status", state.Status).Msg("updating configuration run state failed")
	}
}

func (s *ReportScheduler) modelName() string {
	if named, ok := s.deps.Summarizer.(interface{ ModelName() string }); ok {
		return named.ModelName()
	}
	return ""
}

// sinceFor is the start of the commit window: the last run, or a lookback
// sized to the schedule shape.
func sinceFor(cfg models.ReportConfig, now time.Time) time.Time {
	if cfg.LastRunAt != nil {
		return cfg.LastRunAt.UTC()
	}
	switch schedule.Classify(cfg.Schedule) {
	case schedule.KindWeekly:
		return now.AddDate(0, 0, -7)
	case schedule.KindMonthly:
		return now.AddDate(0, 0, -30)
	}
	return now.AddDate(0, 0, -1)
}

// commitRange returns the SHAs of the oldest and newest commit by author date.
func commitRange(commits []Commit) (oldest, newest string) {
	if len(commits) == 0 {
		return "", ""
	}
	sorted := make([]Commit, len(commits))
	copy(sorted, commits)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].AuthorDate.Before(sorted[j].AuthorDate) })
	return sorted[0].SHA, sorted[len(sorted)-1].SHA
}
