package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fxrates/internal/clock"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"github.com/smallbiznis/fxrates/internal/exchangerate/provider"
	obsmetrics "github.com/smallbiznis/fxrates/internal/observability/metrics"
	"github.com/smallbiznis/fxrates/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobFullSync   = "full_sync"
	JobQuotaWatch = "quota_watch"
	JobJanitor    = "cache_janitor"
	JobManualSync = "manual_sync"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// RateProvider is the part of the provider client the sync jobs use.
type RateProvider interface {
	Configured() bool
	FetchLatest(ctx context.Context, base domain.CurrencyCode) (*provider.LatestRates, error)
	Quota(ctx context.Context) (*provider.Quota, error)
}

// SyncLock guards full sync across instances.
type SyncLock interface {
	TryLockFullSync(ctx context.Context, ttl time.Duration) (string, bool, error)
	ReleaseFullSync(ctx context.Context, token string) error
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     domain.Repository
	Provider RateProvider
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config                    `optional:"true"`
	Budget   *ratelimit.ProviderBudget `optional:"true"`
}

// Scheduler runs the full sync, quota watch and cache janitor jobs.
// running is only touched through tryStart and finish.
type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	repo     domain.Repository
	provider RateProvider
	genID    *snowflake.Node
	clock    clock.Clock
	lock     SyncLock

	running  atomic.Bool
	lastSync atomic.Pointer[time.Time]
	manual   sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration)
}

// SyncStatus reports the scheduler and cache state. Quota is nil when the
// provider is not configured or the live check failed.
type SyncStatus struct {
	IsRunning    bool            `json:"is_running"`
	LastSyncTime *time.Time      `json:"last_sync_time,omitempty"`
	TotalRates   int64           `json:"total_rates"`
	ExpiredRates int64           `json:"expired_rates"`
	Quota        *provider.Quota `json:"quota,omitempty"`
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Repo == nil || p.Provider == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		repo:     p.Repo,
		provider: p.Provider,
		genID:    p.GenID,
		clock:    p.Clock,
		sleep:    sleepContext,
	}
	if p.Budget != nil {
		s.lock = p.Budget
	}
	return s, nil
}

func (s *Scheduler) tryStart() bool {
	return s.running.CompareAndSwap(false, true)
}

func (s *Scheduler) finish() {
	s.running.Store(false)
}

// IsRunning reports whether a scheduled full sync is in progress.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) LastSyncTime() *time.Time {
	return s.lastSync.Load()
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	// Shutdown does not interrupt a running job; the timeout is the only bound.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunForever starts one ticker loop per job and blocks until ctx is done.
func (s *Scheduler) RunForever(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{JobFullSync, s.cfg.FullSyncInterval, func(ctx context.Context) error {
			_, err := s.TriggerFullSync(ctx)
			return err
		}},
		{JobQuotaWatch, s.cfg.QuotaCheckInterval, s.QuotaWatchJob},
		{JobJanitor, s.cfg.JanitorInterval, s.JanitorJob},
	}

	if s.cfg.SyncOnStartup {
		if _, err := s.TriggerFullSync(ctx); err != nil {
			s.log.Warn("startup full sync failed", zap.Error(err))
		}
	}

	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, loop.name, loop.interval, loop.run)
		}()
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := run(ctx); err != nil {
			s.log.Warn("scheduler job failed", zap.String("job", name), zap.Error(err))
		}
	}
}

// TriggerFullSync runs a full sync unless one is already running, in which
// case it returns false without doing any work. Triggers are never queued.
func (s *Scheduler) TriggerFullSync(ctx context.Context) (bool, error) {
	if !s.tryStart() {
		s.logJobSkipped(ctx, JobFullSync, obsmetrics.SchedulerSkipReasonAlreadyRunning)
		return false, nil
	}
	defer s.finish()

	if s.lock != nil {
		token, ok, err := s.lock.TryLockFullSync(ctx, s.cfg.JobTimeout)
		switch {
		case err != nil:
			s.log.Warn("full sync lock unavailable, continuing with local guard", zap.Error(err))
		case !ok:
			s.logJobSkipped(ctx, JobFullSync, obsmetrics.SchedulerSkipReasonAlreadyRunning, zap.String("scope", "cluster"))
			return false, nil
		default:
			defer func() {
				if err := s.lock.ReleaseFullSync(context.WithoutCancel(ctx), token); err != nil {
					s.log.Warn("release full sync lock failed", zap.Error(err))
				}
			}()
		}
	}

	return true, s.runJob(ctx, JobFullSync, s.cfg.JobTimeout, s.FullSyncJob)
}

// FullSyncJob refreshes every candidate base currency, one provider call at
// a time. It declines to start when the remaining quota is below the
// threshold or cannot be checked.
func (s *Scheduler) FullSyncJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobFullSync)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	if !s.provider.Configured() {
		s.logJobSkipped(ctx, JobFullSync, obsmetrics.SchedulerSkipReasonNotConfigured)
		return nil
	}

	quota, err := s.provider.Quota(ctx)
	if err != nil {
		s.logJobSkipped(ctx, JobFullSync, obsmetrics.SchedulerSkipReasonQuotaCheck, zap.Error(err))
		return fmt.Errorf("quota check: %w", err)
	}
	fraction := quota.RemainingFraction()
	obsmetrics.Scheduler().SetQuotaRemaining(fraction)
	if fraction < s.cfg.QuotaThreshold {
		s.logJobSkipped(ctx, JobFullSync, obsmetrics.SchedulerSkipReasonQuotaLow,
			zap.Int64("remaining", quota.Remaining),
			zap.Int64("total", quota.Total),
			zap.Float64("threshold", s.cfg.QuotaThreshold),
		)
		return nil
	}

	candidates, jobErr := s.candidateCurrencies(ctx)
	if jobErr != nil {
		s.logSchedulerError(ctx, run, "list expired base currencies failed", jobErr)
	}

	refreshed := 0
	for i, base := range candidates {
		if i > 0 && s.cfg.InterCallDelay > 0 {
			s.sleep(ctx, s.cfg.InterCallDelay)
		}
		latest, err := s.provider.FetchLatest(ctx, base)
		if err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("%s: %w", base, err))
			s.logSchedulerError(ctx, run, "full sync base failed", err, zap.String("base", base.String()))
			continue
		}
		refreshed++
		run.AddProcessed(1)
		obsmetrics.Scheduler().AddBatchProcessed(JobFullSync, "base_currency", 1)
		s.logger(ctx).Debug("full sync base refreshed",
			zap.String("base", base.String()),
			zap.Int("rates", len(latest.Rates)),
		)
	}

	if refreshed > 0 {
		s.markSynced()
	}
	return jobErr
}

// candidateCurrencies is the bases of expired API rows followed by the
// configured common currencies, deduplicated in order.
func (s *Scheduler) candidateCurrencies(ctx context.Context) ([]domain.CurrencyCode, error) {
	expired, err := s.repo.ExpiredBaseCurrencies(ctx, s.db, s.clock.Now())

	out := make([]domain.CurrencyCode, 0, len(expired)+len(s.cfg.CommonCurrencies))
	seen := make(map[domain.CurrencyCode]struct{}, cap(out))
	for _, list := range [][]domain.CurrencyCode{expired, s.cfg.CommonCurrencies} {
		for _, code := range list {
			if _, ok := seen[code]; ok {
				continue
			}
			seen[code] = struct{}{}
			out = append(out, code)
		}
	}
	return out, err
}

// QuotaWatchJob only checks the provider quota and reports it.
func (s *Scheduler) QuotaWatchJob(ctx context.Context) error {
	return s.runJob(ctx, JobQuotaWatch, s.cfg.JobTimeout, func(ctx context.Context) error {
		if !s.provider.Configured() {
			s.logJobSkipped(ctx, JobQuotaWatch, obsmetrics.SchedulerSkipReasonNotConfigured)
			return nil
		}

		quota, err := s.provider.Quota(ctx)
		if err != nil {
			return err
		}
		fraction := quota.RemainingFraction()
		obsmetrics.Scheduler().SetQuotaRemaining(fraction)

		fields := []zap.Field{
			zap.Int64("remaining", quota.Remaining),
			zap.Int64("total", quota.Total),
			zap.Float64("remaining_fraction", fraction),
			zap.Int("refresh_day_of_month", quota.RefreshDayOfMonth),
		}
		if fraction < s.cfg.QuotaThreshold {
			s.logger(ctx).Warn("provider quota below threshold",
				append(fields, zap.Float64("threshold", s.cfg.QuotaThreshold))...)
			return nil
		}
		s.logger(ctx).Info("provider quota status", fields...)
		return nil
	})
}

// JanitorJob flags rows past their expiry and deactivates the expired API
// rows. Nothing is deleted.
func (s *Scheduler) JanitorJob(ctx context.Context) error {
	return s.runJob(ctx, JobJanitor, s.cfg.JobTimeout, func(ctx context.Context) error {
		run := jobRunFromContext(ctx)
		now := s.clock.Now()

		marked, err := s.repo.MarkExpired(ctx, s.db, now)
		if err != nil {
			return err
		}

		expired, err := s.repo.FindExpired(ctx, s.db, now)
		if err != nil {
			return err
		}
		ids := make([]snowflake.ID, 0, len(expired))
		for _, row := range expired {
			ids = append(ids, row.ID)
		}

		deactivated, err := s.repo.Deactivate(ctx, s.db, ids, now)
		if err != nil {
			return err
		}
		run.AddProcessed(int(deactivated))
		obsmetrics.Scheduler().AddBatchProcessed(JobJanitor, "exchange_rate", int(deactivated))

		s.logger(ctx).Info("cache janitor finished",
			zap.Int64("marked_expired", marked),
			zap.Int64("deactivated", deactivated),
		)
		return nil
	})
}

// TriggerManualSync refreshes one base currency in the background. It
// neither checks nor sets the full sync flag.
func (s *Scheduler) TriggerManualSync(ctx context.Context, base string) error {
	code, err := domain.ParseCurrencyCode(base)
	if err != nil {
		return err
	}
	if !s.provider.Configured() {
		return provider.ErrNotConfigured
	}

	s.manual.Add(1)
	go func() {
		defer s.manual.Done()
		err := s.runJob(ctx, JobManualSync, s.cfg.JobTimeout, func(ctx context.Context) error {
			if _, err := s.provider.FetchLatest(ctx, code); err != nil {
				return err
			}
			jobRunFromContext(ctx).AddProcessed(1)
			obsmetrics.Scheduler().AddBatchProcessed(JobManualSync, "base_currency", 1)
			return nil
		})
		if err != nil {
			s.log.Warn("manual sync failed", zap.String("base", code.String()), zap.Error(err))
		}
	}()
	return nil
}

// WaitManualSyncs blocks until background manual syncs finish or ctx ends.
func (s *Scheduler) WaitManualSyncs(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.manual.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncStatus combines the running flag, cache statistics and a live quota
// check.
func (s *Scheduler) SyncStatus(ctx context.Context) (SyncStatus, error) {
	stats, err := s.repo.Stats(ctx, s.db, s.clock.Now())
	if err != nil {
		return SyncStatus{}, err
	}

	status := SyncStatus{
		IsRunning:    s.IsRunning(),
		LastSyncTime: s.LastSyncTime(),
		TotalRates:   stats.TotalRates,
		ExpiredRates: stats.ExpiredRates,
	}
	if s.provider.Configured() {
		quota, err := s.provider.Quota(ctx)
		if err != nil {
			s.logger(ctx).Warn("sync status quota check failed", zap.Error(err))
		} else {
			status.Quota = quota
		}
	}
	return status, nil
}

func (s *Scheduler) markSynced() {
	now := s.clock.Now()
	s.lastSync.Store(&now)
	obsmetrics.Scheduler().SetLastSync(now)
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
