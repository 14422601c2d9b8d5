package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fxrates/internal/clock"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"github.com/smallbiznis/fxrates/internal/exchangerate/provider"
	"github.com/smallbiznis/fxrates/internal/exchangerate/repository"
	obsmetrics "github.com/smallbiznis/fxrates/internal/observability/metrics"
	schedtesting "github.com/smallbiznis/fxrates/internal/scheduler/testing"
	"github.com/smallbiznis/fxrates/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	usd = domain.MustCurrencyCode("USD")
	eur = domain.MustCurrencyCode("EUR")
	gbp = domain.MustCurrencyCode("GBP")
)

type fakeProvider struct {
	mu         sync.Mutex
	configured bool
	quota      provider.Quota
	quotaErr   error
	failures   map[domain.CurrencyCode]error
	fetched    []domain.CurrencyCode
	quotaCalls int

	started chan struct{}
	release chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		configured: true,
		quota:      provider.Quota{Total: 1000, Remaining: 900},
		failures:   map[domain.CurrencyCode]error{},
	}
}

func (p *fakeProvider) Configured() bool { return p.configured }

func (p *fakeProvider) FetchLatest(_ context.Context, base domain.CurrencyCode) (*provider.LatestRates, error) {
	p.mu.Lock()
	p.fetched = append(p.fetched, base)
	err := p.failures[base]
	started, release := p.started, p.release
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return &provider.LatestRates{
		Base:  base,
		Rates: map[domain.CurrencyCode]decimal.Decimal{eur: decimal.RequireFromString("0.9")},
	}, nil
}

func (p *fakeProvider) Quota(context.Context) (*provider.Quota, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotaCalls++
	if p.quotaErr != nil {
		return nil, p.quotaErr
	}
	q := p.quota
	return &q, nil
}

func (p *fakeProvider) Fetched() []domain.CurrencyCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.CurrencyCode(nil), p.fetched...)
}

type testScheduler struct {
	*Scheduler
	db       *gorm.DB
	repo     domain.Repository
	clock    *clock.FakeClock
	provider *fakeProvider
	registry *prometheus.Registry
	sleeps   []time.Duration
}

func newTestScheduler(t *testing.T, mutate func(*Config)) *testScheduler {
	t.Helper()

	registry := prometheus.NewRegistry()
	obsmetrics.ResetSchedulerMetricsForTest()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "fxrates", Environment: "test"})

	db := testutil.OpenDB(t, &domain.ExchangeRate{})
	node := testutil.Node(t)
	repo := repository.Provide(node)
	clk := clock.NewFakeClock(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
	fake := newFakeProvider()

	cfg := DefaultConfig()
	cfg.CommonCurrencies = []domain.CurrencyCode{usd, eur, gbp}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Repo:     repo,
		Provider: fake,
		GenID:    node,
		Clock:    clk,
		Config:   cfg,
	})
	require.NoError(t, err)

	ts := &testScheduler{Scheduler: s, db: db, repo: repo, clock: clk, provider: fake, registry: registry}
	s.sleep = func(_ context.Context, d time.Duration) {
		ts.sleeps = append(ts.sleeps, d)
	}
	return ts
}

func (ts *testScheduler) seed(t *testing.T, base, target domain.CurrencyCode, source domain.Source, ttl time.Duration, at time.Time) {
	t.Helper()
	require.NoError(t, ts.repo.Upsert(context.Background(), ts.db, domain.UpsertParams{
		Scope:  domain.GlobalScope,
		Base:   base,
		Target: target,
		Rate:   decimal.RequireFromString("1.1"),
		Source: source,
		TTL:    ttl,
		Now:    at,
	}))
}

func labels(extra map[string]string) map[string]string {
	out := map[string]string{"service": "fxrates", "env": "test"}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTriggerFullSyncIsNoOpWhileRunning(t *testing.T) {
	ts := newTestScheduler(t, nil)
	ts.running.Store(true)

	started, err := ts.TriggerFullSync(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
	assert.Empty(t, ts.provider.Fetched())
	assert.Equal(t, 0, ts.provider.quotaCalls)
	assert.True(t, ts.IsRunning())

	got := getCounterValue(t, ts.registry, "fxrates_scheduler_job_skipped_total", labels(map[string]string{
		"job":    JobFullSync,
		"reason": obsmetrics.SchedulerSkipReasonAlreadyRunning,
	}))
	assert.Equal(t, float64(1), got)
}

func TestConcurrentTriggersRunOnce(t *testing.T) {
	ts := newTestScheduler(t, func(cfg *Config) {
		cfg.CommonCurrencies = []domain.CurrencyCode{usd}
	})
	ts.provider.started = make(chan struct{}, 1)
	ts.provider.release = make(chan struct{})

	type outcome struct {
		started bool
		err     error
	}
	first := make(chan outcome, 1)
	go func() {
		started, err := ts.TriggerFullSync(context.Background())
		first <- outcome{started, err}
	}()

	select {
	case <-ts.provider.started:
	case <-time.After(2 * time.Second):
		t.Fatal("full sync did not start")
	}
	assert.True(t, ts.IsRunning())

	started, err := ts.TriggerFullSync(context.Background())
	require.NoError(t, err)
	assert.False(t, started)

	close(ts.provider.release)
	res := <-first
	require.NoError(t, res.err)
	assert.True(t, res.started)
	assert.False(t, ts.IsRunning())
	assert.Equal(t, []domain.CurrencyCode{usd}, ts.provider.Fetched())
}

func TestFullSyncSkipsWhenQuotaLow(t *testing.T) {
	ts := newTestScheduler(t, nil)
	ts.provider.quota = provider.Quota{Total: 1000, Remaining: 50}

	started, err := ts.TriggerFullSync(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	assert.Empty(t, ts.provider.Fetched())
	assert.Nil(t, ts.LastSyncTime())
	assert.False(t, ts.IsRunning())

	got := getCounterValue(t, ts.registry, "fxrates_scheduler_job_skipped_total", labels(map[string]string{
		"job":    JobFullSync,
		"reason": obsmetrics.SchedulerSkipReasonQuotaLow,
	}))
	assert.Equal(t, float64(1), got)
}

func TestFullSyncRunsWhenPlanQuotaUnreported(t *testing.T) {
	ts := newTestScheduler(t, nil)
	ts.provider.quota = provider.Quota{Total: 0, Remaining: 0}

	started, err := ts.TriggerFullSync(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, []domain.CurrencyCode{usd, eur, gbp}, ts.provider.Fetched())
	assert.NotNil(t, ts.LastSyncTime())
}

func TestFullSyncAbortsWhenQuotaCheckFails(t *testing.T) {
	ts := newTestScheduler(t, nil)
	ts.provider.quotaErr = provider.ErrUnavailable

	_, err := ts.TriggerFullSync(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrUnavailable)
	assert.Empty(t, ts.provider.Fetched())
	assert.False(t, ts.IsRunning())
}

func TestFullSyncRefreshesExpiredThenCommonBases(t *testing.T) {
	ts := newTestScheduler(t, func(cfg *Config) {
		cfg.InterCallDelay = 250 * time.Millisecond
	})
	chf := domain.MustCurrencyCode("CHF")
	ts.seed(t, chf, usd, domain.SourceAPI, time.Hour, ts.clock.Now().Add(-2*time.Hour))
	ts.seed(t, gbp, usd, domain.SourceAPI, time.Hour, ts.clock.Now().Add(-2*time.Hour))
	// Fresh and non-api rows are not candidates.
	ts.seed(t, domain.MustCurrencyCode("AUD"), usd, domain.SourceAPI, time.Hour, ts.clock.Now())
	ts.seed(t, domain.MustCurrencyCode("SGD"), usd, domain.SourceSystem, 0, ts.clock.Now().Add(-48*time.Hour))

	started, err := ts.TriggerFullSync(context.Background())
	require.NoError(t, err)
	assert.True(t, started)

	assert.Equal(t, []domain.CurrencyCode{chf, gbp, usd, eur}, ts.provider.Fetched())
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}, ts.sleeps)
	require.NotNil(t, ts.LastSyncTime())
	assert.True(t, ts.LastSyncTime().Equal(ts.clock.Now()))

	got := getCounterValue(t, ts.registry, "fxrates_scheduler_batch_processed_total", labels(map[string]string{
		"job":      JobFullSync,
		"resource": "base_currency",
	}))
	assert.Equal(t, float64(4), got)
}

func TestFullSyncContinuesPastFailedBase(t *testing.T) {
	ts := newTestScheduler(t, nil)
	ts.provider.failures[eur] = provider.ErrUnavailable

	started, err := ts.TriggerFullSync(context.Background())
	assert.True(t, started)
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrUnavailable)
	assert.Equal(t, []domain.CurrencyCode{usd, eur, gbp}, ts.provider.Fetched())
	assert.NotNil(t, ts.LastSyncTime())
	assert.False(t, ts.IsRunning())
}

func TestFullSyncSkipsWhenProviderNotConfigured(t *testing.T) {
	ts := newTestScheduler(t, nil)
	ts.provider.configured = false

	started, err := ts.TriggerFullSync(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, 0, ts.provider.quotaCalls)
	assert.Empty(t, ts.provider.Fetched())
}

type stubLock struct {
	acquired bool
	released []string
}

func (l *stubLock) TryLockFullSync(context.Context, time.Duration) (string, bool, error) {
	if !l.acquired {
		return "", false, nil
	}
	return "token-1", true, nil
}

func (l *stubLock) ReleaseFullSync(_ context.Context, token string) error {
	l.released = append(l.released, token)
	return nil
}

func TestFullSyncHonorsClusterLock(t *testing.T) {
	ts := newTestScheduler(t, nil)
	held := &stubLock{acquired: false}
	ts.lock = held

	started, err := ts.TriggerFullSync(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
	assert.Empty(t, ts.provider.Fetched())
	assert.False(t, ts.IsRunning())

	free := &stubLock{acquired: true}
	ts.lock = free
	started, err = ts.TriggerFullSync(context.Background())
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, []string{"token-1"}, free.released)
}

func TestQuotaWatchJobDoesNotFetchRates(t *testing.T) {
	ts := newTestScheduler(t, nil)
	ts.provider.quota = provider.Quota{Total: 1000, Remaining: 10}

	require.NoError(t, ts.QuotaWatchJob(context.Background()))
	assert.Equal(t, 1, ts.provider.quotaCalls)
	assert.Empty(t, ts.provider.Fetched())

	got := getCounterValue(t, ts.registry, "fxrates_scheduler_job_runs_total", labels(map[string]string{"job": JobQuotaWatch}))
	assert.Equal(t, float64(1), got)
}

func TestJanitorFlagsAndDeactivatesExpiredAPIRows(t *testing.T) {
	ts := newTestScheduler(t, nil)
	ctx := context.Background()
	now := ts.clock.Now()
	ts.seed(t, usd, eur, domain.SourceAPI, time.Hour, now.Add(-2*time.Hour))
	ts.seed(t, usd, gbp, domain.SourceAPI, time.Hour, now)
	ts.seed(t, eur, gbp, domain.SourceSystem, 0, now.Add(-72*time.Hour))

	ts.provider.configured = false
	require.NoError(t, ts.JanitorJob(ctx))

	acc := schedtesting.NewCacheAccelerator(ts.db)
	expired, err := acc.Find(ctx, domain.GlobalScope, usd, eur)
	require.NoError(t, err)
	require.NotNil(t, expired)
	assert.True(t, expired.IsExpired)
	assert.False(t, expired.IsActive)

	fresh, err := acc.Find(ctx, domain.GlobalScope, usd, gbp)
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)
	assert.False(t, fresh.IsExpired)

	system, err := acc.Find(ctx, domain.GlobalScope, eur, gbp)
	require.NoError(t, err)
	assert.True(t, system.IsActive)

	var count int64
	require.NoError(t, ts.db.Model(&domain.ExchangeRate{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestManualSyncRunsInBackgroundWithoutFlag(t *testing.T) {
	ts := newTestScheduler(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, ts.TriggerManualSync(ctx, "gbp"))
	// The request context ending does not stop the sync.
	cancel()
	require.NoError(t, ts.WaitManualSyncs(context.Background()))

	assert.Equal(t, []domain.CurrencyCode{gbp}, ts.provider.Fetched())
	assert.False(t, ts.IsRunning())
	assert.Nil(t, ts.LastSyncTime())
}

func TestManualSyncRejectsBadInput(t *testing.T) {
	ts := newTestScheduler(t, nil)

	err := ts.TriggerManualSync(context.Background(), "dollars")
	assert.ErrorIs(t, err, domain.ErrInvalidCurrency)

	ts.provider.configured = false
	err = ts.TriggerManualSync(context.Background(), "USD")
	assert.ErrorIs(t, err, provider.ErrNotConfigured)
	assert.Empty(t, ts.provider.Fetched())
}

func TestSyncStatus(t *testing.T) {
	ts := newTestScheduler(t, nil)
	now := ts.clock.Now()
	ts.seed(t, usd, eur, domain.SourceAPI, time.Hour, now.Add(-2*time.Hour))
	ts.seed(t, usd, gbp, domain.SourceAPI, time.Hour, now)

	status, err := ts.SyncStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.IsRunning)
	assert.Nil(t, status.LastSyncTime)
	assert.Equal(t, int64(2), status.TotalRates)
	assert.Equal(t, int64(1), status.ExpiredRates)
	require.NotNil(t, status.Quota)
	assert.Equal(t, int64(900), status.Quota.Remaining)

	ts.running.Store(true)
	ts.provider.quotaErr = errors.New("boom")
	status, err = ts.SyncStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsRunning)
	assert.Nil(t, status.Quota)
}

func TestRunJobTimeoutDoesNotReturnError(t *testing.T) {
	ts := newTestScheduler(t, nil)

	err := ts.runJob(context.Background(), "timeout_job", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	got := getCounterValue(t, ts.registry, "fxrates_scheduler_job_errors_total", labels(map[string]string{
		"job":    "timeout_job",
		"reason": obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}))
	assert.Equal(t, float64(1), got)
}

func TestProvideConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0.10, cfg.QuotaThreshold)

	got := Config{QuotaThreshold: 2, InterCallDelay: -1}.withDefaults()
	assert.Equal(t, cfg.QuotaThreshold, got.QuotaThreshold)
	assert.Equal(t, cfg.InterCallDelay, got.InterCallDelay)
	assert.Equal(t, cfg.FullSyncInterval, got.FullSyncInterval)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
