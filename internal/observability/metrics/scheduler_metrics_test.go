package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "quota", err: fmt.Errorf("%w: quota-reached", domain.ErrProviderQuotaExceeded), want: SchedulerJobReasonQuotaExceeded},
		{name: "unavailable", err: fmt.Errorf("%w: status 503", domain.ErrProviderUnavailable), want: SchedulerJobReasonUnavailable},
		{name: "invalid_response", err: domain.ErrProviderInvalidResponse, want: SchedulerJobReasonInvalidResponse},
		{name: "not_configured", err: domain.ErrProviderNotConfigured, want: SchedulerJobReasonNotConfigured},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "joined", err: errors.Join(errors.New("first"), domain.ErrProviderUnavailable), want: SchedulerJobReasonUnavailable},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "fxrates",
		Environment: "test",
	})

	metrics.AddBatchProcessed("full_sync", "base_currencies", 3)
	metrics.AddBatchProcessed("full_sync", "base_currencies", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("full_sync", "base_currencies"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestObserveProviderRequest(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newExchangeMetrics(registry, Config{Environment: "test"})

	metrics.ObserveProviderRequest("pair", 20*time.Millisecond, nil)
	metrics.ObserveProviderRequest("pair", time.Second, domain.ErrProviderQuotaExceeded)

	if got := testutil.ToFloat64(metrics.providerRequests.WithLabelValues("pair", ProviderOutcomeOK)); got != 1 {
		t.Fatalf("expected 1 ok request, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.providerRequests.WithLabelValues("pair", SchedulerJobReasonQuotaExceeded)); got != 1 {
		t.Fatalf("expected 1 quota request, got %v", got)
	}
}
