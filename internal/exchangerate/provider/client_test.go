package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fxrates/internal/clock"
	"github.com/smallbiznis/fxrates/internal/config"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"github.com/smallbiznis/fxrates/internal/exchangerate/repository"
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

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*config.ExchangeConfig)) (*Client, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.DefaultExchangeConfig()
	cfg.ProviderBaseURL = server.URL + "/v6"
	cfg.APIKey = "test-key"
	cfg.CacheTTL = time.Hour
	cfg.RequestTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	db := testutil.OpenDB(t, &domain.ExchangeRate{})
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))

	client := New(Params{
		Config:     cfg,
		Log:        zap.NewNop(),
		DB:         db,
		Repo:       repository.Provide(testutil.Node(t)),
		Clock:      clk,
		HTTPClient: server.Client(),
	})
	return client, db, clk
}

func TestFetchLatestStoresGlobalAPIRows(t *testing.T) {
	var authHeader atomic.Value
	client, db, clk := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		require.Equal(t, "/v6/latest/USD", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"result": "success",
			"base_code": "USD",
			"time_last_update_unix": 1740787201,
			"time_next_update_unix": 1740873601,
			"conversion_rates": {"USD": 1, "EUR": 0.85, "GBP": 0.79, "bad": 2, "JPY": 0}
		}`))
	}, nil)

	latest, err := client.FetchLatest(context.Background(), usd)
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", authHeader.Load())
	require.Len(t, latest.Rates, 2)
	assert.True(t, latest.Rates[eur].Equal(decimal.RequireFromString("0.85")))
	require.NotNil(t, latest.NextUpdateAt)

	var rows []domain.ExchangeRate
	require.NoError(t, db.Order("target_currency ASC").Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, domain.GlobalScope, row.Scope)
		assert.Equal(t, domain.SourceAPI, row.Source)
		assert.True(t, row.IsActive)
		require.NotNil(t, row.CacheExpiresAt)
		// TTL comes from config, not from the provider's next update time.
		assert.True(t, row.CacheExpiresAt.Equal(clk.Now().Add(time.Hour)))
	}
	assert.Equal(t, eur, rows[0].TargetCurrency)
	assert.Equal(t, gbp, rows[1].TargetCurrency)
}

func TestFetchPairWithAmount(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v6/pair/USD/EUR/100", r.URL.Path)
		_, _ = w.Write([]byte(`{"result":"success","base_code":"USD","target_code":"EUR","conversion_rate":0.85,"conversion_result":85}`))
	}, nil)

	amount := decimal.NewFromInt(100)
	quote, err := client.FetchPair(context.Background(), usd, eur, &amount)
	require.NoError(t, err)
	assert.True(t, quote.Rate.Equal(decimal.RequireFromString("0.85")))
	require.NotNil(t, quote.Converted)
	assert.True(t, quote.Converted.Equal(decimal.NewFromInt(85)))
}

func TestSupportedCodesAndQuota(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v6/codes":
			_, _ = w.Write([]byte(`{"result":"success","supported_codes":[["USD","United States Dollar"],["EUR","Euro"],["??","broken"]]}`))
		case "/v6/quota":
			_, _ = w.Write([]byte(`{"result":"success","plan_quota":1500,"requests_remaining":150,"refresh_day_of_month":17}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, nil)

	codes, err := client.SupportedCodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []SupportedCode{{Code: usd, Name: "United States Dollar"}, {Code: eur, Name: "Euro"}}, codes)

	quota, err := client.Quota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1500), quota.Total)
	assert.InDelta(t, 0.1, quota.RemainingFraction(), 1e-9)
	assert.Equal(t, float64(1), Quota{Total: 0, Remaining: 0}.RemainingFraction())
}

func TestTypedFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "quota reached in envelope",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"result":"error","error-type":"quota-reached"}`))
			},
			want: ErrQuotaExceeded,
		},
		{
			name: "invalid key",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"result":"error","error-type":"invalid-key"}`))
			},
			want: ErrNotConfigured,
		},
		{
			name: "unsupported code",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"result":"error","error-type":"unsupported-code"}`))
			},
			want: ErrInvalidResponse,
		},
		{
			name: "too many requests",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			want: ErrQuotaExceeded,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			want: ErrUnavailable,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			want: ErrInvalidResponse,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			want: ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, _ := newTestClient(t, tt.handler, func(cfg *config.ExchangeConfig) {
				cfg.RequestTimeout = 100 * time.Millisecond
			})
			_, err := client.FetchPair(context.Background(), usd, eur, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMissingKeySkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, func(cfg *config.ExchangeConfig) {
		cfg.APIKey = ""
	})

	_, err := client.Quota(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = client.FetchLatest(context.Background(), usd)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, int32(0), calls.Load())
	assert.False(t, client.Configured())
}
