package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	migrationdomain "github.com/smallbiznis/fxrates/internal/currencymigration/domain"
	ratedomain "github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"github.com/smallbiznis/fxrates/internal/observability"
	"github.com/smallbiznis/fxrates/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRates struct {
	resolution ratedomain.Resolution
	resolveErr error
	lastReq    ratedomain.ResolveRequest
	overrides  map[string]decimal.Decimal
}

func (f *fakeRates) Resolve(_ context.Context, req ratedomain.ResolveRequest) (ratedomain.Resolution, error) {
	f.lastReq = req
	return f.resolution, f.resolveErr
}

func (f *fakeRates) Convert(ctx context.Context, amount decimal.Decimal, from, to ratedomain.CurrencyCode, orgID *snowflake.ID) decimal.Decimal {
	out, _, err := f.ConvertStrict(ctx, amount, from, to, orgID)
	if err != nil {
		return amount
	}
	return out
}

func (f *fakeRates) ConvertStrict(_ context.Context, amount decimal.Decimal, _, _ ratedomain.CurrencyCode, _ *snowflake.ID) (decimal.Decimal, ratedomain.Resolution, error) {
	if f.resolveErr != nil {
		return amount, ratedomain.Resolution{Tier: ratedomain.TierNone}, f.resolveErr
	}
	return amount.Mul(f.resolution.Rate).Round(2), f.resolution, nil
}

func (f *fakeRates) SetOverride(_ context.Context, orgID snowflake.ID, base, target ratedomain.CurrencyCode, rate decimal.Decimal) (*ratedomain.ExchangeRate, error) {
	if !rate.IsPositive() {
		return nil, ratedomain.ErrInvalidRate
	}
	f.overrides[string(base)+string(target)] = rate
	return &ratedomain.ExchangeRate{
		Scope:          ratedomain.OrganizationScope(orgID),
		BaseCurrency:   base,
		TargetCurrency: target,
		Rate:           rate,
		Source:         ratedomain.SourceUser,
		IsActive:       true,
	}, nil
}

func (f *fakeRates) ClearOverride(_ context.Context, _ snowflake.ID, base, target ratedomain.CurrencyCode) error {
	key := string(base) + string(target)
	if _, ok := f.overrides[key]; !ok {
		return ratedomain.ErrOverrideNotFound
	}
	delete(f.overrides, key)
	return nil
}

type fakeSync struct {
	status    scheduler.SyncStatus
	triggered []string
}

func (f *fakeSync) SyncStatus(context.Context) (scheduler.SyncStatus, error) {
	return f.status, nil
}

func (f *fakeSync) TriggerManualSync(_ context.Context, base string) error {
	if _, err := ratedomain.ParseCurrencyCode(base); err != nil {
		return err
	}
	f.triggered = append(f.triggered, base)
	return nil
}

type fakeMigration struct {
	owner  migrationdomain.Owner
	result migrationdomain.Result
}

func (f *fakeMigration) Preview(_ context.Context, owner migrationdomain.Owner, _ ratedomain.CurrencyCode) (migrationdomain.Preview, error) {
	f.owner = owner
	return migrationdomain.Preview{RecordsToConvert: 3}, nil
}

func (f *fakeMigration) Migrate(_ context.Context, owner migrationdomain.Owner, _ ratedomain.CurrencyCode) (migrationdomain.Result, error) {
	if owner.Kind != migrationdomain.OwnerUser && owner.Kind != migrationdomain.OwnerOrganization {
		return migrationdomain.Result{}, migrationdomain.ErrInvalidOwner
	}
	f.owner = owner
	return f.result, nil
}

type testServer struct {
	*Server
	rates     *fakeRates
	sync      *fakeSync
	migration *fakeMigration
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	rates := &fakeRates{
		resolution: ratedomain.Resolution{Rate: decimal.RequireFromString("0.85"), Tier: ratedomain.TierGlobal, Source: ratedomain.SourceAPI},
		overrides:  map[string]decimal.Decimal{},
	}
	sync := &fakeSync{status: scheduler.SyncStatus{TotalRates: 12, ExpiredRates: 2}}
	migration := &fakeMigration{result: migrationdomain.Result{Converted: 2, Failed: 1, Total: 3}}

	engine := NewEngine(observability.Config{Environment: "test"}, zap.NewNop(), nil)
	srv := NewServer(Params{
		Engine:    engine,
		Log:       zap.NewNop(),
		Resolver:  rates,
		Converter: rates,
		Overrides: rates,
		Sync:      sync,
		Migration: migration,
	})
	return &testServer{Server: srv, rates: rates, sync: sync, migration: migration}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestResolveRate(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/exchange-rates/resolve?from=usd&to=EUR&org_id=42", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data resolveResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ratedomain.CurrencyCode("USD"), resp.Data.From)
	assert.True(t, resp.Data.Rate.Equal(decimal.RequireFromString("0.85")))
	assert.Equal(t, ratedomain.TierGlobal, resp.Data.Tier)
	require.NotNil(t, ts.rates.lastReq.OrgID)
	assert.Equal(t, snowflake.ID(42), *ts.rates.lastReq.OrgID)
}

func TestResolveRateErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/exchange-rates/resolve?from=usd&to=EURO", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, "validation_error", payload.Type)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "to", payload.Errors[0].Field)

	rec = ts.do(t, http.MethodGet, "/v1/exchange-rates/resolve?from=usd&to=eur&org_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.rates.resolveErr = errors.Join(ratedomain.ErrRateNotFound, ratedomain.ErrProviderUnavailable)
	rec = ts.do(t, http.MethodGet, "/v1/exchange-rates/resolve?from=usd&to=eur", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConvertNeverFails(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/exchange-rates/convert?from=USD&to=EUR&amount=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data convertResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Data.Converted.Equal(decimal.NewFromInt(85)))

	ts.rates.resolveErr = ratedomain.ErrRateNotFound
	rec = ts.do(t, http.MethodGet, "/v1/exchange-rates/convert?from=USD&to=EUR&amount=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Data.Converted.Equal(decimal.NewFromInt(100)))

	rec = ts.do(t, http.MethodGet, "/v1/exchange-rates/convert?from=USD&to=EUR&amount=ten", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/exchange-rates/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data scheduler.SyncStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(12), resp.Data.TotalRates)
	assert.Equal(t, int64(2), resp.Data.ExpiredRates)

	rec = ts.do(t, http.MethodPost, "/v1/exchange-rates/sync/gbp", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"gbp"}, ts.sync.triggered)

	rec = ts.do(t, http.MethodPost, "/v1/exchange-rates/sync/pounds", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_currency", decodeError(t, rec).Errors[0].Code)
}

func TestOverrideEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/v1/organizations/7/exchange-rates/USD/EUR", map[string]string{"rate": "0.9"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPut, "/v1/organizations/7/exchange-rates/USD/EUR", map[string]string{"rate": "-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "rate", decodeError(t, rec).Errors[0].Field)

	rec = ts.do(t, http.MethodDelete, "/v1/organizations/7/exchange-rates/USD/EUR", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/organizations/7/exchange-rates/USD/EUR", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/organizations/0/exchange-rates/USD/EUR", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCurrencyMigrationEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/currency-migrations/preview", migrationRequest{
		OwnerType:      "organization",
		OwnerID:        "55",
		TargetCurrency: "eur",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, migrationdomain.OrganizationOwner(55), ts.migration.owner)

	rec = ts.do(t, http.MethodPost, "/v1/currency-migrations", migrationRequest{
		OwnerType:      "User",
		OwnerID:        "9",
		TargetCurrency: "EUR",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data migrationdomain.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, migrationdomain.Result{Converted: 2, Failed: 1, Total: 3}, resp.Data)

	rec = ts.do(t, http.MethodPost, "/v1/currency-migrations", migrationRequest{
		OwnerType:      "team",
		OwnerID:        "9",
		TargetCurrency: "EUR",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_owner", decodeError(t, rec).Errors[0].Code)
}

func TestMapErrorProviderFailures(t *testing.T) {
	status, payload := mapError(ratedomain.ErrProviderNotConfigured)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "service_unavailable", payload.Type)

	status, _ = mapError(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
}
