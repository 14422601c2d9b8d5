package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fxrates/internal/clock"
	"github.com/smallbiznis/fxrates/internal/config"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"github.com/smallbiznis/fxrates/internal/observability/metrics"
	"github.com/smallbiznis/fxrates/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opLatest = "latest"
	opPair   = "pair"
	opCodes  = "codes"
	opQuota  = "quota"

	resultSuccess = "success"
	maxBodyBytes  = 1 << 20
)

type Params struct {
	fx.In

	Config     config.ExchangeConfig
	Log        *zap.Logger
	DB         *gorm.DB
	Repo       domain.Repository
	Clock      clock.Clock
	HTTPClient *http.Client `optional:"true"`
}

// Client talks to an ExchangeRate-API v6 compatible rate service.
type Client struct {
	cfg        config.ExchangeConfig
	log        *zap.Logger
	db         *gorm.DB
	repo       domain.Repository
	clock      clock.Clock
	httpClient *http.Client
	metrics    *metrics.ExchangeMetrics
	tracer     trace.Tracer
}

func New(p Params) *Client {
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = tracing.WrapHTTPClient(&http.Client{})
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Client{
		cfg:        p.Config,
		log:        p.Log.Named("exchangerate.provider"),
		db:         p.DB,
		repo:       p.Repo,
		clock:      clk,
		httpClient: httpClient,
		metrics:    metrics.Exchange(),
		tracer:     otel.Tracer("fxrates/exchangerate.provider"),
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c.cfg.Configured()
}

// FetchLatest returns the full conversion table for base and stores every
// target as a global api row with the configured cache TTL.
func (c *Client) FetchLatest(ctx context.Context, base domain.CurrencyCode) (*LatestRates, error) {
	var body latestResponse
	if err := c.get(ctx, opLatest, "/latest/"+base.String(), &body); err != nil {
		return nil, err
	}
	if !strings.EqualFold(body.BaseCode, base.String()) {
		return nil, fmt.Errorf("%w: latest returned base %q for %s", ErrInvalidResponse, body.BaseCode, base)
	}

	latest := &LatestRates{
		Base:         base,
		Rates:        make(map[domain.CurrencyCode]decimal.Decimal, len(body.ConversionRates)),
		LastUpdateAt: unixPtr(body.TimeLastUpdateUnix),
		NextUpdateAt: unixPtr(body.TimeNextUpdateUnix),
	}
	for raw, rate := range body.ConversionRates {
		target, err := domain.ParseCurrencyCode(raw)
		if err != nil || target == base || !rate.IsPositive() {
			continue
		}
		latest.Rates[target] = rate
	}
	if len(latest.Rates) == 0 {
		return nil, fmt.Errorf("%w: latest returned no usable rates for %s", ErrInvalidResponse, base)
	}

	if err := c.storeLatest(ctx, latest); err != nil {
		return nil, fmt.Errorf("store latest rates for %s: %w", base, err)
	}
	return latest, nil
}

// FetchPair returns the rate for one pair. When amount is set the provider's
// converted amount is returned as well.
func (c *Client) FetchPair(ctx context.Context, from, to domain.CurrencyCode, amount *decimal.Decimal) (*PairQuote, error) {
	path := "/pair/" + from.String() + "/" + to.String()
	if amount != nil {
		path += "/" + amount.String()
	}

	var body pairResponse
	if err := c.get(ctx, opPair, path, &body); err != nil {
		return nil, err
	}
	if !body.ConversionRate.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive rate for %s/%s", ErrInvalidResponse, from, to)
	}

	return &PairQuote{
		From:         from,
		To:           to,
		Rate:         body.ConversionRate,
		Converted:    body.ConversionResult,
		LastUpdateAt: unixPtr(body.TimeLastUpdateUnix),
		NextUpdateAt: unixPtr(body.TimeNextUpdateUnix),
	}, nil
}

func (c *Client) SupportedCodes(ctx context.Context) ([]SupportedCode, error) {
	var body codesResponse
	if err := c.get(ctx, opCodes, "/codes", &body); err != nil {
		return nil, err
	}

	out := make([]SupportedCode, 0, len(body.SupportedCodes))
	for _, pair := range body.SupportedCodes {
		if len(pair) == 0 {
			continue
		}
		code, err := domain.ParseCurrencyCode(pair[0])
		if err != nil {
			continue
		}
		item := SupportedCode{Code: code}
		if len(pair) > 1 {
			item.Name = pair[1]
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *Client) Quota(ctx context.Context) (*Quota, error) {
	var body quotaResponse
	if err := c.get(ctx, opQuota, "/quota", &body); err != nil {
		return nil, err
	}
	if body.PlanQuota < 0 || body.RequestsRemaining < 0 {
		return nil, fmt.Errorf("%w: negative quota values", ErrInvalidResponse)
	}
	return &Quota{
		Total:             body.PlanQuota,
		Remaining:         body.RequestsRemaining,
		RefreshDayOfMonth: body.RefreshDayOfMonth,
	}, nil
}

func (c *Client) storeLatest(ctx context.Context, latest *LatestRates) error {
	if c.repo == nil || c.db == nil {
		return nil
	}
	now := c.clock.Now()
	params := make([]domain.UpsertParams, 0, len(latest.Rates))
	for target, rate := range latest.Rates {
		params = append(params, domain.UpsertParams{
			Scope:                domain.GlobalScope,
			Base:                 latest.Base,
			Target:               target,
			Rate:                 rate,
			Source:               domain.SourceAPI,
			TTL:                  c.cfg.CacheTTL,
			ProviderLastUpdateAt: latest.LastUpdateAt,
			ProviderNextUpdateAt: latest.NextUpdateAt,
			Now:                  now,
		})
	}
	return c.repo.BulkUpsert(ctx, c.db, params)
}

// get performs one bounded GET and decodes a successful envelope into out.
func (c *Client) get(ctx context.Context, op, path string, out any) (err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "exchangerate.provider."+op, trace.WithAttributes(
		attribute.String("provider.operation", op),
	))
	defer func() {
		c.metrics.ObserveProviderRequest(op, time.Since(start), err)
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, op+" failed")
			c.log.Warn("provider request failed", zap.String("operation", op), zap.Error(err))
		}
		span.End()
	}()

	if !c.cfg.Configured() {
		return fmt.Errorf("%w: api key missing", ErrNotConfigured)
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(c.cfg.ProviderBaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrInvalidResponse, err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.cfg.APIKey))
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: status %d", ErrQuotaExceeded, op, resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s: status %d", ErrUnavailable, op, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, op, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %s: decode envelope: %v", ErrInvalidResponse, op, err)
	}
	if env.Result != resultSuccess {
		return classifyFailure(op, resp.StatusCode, env.ErrorType)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: %s: status %d", ErrInvalidResponse, op, resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s: decode body: %v", ErrInvalidResponse, op, err)
	}

	c.log.Debug("provider request succeeded", zap.String("operation", op), zap.Duration("duration", time.Since(start)))
	return nil
}

func classifyFailure(op string, status int, errorType string) error {
	errorType = strings.TrimSpace(errorType)
	if sentinel, ok := errorTypes[errorType]; ok {
		return fmt.Errorf("%w: %s: %s", sentinel, op, errorType)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %s: status %d", ErrNotConfigured, op, status)
	}
	if errorType == "" {
		errorType = "unknown"
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalidResponse, op, errorType)
}
