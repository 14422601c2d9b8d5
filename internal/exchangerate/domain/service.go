package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Tier names the resolution step that produced a rate.
type Tier string

var (
	TierIdentity   Tier = "identity"
	TierOrgDirect  Tier = "org_direct"
	TierOrgReverse Tier = "org_reverse"
	TierGlobal     Tier = "global"
	TierLive       Tier = "live"
	TierStale      Tier = "stale"
	TierNone       Tier = "none"
)

type ResolveRequest struct {
	OrgID *snowflake.ID
	From  CurrencyCode
	To    CurrencyCode
}

type Resolution struct {
	Rate          decimal.Decimal `json:"rate"`
	Tier          Tier            `json:"tier"`
	Source        Source          `json:"source,omitempty"`
	Scope         Scope           `json:"scope,omitempty"`
	Stale         bool            `json:"stale"`
	LastUpdatedAt *time.Time      `json:"last_updated_at,omitempty"`
}

// Resolver finds the rate to use for a currency pair.
type Resolver interface {
	Resolve(ctx context.Context, req ResolveRequest) (Resolution, error)
}

// Converter converts amounts between currencies.
//
// Convert never fails: when no rate can be resolved the amount is returned
// unchanged. ConvertStrict surfaces the failure instead.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to CurrencyCode, orgID *snowflake.ID) decimal.Decimal
	ConvertStrict(ctx context.Context, amount decimal.Decimal, from, to CurrencyCode, orgID *snowflake.ID) (decimal.Decimal, Resolution, error)
}

// OverrideService manages organization specific rates.
type OverrideService interface {
	SetOverride(ctx context.Context, orgID snowflake.ID, base, target CurrencyCode, rate decimal.Decimal) (*ExchangeRate, error)
	ClearOverride(ctx context.Context, orgID snowflake.ID, base, target CurrencyCode) error
}

var (
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidRate         = errors.New("invalid_rate")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrRateNotFound        = errors.New("rate_not_found")
	ErrOverrideNotFound    = errors.New("override_not_found")
)

// Rate provider failures. The provider package re-exports these.
var (
	ErrProviderNotConfigured   = errors.New("provider_not_configured")
	ErrProviderUnavailable     = errors.New("provider_unavailable")
	ErrProviderQuotaExceeded   = errors.New("provider_quota_exceeded")
	ErrProviderInvalidResponse = errors.New("provider_invalid_response")
)
