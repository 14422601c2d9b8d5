package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UpsertParams describes one rate row to insert or refresh in place.
// A zero TTL means the row never expires.
type UpsertParams struct {
	Scope                Scope
	OrgID                *snowflake.ID
	Base                 CurrencyCode
	Target               CurrencyCode
	Rate                 decimal.Decimal
	Source               Source
	TTL                  time.Duration
	ProviderLastUpdateAt *time.Time
	ProviderNextUpdateAt *time.Time
	Metadata             map[string]any
	Now                  time.Time
}

// Repository persists rate rows. Lookups return nil, nil when no row matches.
type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, params UpsertParams) error
	BulkUpsert(ctx context.Context, db *gorm.DB, params []UpsertParams) error
	Seed(ctx context.Context, db *gorm.DB, params UpsertParams) (bool, error)
	FindValid(ctx context.Context, db *gorm.DB, orgID *snowflake.ID, base, target CurrencyCode, now time.Time) (*ExchangeRate, error)
	FindScoped(ctx context.Context, db *gorm.DB, scope Scope, base, target CurrencyCode, now time.Time) (*ExchangeRate, error)
	FindLatestAny(ctx context.Context, db *gorm.DB, orgID *snowflake.ID, base, target CurrencyCode) (*ExchangeRate, error)
	MarkExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	FindExpired(ctx context.Context, db *gorm.DB, now time.Time) ([]ExchangeRate, error)
	ExpiredBaseCurrencies(ctx context.Context, db *gorm.DB, now time.Time) ([]CurrencyCode, error)
	Deactivate(ctx context.Context, db *gorm.DB, ids []snowflake.ID, now time.Time) (int64, error)
	DeactivateScoped(ctx context.Context, db *gorm.DB, scope Scope, base, target CurrencyCode, now time.Time) (int64, error)
	Stats(ctx context.Context, db *gorm.DB, now time.Time) (RateStats, error)
}
