package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Source string

var (
	SourceSystem    Source = "system"
	SourceUser      Source = "user"
	SourceAPI       Source = "api"
	SourceAPICached Source = "api_cached"
	SourceFallback  Source = "fallback"
)

// Scope is either "global" or "organization:<id>".
type Scope string

const GlobalScope Scope = "global"

const orgScopePrefix = "organization:"

func OrganizationScope(orgID snowflake.ID) Scope {
	return Scope(orgScopePrefix + orgID.String())
}

func (s Scope) IsGlobal() bool { return s == GlobalScope }

// OrgID returns the organization encoded in the scope, if any.
func (s Scope) OrgID() (snowflake.ID, bool) {
	raw, ok := strings.CutPrefix(string(s), orgScopePrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return snowflake.ID(id), true
}

type ExchangeRate struct {
	ID                   snowflake.ID      `json:"id" gorm:"primaryKey"`
	Scope                Scope             `json:"scope" gorm:"type:varchar(64);not null;uniqueIndex:idx_exchange_rates_scope_pair,priority:1"`
	OrgID                *snowflake.ID     `json:"organization_id,omitempty" gorm:"column:org_id;index"`
	BaseCurrency         CurrencyCode      `json:"base_currency" gorm:"type:varchar(3);not null;uniqueIndex:idx_exchange_rates_scope_pair,priority:2"`
	TargetCurrency       CurrencyCode      `json:"target_currency" gorm:"type:varchar(3);not null;uniqueIndex:idx_exchange_rates_scope_pair,priority:3"`
	Rate                 decimal.Decimal   `json:"rate" gorm:"type:numeric(24,12);not null"`
	Source               Source            `json:"source" gorm:"type:varchar(16);not null"`
	IsActive             bool              `json:"is_active" gorm:"not null"`
	IsExpired            bool              `json:"is_expired" gorm:"not null"`
	LastUpdatedAt        time.Time         `json:"last_updated_at" gorm:"not null"`
	CacheExpiresAt       *time.Time        `json:"cache_expires_at,omitempty" gorm:"index"`
	ProviderLastUpdateAt *time.Time        `json:"provider_last_update_at,omitempty"`
	ProviderNextUpdateAt *time.Time        `json:"provider_next_update_at,omitempty"`
	Metadata             datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:json"`
	CreatedAt            time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt            time.Time         `json:"updated_at" gorm:"not null"`
}

func (ExchangeRate) TableName() string { return "exchange_rates" }

// ExpiredAt reports whether the row is flagged or past its cache expiry.
func (r ExchangeRate) ExpiredAt(now time.Time) bool {
	if r.IsExpired {
		return true
	}
	return r.CacheExpiresAt != nil && !now.Before(*r.CacheExpiresAt)
}

// RateStats summarizes the cache for sync status.
type RateStats struct {
	TotalRates   int64 `json:"total_rates"`
	ExpiredRates int64 `json:"expired_rates"`
}
