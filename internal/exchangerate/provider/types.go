package provider

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
)

// LatestRates is a full conversion table for one base currency.
type LatestRates struct {
	Base         domain.CurrencyCode
	Rates        map[domain.CurrencyCode]decimal.Decimal
	LastUpdateAt *time.Time
	NextUpdateAt *time.Time
}

// PairQuote is a single pair rate, with the converted amount when one was
// requested.
type PairQuote struct {
	From         domain.CurrencyCode
	To           domain.CurrencyCode
	Rate         decimal.Decimal
	Converted    *decimal.Decimal
	LastUpdateAt *time.Time
	NextUpdateAt *time.Time
}

type SupportedCode struct {
	Code domain.CurrencyCode `json:"code"`
	Name string              `json:"name"`
}

type Quota struct {
	Total             int64 `json:"total"`
	Remaining         int64 `json:"remaining"`
	RefreshDayOfMonth int   `json:"refresh_day_of_month"`
}

// RemainingFraction is Remaining/Total. A plan without a reported total
// counts as unlimited and yields 1.
func (q Quota) RemainingFraction() float64 {
	if q.Total <= 0 {
		return 1
	}
	return float64(q.Remaining) / float64(q.Total)
}

type envelope struct {
	Result    string `json:"result"`
	ErrorType string `json:"error-type"`
}

type latestResponse struct {
	envelope
	BaseCode           string                     `json:"base_code"`
	TimeLastUpdateUnix int64                      `json:"time_last_update_unix"`
	TimeNextUpdateUnix int64                      `json:"time_next_update_unix"`
	ConversionRates    map[string]decimal.Decimal `json:"conversion_rates"`
}

type pairResponse struct {
	envelope
	BaseCode           string           `json:"base_code"`
	TargetCode         string           `json:"target_code"`
	TimeLastUpdateUnix int64            `json:"time_last_update_unix"`
	TimeNextUpdateUnix int64            `json:"time_next_update_unix"`
	ConversionRate     decimal.Decimal  `json:"conversion_rate"`
	ConversionResult   *decimal.Decimal `json:"conversion_result"`
}

type codesResponse struct {
	envelope
	SupportedCodes [][]string `json:"supported_codes"`
}

type quotaResponse struct {
	envelope
	PlanQuota         int64 `json:"plan_quota"`
	RequestsRemaining int64 `json:"requests_remaining"`
	RefreshDayOfMonth int   `json:"refresh_day_of_month"`
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
