// internal/scheduler/testing/helper.go
package testing

import (
	"context"
	"time"

	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"gorm.io/gorm"
)

// CacheAccelerator ages cached rates so expiry paths can be exercised
// without waiting for the TTL.
type CacheAccelerator struct {
	db *gorm.DB
}

func NewCacheAccelerator(db *gorm.DB) *CacheAccelerator {
	return &CacheAccelerator{db: db}
}

// ExpirePair moves cache_expires_at of one pair in one scope into the past.
func (ca *CacheAccelerator) ExpirePair(ctx context.Context, scope domain.Scope, base, target domain.CurrencyCode, now time.Time) error {
	return ca.db.WithContext(ctx).Exec(
		`UPDATE exchange_rates
		 SET cache_expires_at = ?, updated_at = ?
		 WHERE scope = ? AND base_currency = ? AND target_currency = ?`,
		now.Add(-1*time.Minute),
		now,
		scope,
		base,
		target,
	).Error
}

// ExpireAll moves every row with an expiry into the past.
func (ca *CacheAccelerator) ExpireAll(ctx context.Context, now time.Time) (int64, error) {
	result := ca.db.WithContext(ctx).Exec(
		`UPDATE exchange_rates
		 SET cache_expires_at = ?, updated_at = ?
		 WHERE cache_expires_at IS NOT NULL`,
		now.Add(-1*time.Minute),
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// Find returns the row for one pair regardless of its flags.
func (ca *CacheAccelerator) Find(ctx context.Context, scope domain.Scope, base, target domain.CurrencyCode) (*domain.ExchangeRate, error) {
	var rows []domain.ExchangeRate
	err := ca.db.WithContext(ctx).
		Where("scope = ? AND base_currency = ? AND target_currency = ?", scope, base, target).
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}
