package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"github.com/smallbiznis/fxrates/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxUpsertAttempts = 3

var apiSources = []domain.Source{domain.SourceAPI, domain.SourceAPICached}

var conflictColumns = []clause.Column{
	{Name: "scope"},
	{Name: "base_currency"},
	{Name: "target_currency"},
}

var refreshColumns = []string{
	"org_id",
	"rate",
	"source",
	"is_active",
	"is_expired",
	"last_updated_at",
	"cache_expires_at",
	"provider_last_update_at",
	"provider_next_update_at",
	"metadata",
	"updated_at",
}

type repo struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) domain.Repository {
	return &repo{genID: genID}
}

func (r *repo) Upsert(ctx context.Context, conn *gorm.DB, params domain.UpsertParams) error {
	row := r.buildRow(params)
	return withConflictRetry(func() error {
		return conn.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   conflictColumns,
				DoUpdates: clause.AssignmentColumns(refreshColumns),
			}).
			Create(&row).Error
	})
}

func (r *repo) BulkUpsert(ctx context.Context, conn *gorm.DB, params []domain.UpsertParams) error {
	if len(params) == 0 {
		return nil
	}
	rows := make([]domain.ExchangeRate, 0, len(params))
	for _, p := range params {
		rows = append(rows, r.buildRow(p))
	}
	return withConflictRetry(func() error {
		return conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{
				Columns:   conflictColumns,
				DoUpdates: clause.AssignmentColumns(refreshColumns),
			}).CreateInBatches(&rows, 100).Error
		})
	})
}

func (r *repo) Seed(ctx context.Context, conn *gorm.DB, params domain.UpsertParams) (bool, error) {
	row := r.buildRow(params)
	result := conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: conflictColumns, DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindValid(ctx context.Context, conn *gorm.DB, orgID *snowflake.ID, base, target domain.CurrencyCode, now time.Time) (*domain.ExchangeRate, error) {
	var rows []domain.ExchangeRate
	err := validRates(conn.WithContext(ctx), now).
		Where("scope IN ?", scopesFor(orgID)).
		Where("base_currency = ? AND target_currency = ?", base, target).
		Order("last_updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return preferOrganization(rows), nil
}

func (r *repo) FindScoped(ctx context.Context, conn *gorm.DB, scope domain.Scope, base, target domain.CurrencyCode, now time.Time) (*domain.ExchangeRate, error) {
	var rows []domain.ExchangeRate
	err := validRates(conn.WithContext(ctx), now).
		Where("scope = ? AND base_currency = ? AND target_currency = ?", scope, base, target).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) FindLatestAny(ctx context.Context, conn *gorm.DB, orgID *snowflake.ID, base, target domain.CurrencyCode) (*domain.ExchangeRate, error) {
	var rows []domain.ExchangeRate
	err := conn.WithContext(ctx).
		Where("scope IN ?", scopesFor(orgID)).
		Where("base_currency = ? AND target_currency = ?", base, target).
		// Rows retired by hand before expiring, such as cleared overrides, are gone for good.
		Where("(is_active = ? OR is_expired = ? OR source IN ?)", true, true, apiSources).
		Order("last_updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return preferOrganization(rows), nil
}

func (r *repo) MarkExpired(ctx context.Context, conn *gorm.DB, now time.Time) (int64, error) {
	result := conn.WithContext(ctx).
		Model(&domain.ExchangeRate{}).
		Where("is_expired = ?", false).
		Where("cache_expires_at IS NOT NULL AND cache_expires_at <= ?", now.UTC()).
		Updates(map[string]any{
			"is_expired": true,
			"updated_at": now.UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *repo) FindExpired(ctx context.Context, conn *gorm.DB, now time.Time) ([]domain.ExchangeRate, error) {
	var rows []domain.ExchangeRate
	err := expiredAPIRates(conn.WithContext(ctx), now).
		Where("is_active = ?", true).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ExpiredBaseCurrencies includes deactivated rows so the next full sync
// refreshes bases the janitor already retired.
func (r *repo) ExpiredBaseCurrencies(ctx context.Context, conn *gorm.DB, now time.Time) ([]domain.CurrencyCode, error) {
	var codes []domain.CurrencyCode
	err := expiredAPIRates(conn.WithContext(ctx).Model(&domain.ExchangeRate{}), now).
		Distinct("base_currency").
		Order("base_currency ASC").
		Pluck("base_currency", &codes).Error
	if err != nil {
		return nil, err
	}
	return codes, nil
}

func (r *repo) Deactivate(ctx context.Context, conn *gorm.DB, ids []snowflake.ID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := conn.WithContext(ctx).
		Model(&domain.ExchangeRate{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"is_active":  false,
			"updated_at": now.UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *repo) DeactivateScoped(ctx context.Context, conn *gorm.DB, scope domain.Scope, base, target domain.CurrencyCode, now time.Time) (int64, error) {
	result := conn.WithContext(ctx).
		Model(&domain.ExchangeRate{}).
		Where("scope = ? AND base_currency = ? AND target_currency = ?", scope, base, target).
		Where("is_active = ?", true).
		Updates(map[string]any{
			"is_active":  false,
			"updated_at": now.UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *repo) Stats(ctx context.Context, conn *gorm.DB, now time.Time) (domain.RateStats, error) {
	var stats domain.RateStats
	if err := conn.WithContext(ctx).
		Model(&domain.ExchangeRate{}).
		Where("is_active = ?", true).
		Count(&stats.TotalRates).Error; err != nil {
		return domain.RateStats{}, err
	}
	if err := conn.WithContext(ctx).
		Model(&domain.ExchangeRate{}).
		Where("is_active = ?", true).
		Where("is_expired = ? OR (cache_expires_at IS NOT NULL AND cache_expires_at <= ?)", true, now.UTC()).
		Count(&stats.ExpiredRates).Error; err != nil {
		return domain.RateStats{}, err
	}
	return stats, nil
}

func (r *repo) buildRow(p domain.UpsertParams) domain.ExchangeRate {
	now := p.Now.UTC()
	if p.Now.IsZero() {
		now = time.Now().UTC()
	}

	var expiresAt *time.Time
	if p.TTL > 0 {
		t := now.Add(p.TTL)
		expiresAt = &t
	}

	var metadata datatypes.JSONMap
	if len(p.Metadata) > 0 {
		metadata = datatypes.JSONMap(p.Metadata)
	}

	orgID := p.OrgID
	if orgID == nil {
		if id, ok := p.Scope.OrgID(); ok {
			orgID = &id
		}
	}

	return domain.ExchangeRate{
		ID:                   r.genID.Generate(),
		Scope:                p.Scope,
		OrgID:                orgID,
		BaseCurrency:         p.Base,
		TargetCurrency:       p.Target,
		Rate:                 p.Rate,
		Source:               p.Source,
		IsActive:             true,
		IsExpired:            false,
		LastUpdatedAt:        now,
		CacheExpiresAt:       expiresAt,
		ProviderLastUpdateAt: utcPtr(p.ProviderLastUpdateAt),
		ProviderNextUpdateAt: utcPtr(p.ProviderNextUpdateAt),
		Metadata:             metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func validRates(q *gorm.DB, now time.Time) *gorm.DB {
	return q.
		Where("is_active = ? AND is_expired = ?", true, false).
		Where("cache_expires_at IS NULL OR cache_expires_at > ?", now.UTC())
}

func expiredAPIRates(q *gorm.DB, now time.Time) *gorm.DB {
	return q.
		Where("source IN ?", apiSources).
		Where("is_expired = ? OR (cache_expires_at IS NOT NULL AND cache_expires_at <= ?)", true, now.UTC())
}

func scopesFor(orgID *snowflake.ID) []domain.Scope {
	if orgID == nil {
		return []domain.Scope{domain.GlobalScope}
	}
	return []domain.Scope{domain.OrganizationScope(*orgID), domain.GlobalScope}
}

// preferOrganization picks the first organization row, falling back to the
// first global row. Rows are expected newest first.
func preferOrganization(rows []domain.ExchangeRate) *domain.ExchangeRate {
	var global *domain.ExchangeRate
	for i := range rows {
		if !rows[i].Scope.IsGlobal() {
			return &rows[i]
		}
		if global == nil {
			global = &rows[i]
		}
	}
	return global
}

func withConflictRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		err = fn()
		if err == nil || !db.IsDuplicateKeyErr(err) {
			return err
		}
	}
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
