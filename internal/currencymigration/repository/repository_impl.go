package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fxrates/internal/currencymigration/domain"
	ratedomain "github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindUser(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.User, error) {
	var users []domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&users).Error; err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return &users[0], nil
}

func (r *repo) ListOrgUsers(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.User, error) {
	var users []domain.User
	err := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("id ASC").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (r *repo) CountRecordsToConvert(ctx context.Context, db *gorm.DB, userIDs []snowflake.ID, target ratedomain.CurrencyCode) (int64, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.MonetaryRecord{}).
		Where("user_id IN ?", userIDs).
		Where("currency <> ?", target).
		Count(&count).Error
	return count, err
}

func (r *repo) ListRecordsToConvert(ctx context.Context, db *gorm.DB, userID snowflake.ID, target ratedomain.CurrencyCode) ([]domain.MonetaryRecord, error) {
	var records []domain.MonetaryRecord
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("currency <> ?", target).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// UpdateRecord writes the converted amount. The original columns are only
// written while still empty so a captured baseline is never replaced.
func (r *repo) UpdateRecord(ctx context.Context, db *gorm.DB, record *domain.MonetaryRecord) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.MonetaryRecord{}).
			Where("id = ?", record.ID).
			Where("original_currency IS NULL").
			Updates(map[string]any{
				"original_amount":   record.OriginalAmount,
				"original_currency": record.OriginalCurrency,
			}).Error; err != nil {
			return err
		}

		result := tx.Model(&domain.MonetaryRecord{}).
			Where("id = ?", record.ID).
			Updates(map[string]any{
				"amount":           record.Amount,
				"currency":         record.Currency,
				"display_currency": record.DisplayCurrency,
				"updated_at":       record.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *repo) UpdatePreferredCurrency(ctx context.Context, db *gorm.DB, userIDs []snowflake.ID, currency ratedomain.CurrencyCode, now time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id IN ?", userIDs).
		Updates(map[string]any{
			"preferred_currency": currency,
			"updated_at":         now.UTC(),
		}).Error
}
