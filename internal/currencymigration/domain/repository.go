package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	ratedomain "github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"gorm.io/gorm"
)

// Repository reads owners and rewrites their monetary records. Lookups
// return nil, nil when nothing matches.
type Repository interface {
	FindUser(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	ListOrgUsers(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]User, error)
	CountRecordsToConvert(ctx context.Context, db *gorm.DB, userIDs []snowflake.ID, target ratedomain.CurrencyCode) (int64, error)
	ListRecordsToConvert(ctx context.Context, db *gorm.DB, userID snowflake.ID, target ratedomain.CurrencyCode) ([]MonetaryRecord, error)
	UpdateRecord(ctx context.Context, db *gorm.DB, record *MonetaryRecord) error
	UpdatePreferredCurrency(ctx context.Context, db *gorm.DB, userIDs []snowflake.ID, currency ratedomain.CurrencyCode, now time.Time) error
}
