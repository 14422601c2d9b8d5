package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fxrates/internal/clock"
	"github.com/smallbiznis/fxrates/internal/currencymigration/domain"
	ratedomain "github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"github.com/smallbiznis/fxrates/internal/observability/logger"
	"github.com/smallbiznis/fxrates/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	outcomeConverted = "converted"
	outcomeFailed    = "failed"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Repo      domain.Repository
	Converter ratedomain.Converter
	Clock     clock.Clock
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      domain.Repository
	converter ratedomain.Converter
	clock     clock.Clock
	metrics   *metrics.Metrics
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("currencymigration.service"),
		repo:      p.Repo,
		converter: p.Converter,
		clock:     clk,
		metrics:   p.Metrics,
	}
}

// Preview counts the records a migration to target would rewrite.
func (s *Service) Preview(ctx context.Context, owner domain.Owner, target ratedomain.CurrencyCode) (domain.Preview, error) {
	target, err := ratedomain.ParseCurrencyCode(string(target))
	if err != nil {
		return domain.Preview{}, err
	}
	users, err := s.ownerUsers(ctx, owner)
	if err != nil {
		return domain.Preview{}, err
	}

	count, err := s.repo.CountRecordsToConvert(ctx, s.db, userIDs(users), target)
	if err != nil {
		return domain.Preview{}, err
	}
	return domain.Preview{RecordsToConvert: count}, nil
}

// Migrate converts every record of the owner that is not yet in target.
// Record failures are counted and never stop the batch.
func (s *Service) Migrate(ctx context.Context, owner domain.Owner, target ratedomain.CurrencyCode) (domain.Result, error) {
	target, err := ratedomain.ParseCurrencyCode(string(target))
	if err != nil {
		return domain.Result{}, err
	}
	users, err := s.ownerUsers(ctx, owner)
	if err != nil {
		return domain.Result{}, err
	}

	log := logger.WithContext(ctx, s.log).With(
		zap.String("owner_kind", string(owner.Kind)),
		zap.String("owner_id", owner.ID.String()),
		zap.String("target", target.String()),
	)
	start := time.Now()

	var result domain.Result
	for _, user := range users {
		result.Add(s.migrateUser(ctx, log, user, target))
	}

	if err := s.repo.UpdatePreferredCurrency(ctx, s.db, userIDs(users), target, s.clock.Now()); err != nil {
		log.Error("update preferred currency failed", zap.Error(err))
	}

	s.metrics.RecordMigratedRecords(ctx, string(owner.Kind), outcomeConverted, result.Converted)
	s.metrics.RecordMigratedRecords(ctx, string(owner.Kind), outcomeFailed, result.Failed)

	fields := []zap.Field{
		zap.Int("users", len(users)),
		zap.Int("converted", result.Converted),
		zap.Int("failed", result.Failed),
		zap.Int("total", result.Total),
		zap.Duration("duration", time.Since(start)),
	}
	if result.Failed > 0 {
		log.Warn("currency migration finished with failures", fields...)
	} else {
		log.Info("currency migration finished", fields...)
	}
	return result, nil
}

func (s *Service) migrateUser(ctx context.Context, log *zap.Logger, user domain.User, target ratedomain.CurrencyCode) domain.Result {
	var result domain.Result

	records, err := s.repo.ListRecordsToConvert(ctx, s.db, user.ID, target)
	if err != nil {
		log.Error("list monetary records failed", zap.String("user_id", user.ID.String()), zap.Error(err))
		return result
	}

	orgID := user.OrgID
	for i := range records {
		result.Total++
		if err := s.migrateRecord(ctx, &records[i], target, &orgID); err != nil {
			result.Failed++
			log.Warn("monetary record not converted",
				zap.String("record_id", records[i].ID.String()),
				zap.String("user_id", user.ID.String()),
				zap.Error(err),
			)
			continue
		}
		result.Converted++
	}
	return result
}

// migrateRecord always converts from the first captured original so
// repeated switches do not compound rounding.
func (s *Service) migrateRecord(ctx context.Context, record *domain.MonetaryRecord, target ratedomain.CurrencyCode, orgID *snowflake.ID) error {
	if !record.HasOriginal() {
		original := record.Currency
		record.OriginalAmount = decimal.NewNullDecimal(record.Amount)
		record.OriginalCurrency = &original
	}

	converted, _, err := s.converter.ConvertStrict(ctx, record.OriginalAmount.Decimal, *record.OriginalCurrency, target, orgID)
	if err != nil {
		return fmt.Errorf("convert %s to %s: %w", *record.OriginalCurrency, target, err)
	}

	record.Amount = converted
	record.Currency = target
	record.DisplayCurrency = target
	record.UpdatedAt = s.clock.Now()
	return s.repo.UpdateRecord(ctx, s.db, record)
}

func (s *Service) ownerUsers(ctx context.Context, owner domain.Owner) ([]domain.User, error) {
	if owner.ID == 0 {
		return nil, domain.ErrInvalidOwner
	}
	switch owner.Kind {
	case domain.OwnerUser:
		user, err := s.repo.FindUser(ctx, s.db, owner.ID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, domain.ErrOwnerNotFound
		}
		return []domain.User{*user}, nil
	case domain.OwnerOrganization:
		users, err := s.repo.ListOrgUsers(ctx, s.db, owner.ID)
		if err != nil {
			return nil, err
		}
		if len(users) == 0 {
			return nil, domain.ErrOwnerNotFound
		}
		return users, nil
	default:
		return nil, domain.ErrInvalidOwner
	}
}

func userIDs(users []domain.User) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids
}
