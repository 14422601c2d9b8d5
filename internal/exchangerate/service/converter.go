package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"github.com/smallbiznis/fxrates/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	outcomeConverted   = "converted"
	outcomeUnconverted = "unconverted"
)

// Convert multiplies amount by the resolved rate. When resolution fails the
// amount is returned unchanged and the failure is only logged.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, from, to domain.CurrencyCode, orgID *snowflake.ID) decimal.Decimal {
	converted, _, err := s.ConvertStrict(ctx, amount, from, to, orgID)
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("conversion unavailable, returning amount unchanged",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
		return amount
	}
	return converted
}

// ConvertStrict is Convert for callers that must know resolution failed.
func (s *Service) ConvertStrict(ctx context.Context, amount decimal.Decimal, from, to domain.CurrencyCode, orgID *snowflake.ID) (decimal.Decimal, domain.Resolution, error) {
	res, err := s.Resolve(ctx, domain.ResolveRequest{OrgID: orgID, From: from, To: to})
	if err != nil {
		s.metrics.RecordConversion(ctx, string(domain.TierNone), outcomeUnconverted)
		return amount, res, err
	}
	if !res.Rate.IsPositive() {
		s.metrics.RecordConversion(ctx, string(res.Tier), outcomeUnconverted)
		return amount, res, errors.Join(domain.ErrRateNotFound, domain.ErrInvalidRate)
	}

	s.metrics.RecordConversion(ctx, string(res.Tier), outcomeConverted)
	return amount.Mul(res.Rate).Round(s.amountScale()), res, nil
}

func (s *Service) amountScale() int32 {
	if s.cfg.AmountScale < 0 {
		return 2
	}
	return s.cfg.AmountScale
}
