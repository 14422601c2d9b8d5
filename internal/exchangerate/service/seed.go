package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"go.uber.org/zap"
)

// SeedStaticRates inserts the configured system rates for pairs that have no
// row yet. Existing rows, including fresher provider rates, are left alone.
func (s *Service) SeedStaticRates(ctx context.Context) (int, error) {
	now := s.clock.Now()
	created := 0
	for _, seed := range s.cfg.SeedRates {
		base, target, err := parsePair(domain.CurrencyCode(seed.Base), domain.CurrencyCode(seed.Target))
		if err != nil {
			return created, err
		}
		rate, err := decimal.NewFromString(seed.Rate)
		if err != nil || !rate.IsPositive() {
			return created, fmt.Errorf("%w: seed %s/%s %q", domain.ErrInvalidRate, base, target, seed.Rate)
		}

		ok, err := s.repo.Seed(ctx, s.db, domain.UpsertParams{
			Scope:  domain.GlobalScope,
			Base:   base,
			Target: target,
			Rate:   rate,
			Source: domain.SourceSystem,
			Now:    now,
		})
		if err != nil {
			return created, fmt.Errorf("seed %s/%s: %w", base, target, err)
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		s.log.Info("seeded static exchange rates", zap.Int("created", created))
	}
	return created, nil
}
