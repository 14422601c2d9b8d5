package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"go.uber.org/zap"
)

// SetOverride stores an organization rate that never expires and wins over
// the global rate for the same pair.
func (s *Service) SetOverride(ctx context.Context, orgID snowflake.ID, base, target domain.CurrencyCode, rate decimal.Decimal) (*domain.ExchangeRate, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	base, target, err := parsePair(base, target)
	if err != nil {
		return nil, err
	}
	if !rate.IsPositive() {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidRate, rate.String())
	}

	now := s.clock.Now()
	scope := domain.OrganizationScope(orgID)
	if err := s.repo.Upsert(ctx, s.db, domain.UpsertParams{
		Scope:  scope,
		OrgID:  &orgID,
		Base:   base,
		Target: target,
		Rate:   rate,
		Source: domain.SourceUser,
		Now:    now,
	}); err != nil {
		return nil, err
	}

	row, err := s.repo.FindScoped(ctx, s.db, scope, base, target, now)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, domain.ErrOverrideNotFound
	}

	s.log.Info("organization rate override set",
		zap.String("org_id", orgID.String()),
		zap.String("base", base.String()),
		zap.String("target", target.String()),
		zap.String("rate", rate.String()),
	)
	return row, nil
}

// ClearOverride deactivates the organization rate. The row is kept.
func (s *Service) ClearOverride(ctx context.Context, orgID snowflake.ID, base, target domain.CurrencyCode) error {
	if orgID == 0 {
		return domain.ErrInvalidOrganization
	}
	base, target, err := parsePair(base, target)
	if err != nil {
		return err
	}

	affected, err := s.repo.DeactivateScoped(ctx, s.db, domain.OrganizationScope(orgID), base, target, s.clock.Now())
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrOverrideNotFound
	}
	return nil
}

func parsePair(base, target domain.CurrencyCode) (domain.CurrencyCode, domain.CurrencyCode, error) {
	b, err := domain.ParseCurrencyCode(string(base))
	if err != nil {
		return "", "", err
	}
	t, err := domain.ParseCurrencyCode(string(target))
	if err != nil {
		return "", "", err
	}
	if b == t {
		return "", "", fmt.Errorf("%w: base and target are both %s", domain.ErrInvalidCurrency, b)
	}
	return b, t, nil
}
