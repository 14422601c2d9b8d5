package domain

import (
	"context"
	"errors"

	ratedomain "github.com/smallbiznis/fxrates/internal/exchangerate/domain"
)

// Service re-denominates an owner's monetary records into a new currency.
type Service interface {
	Preview(ctx context.Context, owner Owner, target ratedomain.CurrencyCode) (Preview, error)
	Migrate(ctx context.Context, owner Owner, target ratedomain.CurrencyCode) (Result, error)
}

var (
	ErrOwnerNotFound   = errors.New("owner_not_found")
	ErrInvalidOwner    = errors.New("invalid_owner")
	ErrInvalidCurrency = ratedomain.ErrInvalidCurrency
)
