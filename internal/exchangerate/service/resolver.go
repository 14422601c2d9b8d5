package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fxrates/internal/clock"
	"github.com/smallbiznis/fxrates/internal/config"
	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"github.com/smallbiznis/fxrates/internal/exchangerate/provider"
	"github.com/smallbiznis/fxrates/internal/observability/logger"
	"github.com/smallbiznis/fxrates/internal/observability/metrics"
	"github.com/smallbiznis/fxrates/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// inverseScale matches the precision of the rate column.
const inverseScale = 12

// PairFetcher is the part of the provider client used for live fetches.
type PairFetcher interface {
	FetchPair(ctx context.Context, from, to domain.CurrencyCode, amount *decimal.Decimal) (*provider.PairQuote, error)
}

// LiveFetchBudget admits or denies a request-path provider call.
type LiveFetchBudget interface {
	AllowLiveFetch(ctx context.Context) (*ratelimit.RateLimitResult, error)
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.ExchangeConfig
	Repo    domain.Repository
	Fetcher PairFetcher
	Clock   clock.Clock
	Budget  *ratelimit.ProviderBudget `optional:"true"`
	Metrics *metrics.Metrics          `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.ExchangeConfig
	repo     domain.Repository
	fetcher  PairFetcher
	clock    clock.Clock
	budget   LiveFetchBudget
	metrics  *metrics.Metrics
	counters *metrics.ExchangeMetrics
}

func New(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	svc := &Service{
		db:       p.DB,
		log:      p.Log.Named("exchangerate.service"),
		cfg:      p.Config,
		repo:     p.Repo,
		fetcher:  p.Fetcher,
		clock:    clk,
		metrics:  p.Metrics,
		counters: metrics.Exchange(),
	}
	if p.Budget != nil {
		svc.budget = p.Budget
	}
	return svc
}

// Resolve walks the tiers in order and returns the first rate found.
// Store and provider failures move resolution to the next tier; only
// exhaustion is reported, as ErrRateNotFound.
func (s *Service) Resolve(ctx context.Context, req domain.ResolveRequest) (domain.Resolution, error) {
	from, err := domain.ParseCurrencyCode(string(req.From))
	if err != nil {
		return domain.Resolution{Tier: domain.TierNone}, err
	}
	to, err := domain.ParseCurrencyCode(string(req.To))
	if err != nil {
		return domain.Resolution{Tier: domain.TierNone}, err
	}

	log := logger.WithContext(ctx, s.log).With(
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)

	if from == to {
		return s.resolved(domain.Resolution{Rate: decimal.NewFromInt(1), Tier: domain.TierIdentity}), nil
	}

	now := s.clock.Now()
	if req.OrgID != nil && *req.OrgID != 0 {
		scope := domain.OrganizationScope(*req.OrgID)
		log = log.With(zap.String("org_id", req.OrgID.String()))

		row, err := s.repo.FindScoped(ctx, s.db, scope, from, to, now)
		if err != nil {
			log.Warn("organization rate lookup failed", zap.Error(err))
		} else if row != nil {
			return s.resolved(fromRow(row, domain.TierOrgDirect, false)), nil
		}

		row, err = s.repo.FindScoped(ctx, s.db, scope, to, from, now)
		if err != nil {
			log.Warn("organization reverse rate lookup failed", zap.Error(err))
		} else if row != nil {
			if res, ok := invertRow(row, domain.TierOrgReverse, false); ok {
				return s.resolved(res), nil
			}
		}
	}

	row, err := s.repo.FindValid(ctx, s.db, nil, from, to, now)
	if err != nil {
		log.Warn("global rate lookup failed", zap.Error(err))
	} else if row != nil {
		return s.resolved(fromRow(row, domain.TierGlobal, false)), nil
	}

	res, liveErr := s.fetchLive(ctx, log, from, to)
	if liveErr == nil {
		return s.resolved(res), nil
	}

	if res, ok := s.findStale(ctx, log, req.OrgID, from, to); ok {
		log.Warn("serving stale exchange rate",
			zap.String("tier", string(res.Tier)),
			zap.String("scope", string(res.Scope)),
			zap.String("rate", res.Rate.String()),
			zap.Duration("age", staleAge(res, s.clock.Now())),
			zap.NamedError("live_error", liveErr),
		)
		return s.resolved(res), nil
	}

	s.counters.IncResolution(string(domain.TierNone))
	return domain.Resolution{Tier: domain.TierNone}, errors.Join(domain.ErrRateNotFound, liveErr)
}

// fetchLive asks the provider for the pair and writes the answer through
// to the store as a fresh global row.
func (s *Service) fetchLive(ctx context.Context, log *zap.Logger, from, to domain.CurrencyCode) (domain.Resolution, error) {
	if s.fetcher == nil {
		return domain.Resolution{}, domain.ErrProviderNotConfigured
	}
	if err := s.admitLiveFetch(ctx, log); err != nil {
		return domain.Resolution{}, err
	}

	quote, err := s.fetcher.FetchPair(ctx, from, to, nil)
	if err != nil {
		return domain.Resolution{}, err
	}

	now := s.clock.Now()
	err = s.repo.Upsert(ctx, s.db, domain.UpsertParams{
		Scope:                domain.GlobalScope,
		Base:                 from,
		Target:               to,
		Rate:                 quote.Rate,
		Source:               domain.SourceAPI,
		TTL:                  s.cfg.CacheTTL,
		ProviderLastUpdateAt: quote.LastUpdateAt,
		ProviderNextUpdateAt: quote.NextUpdateAt,
		Now:                  now,
	})
	if err != nil {
		log.Warn("live rate write-through failed", zap.Error(err))
	}

	return domain.Resolution{
		Rate:          quote.Rate,
		Tier:          domain.TierLive,
		Source:        domain.SourceAPI,
		Scope:         domain.GlobalScope,
		LastUpdatedAt: &now,
	}, nil
}

func (s *Service) admitLiveFetch(ctx context.Context, log *zap.Logger) error {
	if s.budget == nil {
		return nil
	}
	result, err := s.budget.AllowLiveFetch(ctx)
	if err != nil {
		// Fail open when redis is unreachable.
		log.Warn("live fetch budget unavailable", zap.Error(err))
		s.metrics.RecordLiveFetchAllowed(ctx)
		return nil
	}
	if result != nil && !result.Allowed {
		s.metrics.RecordLiveFetchDenied(ctx, "budget_exhausted")
		return errLiveFetchDenied
	}
	s.metrics.RecordLiveFetchAllowed(ctx)
	return nil
}

var errLiveFetchDenied = errors.New("live_fetch_denied")

// findStale returns any cached row for the pair, expired or retired,
// trying the direct pair before the inverted reverse pair.
func (s *Service) findStale(ctx context.Context, log *zap.Logger, orgID *snowflake.ID, from, to domain.CurrencyCode) (domain.Resolution, bool) {
	row, err := s.repo.FindLatestAny(ctx, s.db, orgID, from, to)
	if err != nil {
		log.Warn("stale rate lookup failed", zap.Error(err))
	} else if row != nil && row.Rate.IsPositive() {
		return fromRow(row, domain.TierStale, true), true
	}

	row, err = s.repo.FindLatestAny(ctx, s.db, orgID, to, from)
	if err != nil {
		log.Warn("stale reverse rate lookup failed", zap.Error(err))
		return domain.Resolution{}, false
	}
	if row == nil {
		return domain.Resolution{}, false
	}
	return invertRow(row, domain.TierStale, true)
}

func (s *Service) resolved(res domain.Resolution) domain.Resolution {
	s.counters.IncResolution(string(res.Tier))
	return res
}

func fromRow(row *domain.ExchangeRate, tier domain.Tier, stale bool) domain.Resolution {
	updated := row.LastUpdatedAt
	return domain.Resolution{
		Rate:          row.Rate,
		Tier:          tier,
		Source:        row.Source,
		Scope:         row.Scope,
		Stale:         stale,
		LastUpdatedAt: &updated,
	}
}

func invertRow(row *domain.ExchangeRate, tier domain.Tier, stale bool) (domain.Resolution, bool) {
	if !row.Rate.IsPositive() {
		return domain.Resolution{}, false
	}
	res := fromRow(row, tier, stale)
	res.Rate = decimal.NewFromInt(1).DivRound(row.Rate, inverseScale)
	return res, true
}

func staleAge(res domain.Resolution, now time.Time) time.Duration {
	if res.LastUpdatedAt == nil {
		return 0
	}
	return now.Sub(*res.LastUpdatedAt)
}
