package exchangerate

import (
	"context"

	"github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"github.com/smallbiznis/fxrates/internal/exchangerate/provider"
	"github.com/smallbiznis/fxrates/internal/exchangerate/repository"
	"github.com/smallbiznis/fxrates/internal/exchangerate/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("exchangerate",
	fx.Provide(repository.Provide),
	fx.Provide(provider.New),
	fx.Provide(func(c *provider.Client) service.PairFetcher { return c }),
	fx.Provide(service.New),
	fx.Provide(
		func(s *service.Service) domain.Resolver { return s },
		func(s *service.Service) domain.Converter { return s },
		func(s *service.Service) domain.OverrideService { return s },
	),
	fx.Invoke(registerSeed),
)

func registerSeed(lc fx.Lifecycle, svc *service.Service, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := svc.SeedStaticRates(ctx); err != nil {
				log.Error("seed static exchange rates failed", zap.Error(err))
				return err
			}
			return nil
		},
	})
}
