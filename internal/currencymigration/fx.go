package currencymigration

import (
	"github.com/smallbiznis/fxrates/internal/currencymigration/repository"
	"github.com/smallbiznis/fxrates/internal/currencymigration/service"
	"go.uber.org/fx"
)

var Module = fx.Module("currencymigration.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
