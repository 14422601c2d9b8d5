package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fxrates/internal/clock"
	"github.com/smallbiznis/fxrates/internal/config"
	"github.com/smallbiznis/fxrates/internal/currencymigration"
	"github.com/smallbiznis/fxrates/internal/exchangerate"
	"github.com/smallbiznis/fxrates/internal/migration"
	"github.com/smallbiznis/fxrates/internal/observability"
	"github.com/smallbiznis/fxrates/internal/ratelimit"
	"github.com/smallbiznis/fxrates/internal/scheduler"
	"github.com/smallbiznis/fxrates/internal/server"
	"github.com/smallbiznis/fxrates/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,

		// Functional Domains
		exchangerate.Module,
		currencymigration.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeID)
}
