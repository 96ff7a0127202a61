package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/careops/carebilling/internal/clock"
	"github.com/careops/carebilling/internal/config"
	"github.com/careops/carebilling/internal/migration"
	"github.com/careops/carebilling/internal/observability"
	"github.com/careops/carebilling/internal/server"
	"github.com/careops/carebilling/pkg/db"
	"github.com/careops/carebilling/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		fx.Provide(log.NewLogger),
		fx.Provide(config.NewBillingConfigHolder),
		fx.Provide(RegisterSnowflake),
		observability.Module,
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
	)

	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}
	return node, nil
}
