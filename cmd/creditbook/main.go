package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditbook/internal/clock"
	"github.com/smallbiznis/creditbook/internal/config"
	"github.com/smallbiznis/creditbook/internal/credit"
	"github.com/smallbiznis/creditbook/internal/events"
	"github.com/smallbiznis/creditbook/internal/migration"
	"github.com/smallbiznis/creditbook/internal/observability"
	"github.com/smallbiznis/creditbook/internal/server"
	"github.com/smallbiznis/creditbook/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		migration.Module,
		events.Module,
		credit.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
