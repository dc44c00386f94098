package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/drawledger/internal/blobstore"
	"github.com/smallbiznis/drawledger/internal/clock"
	"github.com/smallbiznis/drawledger/internal/config"
	"github.com/smallbiznis/drawledger/internal/drawing"
	"github.com/smallbiznis/drawledger/internal/jobqueue"
	"github.com/smallbiznis/drawledger/internal/migration"
	"github.com/smallbiznis/drawledger/internal/observability"
	"github.com/smallbiznis/drawledger/internal/server"
	"github.com/smallbiznis/drawledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		blobstore.Module,
		// Publisher only; jobs run in apps/worker.
		jobqueue.Module,
		drawing.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
