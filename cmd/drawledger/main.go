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
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// Collaborators
		blobstore.Module,
		jobqueue.Module,

		// Ledger
		drawing.Module,
		drawing.JobsModule,

		// HTTP + in-process worker
		server.Module,
		jobqueue.WorkerModule,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
