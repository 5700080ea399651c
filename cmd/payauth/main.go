package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/eventlog"
	"github.com/smallbiznis/payauth/internal/migration"
	"github.com/smallbiznis/payauth/internal/seed"
	"github.com/smallbiznis/payauth/internal/server"
	"github.com/smallbiznis/payauth/internal/worker"
	"github.com/smallbiznis/payauth/pkg/db"
	"go.uber.org/fx"
)

// All-in-one binary: API, token store, workers and outbox relay in a single
// process. The apps/ binaries split the same modules across deployments.
func main() {
	app := fx.New(
		config.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		eventlog.Module,
		migration.Module,

		server.Module,
		worker.Module,
		seed.Module,
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
