package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/eventlog"
	"github.com/smallbiznis/payauth/internal/migration"
	"github.com/smallbiznis/payauth/internal/server"
	"github.com/smallbiznis/payauth/pkg/db"
	"go.uber.org/fx"
)

// API role: ingress, status reads and the outbox relay. Queue consumption
// happens in the worker binary, so this deployment needs the redis queue
// driver to hand work across.
func main() {
	app := fx.New(
		config.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		eventlog.Module,
		migration.Module,

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
