package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/migration"
	"github.com/smallbiznis/payauth/internal/observability"
	"github.com/smallbiznis/payauth/internal/paymentconfig"
	"github.com/smallbiznis/payauth/internal/server"
	"github.com/smallbiznis/payauth/internal/tokenstore"
	"github.com/smallbiznis/payauth/pkg/db"
	"go.uber.org/fx"
)

// Token store role: tokenization and the signed decrypt endpoint, isolated
// from the rest of the platform so only this deployment reaches the token
// database.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		paymentconfig.Module,
		tokenstore.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterTokenRoutes()
			s.RegisterInternalRoutes()
		}),
		fx.Invoke(server.RunHTTP),
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
