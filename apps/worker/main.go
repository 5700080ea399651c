package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payauth/internal/authrequest"
	"github.com/smallbiznis/payauth/internal/clock"
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/eventlog"
	"github.com/smallbiznis/payauth/internal/lock"
	"github.com/smallbiznis/payauth/internal/observability"
	"github.com/smallbiznis/payauth/internal/outbox"
	"github.com/smallbiznis/payauth/internal/paymentconfig"
	"github.com/smallbiznis/payauth/internal/processor"
	"github.com/smallbiznis/payauth/internal/queue/queuefx"
	"github.com/smallbiznis/payauth/internal/tokenstore"
	tsclient "github.com/smallbiznis/payauth/internal/tokenstore/client"
	"github.com/smallbiznis/payauth/internal/worker"
	"github.com/smallbiznis/payauth/pkg/db"
	"go.uber.org/fx"
)

// Worker role: drains the auth and void queues. Card data comes from the
// token store deployment over its signed internal endpoint, so this process
// never touches the token database.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		eventlog.Module,

		queuefx.Module,
		outbox.Module,
		paymentconfig.Module,
		processor.Module,
		lock.Module,
		authrequest.Module,
		fx.Provide(func(cfg config.Config) tokenstore.Decryptor {
			return tsclient.New(cfg.TokenStoreURL, cfg.ServiceAuthSecret)
		}),

		worker.Module,
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
