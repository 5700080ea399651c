package outbox

import (
	"context"

	"github.com/smallbiznis/payauth/internal/outbox/relay"
	"github.com/smallbiznis/payauth/internal/outbox/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("outbox",
	fx.Provide(repository.Provide),
	fx.Provide(relay.New),
	fx.Invoke(RunRelay),
)

func RunRelay(lc fx.Lifecycle, r *relay.Relay) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())

			go r.RunForever(runCtx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
