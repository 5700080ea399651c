package worker

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("worker",
	fx.Provide(New),
	fx.Provide(NewVoidWorker),
	fx.Invoke(Run),
)

func Run(lc fx.Lifecycle, w *Worker, vw *VoidWorker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())

			go w.Run(runCtx)
			go vw.Run(runCtx)

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
