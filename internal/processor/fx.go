package processor

import (
	"github.com/smallbiznis/payauth/internal/config"
	"github.com/smallbiznis/payauth/internal/processor/adapters"
	"github.com/smallbiznis/payauth/internal/processor/adapters/mock"
	"github.com/smallbiznis/payauth/internal/processor/adapters/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("processor",
	fx.Provide(func(cfg config.Config) *adapters.Registry {
		return adapters.NewRegistry(
			mock.NewFactory(),
			stripe.NewFactory(stripe.WithStrictInvalidRequest(cfg.StrictInvalidRequest)),
		)
	}),
)
