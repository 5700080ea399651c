package paymentconfig

import (
	"github.com/smallbiznis/payauth/internal/paymentconfig/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("paymentconfig",
	fx.Provide(repository.Provide),
)
