package authrequest

import (
	"github.com/smallbiznis/payauth/internal/authrequest/domain"
	"github.com/smallbiznis/payauth/internal/authrequest/repository"
	"github.com/smallbiznis/payauth/internal/authrequest/service"
	"github.com/smallbiznis/payauth/internal/outbox/relay"
	"go.uber.org/fx"
)

var Module = fx.Module("authrequest",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewWaiterRegistry),
	fx.Provide(func(r *relay.Relay) service.OutboxWaker { return r }),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
)
