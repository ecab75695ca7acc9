package subscription

import (
	"github.com/Gegcuk/tokenledger/internal/subscription/repository"
	"github.com/Gegcuk/tokenledger/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
