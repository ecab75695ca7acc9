package ledger

import (
	"github.com/Gegcuk/tokenledger/internal/ledger/repository"
	"github.com/Gegcuk/tokenledger/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
