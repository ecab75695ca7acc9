package sweeper

import (
	"context"

	"github.com/Gegcuk/tokenledger/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("sweeper",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(RunSweeper),
)

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Sweeper.RunInterval,
		BatchSize:   cfg.Sweeper.BatchSize,
	}.withDefaults()
}

func RunSweeper(lc fx.Lifecycle, sweeper *Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sweeper.RunForever(ctx)

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
