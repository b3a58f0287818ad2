package runner

import (
	"context"

	"autotrader/pkg/logger"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			NewEngine, // *Engine
		),
		fx.Invoke(func(lc fx.Lifecycle, cfg Config, e *Engine) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if !cfg.Engine.AutoStart {
						logger.Info("[ENGINE] auto start disabled, waiting for /start")
						return nil
					}
					return e.Start(ctx)
				},
				OnStop: func(ctx context.Context) error {
					return e.Stop(ctx)
				},
			})
		}),
	)
}
