package observability

import (
	"context"

	"autotrader/internal/modules/config"
	"autotrader/pkg/logger"
	"autotrader/pkg/tracing"

	"go.uber.org/fx"
)

// Module настраивает логгер и, если включено, jaeger-трейсер.
// Должен идти сразу после config, чтобы остальные модули логировали уже в zap.
func Module() fx.Option {
	return fx.Module("observability",
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config) error {
			logger.SetServiceName(cfg.Service.Name)
			tracing.SetServiceName(cfg.Service.Name)
			if err := logger.Init(cfg.Service.LogLevel); err != nil {
				return err
			}

			closeTracer := func() {}
			if cfg.Tracing.Enabled {
				_, closer, err := tracing.InitTracer(tracing.Config{Host: cfg.Tracing.Host, Port: cfg.Tracing.Port})
				if err != nil {
					return err
				}
				closeTracer = closer
				logger.Info("[TRACING] jaeger agent %s:%d", cfg.Tracing.Host, cfg.Tracing.Port)
			}

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					closeTracer()
					logger.Sync()
					return nil
				},
			})
			return nil
		}),
	)
}
