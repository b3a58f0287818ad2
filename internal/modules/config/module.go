package config

import (
	"autotrader/internal/runner"

	"go.uber.org/fx"
)

// Module регистрирует конфиг и производные от него параметры движка.
func Module() fx.Option {
	return fx.Module("config",
		fx.Provide(
			NewConfig,
			func(c *Config) runner.Config { return c.Runner() },
		),
	)
}
