package source

import (
	"autotrader/internal/modules/config"
	"autotrader/internal/source"
	"autotrader/pkg/logger"

	"go.uber.org/fx"
)

func NewSource(cfg *config.Config) source.Source {
	if cfg.Source.Kind == "http" {
		logger.Info("[SOURCE] http %s", cfg.Source.URL)
		return source.NewHTTP(cfg.Source.URL, cfg.Source.Token, cfg.Source.Timeout)
	}
	logger.Info("[SOURCE] file %s", cfg.Source.Path)
	return source.NewFile(cfg.Source.Path)
}

func Module() fx.Option {
	return fx.Module("source",
		fx.Provide(
			NewSource,
		),
	)
}
