package main

import (
	"context"

	"autotrader/internal/modules/config"
	"autotrader/internal/modules/health"
	"autotrader/internal/modules/notifier"
	oanda "autotrader/internal/modules/oanda_client"
	"autotrader/internal/modules/observability"
	"autotrader/internal/modules/source"
	"autotrader/internal/modules/storage"
	telegram "autotrader/internal/modules/telegram_bot"
	"autotrader/internal/runner"

	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		config.Module(),
		observability.Module(),
		storage.Module(),
		oanda.Module(),
		source.Module(),
		telegram.Module(),
		notifier.Module(),
		runner.Module(),
		health.Module(),
	)
	// Run ждёт SIGINT/SIGTERM и гасит модули в обратном порядке:
	// движок останавливается раньше стора и нотификатора.
	app.Run()
}
